// Package app wires all CantinaOS services into a running application.
//
// The App struct owns the full lifecycle: New creates the bus, the stores,
// and every service in dependency order; Run starts them and blocks until
// a shutdown is requested; Shutdown stops them in reverse order.
//
// For testing, inject mock backends and providers; when the dashboard or
// metrics addresses are empty those surfaces are simply not started.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	audioctl "github.com/cantinaos/cantina/internal/audio"
	"github.com/cantinaos/cantina/internal/bridge"
	"github.com/cantinaos/cantina/internal/cli"
	"github.com/cantinaos/cantina/internal/command"
	"github.com/cantinaos/cantina/internal/config"
	"github.com/cantinaos/cantina/internal/dj"
	"github.com/cantinaos/cantina/internal/health"
	"github.com/cantinaos/cantina/internal/logging"
	"github.com/cantinaos/cantina/internal/mode"
	"github.com/cantinaos/cantina/internal/music"
	"github.com/cantinaos/cantina/internal/observe"
	"github.com/cantinaos/cantina/internal/service"
	"github.com/cantinaos/cantina/internal/speech"
	"github.com/cantinaos/cantina/internal/status"
	"github.com/cantinaos/cantina/internal/store"
	"github.com/cantinaos/cantina/internal/timeline"
	"github.com/cantinaos/cantina/internal/voice"
	"github.com/cantinaos/cantina/pkg/audio"
	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
	"github.com/cantinaos/cantina/pkg/provider/llm"
	"github.com/cantinaos/cantina/pkg/provider/stt"
	"github.com/cantinaos/cantina/pkg/provider/tts"
)

// ErrRestart is returned by Run when a restart was requested rather than
// an exit. The main loop tears the app down and builds a fresh one.
var ErrRestart = errors.New("app: restart requested")

// Providers holds one interface value per provider slot. Nil means the
// capability is not configured and the owning service degrades.
type Providers struct {
	LLM llm.Provider
	TTS tts.Provider
	STT stt.Provider
}

// Backends holds the audio device implementations. All three are required;
// tests and the default binary use the in-memory mocks.
type Backends struct {
	Music   audio.MusicBackend
	Speech  audio.SpeechPlayer
	Capture audio.CaptureSource
}

// Option is a functional option for New.
type Option func(*App)

// WithCLIOptions forwards options to the console service (test streams,
// prompt suppression).
func WithCLIOptions(opts ...cli.Option) Option {
	return func(a *App) { a.cliOpts = opts }
}

// WithMetrics injects a metrics instance instead of the process-global
// default. Tests use this to avoid cross-test pollution.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithoutConsole disables the stdin console (dashboard-only deployments).
func WithoutConsole() Option {
	return func(a *App) { a.noConsole = true }
}

// App owns all service lifetimes.
type App struct {
	cfg       *config.Config
	logs      *logging.Registry
	providers *Providers
	backends  *Backends

	metrics   *observe.Metrics
	cliOpts   []cli.Option
	noConsole bool

	bus     *bus.Bus
	memory  *store.Store
	library *music.Library

	coordinator *audioctl.Coordinator
	commentary  *dj.Commentary

	// services in start order; Shutdown walks it backwards.
	services []service.Service
	started  []service.Service

	httpSrv  *http.Server
	shutdown chan events.ShutdownRequestedPayload
	stopOnce sync.Once
}

// New wires the application. Nothing is started yet; Run does that.
func New(cfg *config.Config, logs *logging.Registry, providers *Providers, backends *Backends, opts ...Option) (*App, error) {
	if backends == nil || backends.Music == nil || backends.Speech == nil {
		return nil, errors.New("app: music and speech backends are required")
	}
	if providers == nil {
		providers = &Providers{}
	}

	a := &App{
		cfg:       cfg,
		logs:      logs,
		providers: providers,
		backends:  backends,
		shutdown:  make(chan events.ShutdownRequestedPayload, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── Bus and stores ───────────────────────────────────────────────────
	a.bus = bus.New(events.NewRegistry(),
		bus.WithQueueBound(cfg.Bus.QueueBound),
		bus.WithHighFrequencyBound(cfg.Bus.HighFrequencyBound),
		bus.WithDropHook(func(topic events.Topic, svc string) {
			a.metrics.RecordQueueDrop(string(topic), svc)
		}),
	)

	storeOpts := []store.Option{}
	if cfg.Memory.SnapshotPath != "" {
		storeOpts = append(storeOpts, store.WithSnapshot(cfg.Memory.SnapshotPath))
	}
	if logs != nil {
		storeOpts = append(storeOpts, store.WithLogger(logs.Component("store")))
	}
	a.memory = store.New(storeOpts...)

	library, err := music.NewLibrary(cfg.Music)
	if err != nil {
		return nil, fmt.Errorf("app: load music library: %w", err)
	}
	a.library = library

	// ── Services, in dependency order ────────────────────────────────────
	a.coordinator = audioctl.New(a.bus, []audioctl.Option{
		audioctl.WithUserVolume(cfg.Audio.DefaultVolume),
		audioctl.WithDuckLevel(cfg.Audio.DuckingLevel),
	}, a.svcOpts(audioctl.ServiceName)...)

	a.commentary = dj.NewCommentary(a.bus, providers.LLM,
		[]dj.CommentaryOption{dj.WithPersona(cfg.DJ.Persona)},
		a.svcOpts(dj.CommentaryServiceName)...)

	dispatcher := command.New(a.bus, a.svcOpts(command.ServiceName)...)
	if err := command.RegisterBuiltins(dispatcher); err != nil {
		return nil, fmt.Errorf("app: register commands: %w", err)
	}

	a.services = []service.Service{
		observe.NewTap(a.bus, a.metrics, a.svcOpts(observe.TapServiceName)...),
		mode.New(a.bus, a.svcOpts(mode.ServiceName)...),
		timeline.NewWith(a.bus, []timeline.Option{
			timeline.WithSpeechTimeout(cfg.Timeline.SpeechStepTimeout),
			timeline.WithCrossfadeSlack(cfg.Timeline.CrossfadeSlack),
			timeline.WithDuckLevel(cfg.Audio.DuckingLevel),
		}, a.svcOpts(timeline.ServiceName)...),
		a.coordinator,
		music.New(a.bus, backends.Music, library, []music.Option{
			music.WithEndingLead(cfg.Music.EndingLead),
			music.WithInitialVolume(cfg.Audio.DefaultVolume),
		}, a.svcOpts(music.ServiceName)...),
		speech.New(a.bus, providers.TTS, backends.Speech, []speech.Option{
			speech.WithCacheSize(cfg.Speech.CacheSize),
		}, a.svcOpts(speech.ServiceName)...),
		a.commentary,
		dj.New(a.bus, library, a.memory, []dj.Option{
			dj.WithHistorySize(cfg.DJ.HistorySize),
			dj.WithCommentaryWait(cfg.DJ.CommentaryWait),
			dj.WithSynthesisEstimate(cfg.Speech.SynthesisEstimate),
			dj.WithFade(cfg.Music.CrossfadeMs),
		}, a.svcOpts(dj.ServiceName)...),
		voice.NewListener(a.bus, providers.STT, backends.Capture, a.svcOpts(voice.ListenerServiceName)...),
		voice.NewIntent(a.bus, providers.LLM, a.svcOpts(voice.IntentServiceName)...),
		dispatcher,
		status.New(a.bus, logs, a.svcOpts(status.ServiceName)...),
	}
	if !a.noConsole {
		a.services = append(a.services, cli.New(a.bus, a.cliOpts, a.svcOpts(cli.ServiceName)...))
	}
	if cfg.Server.DashboardAddr != "" {
		a.services = append(a.services,
			bridge.New(a.bus, cfg.Server.DashboardAddr, a.svcOpts(bridge.ServiceName)...))
	}

	return a, nil
}

// svcOpts builds the shared per-service options.
func (a *App) svcOpts(name string) []service.Option {
	opts := []service.Option{service.WithStopGrace(a.cfg.Server.StopGrace)}
	if a.logs != nil {
		opts = append(opts, service.WithLogger(a.logs.Component(name)))
	}
	return opts
}

// Bus exposes the event bus, for tests and the config watcher wiring.
func (a *App) Bus() *bus.Bus { return a.bus }

// Store exposes the working-memory store.
func (a *App) Store() *store.Store { return a.memory }

// ApplyConfigChange applies the hot-reloadable subset of a config diff.
func (a *App) ApplyConfigChange(d config.ConfigDiff) {
	if !d.Any() {
		return
	}
	if d.LogLevelChanged && a.logs != nil {
		a.logs.SetLevel("", d.NewLogLevel)
	}
	if d.PersonaChanged {
		a.commentary.SetPersona(d.NewPersona)
	}
	if d.DuckingLevelChanged {
		a.coordinator.SetDuckLevel(d.NewDuckingLevel)
	}
}

// Run starts every service and blocks until ctx is cancelled or a
// shutdown is requested over the bus. Returns ErrRestart when the request
// asked for a restart.
func (a *App) Run(ctx context.Context) error {
	sub, err := a.bus.Subscribe(events.TopicShutdownRequested, "main", a.onShutdownRequested)
	if err != nil {
		return fmt.Errorf("app: subscribe shutdown: %w", err)
	}
	defer a.bus.Unsubscribe(sub)

	for _, svc := range a.services {
		if err := svc.Start(ctx); err != nil {
			a.stopStarted(context.Background())
			return fmt.Errorf("app: start %s: %w", svc.Name(), err)
		}
		a.started = append(a.started, svc)
	}

	if a.cfg.Server.MetricsAddr != "" {
		if err := a.serveMetrics(); err != nil {
			a.stopStarted(context.Background())
			return err
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case req := <-a.shutdown:
		if req.Restart {
			return ErrRestart
		}
		return nil
	}
}

func (a *App) onShutdownRequested(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.ShutdownRequestedPayload)
	if !ok {
		return fmt.Errorf("app: unexpected payload %T", env.Payload)
	}
	select {
	case a.shutdown <- *p:
	default:
	}
	return nil
}

// serveMetrics starts the Prometheus scrape and health endpoint server.
func (a *App) serveMetrics() error {
	checks := health.New(
		health.Simple("bus", func() bool { return a.bus.TotalHandlers() > 0 }, "no subscriptions"),
		health.Simple("library", func() bool { return a.library.Len() > 0 }, "music library is empty"),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	checks.Register(mux)

	ln, err := net.Listen("tcp", a.cfg.Server.MetricsAddr)
	if err != nil {
		return fmt.Errorf("app: metrics listen %s: %w", a.cfg.Server.MetricsAddr, err)
	}
	a.httpSrv = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// The scrape endpoint is auxiliary; its failure is not fatal.
			if a.logs != nil {
				a.logs.Component("app").Error("metrics server failed", "err", err)
			}
		}
	}()
	return nil
}

// Shutdown stops every started service in reverse order, then closes the
// bus. It respects the context deadline; services left over when it
// expires are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.httpSrv != nil {
			a.httpSrv.Shutdown(ctx)
		}
		for i := len(a.started) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				shutdownErr = ctx.Err()
				return
			default:
			}
			svc := a.started[i]
			if err := svc.Stop(ctx); err != nil {
				if a.logs != nil {
					a.logs.Component("app").Warn("service stop failed", "service", svc.Name(), "err", err)
				}
			}
		}
		a.bus.Close()
		a.backends.Music.Close()
		if a.backends.Capture != nil {
			a.backends.Capture.Close()
		}
	})
	return shutdownErr
}

// stopStarted is the failure path of Run: tear down whatever got up.
func (a *App) stopStarted(ctx context.Context) {
	for i := len(a.started) - 1; i >= 0; i-- {
		a.started[i].Stop(ctx)
	}
	a.started = nil
	a.bus.Close()
}
