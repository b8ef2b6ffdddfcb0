package app_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/cantinaos/cantina/internal/app"
	"github.com/cantinaos/cantina/internal/config"
	"github.com/cantinaos/cantina/internal/logging"
	"github.com/cantinaos/cantina/internal/observe"
	"github.com/cantinaos/cantina/pkg/audio/mock"
	"github.com/cantinaos/cantina/pkg/events"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.StopGrace = 200 * time.Millisecond
	cfg.Music.Tracks = []config.TrackEntry{
		{TrackID: "cantina-band", Title: "Cantina Band", Artist: "Figrin D'an", Filepath: "cantina.mp3", DurationS: 180},
		{TrackID: "mad-about-me", Title: "Mad About Me", Artist: "Figrin D'an", Filepath: "mad.mp3", DurationS: 160},
	}
	return cfg
}

func testBackends() *app.Backends {
	return &app.Backends{
		Music:   mock.NewMusicBackend(),
		Speech:  &mock.SpeechPlayer{},
		Capture: mock.NewCaptureSource(),
	}
}

// startApp builds the app with mock backends, runs it in the background,
// and waits until the dispatcher is listening before returning.
func startApp(t *testing.T, cfg *config.Config, logs *logging.Registry, opts ...app.Option) (*app.App, *app.Backends, chan error) {
	t.Helper()
	backends := testBackends()
	opts = append([]app.Option{app.WithoutConsole(), app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(cfg, logs, nil, backends, opts...)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Shutdown(stopCtx)
	})

	deadline := time.Now().Add(2 * time.Second)
	for a.Bus().HandlerCount(events.TopicRawInput) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dispatcher never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return a, backends, runErr
}

func sendInput(t *testing.T, a *app.App, line string) {
	t.Helper()
	if err := a.Bus().Publish(events.TopicRawInput, &events.RawInputPayload{
		Input: line, Source: "cli",
	}); err != nil {
		t.Fatalf("publish %q: %v", line, err)
	}
}

func waitRunResult(t *testing.T, runErr chan error) error {
	t.Helper()
	select {
	case err := <-runErr:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestNew_RequiresAudioBackends(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		backends *app.Backends
	}{
		{"nil backends", nil},
		{"no music", &app.Backends{Speech: &mock.SpeechPlayer{}}},
		{"no speech", &app.Backends{Music: mock.NewMusicBackend()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := app.New(testConfig(), nil, nil, tc.backends, app.WithoutConsole())
			if err == nil || !strings.Contains(err.Error(), "backends are required") {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestNew_BadLibraryDirFails(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Music.Tracks = nil
	cfg.Music.LibraryDir = "/nonexistent/cantina/music"
	_, err := app.New(cfg, nil, nil, testBackends(), app.WithoutConsole())
	if err == nil || !strings.Contains(err.Error(), "music library") {
		t.Errorf("err = %v", err)
	}
}

func TestApp_QuitCommandEndsRun(t *testing.T) {
	t.Parallel()
	a, _, runErr := startApp(t, testConfig(), nil)

	sendInput(t, a, "quit")
	if err := waitRunResult(t, runErr); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestApp_RestartCommandReturnsErrRestart(t *testing.T) {
	t.Parallel()
	a, _, runErr := startApp(t, testConfig(), nil)

	sendInput(t, a, "restart")
	if err := waitRunResult(t, runErr); !errors.Is(err, app.ErrRestart) {
		t.Errorf("Run = %v, want ErrRestart", err)
	}
}

func TestApp_ContextCancelEndsRun(t *testing.T) {
	t.Parallel()
	backends := testBackends()
	a, err := app.New(testConfig(), nil, nil, backends,
		app.WithoutConsole(), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Shutdown(stopCtx)
	})

	deadline := time.Now().Add(2 * time.Second)
	for a.Bus().HandlerCount(events.TopicRawInput) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dispatcher never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := waitRunResult(t, runErr); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestApp_PlayAndVolumeCommandsReachBackend(t *testing.T) {
	t.Parallel()
	a, backends, _ := startApp(t, testConfig(), nil)
	backend := backends.Music.(*mock.MusicBackend)

	// Library order is by title, so index 1 is Cantina Band.
	sendInput(t, a, "play music 1")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if track, ok := backend.Current(); ok && track.TrackID == "cantina-band" {
			break
		}
		if time.Now().After(deadline) {
			track, ok := backend.Current()
			t.Fatalf("backend playing %v (ok=%v), want cantina-band", track, ok)
		}
		time.Sleep(10 * time.Millisecond)
	}

	sendInput(t, a, "volume 40")
	deadline = time.Now().Add(2 * time.Second)
	for backend.Volume() != 0.4 {
		if time.Now().After(deadline) {
			t.Fatalf("backend volume = %.2f, want 0.40", backend.Volume())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestApp_StatusCommandResponds(t *testing.T) {
	t.Parallel()
	a, _, _ := startApp(t, testConfig(), nil)

	var mu sync.Mutex
	var responses []events.CLIResponsePayload
	if _, err := a.Bus().Subscribe(events.TopicCLIResponse, "cli", func(_ context.Context, env events.Envelope) error {
		mu.Lock()
		responses = append(responses, *env.Payload.(*events.CLIResponsePayload))
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sendInput(t, a, "status")
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		var summary string
		for _, r := range responses {
			if strings.Contains(r.Text, "mode:") {
				summary = r.Text
			}
		}
		mu.Unlock()
		if summary != "" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no status summary in responses: %+v", responses)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestApp_DuckLevelHotReload(t *testing.T) {
	t.Parallel()
	a, backends, _ := startApp(t, testConfig(), nil)
	backend := backends.Music.(*mock.MusicBackend)

	waitVolume := func(want float64) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for backend.Volume() != want {
			if time.Now().After(deadline) {
				t.Fatalf("backend volume = %.2f, want %.2f", backend.Volume(), want)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	// Level 0 keeps the configured ducking level (0.5).
	if err := a.Bus().Publish(events.TopicDuckRequested, &events.DuckPayload{}); err != nil {
		t.Fatalf("publish duck: %v", err)
	}
	waitVolume(0.5)

	a.ApplyConfigChange(config.ConfigDiff{DuckingLevelChanged: true, NewDuckingLevel: 0.2})
	waitVolume(0.2)

	if err := a.Bus().Publish(events.TopicUnduckRequested, &events.UnduckPayload{}); err != nil {
		t.Fatalf("publish unduck: %v", err)
	}
	waitVolume(0.8)
}

func TestApp_LogLevelHotReload(t *testing.T) {
	t.Parallel()
	w := &logSink{}
	logs := logging.NewRegistry(w, config.LogInfo)
	a, _, _ := startApp(t, testConfig(), logs)

	probe := logs.Component("probe")
	probe.Debug("before reload")
	if strings.Contains(w.String(), "before reload") {
		t.Fatal("debug record passed before the level change")
	}

	a.ApplyConfigChange(config.ConfigDiff{LogLevelChanged: true, NewLogLevel: config.LogDebug})
	probe.Debug("after reload")
	if !strings.Contains(w.String(), "after reload") {
		t.Error("debug record filtered after the level change")
	}
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	a, _, runErr := startApp(t, testConfig(), nil)

	sendInput(t, a, "quit")
	if err := waitRunResult(t, runErr); err != nil {
		t.Fatalf("Run = %v", err)
	}

	ctx := context.Background()
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("first Shutdown = %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown = %v", err)
	}
}

type logSink struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (w *logSink) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *logSink) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
