// Command cantina is the main entry point for the CantinaOS runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cantinaos/cantina/internal/app"
	"github.com/cantinaos/cantina/internal/config"
	"github.com/cantinaos/cantina/internal/logging"
	"github.com/cantinaos/cantina/internal/observe"
	"github.com/cantinaos/cantina/internal/resilience"
	audiomock "github.com/cantinaos/cantina/pkg/audio/mock"
	"github.com/cantinaos/cantina/pkg/provider/llm"
	llmmock "github.com/cantinaos/cantina/pkg/provider/llm/mock"
	"github.com/cantinaos/cantina/pkg/provider/llm/openai"
	"github.com/cantinaos/cantina/pkg/provider/stt"
	"github.com/cantinaos/cantina/pkg/provider/stt/deepgram"
	sttmock "github.com/cantinaos/cantina/pkg/provider/stt/mock"
	"github.com/cantinaos/cantina/pkg/provider/tts"
	"github.com/cantinaos/cantina/pkg/provider/tts/elevenlabs"
	ttsmock "github.com/cantinaos/cantina/pkg/provider/tts/mock"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cantina: config file %q not found, starting with defaults\n", *configPath)
			cfg = config.Default()
		} else {
			fmt.Fprintf(os.Stderr, "cantina: %v\n", err)
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logs := logging.NewRegistry(os.Stderr, cfg.Server.LogLevel)

	slog.Info("cantina starting",
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "cantinaos",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		otelShutdown(ctx)
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)
	slog.Info("server ready, press Ctrl+C to shut down")

	// ── Run loop: a restart request builds a fresh app from fresh config ──────
	for {
		again, code := runOnce(ctx, *configPath, cfg, logs, reg)
		if !again {
			return code
		}
		slog.Info("restarting")
		if fresh, err := config.Load(*configPath); err == nil {
			cfg = fresh
		} else {
			slog.Warn("config reload failed, keeping previous", "err", err)
		}
	}
}

// runOnce builds, runs, and tears down one application instance. It
// reports whether a restart was requested.
func runOnce(ctx context.Context, configPath string, cfg *config.Config, logs *logging.Registry, reg *config.Registry) (restart bool, code int) {
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return false, 1
	}

	// Playback and capture run against the in-memory simulation backends;
	// a real device adapter plugs in here.
	backends := &app.Backends{
		Music:   audiomock.NewMusicBackend(),
		Speech:  &audiomock.SpeechPlayer{},
		Capture: audiomock.NewCaptureSource(),
	}

	application, err := app.New(cfg, logs, providers, backends)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return false, 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if diff.Any() {
			slog.Info("config change applied",
				"log_level", diff.LogLevelChanged,
				"persona", diff.PersonaChanged,
				"ducking", diff.DuckingLevelChanged,
			)
			application.ApplyConfigChange(diff)
		}
	})
	if err != nil {
		slog.Debug("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	runErr := application.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return false, 1
	}

	switch {
	case errors.Is(runErr, app.ErrRestart):
		return true, 0
	case runErr != nil && !errors.Is(runErr, context.Canceled):
		slog.Error("run error", "err", runErr)
		return false, 1
	}
	slog.Info("goodbye")
	return false, 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages; the "mock" providers back tests
// and keyless development setups.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})
	reg.RegisterLLM("mock", func(entry config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := entry.StringOption("output_format", ""); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		if voice := entry.StringOption("voice_id", ""); voice != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(voice))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})
	reg.RegisterTTS("mock", func(entry config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{SynthesizeDelay: cfg.Speech.SynthesisEstimate}, nil
	})

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})
	reg.RegisterSTT("mock", func(entry config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})
}

// buildProviders instantiates the providers named in cfg. An entry with a
// fallbacks list is wrapped in a failover group with per-backend circuit
// breakers.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	var err error

	if ps.LLM, err = buildLLM(cfg.Providers.LLM, reg); err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	if ps.TTS, err = buildTTS(cfg.Providers.TTS, reg); err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	if ps.STT, err = buildSTT(cfg.Providers.STT, reg); err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}

	for kind, name := range map[string]string{
		"llm": cfg.Providers.LLM.Name,
		"tts": cfg.Providers.TTS.Name,
		"stt": cfg.Providers.STT.Name,
	} {
		if name != "" {
			slog.Info("provider created", "kind", kind, "name", name)
		}
	}
	return ps, nil
}

func buildLLM(entry config.ProviderEntry, reg *config.Registry) (llm.Provider, error) {
	primary, err := reg.CreateLLM(entry)
	if err != nil || primary == nil || len(entry.Fallbacks) == 0 {
		return primary, err
	}
	fb := resilience.NewLLMFailover(primary, entry.Name, resilience.FailoverConfig{})
	for _, fe := range entry.Fallbacks {
		p, err := reg.CreateLLM(fe)
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", fe.Name, err)
		}
		fb.Add(fe.Name, p)
	}
	return fb, nil
}

func buildTTS(entry config.ProviderEntry, reg *config.Registry) (tts.Provider, error) {
	primary, err := reg.CreateTTS(entry)
	if err != nil || primary == nil || len(entry.Fallbacks) == 0 {
		return primary, err
	}
	fb := resilience.NewTTSFailover(primary, entry.Name, resilience.FailoverConfig{})
	for _, fe := range entry.Fallbacks {
		p, err := reg.CreateTTS(fe)
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", fe.Name, err)
		}
		fb.Add(fe.Name, p)
	}
	return fb, nil
}

func buildSTT(entry config.ProviderEntry, reg *config.Registry) (stt.Provider, error) {
	primary, err := reg.CreateSTT(entry)
	if err != nil || primary == nil || len(entry.Fallbacks) == 0 {
		return primary, err
	}
	fb := resilience.NewSTTFailover(primary, entry.Name, resilience.FailoverConfig{})
	for _, fe := range entry.Fallbacks {
		p, err := reg.CreateSTT(fe)
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", fe.Name, err)
		}
		fb.Add(fe.Name, p)
	}
	return fb, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        CantinaOS startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printAddr("Dashboard", cfg.Server.DashboardAddr)
	printAddr("Metrics", cfg.Server.MetricsAddr)
	fmt.Printf("║  Tracks configured : %-17d ║\n", len(cfg.Music.Tracks))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 17 {
		value = value[:14] + "…"
	}
	fmt.Printf("║  %-12s      : %-17s ║\n", kind, value)
}

func printAddr(kind, addr string) {
	if addr == "" {
		addr = "(disabled)"
	}
	fmt.Printf("║  %-12s      : %-17s ║\n", kind, addr)
}
