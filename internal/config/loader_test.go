package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cantinaos/cantina/internal/config"
)

func TestLoadFromReader_EmptyGivesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def := config.Default()
	if cfg.Server.LogLevel != def.Server.LogLevel {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, def.Server.LogLevel)
	}
	if cfg.Bus.QueueBound != def.Bus.QueueBound {
		t.Errorf("queue_bound: got %d, want %d", cfg.Bus.QueueBound, def.Bus.QueueBound)
	}
	if cfg.DJ.HistorySize != def.DJ.HistorySize {
		t.Errorf("history_size: got %d, want %d", cfg.DJ.HistorySize, def.DJ.HistorySize)
	}
}

func TestLoadFromReader_OverridesDefaults(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: debug
  dashboard_addr: ":8765"
audio:
  ducking_level: 0.3
dj:
  persona: "an overly enthusiastic droid"
  commentary_wait: 5s
music:
  crossfade_ms: 1500
  tracks:
    - track_id: cantina-band
      title: Cantina Band
      artist: Figrin D'an
      filepath: music/cantina_band.ogg
      duration_s: 167
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Server.DashboardAddr != ":8765" {
		t.Errorf("dashboard_addr: got %q", cfg.Server.DashboardAddr)
	}
	if cfg.Audio.DuckingLevel != 0.3 {
		t.Errorf("ducking_level: got %v, want 0.3", cfg.Audio.DuckingLevel)
	}
	if cfg.DJ.CommentaryWait != 5*time.Second {
		t.Errorf("commentary_wait: got %v, want 5s", cfg.DJ.CommentaryWait)
	}
	if cfg.Music.CrossfadeMs != 1500 {
		t.Errorf("crossfade_ms: got %d, want 1500", cfg.Music.CrossfadeMs)
	}
	if len(cfg.Music.Tracks) != 1 || cfg.Music.Tracks[0].TrackID != "cantina-band" {
		t.Errorf("tracks not parsed: %+v", cfg.Music.Tracks)
	}
	// Untouched sections keep their defaults.
	if cfg.Speech.CacheSize != config.Default().Speech.CacheSize {
		t.Errorf("cache_size: got %d, want default", cfg.Speech.CacheSize)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_levle: debug
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for misspelled field, got nil")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_VolumeOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
audio:
  default_volume: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range volume, got nil")
	}
	if !strings.Contains(err.Error(), "default_volume") {
		t.Errorf("error should mention default_volume, got: %v", err)
	}
}

func TestValidate_DuplicateTrackIDs(t *testing.T) {
	t.Parallel()
	yaml := `
music:
  tracks:
    - track_id: cantina-band
      filepath: a.ogg
    - track_id: cantina-band
      filepath: b.ogg
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate track ids, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_TrackMissingFields(t *testing.T) {
	t.Parallel()
	yaml := `
music:
  tracks:
    - title: Nameless
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for track without id and filepath, got nil")
	}
	if !strings.Contains(err.Error(), "track_id") {
		t.Errorf("error should mention track_id, got: %v", err)
	}
	if !strings.Contains(err.Error(), "filepath") {
		t.Errorf("error should mention filepath, got: %v", err)
	}
}

func TestValidate_JoinsMultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
bus:
  queue_bound: 0
speech:
  cache_size: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "queue_bound", "cache_size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %s, got: %v", want, err)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want os.ErrNotExist", err)
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  log_level: warn
providers:
  tts:
    name: elevenlabs
    api_key: test-key
    options:
      voice_id: rey
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level: got %q, want warn", cfg.Server.LogLevel)
	}
	if cfg.Providers.TTS.Name != "elevenlabs" {
		t.Errorf("tts name: got %q", cfg.Providers.TTS.Name)
	}
	if got := cfg.Providers.TTS.StringOption("voice_id", ""); got != "rey" {
		t.Errorf("voice_id option: got %q, want rey", got)
	}
}

func TestLoadFromReader_ProviderFallbacks(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
    model: gpt-4o-mini
    fallbacks:
      - name: mock
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Providers.LLM.Fallbacks) != 1 {
		t.Fatalf("fallbacks: got %d, want 1", len(cfg.Providers.LLM.Fallbacks))
	}
	if cfg.Providers.LLM.Fallbacks[0].Name != "mock" {
		t.Errorf("fallback name: got %q, want mock", cfg.Providers.LLM.Fallbacks[0].Name)
	}
}
