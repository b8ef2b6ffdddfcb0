package config_test

import (
	"errors"
	"testing"

	"github.com/cantinaos/cantina/internal/config"
	"github.com/cantinaos/cantina/pkg/provider/llm"
	llmmock "github.com/cantinaos/cantina/pkg/provider/llm/mock"
	"github.com/cantinaos/cantina/pkg/provider/stt"
	sttmock "github.com/cantinaos/cantina/pkg/provider/stt/mock"
	"github.com/cantinaos/cantina/pkg/provider/tts"
	ttsmock "github.com/cantinaos/cantina/pkg/provider/tts/mock"
)

// ─── schema ──────────────────────────────────────────────────────────────────

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	for _, l := range []config.LogLevel{"", "trace", "LOUD"} {
		if l.IsValid() {
			t.Errorf("%q should be invalid", l)
		}
	}
}

func TestDefault_PassesValidation(t *testing.T) {
	t.Parallel()
	if err := config.Validate(config.Default()); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestDefault_CrossfadeDuration(t *testing.T) {
	t.Parallel()
	if got := config.Default().Music.CrossfadeMs; got != 1500 {
		t.Errorf("crossfade_ms default = %d, want 1500", got)
	}
}

func TestTrackEntry_TrackInfo(t *testing.T) {
	t.Parallel()
	e := config.TrackEntry{
		TrackID:   "cantina-band",
		Title:     "Cantina Band",
		Artist:    "Figrin D'an",
		Filepath:  "music/cantina_band.ogg",
		DurationS: 167,
	}
	info := e.TrackInfo()
	if info.TrackID != e.TrackID || info.Title != e.Title || info.Artist != e.Artist {
		t.Errorf("TrackInfo mismatch: %+v", info)
	}
	if info.DurationS != 167 {
		t.Errorf("DurationS = %v, want 167", info.DurationS)
	}
}

func TestProviderEntry_StringOption(t *testing.T) {
	t.Parallel()
	e := config.ProviderEntry{Options: map[string]any{
		"voice_id": "rey",
		"retries":  3,
	}}
	if got := e.StringOption("voice_id", "def"); got != "rey" {
		t.Errorf("voice_id = %q, want rey", got)
	}
	if got := e.StringOption("missing", "def"); got != "def" {
		t.Errorf("missing = %q, want def", got)
	}
	// Non-string values fall back to the default.
	if got := e.StringOption("retries", "def"); got != "def" {
		t.Errorf("retries = %q, want def", got)
	}
}

// ─── provider registry ───────────────────────────────────────────────────────

func TestRegistry_CreateRegisteredProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})

	if p, err := reg.CreateLLM(config.ProviderEntry{Name: "mock"}); err != nil || p == nil {
		t.Errorf("CreateLLM: p=%v err=%v", p, err)
	}
	if p, err := reg.CreateTTS(config.ProviderEntry{Name: "mock"}); err != nil || p == nil {
		t.Errorf("CreateTTS: p=%v err=%v", p, err)
	}
	if p, err := reg.CreateSTT(config.ProviderEntry{Name: "mock"}); err != nil || p == nil {
		t.Errorf("CreateSTT: p=%v err=%v", p, err)
	}
}

func TestRegistry_EmptyNameIsOptional(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	p, err := reg.CreateLLM(config.ProviderEntry{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil provider for empty name, got %v", p)
	}
}

func TestRegistry_UnknownNameFails(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateTTS(config.ProviderEntry{Name: "ghost"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_FactoryReceivesEntry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var seen config.ProviderEntry
	reg.RegisterLLM("capture", func(e config.ProviderEntry) (llm.Provider, error) {
		seen = e
		return &llmmock.Provider{}, nil
	})

	entry := config.ProviderEntry{Name: "capture", APIKey: "k", Model: "m"}
	if _, err := reg.CreateLLM(entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen.APIKey != "k" || seen.Model != "m" {
		t.Errorf("factory saw %+v, want the original entry", seen)
	}
}

func TestRegistry_ReRegisterOverwrites(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	first := &llmmock.Provider{}
	second := &llmmock.Provider{}
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) { return first, nil })
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) { return second, nil })

	p, err := reg.CreateLLM(config.ProviderEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != second {
		t.Error("expected the later registration to win")
	}
}
