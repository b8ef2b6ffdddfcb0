package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "mock"},
	"tts": {"elevenlabs", "mock"},
	"stt": {"deepgram", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the documented defaults
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.StopGrace < 0 {
		errs = append(errs, errors.New("server.stop_grace must not be negative"))
	}

	if cfg.Bus.QueueBound <= 0 {
		errs = append(errs, fmt.Errorf("bus.queue_bound %d must be positive", cfg.Bus.QueueBound))
	}
	if cfg.Bus.HighFrequencyBound <= 0 {
		errs = append(errs, fmt.Errorf("bus.high_frequency_bound %d must be positive", cfg.Bus.HighFrequencyBound))
	}

	if cfg.Timeline.SpeechStepTimeout <= 0 {
		errs = append(errs, errors.New("timeline.speech_step_timeout must be positive"))
	}
	if cfg.Timeline.CrossfadeSlack < 0 {
		errs = append(errs, errors.New("timeline.crossfade_slack must not be negative"))
	}

	if cfg.Audio.DefaultVolume < 0 || cfg.Audio.DefaultVolume > 1 {
		errs = append(errs, fmt.Errorf("audio.default_volume %.2f is out of range [0, 1]", cfg.Audio.DefaultVolume))
	}
	if cfg.Audio.DuckingLevel < 0 || cfg.Audio.DuckingLevel > 1 {
		errs = append(errs, fmt.Errorf("audio.ducking_level %.2f is out of range [0, 1]", cfg.Audio.DuckingLevel))
	}

	if cfg.Music.CrossfadeMs < 0 {
		errs = append(errs, errors.New("music.crossfade_ms must not be negative"))
	}
	if cfg.Music.EndingLead < 0 {
		errs = append(errs, errors.New("music.ending_lead must not be negative"))
	}

	// Track duplicate id detection.
	trackIDsSeen := make(map[string]int, len(cfg.Music.Tracks))
	for i, t := range cfg.Music.Tracks {
		prefix := fmt.Sprintf("music.tracks[%d]", i)
		if t.TrackID == "" {
			errs = append(errs, fmt.Errorf("%s.track_id is required", prefix))
		} else {
			if prev, ok := trackIDsSeen[t.TrackID]; ok {
				errs = append(errs, fmt.Errorf("%s.track_id %q is a duplicate of music.tracks[%d]", prefix, t.TrackID, prev))
			}
			trackIDsSeen[t.TrackID] = i
		}
		if t.Filepath == "" {
			errs = append(errs, fmt.Errorf("%s.filepath is required", prefix))
		}
		if t.DurationS < 0 {
			errs = append(errs, fmt.Errorf("%s.duration_s must not be negative", prefix))
		}
	}

	if cfg.DJ.HistorySize < 0 {
		errs = append(errs, errors.New("dj.history_size must not be negative"))
	}
	if cfg.DJ.CommentaryWait < 0 {
		errs = append(errs, errors.New("dj.commentary_wait must not be negative"))
	}

	if cfg.Speech.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("speech.cache_size %d must be positive", cfg.Speech.CacheSize))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)

	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; DJ commentary will be skipped")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; commentary text will fall back to templates")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
