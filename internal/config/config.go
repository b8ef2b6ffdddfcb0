// Package config provides the configuration schema, loader, provider
// registry, and hot-reload watcher for the CantinaOS runtime.
package config

import (
	"time"

	"github.com/cantinaos/cantina/pkg/events"
)

// LogLevel controls log verbosity for the CantinaOS runtime.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for CantinaOS.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Bus       BusConfig       `yaml:"bus"`
	Timeline  TimelineConfig  `yaml:"timeline"`
	Audio     AudioConfig     `yaml:"audio"`
	Music     MusicConfig     `yaml:"music"`
	DJ        DJConfig        `yaml:"dj"`
	Speech    SpeechConfig    `yaml:"speech"`
	Memory    MemoryConfig    `yaml:"memory"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds logging and network settings for the runtime.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// DashboardAddr is the TCP address the dashboard bridge listens on
	// (e.g., ":8765"). Empty disables the bridge.
	DashboardAddr string `yaml:"dashboard_addr"`

	// MetricsAddr is the TCP address the Prometheus scrape endpoint
	// listens on. Empty disables metrics export.
	MetricsAddr string `yaml:"metrics_addr"`

	// StopGrace is how long each service waits for its background tasks
	// during shutdown.
	StopGrace time.Duration `yaml:"stop_grace"`
}

// BusConfig bounds the per-handler delivery queues.
type BusConfig struct {
	// QueueBound is the queue depth for normal topics.
	QueueBound int `yaml:"queue_bound"`

	// HighFrequencyBound is the queue depth for topics marked
	// high-frequency in the registry (interim transcripts).
	HighFrequencyBound int `yaml:"high_frequency_bound"`
}

// TimelineConfig holds executor step timeouts.
type TimelineConfig struct {
	// SpeechStepTimeout bounds how long a play_cached_speech step waits
	// for its completion event.
	SpeechStepTimeout time.Duration `yaml:"speech_step_timeout"`

	// CrossfadeSlack is added to a crossfade step's fade duration to form
	// its completion timeout.
	CrossfadeSlack time.Duration `yaml:"crossfade_slack"`
}

// AudioConfig holds the coordinator's volume policy.
type AudioConfig struct {
	// DefaultVolume is the user music volume at startup, in [0, 1].
	DefaultVolume float64 `yaml:"default_volume"`

	// DuckingLevel is the volume music is reduced to while speech plays,
	// in [0, 1]. The effective volume is min(user volume, ducking level).
	DuckingLevel float64 `yaml:"ducking_level"`
}

// MusicConfig describes the track library and playback behaviour.
type MusicConfig struct {
	// LibraryDir is scanned for audio files when Tracks is empty.
	LibraryDir string `yaml:"library_dir"`

	// Tracks is an explicit track library. When set, LibraryDir is not
	// scanned.
	Tracks []TrackEntry `yaml:"tracks"`

	// CrossfadeMs is the default fade duration for DJ transitions.
	CrossfadeMs int `yaml:"crossfade_ms"`

	// EndingLead is how far before a track's end the track-ending-soon
	// event fires.
	EndingLead time.Duration `yaml:"ending_lead"`
}

// TrackEntry is one library track as configured.
type TrackEntry struct {
	TrackID   string  `yaml:"track_id"`
	Title     string  `yaml:"title"`
	Artist    string  `yaml:"artist"`
	Filepath  string  `yaml:"filepath"`
	DurationS float64 `yaml:"duration_s"`
}

// TrackInfo converts the entry to its event payload form.
func (t TrackEntry) TrackInfo() events.TrackInfo {
	return events.TrackInfo{
		TrackID:   t.TrackID,
		Title:     t.Title,
		Artist:    t.Artist,
		Filepath:  t.Filepath,
		DurationS: t.DurationS,
	}
}

// DJConfig tunes automatic track rotation and commentary.
type DJConfig struct {
	// Persona flavours generated commentary.
	Persona string `yaml:"persona"`

	// HistorySize is how many recently played tracks are excluded from
	// selection.
	HistorySize int `yaml:"history_size"`

	// CommentaryWait bounds how long a transition waits for commentary
	// speech that is not yet cached before crossfading without it.
	CommentaryWait time.Duration `yaml:"commentary_wait"`
}

// SpeechConfig tunes synthesis caching.
type SpeechConfig struct {
	// CacheSize is the maximum number of cached speech artifacts.
	CacheSize int `yaml:"cache_size"`

	// SynthesisEstimate is the assumed duration of one synthesis. Mock
	// providers simulate it as latency; the DJ coordinator uses it to
	// project whether pending commentary can make a transition.
	SynthesisEstimate time.Duration `yaml:"synthesis_estimate"`
}

// MemoryConfig locates the working-memory snapshot.
type MemoryConfig struct {
	// SnapshotPath is where the store persists its JSON snapshot. Empty
	// disables persistence.
	SnapshotPath string `yaml:"snapshot_path"`
}

// ProvidersConfig declares which provider implementation to use for each
// external capability. Each field selects a named provider registered in
// the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`
	STT ProviderEntry `yaml:"stt"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the
// [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "openai", "elevenlabs", "mock").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "gpt-4o-mini", "eleven_turbo_v2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`

	// Fallbacks lists additional providers tried in order when this one
	// fails. Each entry gets its own circuit breaker. Nested fallbacks
	// are ignored.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// StringOption returns the named option as a string, or def when unset or
// not a string.
func (p ProviderEntry) StringOption(key, def string) string {
	if v, ok := p.Options[key].(string); ok {
		return v
	}
	return def
}

// Default returns a Config populated with the documented defaults. Loaded
// files override only the fields they set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel:  LogInfo,
			StopGrace: 2 * time.Second,
		},
		Bus: BusConfig{
			QueueBound:         64,
			HighFrequencyBound: 16,
		},
		Timeline: TimelineConfig{
			SpeechStepTimeout: 20 * time.Second,
			CrossfadeSlack:    500 * time.Millisecond,
		},
		Audio: AudioConfig{
			DefaultVolume: 0.8,
			DuckingLevel:  0.5,
		},
		Music: MusicConfig{
			CrossfadeMs: 1500,
			EndingLead:  10 * time.Second,
		},
		DJ: DJConfig{
			Persona:        "a laconic cantina disc jockey",
			HistorySize:    5,
			CommentaryWait: 2 * time.Second,
		},
		Speech: SpeechConfig{
			CacheSize:         32,
			SynthesisEstimate: 3 * time.Second,
		},
	}
}
