package events

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
)

// ValidationError wraps a payload schema failure surfaced to the publishing
// caller. The bus additionally reports it as a diagnostic status event.
type ValidationError struct {
	Topic  Topic
	Reason error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("events: payload for %s failed validation: %v", e.Topic, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Reason }

// Spec describes one topic: its payload schema, documentation, expected
// producers and consumers, queue sizing, dashboard export, and legacy JSON
// field names accepted on ingress.
type Spec struct {
	Topic Topic
	Doc   string

	// New returns a fresh zero payload of the registered type. Publish
	// rejects payloads of any other type.
	New func() Payload

	// Producers and Consumers name the services expected on each side.
	// Informational; used by docs, the dashboard, and tests.
	Producers []string
	Consumers []string

	// HighFrequency marks topics (audio frames, interim transcripts) that
	// use the small per-handler queue bound.
	HighFrequency bool

	// Export marks topics the dashboard bridge may forward to clients.
	Export bool

	// FieldAliases maps legacy JSON keys to canonical ones, applied by
	// DecodeJSON before unmarshalling.
	FieldAliases map[string]string
}

// Registry is the immutable topic catalog built once at startup. It is the
// only place topic names and payload schemas live.
type Registry struct {
	specs map[Topic]*Spec
}

// NewRegistry builds the full CantinaOS topic catalog.
func NewRegistry() *Registry {
	r := &Registry{specs: make(map[Topic]*Spec, 64)}
	for i := range builtinSpecs {
		s := &builtinSpecs[i]
		if _, dup := r.specs[s.Topic]; dup {
			panic(fmt.Sprintf("events: duplicate topic registration %s", s.Topic))
		}
		r.specs[s.Topic] = s
	}
	return r
}

// Canonical resolves t through the legacy alias table and reports whether
// the resulting topic is registered.
func (r *Registry) Canonical(t Topic) (Topic, bool) {
	if canon, ok := legacyAliases[t]; ok {
		t = canon
	}
	_, ok := r.specs[t]
	return t, ok
}

// Lookup returns the spec for t (after alias resolution).
func (r *Registry) Lookup(t Topic) (*Spec, bool) {
	t, ok := r.Canonical(t)
	if !ok {
		return nil, false
	}
	return r.specs[t], true
}

// Prepare checks that payload is of the registered type for t, applies
// normalization, and validates it. Returns a *ValidationError on failure.
func (r *Registry) Prepare(t Topic, payload Payload) error {
	spec, ok := r.Lookup(t)
	if !ok {
		return &ValidationError{Topic: t, Reason: fmt.Errorf("topic is not registered")}
	}
	want := reflect.TypeOf(spec.New())
	if got := reflect.TypeOf(payload); got != want {
		return &ValidationError{Topic: t, Reason: fmt.Errorf("payload type %v, want %v", got, want)}
	}
	if n, ok := payload.(Normalizer); ok {
		n.Normalize()
	}
	if err := payload.Validate(); err != nil {
		return &ValidationError{Topic: t, Reason: err}
	}
	return nil
}

// DecodeJSON unmarshals data into a fresh payload for t, rewriting legacy
// field names first. Used by the dashboard bridge on ingress.
func (r *Registry) DecodeJSON(t Topic, data []byte) (Payload, error) {
	spec, ok := r.Lookup(t)
	if !ok {
		return nil, &ValidationError{Topic: t, Reason: fmt.Errorf("topic is not registered")}
	}

	if len(spec.FieldAliases) > 0 {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, &ValidationError{Topic: t, Reason: err}
		}
		for legacy, canon := range spec.FieldAliases {
			if v, present := raw[legacy]; present {
				if _, taken := raw[canon]; !taken {
					raw[canon] = v
				}
				delete(raw, legacy)
			}
		}
		rewritten, err := json.Marshal(raw)
		if err != nil {
			return nil, &ValidationError{Topic: t, Reason: err}
		}
		data = rewritten
	}

	payload := spec.New()
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, &ValidationError{Topic: t, Reason: err}
	}
	if err := r.Prepare(t, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Topics returns all registered canonical topics, sorted.
func (r *Registry) Topics() []Topic {
	out := make([]Topic, 0, len(r.specs))
	for t := range r.specs {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Exports returns the topics the dashboard bridge may forward, sorted.
func (r *Registry) Exports() []Topic {
	var out []Topic
	for t, s := range r.specs {
		if s.Export {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

// builtinSpecs is the full topic catalog. Keep grouped by namespace and in
// the same order as the topic constants.
var builtinSpecs = []Spec{
	// System.
	{
		Topic: TopicModeRequest, Doc: "Request an operating mode transition.",
		New:       func() Payload { return &ModeRequestPayload{} },
		Producers: []string{"command_dispatcher", "voice_listener"},
		Consumers: []string{"mode_manager"},
	},
	{
		Topic: TopicModeTransitionStarted, Doc: "A mode transition leg has begun.",
		New:       func() Payload { return &ModeTransitionPayload{} },
		Producers: []string{"mode_manager"},
		Consumers: []string{"status_reporter", "dashboard_bridge"},
		Export:    true,
	},
	{
		Topic: TopicModeChanged, Doc: "A mode transition leg has completed.",
		New:       func() Payload { return &ModeTransitionPayload{} },
		Producers: []string{"mode_manager"},
		Consumers: []string{"status_reporter", "voice_listener", "dashboard_bridge"},
		Export:    true,
	},
	{
		Topic: TopicModeTransitionFailed, Doc: "A requested mode transition was rejected.",
		New:       func() Payload { return &ModeTransitionPayload{} },
		Producers: []string{"mode_manager"},
		Consumers: []string{"status_reporter", "dashboard_bridge"},
		Export:    true,
	},
	{
		Topic: TopicServiceStatus, Doc: "Service lifecycle state changes and classified errors.",
		New:          func() Payload { return &ServiceStatusPayload{} },
		Producers:    []string{"*"},
		Consumers:    []string{"status_reporter", "dashboard_bridge"},
		Export:       true,
		FieldAliases: map[string]string{"state": "status"},
	},
	{
		Topic: TopicShutdownRequested, Doc: "Ask the main loop to restart or exit.",
		New:       func() Payload { return &ShutdownRequestedPayload{} },
		Producers: []string{"command_dispatcher"},
		Consumers: []string{"main"},
	},
	{
		Topic: TopicDebugLevel, Doc: "Adjust one component's log verbosity.",
		New:       func() Payload { return &DebugLevelPayload{} },
		Producers: []string{"command_dispatcher"},
		Consumers: []string{"main"},
	},
	{
		Topic: TopicStatusRequest, Doc: "Ask the status reporter for a summary.",
		New:       func() Payload { return &StatusRequestPayload{} },
		Producers: []string{"command_dispatcher"},
		Consumers: []string{"status_reporter"},
	},

	// CLI.
	{
		Topic: TopicRawInput, Doc: "One raw command line from the CLI or the dashboard.",
		New:          func() Payload { return &RawInputPayload{} },
		Producers:    []string{"cli", "dashboard_bridge"},
		Consumers:    []string{"command_dispatcher"},
		FieldAliases: map[string]string{"command": "input", "raw_input": "input"},
	},
	{
		Topic: TopicCLIResponse, Doc: "A user-facing response line.",
		New:       func() Payload { return &CLIResponsePayload{} },
		Producers: []string{"*"},
		Consumers: []string{"cli", "dashboard_bridge"},
		Export:    true,
	},
	{
		Topic: TopicCommandAck, Doc: "Outcome acknowledgement for one dispatched command.",
		New:       func() Payload { return &CommandAckPayload{} },
		Producers: []string{"command_dispatcher"},
		Consumers: []string{"cli", "dashboard_bridge"},
		Export:    true,
	},

	// Music.
	{
		Topic: TopicMusicCommand, Doc: "Shaped playback command for the music service.",
		New:       func() Payload { return &MusicCommandPayload{} },
		Producers: []string{"command_dispatcher", "dj_coordinator", "voice_listener"},
		Consumers: []string{"music_player"},
	},
	{
		Topic: TopicMusicPlaybackStarted, Doc: "A track started playing.",
		New:       func() Payload { return &MusicPlaybackPayload{} },
		Producers: []string{"music_player"},
		Consumers: []string{"dj_coordinator", "audio_coordinator", "dashboard_bridge"},
		Export:    true,
	},
	{
		Topic: TopicMusicPlaybackEnded, Doc: "A track finished or was stopped.",
		New:       func() Payload { return &MusicPlaybackPayload{} },
		Producers: []string{"music_player"},
		Consumers: []string{"dj_coordinator", "audio_coordinator", "dashboard_bridge"},
		Export:    true,
	},
	{
		Topic: TopicTrackEndingSoon, Doc: "The playing track ends in remaining_ms.",
		New:       func() Payload { return &TrackEndingSoonPayload{} },
		Producers: []string{"music_player"},
		Consumers: []string{"dj_coordinator"},
	},
	{
		Topic: TopicMusicVolumeApply, Doc: "Effective music volume computed by the audio coordinator.",
		New:       func() Payload { return &MusicVolumeApplyPayload{} },
		Producers: []string{"audio_coordinator"},
		Consumers: []string{"music_player"},
	},
	{
		Topic: TopicCrossfadeRequest, Doc: "Blend the music bus to a new track.",
		New:       func() Payload { return &CrossfadeRequestPayload{} },
		Producers: []string{"timeline_executor"},
		Consumers: []string{"music_player", "audio_coordinator"},
	},
	{
		Topic: TopicCrossfadeComplete, Doc: "One crossfade finished or failed.",
		New:       func() Payload { return &CrossfadeCompletePayload{} },
		Producers: []string{"music_player"},
		Consumers: []string{"timeline_executor", "audio_coordinator"},
	},

	// DJ.
	{
		Topic: TopicDJCommand, Doc: "DJ mode control: start, stop, or skip.",
		New:       func() Payload { return &DJCommandPayload{} },
		Producers: []string{"command_dispatcher", "voice_listener"},
		Consumers: []string{"dj_coordinator"},
	},
	{
		Topic: TopicDJQueueUpdated, Doc: "Current/next track pair for the dashboard.",
		New:       func() Payload { return &DJQueueUpdatedPayload{} },
		Producers: []string{"dj_coordinator"},
		Consumers: []string{"dashboard_bridge"},
		Export:    true,
	},
	{
		Topic: TopicCommentaryRequest, Doc: "Ask the LLM for transition commentary.",
		New:       func() Payload { return &CommentaryRequestPayload{} },
		Producers: []string{"dj_coordinator"},
		Consumers: []string{"voice_listener"},
	},
	{
		Topic: TopicCommentaryResponse, Doc: "Generated commentary text.",
		New:       func() Payload { return &CommentaryResponsePayload{} },
		Producers: []string{"voice_listener"},
		Consumers: []string{"dj_coordinator", "dashboard_bridge"},
		Export:    true,
	},
	{
		Topic: TopicCommentarySkipped, Doc: "Commentary dropped by the missing-cache policy or a skip.",
		New:       func() Payload { return &CommentarySkippedPayload{} },
		Producers: []string{"dj_coordinator"},
		Consumers: []string{"dashboard_bridge"},
		Export:    true,
	},

	// Speech.
	{
		Topic: TopicSynthesizeRequest, Doc: "Synthesize text, optionally into the speech cache.",
		New:       func() Payload { return &SynthesizeRequestPayload{} },
		Producers: []string{"dj_coordinator", "voice_listener"},
		Consumers: []string{"speech_service"},
	},
	{
		Topic: TopicSpeechCacheReady, Doc: "A cache entry became ready.",
		New:       func() Payload { return &SpeechCachePayload{} },
		Producers: []string{"speech_service"},
		Consumers: []string{"dj_coordinator"},
	},
	{
		Topic: TopicSpeechCacheError, Doc: "Synthesis for a cache entry failed.",
		New:       func() Payload { return &SpeechCachePayload{} },
		Producers: []string{"speech_service"},
		Consumers: []string{"dj_coordinator"},
	},
	{
		Topic: TopicPlayCachedSpeech, Doc: "Play one cached speech artifact.",
		New:       func() Payload { return &PlayCachedSpeechPayload{} },
		Producers: []string{"timeline_executor"},
		Consumers: []string{"speech_service"},
	},
	{
		Topic: TopicSpeechStarted, Doc: "Speech playback began.",
		New:       func() Payload { return &SpeechPlaybackPayload{} },
		Producers: []string{"speech_service"},
		Consumers: []string{"audio_coordinator"},
	},
	{
		Topic: TopicSpeechCompleted, Doc: "Speech playback finished or failed.",
		New:       func() Payload { return &SpeechPlaybackPayload{} },
		Producers: []string{"speech_service"},
		Consumers: []string{"timeline_executor", "audio_coordinator"},
	},

	// Timeline.
	{
		Topic: TopicPlanExecute, Doc: "Submit a plan; cancels the layer's active plan.",
		New:       func() Payload { return &PlanExecutePayload{} },
		Producers: []string{"dj_coordinator"},
		Consumers: []string{"timeline_executor"},
	},
	{
		Topic: TopicPlanCancel, Doc: "Cancel the active plan on a layer.",
		New:       func() Payload { return &PlanCancelPayload{} },
		Producers: []string{"dj_coordinator"},
		Consumers: []string{"timeline_executor"},
	},
	{
		Topic: TopicPlanStarted, Doc: "A plan began executing.",
		New:       func() Payload { return &PlanStatusPayload{} },
		Producers: []string{"timeline_executor"},
		Consumers: []string{"dashboard_bridge"},
		Export:    true,
	},
	{
		Topic: TopicPlanCompleted, Doc: "All plan steps completed.",
		New:       func() Payload { return &PlanStatusPayload{} },
		Producers: []string{"timeline_executor"},
		Consumers: []string{"dj_coordinator", "dashboard_bridge"},
		Export:    true,
	},
	{
		Topic: TopicPlanFailed, Doc: "A plan step failed or timed out.",
		New:       func() Payload { return &PlanStatusPayload{} },
		Producers: []string{"timeline_executor"},
		Consumers: []string{"dj_coordinator", "dashboard_bridge"},
		Export:    true,
	},
	{
		Topic: TopicPlanCancelled, Doc: "A plan was cancelled before completion.",
		New:       func() Payload { return &PlanStatusPayload{} },
		Producers: []string{"timeline_executor"},
		Consumers: []string{"dj_coordinator", "dashboard_bridge"},
		Export:    true,
	},

	// Audio coordination.
	{
		Topic: TopicDuckRequested, Doc: "Hold the music bus at or below a level.",
		New:       func() Payload { return &DuckPayload{} },
		Producers: []string{"timeline_executor", "speech_service"},
		Consumers: []string{"audio_coordinator"},
	},
	{
		Topic: TopicUnduckRequested, Doc: "Release the most recent duck request.",
		New:       func() Payload { return &UnduckPayload{} },
		Producers: []string{"timeline_executor", "speech_service"},
		Consumers: []string{"audio_coordinator"},
	},

	// Voice.
	{
		Topic: TopicTranscriptFinal, Doc: "Authoritative transcript from the STT adapter.",
		New:       func() Payload { return &TranscriptPayload{} },
		Producers: []string{"stt_adapter"},
		Consumers: []string{"voice_listener", "dashboard_bridge"},
		Export:    true,
	},
	{
		Topic: TopicTranscriptInterim, Doc: "Low-latency interim transcript; dashboard only.",
		New:           func() Payload { return &TranscriptPayload{} },
		Producers:     []string{"stt_adapter"},
		Consumers:     []string{"dashboard_bridge"},
		HighFrequency: true,
		Export:        true,
	},
}
