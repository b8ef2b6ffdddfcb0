package events

import (
	"errors"
	"fmt"
)

// Layer names an executor lane. At most one plan is active per layer.
type Layer string

const (
	LayerForeground Layer = "foreground"
	LayerAmbient    Layer = "ambient"
)

// IsValid reports whether l is a recognised layer.
func (l Layer) IsValid() bool {
	return l == LayerForeground || l == LayerAmbient
}

// StepKind tags the variant of a plan step.
type StepKind string

const (
	StepPlayCachedSpeech StepKind = "play_cached_speech"
	StepMusicCrossfade   StepKind = "music_crossfade"
	StepParallel         StepKind = "parallel"
	StepWait             StepKind = "wait"
)

// Plan is a one-shot sequence of steps executed by the timeline executor.
// Plans do not loop.
type Plan struct {
	PlanID string `json:"plan_id"`
	Layer  Layer  `json:"layer"`
	Steps  []Step `json:"steps"`
}

// Validate checks the plan and all nested steps.
func (p Plan) Validate() error {
	if p.PlanID == "" {
		return errors.New("plan_id is required")
	}
	if !p.Layer.IsValid() {
		return fmt.Errorf("layer %q is not one of foreground, ambient", p.Layer)
	}
	if len(p.Steps) == 0 {
		return errors.New("plan has no steps")
	}
	for i, s := range p.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// Step is a tagged union: exactly the variant named by Kind is set.
type Step struct {
	Kind      StepKind       `json:"kind"`
	Speech    *SpeechStep    `json:"speech,omitempty"`
	Crossfade *CrossfadeStep `json:"crossfade,omitempty"`
	Parallel  []Step         `json:"parallel,omitempty"`
	Wait      *WaitStep      `json:"wait,omitempty"`
}

// SpeechStep plays one cached speech artifact and waits for its completion
// event. TimeoutMs of zero uses the executor default (20 s).
type SpeechStep struct {
	SpeechID  string `json:"speech_id"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

// CrossfadeStep blends the music bus to a new track and waits for the
// crossfade-complete event. TimeoutMs of zero uses fade_ms + 500 ms.
type CrossfadeStep struct {
	FromTrackID string `json:"from_track_id,omitempty"`
	ToTrackID   string `json:"to_track_id"`
	FadeMs      int    `json:"fade_ms"`
	TimeoutMs   int    `json:"timeout_ms,omitempty"`
}

// WaitStep blocks until an event on Topic matches every field in Match, or
// TimeoutMs expires.
type WaitStep struct {
	Topic     Topic             `json:"event_topic"`
	Match     map[string]string `json:"match,omitempty"`
	TimeoutMs int               `json:"timeout_ms"`
}

// Validate checks that exactly the variant named by Kind is populated.
func (s Step) Validate() error {
	switch s.Kind {
	case StepPlayCachedSpeech:
		if s.Speech == nil {
			return errors.New("play_cached_speech step has no speech body")
		}
		if s.Speech.SpeechID == "" {
			return errors.New("play_cached_speech step has no speech_id")
		}
	case StepMusicCrossfade:
		if s.Crossfade == nil {
			return errors.New("music_crossfade step has no crossfade body")
		}
		if s.Crossfade.ToTrackID == "" {
			return errors.New("music_crossfade step has no to_track_id")
		}
		if s.Crossfade.FadeMs < 0 {
			return errors.New("music_crossfade fade_ms must be >= 0")
		}
	case StepParallel:
		if len(s.Parallel) == 0 {
			return errors.New("parallel step has no children")
		}
		for i, child := range s.Parallel {
			if child.Kind == StepParallel {
				return errors.New("parallel steps do not nest")
			}
			if err := child.Validate(); err != nil {
				return fmt.Errorf("parallel child %d: %w", i, err)
			}
		}
	case StepWait:
		if s.Wait == nil {
			return errors.New("wait step has no wait body")
		}
		if s.Wait.Topic == "" {
			return errors.New("wait step has no event_topic")
		}
		if s.Wait.TimeoutMs <= 0 {
			return errors.New("wait step requires a positive timeout_ms")
		}
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
	return nil
}
