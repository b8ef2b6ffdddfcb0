package events

import (
	"errors"
	"fmt"
	"strings"
)

// Payload is implemented by every value that can cross the bus. Validate is
// called on publish; a non-nil error fails the publish with a
// KindValidation error instead of delivering a malformed event.
type Payload interface {
	Validate() error
}

// Normalizer is implemented by payloads that accept legacy vendor spellings
// and must be coerced to canonical form before delivery (for example status
// strings like "online" or "running").
type Normalizer interface {
	Normalize()
}

// ServiceStatus is the canonical lifecycle state of a service.
type ServiceStatus string

const (
	StatusInitializing ServiceStatus = "INITIALIZING"
	StatusRunning      ServiceStatus = "RUNNING"
	StatusDegraded     ServiceStatus = "DEGRADED"
	StatusStopping     ServiceStatus = "STOPPING"
	StatusStopped      ServiceStatus = "STOPPED"
	StatusError        ServiceStatus = "ERROR"
)

// IsValid reports whether s is a recognised canonical status.
func (s ServiceStatus) IsValid() bool {
	switch s {
	case StatusInitializing, StatusRunning, StatusDegraded, StatusStopping, StatusStopped, StatusError:
		return true
	}
	return false
}

// CanonicalStatus coerces vendor status spellings ("online", "running",
// "offline", ...) to the canonical enum. Unrecognised values map to
// StatusDegraded so a misbehaving adapter is visible rather than invisible.
func CanonicalStatus(raw string) ServiceStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "INITIALIZING", "STARTING":
		return StatusInitializing
	case "RUNNING", "ONLINE", "OK", "READY":
		return StatusRunning
	case "DEGRADED", "WARNING":
		return StatusDegraded
	case "STOPPING":
		return StatusStopping
	case "STOPPED", "OFFLINE":
		return StatusStopped
	case "ERROR", "FAILED":
		return StatusError
	}
	return StatusDegraded
}

// ErrorKind classifies failures surfaced as status events (never as raw
// panics across the bus).
type ErrorKind string

const (
	KindValidation   ErrorKind = "ValidationError"
	KindRegistration ErrorKind = "RegistrationError"
	KindHandler      ErrorKind = "HandlerError"
	KindStepTimeout  ErrorKind = "StepTimeout"
	KindAdapter      ErrorKind = "AdapterError"
	KindLifecycle    ErrorKind = "LifecycleError"
)

// Mode is an operating mode of the whole system.
type Mode string

const (
	ModeStartup     Mode = "STARTUP"
	ModeIdle        Mode = "IDLE"
	ModeAmbient     Mode = "AMBIENT"
	ModeInteractive Mode = "INTERACTIVE"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeStartup, ModeIdle, ModeAmbient, ModeInteractive:
		return true
	}
	return false
}

// TrackInfo is the track record shared by music, DJ, and dashboard events.
// All track metadata goes through this record; no event carries a bare
// track name.
type TrackInfo struct {
	TrackID   string  `json:"track_id"`
	Title     string  `json:"title"`
	Artist    string  `json:"artist"`
	Filepath  string  `json:"filepath"`
	DurationS float64 `json:"duration_s"`
}

// Validate reports whether the record carries the minimum identifying data.
func (t TrackInfo) Validate() error {
	if t.TrackID == "" {
		return errors.New("track_id is required")
	}
	return nil
}

// ─── System payloads ─────────────────────────────────────────────────────────

// ServiceStatusPayload reports one service's lifecycle state or a classified
// error. Published on state change only; heartbeats are out of scope.
type ServiceStatusPayload struct {
	Service string        `json:"service"`
	Status  ServiceStatus `json:"status"`
	Kind    ErrorKind     `json:"kind,omitempty"`    // set for error reports
	Message string        `json:"message,omitempty"` // one-line human detail
}

func (p *ServiceStatusPayload) Validate() error {
	if p.Service == "" {
		return errors.New("service is required")
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("status %q is not canonical", p.Status)
	}
	return nil
}

// Normalize coerces vendor status spellings to the canonical enum.
func (p *ServiceStatusPayload) Normalize() {
	if !p.Status.IsValid() {
		p.Status = CanonicalStatus(string(p.Status))
	}
}

// ModeRequestPayload asks the mode manager for a transition.
type ModeRequestPayload struct {
	Mode   Mode   `json:"mode"`
	Reason string `json:"reason,omitempty"`
}

func (p *ModeRequestPayload) Validate() error {
	if !p.Mode.IsValid() {
		return fmt.Errorf("mode %q is not recognised", p.Mode)
	}
	return nil
}

// ModeTransitionPayload is published for transition_started, changed, and
// transition_failed events. Reason is set only on failure.
type ModeTransitionPayload struct {
	From   Mode   `json:"from"`
	To     Mode   `json:"to"`
	Reason string `json:"reason,omitempty"`
}

func (p *ModeTransitionPayload) Validate() error {
	if !p.From.IsValid() || !p.To.IsValid() {
		return fmt.Errorf("transition %s -> %s names an unknown mode", p.From, p.To)
	}
	return nil
}

// ShutdownRequestedPayload asks the main loop to restart or exit.
type ShutdownRequestedPayload struct {
	Restart bool   `json:"restart"`
	Reason  string `json:"reason,omitempty"`
}

func (p *ShutdownRequestedPayload) Validate() error { return nil }

// DebugLevelPayload adjusts one component's log verbosity at runtime.
type DebugLevelPayload struct {
	Component string `json:"component"`
	Level     string `json:"level"` // debug, info, warn, error
}

func (p *DebugLevelPayload) Validate() error {
	if p.Component == "" {
		return errors.New("component is required")
	}
	switch strings.ToLower(p.Level) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("level %q is not one of debug, info, warn, error", p.Level)
}

// StatusRequestPayload asks the status reporter for a summary. The reply
// goes to /cli/response.
type StatusRequestPayload struct {
	Source    string `json:"source,omitempty"`
	SessionID string `json:"sid,omitempty"`
}

func (p *StatusRequestPayload) Validate() error { return nil }

// ─── CLI payloads ────────────────────────────────────────────────────────────

// RawInputPayload is one raw command line from any input surface.
type RawInputPayload struct {
	Input     string `json:"input"`
	Source    string `json:"source"`        // "cli" or "dashboard"
	SessionID string `json:"sid,omitempty"` // dashboard session for acks
}

func (p *RawInputPayload) Validate() error {
	if strings.TrimSpace(p.Input) == "" {
		return errors.New("input is empty")
	}
	switch p.Source {
	case "cli", "dashboard":
		return nil
	}
	return fmt.Errorf("source %q is not one of cli, dashboard", p.Source)
}

// CLIResponsePayload is a user-facing response line.
type CLIResponsePayload struct {
	Text      string `json:"text"`
	IsError   bool   `json:"is_error,omitempty"`
	Hint      string `json:"hint,omitempty"`
	SessionID string `json:"sid,omitempty"`
}

func (p *CLIResponsePayload) Validate() error {
	if p.Text == "" {
		return errors.New("text is required")
	}
	return nil
}

// CommandAckPayload acknowledges one dispatched command so a bridge can
// relay the outcome to the originating client.
type CommandAckPayload struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"sid,omitempty"`
}

func (p *CommandAckPayload) Validate() error {
	if p.CommandID == "" {
		return errors.New("command_id is required")
	}
	return nil
}

// ─── Music payloads ──────────────────────────────────────────────────────────

// MusicCommandPayload is the dispatcher-shaped command for the music
// service. Exactly one action per publish.
type MusicCommandPayload struct {
	Action     string  `json:"action"` // play, stop, list, volume
	TrackIndex int     `json:"track_index,omitempty"`
	TrackID    string  `json:"track_id,omitempty"`
	Volume     float64 `json:"volume,omitempty"`
	Source     string  `json:"source,omitempty"`
	SessionID  string  `json:"sid,omitempty"`
}

func (p *MusicCommandPayload) Validate() error {
	switch p.Action {
	case "play", "stop", "list", "volume":
	default:
		return fmt.Errorf("action %q is not one of play, stop, list, volume", p.Action)
	}
	if p.Action == "volume" && (p.Volume < 0 || p.Volume > 1) {
		return fmt.Errorf("volume %.2f is out of range [0, 1]", p.Volume)
	}
	return nil
}

// MusicPlaybackPayload is published for playback started and ended events.
type MusicPlaybackPayload struct {
	Track TrackInfo `json:"track"`
}

func (p *MusicPlaybackPayload) Validate() error { return p.Track.Validate() }

// TrackEndingSoonPayload fires once per track, RemainingMs before its end.
type TrackEndingSoonPayload struct {
	Track       TrackInfo `json:"track"`
	RemainingMs int       `json:"remaining_ms"`
}

func (p *TrackEndingSoonPayload) Validate() error {
	if p.RemainingMs < 0 {
		return errors.New("remaining_ms must be >= 0")
	}
	return p.Track.Validate()
}

// MusicVolumeApplyPayload carries the effective volume computed by the
// audio coordinator. The music service applies it without interpretation.
type MusicVolumeApplyPayload struct {
	Volume float64 `json:"volume"`
	Ducked bool    `json:"ducked"`
}

func (p *MusicVolumeApplyPayload) Validate() error {
	if p.Volume < 0 || p.Volume > 1 {
		return fmt.Errorf("volume %.2f is out of range [0, 1]", p.Volume)
	}
	return nil
}

// CrossfadeRequestPayload asks the music service to blend to a new track.
// PlanID/StepID tie the completion event back to the requesting plan step.
type CrossfadeRequestPayload struct {
	PlanID      string `json:"plan_id"`
	StepID      string `json:"step_id"`
	FromTrackID string `json:"from_track_id,omitempty"`
	ToTrackID   string `json:"to_track_id"`
	FadeMs      int    `json:"fade_ms"`
}

func (p *CrossfadeRequestPayload) Validate() error {
	if p.ToTrackID == "" {
		return errors.New("to_track_id is required")
	}
	if p.FadeMs < 0 {
		return errors.New("fade_ms must be >= 0")
	}
	return nil
}

// CrossfadeCompletePayload reports one finished (or failed) crossfade.
type CrossfadeCompletePayload struct {
	PlanID string `json:"plan_id"`
	StepID string `json:"step_id"`
	Error  string `json:"error,omitempty"`
}

func (p *CrossfadeCompletePayload) Validate() error { return nil }

// ─── DJ payloads ─────────────────────────────────────────────────────────────

// DJCommandPayload is the dispatcher-shaped control for the DJ coordinator.
// Start/stop set DJModeActive; `dj next` sets Skip instead.
type DJCommandPayload struct {
	DJModeActive *bool  `json:"dj_mode_active,omitempty"`
	Skip         bool   `json:"skip,omitempty"`
	Source       string `json:"source,omitempty"`
	SessionID    string `json:"sid,omitempty"`
}

func (p *DJCommandPayload) Validate() error {
	if p.DJModeActive == nil && !p.Skip {
		return errors.New("either dj_mode_active or skip must be set")
	}
	return nil
}

// DJQueueUpdatedPayload informs the dashboard of the current/next pair.
type DJQueueUpdatedPayload struct {
	Current *TrackInfo `json:"current,omitempty"`
	Next    *TrackInfo `json:"next,omitempty"`
	State   string     `json:"state"` // off, starting, active, transitioning, stopping
}

func (p *DJQueueUpdatedPayload) Validate() error {
	if p.State == "" {
		return errors.New("state is required")
	}
	return nil
}

// CommentaryRequestPayload asks the LLM service for spoken commentary about
// the upcoming transition.
type CommentaryRequestPayload struct {
	SpeechID string    `json:"speech_id"`
	Current  TrackInfo `json:"current"`
	Next     TrackInfo `json:"next"`
	Persona  string    `json:"persona"` // "transition" or "initial"
}

func (p *CommentaryRequestPayload) Validate() error {
	if p.SpeechID == "" {
		return errors.New("speech_id is required")
	}
	return p.Next.Validate()
}

// CommentaryResponsePayload carries the generated commentary text.
type CommentaryResponsePayload struct {
	SpeechID string `json:"speech_id"`
	Text     string `json:"text"`
}

func (p *CommentaryResponsePayload) Validate() error {
	if p.SpeechID == "" {
		return errors.New("speech_id is required")
	}
	if p.Text == "" {
		return errors.New("text is required")
	}
	return nil
}

// CommentarySkippedPayload records commentary dropped by the missing-cache
// policy or a skip command.
type CommentarySkippedPayload struct {
	SpeechID string `json:"speech_id"`
	Reason   string `json:"reason"`
}

func (p *CommentarySkippedPayload) Validate() error {
	if p.SpeechID == "" {
		return errors.New("speech_id is required")
	}
	return nil
}

// ─── Speech payloads ─────────────────────────────────────────────────────────

// SynthesizeRequestPayload asks the speech service to synthesize text.
// Cache=true stores the result under SpeechID and announces cache_ready;
// Cache=false plays the audio as soon as it is ready.
type SynthesizeRequestPayload struct {
	SpeechID string `json:"speech_id"`
	Text     string `json:"text"`
	Cache    bool   `json:"cache"`
	VoiceID  string `json:"voice_id,omitempty"`
}

func (p *SynthesizeRequestPayload) Validate() error {
	if p.SpeechID == "" {
		return errors.New("speech_id is required")
	}
	if p.Text == "" {
		return errors.New("text is required")
	}
	return nil
}

// SpeechCachePayload reports one cache entry transition (ready or error).
type SpeechCachePayload struct {
	SpeechID string `json:"speech_id"`
	Error    string `json:"error,omitempty"`
}

func (p *SpeechCachePayload) Validate() error {
	if p.SpeechID == "" {
		return errors.New("speech_id is required")
	}
	return nil
}

// PlayCachedSpeechPayload asks the speech service to play a cached entry.
type PlayCachedSpeechPayload struct {
	SpeechID string `json:"speech_id"`
	PlanID   string `json:"plan_id,omitempty"`
	StepID   string `json:"step_id,omitempty"`
}

func (p *PlayCachedSpeechPayload) Validate() error {
	if p.SpeechID == "" {
		return errors.New("speech_id is required")
	}
	return nil
}

// SpeechPlaybackPayload is published for playback started and completed.
// Error is set on completed when playback failed (for example cache miss).
type SpeechPlaybackPayload struct {
	SpeechID string `json:"speech_id"`
	PlanID   string `json:"plan_id,omitempty"`
	StepID   string `json:"step_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (p *SpeechPlaybackPayload) Validate() error {
	if p.SpeechID == "" {
		return errors.New("speech_id is required")
	}
	return nil
}

// ─── Timeline payloads ───────────────────────────────────────────────────────

// PlanExecutePayload submits a plan to the timeline executor. A new plan on
// a layer cancels the layer's active plan.
type PlanExecutePayload struct {
	Plan Plan `json:"plan"`
}

func (p *PlanExecutePayload) Validate() error { return p.Plan.Validate() }

// PlanCancelPayload cancels the active plan on a layer, if any.
type PlanCancelPayload struct {
	Layer  Layer  `json:"layer"`
	Reason string `json:"reason,omitempty"`
}

func (p *PlanCancelPayload) Validate() error {
	if !p.Layer.IsValid() {
		return fmt.Errorf("layer %q is not one of foreground, ambient", p.Layer)
	}
	return nil
}

// PlanStatusPayload is published for plan started, completed, failed, and
// cancelled events. Step and Error are set only on failure; Reason only on
// cancellation.
type PlanStatusPayload struct {
	PlanID string `json:"plan_id"`
	Layer  Layer  `json:"layer"`
	Step   string `json:"step,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (p *PlanStatusPayload) Validate() error {
	if p.PlanID == "" {
		return errors.New("plan_id is required")
	}
	return nil
}

// ─── Audio coordination payloads ─────────────────────────────────────────────

// DuckPayload requests the music bus be held at or below Level.
type DuckPayload struct {
	Level float64 `json:"level"`
}

func (p *DuckPayload) Validate() error {
	if p.Level < 0 || p.Level > 1 {
		return fmt.Errorf("level %.2f is out of range [0, 1]", p.Level)
	}
	return nil
}

// UnduckPayload releases the most recent duck request.
type UnduckPayload struct{}

func (p *UnduckPayload) Validate() error { return nil }

// ─── Voice payloads ──────────────────────────────────────────────────────────

// TranscriptPayload is one transcription result bridged in from the STT
// adapter. Final transcripts drive the voice listener; interim ones are
// dashboard-only.
type TranscriptPayload struct {
	Text       string  `json:"text"`
	Final      bool    `json:"final"`
	Confidence float64 `json:"confidence,omitempty"`
	SpeakerID  string  `json:"speaker_id,omitempty"`
}

func (p *TranscriptPayload) Validate() error {
	if p.Text == "" {
		return errors.New("text is required")
	}
	return nil
}
