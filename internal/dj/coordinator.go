// Package dj implements automatic track rotation with spoken commentary.
//
// The coordinator owns the DJ state machine and the coordination slot in
// working memory; the commentary generator (see commentary.go) turns
// transition requests into spoken lines through the LLM provider. The two
// communicate only over the bus, like every other pair of services.
package dj

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cantinaos/cantina/internal/music"
	"github.com/cantinaos/cantina/internal/service"
	"github.com/cantinaos/cantina/internal/store"
	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
)

// ServiceName identifies the DJ coordinator on the bus.
const ServiceName = "dj_coordinator"

// SlotKey is the working-memory key holding the coordination slot.
const SlotKey = "dj:coordination"

// State names for the DJ machine. Transitions:
//
//	off → starting → active ⇄ transitioning
//	 any → stopping → off
const (
	StateOff           = "off"
	StateStarting      = "starting"
	StateActive        = "active"
	StateTransitioning = "transitioning"
	StateStopping      = "stopping"
)

// DefaultHistorySize is how many recently played tracks are excluded from
// selection.
const DefaultHistorySize = 5

// DefaultCommentaryWait bounds how long a transition waits for commentary
// that is still synthesizing.
const DefaultCommentaryWait = 2 * time.Second

// DefaultSynthesisEstimate is the assumed duration of one synthesis,
// used to project whether pending commentary can make the transition.
const DefaultSynthesisEstimate = 3 * time.Second

// DefaultFadeMs is the crossfade duration for DJ transitions.
const DefaultFadeMs = 1500

// Slot is the coordination record persisted in working memory. It survives
// restarts so an operator can see what the DJ was doing when the process
// went down.
type Slot struct {
	CurrentTrackID string `json:"current_track_id"`
	NextTrackID    string `json:"next_track_id"`
	NextSpeechID   string `json:"next_speech_id"`
}

// speech cache states as tracked from bus events.
const (
	speechPending = "pending"
	speechReady   = "ready"
	speechFailed  = "failed"
)

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithHistorySize overrides the no-repeat window.
func WithHistorySize(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.historySize = n
		}
	}
}

// WithCommentaryWait overrides the missing-commentary grace period.
func WithCommentaryWait(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.commentaryWait = d
		}
	}
}

// WithSynthesisEstimate overrides the assumed synthesis duration.
func WithSynthesisEstimate(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.synthesisEstimate = d
		}
	}
}

// WithFade overrides the transition crossfade duration.
func WithFade(ms int) Option {
	return func(c *Coordinator) {
		if ms >= 0 {
			c.fadeMs = ms
		}
	}
}

// WithClock injects the time source used for deterministic selection.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator is the DJ coordinator service.
type Coordinator struct {
	*service.Base

	library *music.Library
	memory  *store.Store

	historySize       int
	commentaryWait    time.Duration
	synthesisEstimate time.Duration
	fadeMs            int
	now               func() time.Time

	mu           sync.Mutex
	state        string
	playing      *events.TrackInfo // last observed music playback, DJ or not
	current      *events.TrackInfo
	next         *events.TrackInfo
	nextSpeechID string
	history      []string
	activePlan   string
	speechState  map[string]string
	speechReady  map[string]chan struct{}
	synthStarted map[string]time.Time
}

var _ service.Service = (*Coordinator)(nil)

// New creates the DJ coordinator.
func New(b *bus.Bus, library *music.Library, memory *store.Store, djOpts []Option, opts ...service.Option) *Coordinator {
	c := &Coordinator{
		Base:              service.NewBase(ServiceName, b, opts...),
		library:           library,
		memory:            memory,
		historySize:       DefaultHistorySize,
		commentaryWait:    DefaultCommentaryWait,
		synthesisEstimate: DefaultSynthesisEstimate,
		fadeMs:            DefaultFadeMs,
		now:               time.Now,
		state:             StateOff,
		speechState:       make(map[string]string),
		speechReady:       make(map[string]chan struct{}),
		synthStarted:      make(map[string]time.Time),
	}
	for _, o := range djOpts {
		o(c)
	}

	c.Declare(events.TopicDJCommand, c.onCommand)
	c.Declare(events.TopicTrackEndingSoon, c.onTrackEnding)
	c.Declare(events.TopicMusicPlaybackStarted, c.onPlaybackStarted)
	c.Declare(events.TopicCommentaryResponse, c.onCommentary)
	c.Declare(events.TopicSpeechCacheReady, c.onCacheReady)
	c.Declare(events.TopicSpeechCacheError, c.onCacheError)
	c.Declare(events.TopicPlanCompleted, c.onPlanDone)
	c.Declare(events.TopicPlanFailed, c.onPlanDone)
	c.Declare(events.TopicPlanCancelled, c.onPlanDone)
	return c
}

// Start restores the coordination slot for visibility. A previous DJ
// session is not resumed automatically; the slot tells the operator what
// was in flight.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.Base.Start(ctx); err != nil {
		return err
	}
	var slot Slot
	if ok, err := c.memory.GetInto(SlotKey, &slot); err != nil {
		c.Log().Warn("coordination slot unreadable", "err", err)
	} else if ok && slot.CurrentTrackID != "" {
		c.Log().Info("previous DJ session found",
			"current", slot.CurrentTrackID, "next", slot.NextTrackID)
		c.memory.Delete(SlotKey)
	}
	return nil
}

// State returns the machine state.
func (c *Coordinator) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Queue returns the current/next pair.
func (c *Coordinator) Queue() (current, next *events.TrackInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.next
}

func (c *Coordinator) onCommand(ctx context.Context, env events.Envelope) error {
	cmd, ok := env.Payload.(*events.DJCommandPayload)
	if !ok {
		return fmt.Errorf("dj: unexpected payload %T", env.Payload)
	}
	switch {
	case cmd.Skip:
		return c.skip(cmd.SessionID)
	case cmd.DJModeActive != nil && *cmd.DJModeActive:
		return c.start(cmd.SessionID)
	case cmd.DJModeActive != nil:
		return c.stopMode(cmd.SessionID)
	}
	return nil
}

func (c *Coordinator) start(sessionID string) error {
	c.mu.Lock()
	if c.state != StateOff {
		c.mu.Unlock()
		c.respond(sessionID, "DJ mode is already active", true)
		return nil
	}
	c.state = StateStarting
	playing := c.playing
	c.mu.Unlock()

	if c.library.Len() == 0 {
		c.mu.Lock()
		c.state = StateOff
		c.mu.Unlock()
		c.respond(sessionID, "DJ mode needs a music library and none is loaded", true)
		return nil
	}

	var current events.TrackInfo
	if playing != nil {
		// Adopt whatever is already on the music bus.
		current = *playing
	} else {
		track, ok := c.pick(map[string]bool{})
		if !ok {
			c.mu.Lock()
			c.state = StateOff
			c.mu.Unlock()
			c.respond(sessionID, "no playable track found", true)
			return nil
		}
		current = track
		c.Emit(events.TopicMusicCommand, &events.MusicCommandPayload{
			Action:  "play",
			TrackID: track.TrackID,
			Source:  ServiceName,
		})
	}

	c.mu.Lock()
	c.current = &current
	c.state = StateActive
	c.mu.Unlock()

	c.prepareNext()
	c.respond(sessionID, fmt.Sprintf("DJ mode engaged, spinning %s", current.Title), false)
	return nil
}

func (c *Coordinator) stopMode(sessionID string) error {
	c.mu.Lock()
	if c.state == StateOff {
		c.mu.Unlock()
		c.respond(sessionID, "DJ mode is not active", true)
		return nil
	}
	c.state = StateStopping
	plan := c.activePlan
	speechID := c.nextSpeechID
	c.current, c.next = nil, nil
	c.nextSpeechID = ""
	c.activePlan = ""
	c.history = nil
	c.mu.Unlock()

	if plan != "" {
		c.Emit(events.TopicPlanCancel, &events.PlanCancelPayload{
			Layer: events.LayerForeground, Reason: "dj stopped",
		})
	}
	if speechID != "" {
		c.Emit(events.TopicCommentarySkipped, &events.CommentarySkippedPayload{
			SpeechID: speechID, Reason: "dj stopped",
		})
	}
	c.memory.Delete(SlotKey)

	c.mu.Lock()
	c.state = StateOff
	c.mu.Unlock()
	c.announceQueue()
	// Music keeps playing; stopping the DJ only stops rotation.
	c.respond(sessionID, "DJ mode disengaged, current track keeps playing", false)
	return nil
}

func (c *Coordinator) skip(sessionID string) error {
	c.mu.Lock()
	if c.state != StateActive && c.state != StateTransitioning {
		c.mu.Unlock()
		c.respond(sessionID, "DJ mode is not active", true)
		return nil
	}
	next := c.next
	speechID := c.nextSpeechID
	c.nextSpeechID = ""
	c.mu.Unlock()

	if speechID != "" {
		c.Emit(events.TopicCommentarySkipped, &events.CommentarySkippedPayload{
			SpeechID: speechID, Reason: "skipped",
		})
		c.forgetSpeech(speechID)
	}
	if next == nil {
		c.respond(sessionID, "no next track queued yet", true)
		return nil
	}

	// Crossfade immediately, without commentary. Submitting a new
	// foreground plan supersedes any in-flight transition.
	c.submitTransition(*next, "")
	c.respond(sessionID, fmt.Sprintf("skipping to %s", next.Title), false)
	return nil
}

// onPlaybackStarted tracks what the music bus is playing so `dj start`
// can adopt an already-running track.
func (c *Coordinator) onPlaybackStarted(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.MusicPlaybackPayload)
	if !ok {
		return fmt.Errorf("dj: unexpected payload %T", env.Payload)
	}
	track := p.Track
	c.mu.Lock()
	c.playing = &track
	c.mu.Unlock()
	return nil
}

// onTrackEnding begins the transition when the current track approaches
// its end. The commentary decision runs off-handler so a slow synthesis
// cannot stall the coordinator's event pump.
func (c *Coordinator) onTrackEnding(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.TrackEndingSoonPayload)
	if !ok {
		return fmt.Errorf("dj: unexpected payload %T", env.Payload)
	}

	c.mu.Lock()
	if c.state != StateActive || c.next == nil {
		c.mu.Unlock()
		return nil
	}
	if c.current != nil && p.Track.TrackID != c.current.TrackID {
		// Stale event from a track we already rotated away from.
		c.mu.Unlock()
		return nil
	}
	c.state = StateTransitioning
	next := *c.next
	speechID := c.nextSpeechID
	c.mu.Unlock()
	c.announceQueue()

	c.Go(func(taskCtx context.Context) {
		c.transition(taskCtx, next, speechID)
	})
	return nil
}

// transition applies the missing-commentary policy and submits the plan.
func (c *Coordinator) transition(ctx context.Context, next events.TrackInfo, speechID string) {
	useSpeech := false
	if speechID != "" {
		switch c.speechStatus(speechID) {
		case speechReady:
			useSpeech = true
		case speechPending:
			// Grace period: commentary projected to finish within the
			// wait still makes the transition. Anything further out is
			// dropped so the crossfade starts on time.
			if projected := c.projectedWait(speechID); projected > c.commentaryWait {
				c.Log().Warn("degraded transition, commentary will not be ready in time",
					"speech_id", speechID, "projected", projected)
				c.Emit(events.TopicCommentarySkipped, &events.CommentarySkippedPayload{
					SpeechID: speechID, Reason: "synthesis not expected in time",
				})
			} else if c.awaitSpeech(ctx, speechID, c.commentaryWait) {
				useSpeech = true
			} else {
				c.Emit(events.TopicCommentarySkipped, &events.CommentarySkippedPayload{
					SpeechID: speechID, Reason: "not cached in time",
				})
			}
		default:
			c.Emit(events.TopicCommentarySkipped, &events.CommentarySkippedPayload{
				SpeechID: speechID, Reason: "synthesis failed",
			})
		}
	}
	if !useSpeech {
		speechID = ""
	}
	c.submitTransition(next, speechID)
}

// submitTransition publishes the foreground plan for the move to next.
// With a speech id the commentary plays over the crossfade; without one
// the plan is the bare crossfade.
func (c *Coordinator) submitTransition(next events.TrackInfo, speechID string) {
	c.mu.Lock()
	fromID := ""
	if c.current != nil {
		fromID = c.current.TrackID
	}
	planID := "dj-" + uuid.NewString()
	c.activePlan = planID
	c.state = StateTransitioning
	c.mu.Unlock()

	crossfade := events.Step{
		Kind: events.StepMusicCrossfade,
		Crossfade: &events.CrossfadeStep{
			FromTrackID: fromID,
			ToTrackID:   next.TrackID,
			FadeMs:      c.fadeMs,
		},
	}
	var steps []events.Step
	if speechID != "" {
		steps = []events.Step{{
			Kind: events.StepParallel,
			Parallel: []events.Step{
				{Kind: events.StepPlayCachedSpeech, Speech: &events.SpeechStep{SpeechID: speechID}},
				crossfade,
			},
		}}
	} else {
		steps = []events.Step{crossfade}
	}

	c.Emit(events.TopicPlanExecute, &events.PlanExecutePayload{
		Plan: events.Plan{PlanID: planID, Layer: events.LayerForeground, Steps: steps},
	})
}

// onPlanDone advances the rotation when our transition plan terminates.
func (c *Coordinator) onPlanDone(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.PlanStatusPayload)
	if !ok {
		return fmt.Errorf("dj: unexpected payload %T", env.Payload)
	}

	c.mu.Lock()
	if p.PlanID != c.activePlan || c.state != StateTransitioning {
		c.mu.Unlock()
		return nil
	}
	c.activePlan = ""

	switch env.Topic {
	case events.TopicPlanCompleted, events.TopicPlanFailed:
		// Even a failed plan usually got the crossfade away; a failed
		// speech step does not stop the rotation.
		if env.Topic == events.TopicPlanFailed {
			c.Log().Warn("transition plan failed", "plan_id", p.PlanID, "step", p.Step, "err", p.Error)
		}
		if c.next != nil {
			if c.current != nil {
				c.pushHistoryLocked(c.current.TrackID)
			}
			c.current = c.next
			c.next = nil
			c.nextSpeechID = ""
		}
		c.state = StateActive
		c.mu.Unlock()
		c.prepareNext()
		return nil
	case events.TopicPlanCancelled:
		// A superseding plan carries its own lifecycle; a cancel without a
		// successor (mode reset, shutdown) drops back to active.
		c.state = StateActive
		c.mu.Unlock()
		c.announceQueue()
		return nil
	}
	c.mu.Unlock()
	return nil
}

// prepareNext selects the upcoming track, persists the coordination slot,
// and kicks off commentary synthesis for the transition.
func (c *Coordinator) prepareNext() {
	c.mu.Lock()
	exclude := make(map[string]bool, len(c.history)+1)
	for _, id := range c.history {
		exclude[id] = true
	}
	var current events.TrackInfo
	if c.current != nil {
		current = *c.current
		exclude[current.TrackID] = true
	}
	c.mu.Unlock()

	next, ok := c.pick(exclude)
	if !ok {
		c.Log().Warn("no candidate track for rotation")
		return
	}

	speechID := "dj-commentary-" + uuid.NewString()

	c.mu.Lock()
	c.next = &next
	c.nextSpeechID = speechID
	c.speechState[speechID] = speechPending
	c.speechReady[speechID] = make(chan struct{})
	c.mu.Unlock()

	c.memory.Set(SlotKey, Slot{
		CurrentTrackID: current.TrackID,
		NextTrackID:    next.TrackID,
		NextSpeechID:   speechID,
	})

	c.Emit(events.TopicCommentaryRequest, &events.CommentaryRequestPayload{
		SpeechID: speechID,
		Current:  current,
		Next:     next,
		Persona:  "transition",
	})
	c.announceQueue()
}

// pick returns the candidate with the smallest selection hash outside the
// excluded set. The hash folds in a one-minute time bucket so the choice
// is stable within a transition but varies across sessions.
func (c *Coordinator) pick(exclude map[string]bool) (events.TrackInfo, bool) {
	bucket := c.now().Unix() / 60

	var best events.TrackInfo
	var bestSum uint64
	found := false
	for _, t := range c.library.All() {
		if exclude[t.TrackID] {
			continue
		}
		h := fnv.New64a()
		fmt.Fprintf(h, "%s:%d", t.TrackID, bucket)
		if sum := h.Sum64(); !found || sum < bestSum {
			best, bestSum, found = t, sum, true
		}
	}
	if !found && len(exclude) > 1 {
		// Library smaller than the no-repeat window: allow history repeats,
		// still never the current track.
		c.mu.Lock()
		smaller := map[string]bool{}
		if c.current != nil {
			smaller[c.current.TrackID] = true
		}
		c.mu.Unlock()
		return c.pick(smaller)
	}
	return best, found
}

func (c *Coordinator) pushHistoryLocked(trackID string) {
	c.history = append(c.history, trackID)
	if len(c.history) > c.historySize {
		c.history = c.history[len(c.history)-c.historySize:]
	}
}

// ─── commentary speech tracking ──────────────────────────────────────────────

// onCommentary forwards generated text to the speech service for cached
// synthesis under the same speech id.
func (c *Coordinator) onCommentary(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.CommentaryResponsePayload)
	if !ok {
		return fmt.Errorf("dj: unexpected payload %T", env.Payload)
	}
	c.mu.Lock()
	_, tracked := c.speechState[p.SpeechID]
	if tracked {
		c.synthStarted[p.SpeechID] = c.now()
	}
	c.mu.Unlock()
	if !tracked {
		return nil
	}
	return c.Emit(events.TopicSynthesizeRequest, &events.SynthesizeRequestPayload{
		SpeechID: p.SpeechID,
		Text:     p.Text,
		Cache:    true,
	})
}

func (c *Coordinator) onCacheReady(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.SpeechCachePayload)
	if !ok {
		return fmt.Errorf("dj: unexpected payload %T", env.Payload)
	}
	c.markSpeech(p.SpeechID, speechReady)
	return nil
}

func (c *Coordinator) onCacheError(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.SpeechCachePayload)
	if !ok {
		return fmt.Errorf("dj: unexpected payload %T", env.Payload)
	}
	c.markSpeech(p.SpeechID, speechFailed)
	return nil
}

func (c *Coordinator) markSpeech(speechID, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, tracked := c.speechState[speechID]; !tracked {
		return
	}
	c.speechState[speechID] = state
	delete(c.synthStarted, speechID)
	if ch, ok := c.speechReady[speechID]; ok {
		close(ch)
		delete(c.speechReady, speechID)
	}
}

func (c *Coordinator) speechStatus(speechID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speechState[speechID]
}

// projectedWait estimates how long until pending commentary is ready:
// the synthesis estimate less the time synthesis has already run.
// Commentary whose synthesis has not begun projects the full estimate.
func (c *Coordinator) projectedWait(speechID string) time.Duration {
	c.mu.Lock()
	started, ok := c.synthStarted[speechID]
	c.mu.Unlock()
	if !ok {
		return c.synthesisEstimate
	}
	if remaining := c.synthesisEstimate - c.now().Sub(started); remaining > 0 {
		return remaining
	}
	return 0
}

// awaitSpeech waits up to d for the speech id to leave pending. Returns
// true only when it became ready.
func (c *Coordinator) awaitSpeech(ctx context.Context, speechID string, d time.Duration) bool {
	c.mu.Lock()
	ch, ok := c.speechReady[speechID]
	c.mu.Unlock()
	if !ok {
		return c.speechStatus(speechID) == speechReady
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return c.speechStatus(speechID) == speechReady
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Coordinator) forgetSpeech(speechID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.speechState, speechID)
	delete(c.synthStarted, speechID)
	if ch, ok := c.speechReady[speechID]; ok {
		close(ch)
		delete(c.speechReady, speechID)
	}
}

// ─── reporting ───────────────────────────────────────────────────────────────

func (c *Coordinator) announceQueue() {
	c.mu.Lock()
	p := &events.DJQueueUpdatedPayload{
		Current: c.current,
		Next:    c.next,
		State:   c.state,
	}
	c.mu.Unlock()
	c.Emit(events.TopicDJQueueUpdated, p)
}

func (c *Coordinator) respond(sessionID, text string, isErr bool) {
	c.Emit(events.TopicCLIResponse, &events.CLIResponsePayload{
		Text: text, IsError: isErr, SessionID: sessionID,
	})
}
