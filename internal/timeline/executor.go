// Package timeline implements the plan executor: sequential and parallel
// step execution with completion-gated waits, per-layer cancellation, and
// the duck/unduck coupling that keeps music under speech.
package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/cantinaos/cantina/internal/observe"
	"github.com/cantinaos/cantina/internal/service"
	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
)

// ServiceName identifies the executor on the bus.
const ServiceName = "timeline_executor"

// Defaults for completion-gated waits.
const (
	DefaultSpeechTimeout  = 20 * time.Second
	DefaultCrossfadeSlack = 500 * time.Millisecond
)

// errTimeout marks a wait that expired; plans failed by it carry the
// reason "timeout".
var errTimeout = errors.New("timeout")

// Option configures an [Executor].
type Option func(*Executor)

// WithSpeechTimeout overrides the default play_cached_speech wait bound.
func WithSpeechTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.speechTimeout = d
		}
	}
}

// WithCrossfadeSlack overrides the slack added to fade_ms for a crossfade
// step's wait bound.
func WithCrossfadeSlack(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.crossfadeSlack = d
		}
	}
}

// WithDuckLevel sets the level sent with duck requests.
func WithDuckLevel(level float64) Option {
	return func(e *Executor) {
		if level >= 0 && level <= 1 {
			e.duckLevel = level
		}
	}
}

// run is one in-flight plan on a layer.
type run struct {
	plan   events.Plan
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Executor is the timeline executor service. Plans arrive on the plan
// execute topic; at most one plan runs per layer, and a newer plan
// supersedes the active one.
type Executor struct {
	*service.Base

	speechTimeout  time.Duration
	crossfadeSlack time.Duration
	duckLevel      float64

	mu     sync.Mutex
	active map[events.Layer]*run
}

var _ service.Service = (*Executor)(nil)

// New creates the executor attached to b.
func New(b *bus.Bus, opts ...service.Option) *Executor {
	return NewWith(b, nil, opts...)
}

// NewWith creates the executor with executor-specific options alongside
// the shared service options.
func NewWith(b *bus.Bus, execOpts []Option, opts ...service.Option) *Executor {
	e := &Executor{
		Base:           service.NewBase(ServiceName, b, opts...),
		speechTimeout:  DefaultSpeechTimeout,
		crossfadeSlack: DefaultCrossfadeSlack,
		duckLevel:      0.5,
		active:         make(map[events.Layer]*run),
	}
	for _, o := range execOpts {
		o(e)
	}
	e.Declare(events.TopicPlanExecute, e.onExecute)
	e.Declare(events.TopicPlanCancel, e.onCancel)
	return e
}

func (e *Executor) onExecute(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.PlanExecutePayload)
	if !ok {
		return fmt.Errorf("timeline: unexpected payload %T", env.Payload)
	}
	e.Submit(p.Plan)
	return nil
}

func (e *Executor) onCancel(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.PlanCancelPayload)
	if !ok {
		return fmt.Errorf("timeline: unexpected payload %T", env.Payload)
	}
	e.CancelLayer(p.Layer, p.Reason)
	return nil
}

// Submit starts plan, superseding any active plan on its layer. The
// superseded plan stops issuing steps and reports plan_cancelled; it does
// not stop the underlying services.
func (e *Executor) Submit(plan events.Plan) {
	e.CancelLayer(plan.Layer, "superseded by "+plan.PlanID)

	ctx, cancel := context.WithCancelCause(context.Background())
	r := &run{plan: plan, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.active[plan.Layer] = r
	e.mu.Unlock()

	e.Go(func(taskCtx context.Context) {
		defer close(r.done)
		// Service shutdown cancels the run too.
		stop := context.AfterFunc(taskCtx, func() { cancel(errors.New("shutting down")) })
		defer stop()

		e.execute(ctx, r)

		e.mu.Lock()
		if e.active[plan.Layer] == r {
			delete(e.active, plan.Layer)
		}
		e.mu.Unlock()
	})
}

// CancelLayer cancels the active plan on layer, if any, and waits for its
// run loop to unwind.
func (e *Executor) CancelLayer(layer events.Layer, reason string) {
	e.mu.Lock()
	r := e.active[layer]
	if r != nil {
		delete(e.active, layer)
	}
	e.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel(errors.New(reason))
	<-r.done
}

// Active returns the id of the running plan on layer, or "".
func (e *Executor) Active(layer events.Layer) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.active[layer]; ok {
		return r.plan.PlanID
	}
	return ""
}

func (e *Executor) execute(ctx context.Context, r *run) {
	plan := r.plan
	ctx, span := observe.StartSpan(ctx, "timeline.plan",
		trace.WithAttributes(
			attribute.String("plan_id", plan.PlanID),
			attribute.String("layer", string(plan.Layer)),
		),
	)
	defer span.End()

	log := e.Log()
	if cid := observe.CorrelationID(ctx); cid != "" {
		log = log.With("trace_id", cid)
	}

	log.Info("plan started", "plan_id", plan.PlanID, "layer", plan.Layer, "steps", len(plan.Steps))
	e.Emit(events.TopicPlanStarted, &events.PlanStatusPayload{
		PlanID: plan.PlanID, Layer: plan.Layer,
	})

	for i, step := range plan.Steps {
		// A cancellation that lands between steps must not start the
		// next step.
		if ctx.Err() != nil {
			e.reportCancelled(log, plan, context.Cause(ctx).Error())
			return
		}

		stepID := "s" + strconv.Itoa(i)
		if err := e.runStep(ctx, plan, stepID, step); err != nil {
			if ctx.Err() != nil {
				e.reportCancelled(log, plan, context.Cause(ctx).Error())
				return
			}
			log.Warn("plan failed", "plan_id", plan.PlanID, "step", stepID, "err", err)
			e.Emit(events.TopicPlanFailed, &events.PlanStatusPayload{
				PlanID: plan.PlanID, Layer: plan.Layer, Step: stepID, Error: err.Error(),
				Reason: failureReason(err),
			})
			return
		}
	}

	log.Info("plan completed", "plan_id", plan.PlanID)
	e.Emit(events.TopicPlanCompleted, &events.PlanStatusPayload{
		PlanID: plan.PlanID, Layer: plan.Layer,
	})
}

func (e *Executor) reportCancelled(log *slog.Logger, plan events.Plan, reason string) {
	log.Info("plan cancelled", "plan_id", plan.PlanID, "reason", reason)
	e.Emit(events.TopicPlanCancelled, &events.PlanStatusPayload{
		PlanID: plan.PlanID, Layer: plan.Layer, Reason: reason,
	})
}

func failureReason(err error) string {
	if errors.Is(err, errTimeout) {
		return "timeout"
	}
	return "step_error"
}

// runStep executes one step, recursing for parallel nodes. Ducking: a
// speech step ducks the music bus when it starts; the matching unduck is
// emitted once the whole enclosing step (the parallel node, or the speech
// step itself at top level) has finished, so a crossfade running beside
// speech stays under the ducked volume for its full duration.
func (e *Executor) runStep(ctx context.Context, plan events.Plan, stepID string, step events.Step) error {
	switch step.Kind {
	case events.StepPlayCachedSpeech:
		err := e.runSpeech(ctx, plan, stepID, step.Speech)
		e.unduck()
		return err

	case events.StepMusicCrossfade:
		return e.runCrossfade(ctx, plan, stepID, step.Crossfade)

	case events.StepWait:
		return e.runWait(ctx, step.Wait)

	case events.StepParallel:
		ducked := hasSpeech(step.Parallel)
		g, gctx := errgroup.WithContext(ctx)
		for i, child := range step.Parallel {
			childID := stepID + "." + strconv.Itoa(i)
			g.Go(func() error {
				return e.runChild(gctx, plan, childID, child)
			})
		}
		err := g.Wait()
		if ducked {
			e.unduck()
		}
		return err

	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// runChild runs a non-parallel step without the per-step unduck; the
// enclosing parallel node owns the unduck.
func (e *Executor) runChild(ctx context.Context, plan events.Plan, stepID string, step events.Step) error {
	switch step.Kind {
	case events.StepPlayCachedSpeech:
		return e.runSpeech(ctx, plan, stepID, step.Speech)
	case events.StepMusicCrossfade:
		return e.runCrossfade(ctx, plan, stepID, step.Crossfade)
	case events.StepWait:
		return e.runWait(ctx, step.Wait)
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func hasSpeech(steps []events.Step) bool {
	for _, s := range steps {
		if s.Kind == events.StepPlayCachedSpeech {
			return true
		}
	}
	return false
}

func (e *Executor) runSpeech(ctx context.Context, plan events.Plan, stepID string, step *events.SpeechStep) error {
	timeout := e.speechTimeout
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}

	wait, release := e.await(events.TopicSpeechCompleted, func(p events.Payload) bool {
		sp, ok := p.(*events.SpeechPlaybackPayload)
		return ok && sp.SpeechID == step.SpeechID
	})
	defer release()

	e.Emit(events.TopicDuckRequested, &events.DuckPayload{Level: e.duckLevel})
	if err := e.Emit(events.TopicPlayCachedSpeech, &events.PlayCachedSpeechPayload{
		SpeechID: step.SpeechID, PlanID: plan.PlanID, StepID: stepID,
	}); err != nil {
		return err
	}

	env, err := waitFor(ctx, wait, timeout)
	if err != nil {
		return fmt.Errorf("speech %s: %w", step.SpeechID, err)
	}
	if sp := env.Payload.(*events.SpeechPlaybackPayload); sp.Error != "" {
		return fmt.Errorf("speech %s: %s", step.SpeechID, sp.Error)
	}
	return nil
}

func (e *Executor) runCrossfade(ctx context.Context, plan events.Plan, stepID string, step *events.CrossfadeStep) error {
	timeout := time.Duration(step.FadeMs)*time.Millisecond + e.crossfadeSlack
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}

	wait, release := e.await(events.TopicCrossfadeComplete, func(p events.Payload) bool {
		cf, ok := p.(*events.CrossfadeCompletePayload)
		return ok && cf.PlanID == plan.PlanID && cf.StepID == stepID
	})
	defer release()

	if err := e.Emit(events.TopicCrossfadeRequest, &events.CrossfadeRequestPayload{
		PlanID:      plan.PlanID,
		StepID:      stepID,
		FromTrackID: step.FromTrackID,
		ToTrackID:   step.ToTrackID,
		FadeMs:      step.FadeMs,
	}); err != nil {
		return err
	}

	env, err := waitFor(ctx, wait, timeout)
	if err != nil {
		return fmt.Errorf("crossfade to %s: %w", step.ToTrackID, err)
	}
	if cf := env.Payload.(*events.CrossfadeCompletePayload); cf.Error != "" {
		return fmt.Errorf("crossfade to %s: %s", step.ToTrackID, cf.Error)
	}
	return nil
}

func (e *Executor) runWait(ctx context.Context, step *events.WaitStep) error {
	wait, release := e.await(step.Topic, func(p events.Payload) bool {
		return matchFields(p, step.Match)
	})
	defer release()

	_, err := waitFor(ctx, wait, time.Duration(step.TimeoutMs)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("wait on %s: %w", step.Topic, err)
	}
	return nil
}

// await subscribes a matcher to topic before the triggering publish, so a
// completion event can never race past the wait. release must be called
// once the wait resolves.
func (e *Executor) await(topic events.Topic, match func(events.Payload) bool) (<-chan events.Envelope, func()) {
	ch := make(chan events.Envelope, 4)
	sub, err := e.Bus().Subscribe(topic, ServiceName, func(ctx context.Context, env events.Envelope) error {
		if match(env.Payload) {
			select {
			case ch <- env:
			default:
			}
		}
		return nil
	})
	if err != nil {
		// Unregistered wait topics fail the step via the closed channel.
		e.Log().Warn("await subscribe failed", "topic", topic, "err", err)
		close(ch)
		return ch, func() {}
	}
	return ch, func() { e.Bus().Unsubscribe(sub) }
}

// waitFor resolves one completion wait against cancellation and timeout.
func waitFor(ctx context.Context, ch <-chan events.Envelope, timeout time.Duration) (events.Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env, ok := <-ch:
		if !ok {
			return events.Envelope{}, errors.New("wait topic unavailable")
		}
		return env, nil
	case <-ctx.Done():
		return events.Envelope{}, context.Cause(ctx)
	case <-timer.C:
		return events.Envelope{}, errTimeout
	}
}

func (e *Executor) unduck() {
	e.Emit(events.TopicUnduckRequested, &events.UnduckPayload{})
}

// matchFields compares the payload's JSON view against wanted, stringly:
// every wanted field must be present and render to the same string.
func matchFields(payload events.Payload, wanted map[string]string) bool {
	if len(wanted) == 0 {
		return true
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	for k, want := range wanted {
		got, ok := fields[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}
