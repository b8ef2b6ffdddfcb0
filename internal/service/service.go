// Package service provides the lifecycle base that every CantinaOS service
// embeds: declared bus subscriptions activated atomically at start, tracked
// background tasks, and status reporting with duplicate eliding.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
)

// DefaultStopGrace is how long Stop waits for tracked tasks to finish
// before giving up and reporting a lifecycle error.
const DefaultStopGrace = 2 * time.Second

// Service is the lifecycle contract the application supervisor manages.
// Start must not be called twice; Stop is idempotent.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Option configures a [Base].
type Option func(*Base)

// WithStopGrace overrides how long Stop waits for tracked tasks.
func WithStopGrace(d time.Duration) Option {
	return func(b *Base) {
		if d > 0 {
			b.stopGrace = d
		}
	}
}

// WithLogger sets the service logger. Defaults to slog.Default with a
// "service" attribute.
func WithLogger(log *slog.Logger) Option {
	return func(b *Base) { b.log = log }
}

// declaration is one subscription requested before Start.
type declaration struct {
	topic   events.Topic
	handler bus.Handler
}

// Base carries the shared lifecycle machinery. Concrete services embed
// *Base, declare their subscriptions in the constructor, and extend Start
// and Stop as needed.
type Base struct {
	name string
	bus  *bus.Bus
	log  *slog.Logger

	stopGrace time.Duration

	mu       sync.Mutex
	declared []declaration
	subs     []*bus.Subscription
	started  bool
	stopped  bool

	taskCtx    context.Context
	taskCancel context.CancelFunc
	tasks      sync.WaitGroup

	lastStatus  events.ServiceStatus
	lastMessage string
}

// NewBase creates the lifecycle base for the named service.
func NewBase(name string, b *bus.Bus, opts ...Option) *Base {
	base := &Base{
		name:      name,
		bus:       b,
		log:       slog.Default().With("service", name),
		stopGrace: DefaultStopGrace,
	}
	for _, o := range opts {
		o(base)
	}
	return base
}

// Name returns the service name used in logs and status events.
func (b *Base) Name() string { return b.name }

// Log returns the service logger.
func (b *Base) Log() *slog.Logger { return b.log }

// Bus returns the event bus the service is attached to.
func (b *Base) Bus() *bus.Bus { return b.bus }

// Declare records a subscription to be activated by Start. Calling Declare
// after Start subscribes immediately.
func (b *Base) Declare(topic events.Topic, handler bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		sub, err := b.bus.Subscribe(topic, b.name, handler)
		if err != nil {
			return fmt.Errorf("service %s: subscribe %s: %w", b.name, topic, err)
		}
		b.subs = append(b.subs, sub)
		return nil
	}
	b.declared = append(b.declared, declaration{topic: topic, handler: handler})
	return nil
}

// Start activates every declared subscription and reports the service
// RUNNING. If any subscription fails, the ones already made are removed
// and the service is left fully unsubscribed.
func (b *Base) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("service %s: already started", b.name)
	}
	b.started = true
	b.stopped = false
	b.taskCtx, b.taskCancel = context.WithCancel(context.Background())
	declared := b.declared
	b.mu.Unlock()

	b.EmitStatus(events.StatusInitializing, "", "starting")

	var subs []*bus.Subscription
	for _, d := range declared {
		sub, err := b.bus.Subscribe(d.topic, b.name, d.handler)
		if err != nil {
			for _, s := range subs {
				b.bus.Unsubscribe(s)
			}
			b.mu.Lock()
			b.started = false
			b.taskCancel()
			b.mu.Unlock()
			b.EmitStatus(events.StatusError, events.KindRegistration,
				fmt.Sprintf("subscribe %s: %v", d.topic, err))
			return fmt.Errorf("service %s: subscribe %s: %w", b.name, d.topic, err)
		}
		subs = append(subs, sub)
	}

	b.mu.Lock()
	b.subs = subs
	b.mu.Unlock()

	b.EmitStatus(events.StatusRunning, "", "")
	b.log.Info("service started", "subscriptions", len(subs))
	return nil
}

// Stop removes every subscription, cancels tracked tasks, and waits up to
// the stop grace for them to finish. Safe to call more than once.
func (b *Base) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	subs := b.subs
	b.subs = nil
	cancel := b.taskCancel
	b.mu.Unlock()

	b.EmitStatus(events.StatusStopping, "", "")

	for _, s := range subs {
		b.bus.Unsubscribe(s)
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		b.tasks.Wait()
		close(done)
	}()

	grace := b.stopGrace
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < grace {
			grace = rem
		}
	}

	var err error
	select {
	case <-done:
	case <-time.After(grace):
		err = fmt.Errorf("service %s: tasks did not stop within %s", b.name, grace)
		b.log.Warn("tasks did not stop in time", "grace", grace)
		b.EmitStatus(events.StatusError, events.KindLifecycle, err.Error())
	}

	b.mu.Lock()
	b.started = false
	b.mu.Unlock()

	if err == nil {
		b.EmitStatus(events.StatusStopped, "", "")
		b.log.Info("service stopped")
	}
	return err
}

// Go runs fn as a tracked background task. The context is cancelled on
// Stop; fn must return promptly once it is. Panics are isolated and
// reported as lifecycle errors.
func (b *Base) Go(fn func(ctx context.Context)) {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	ctx := b.taskCtx
	b.tasks.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("task panic", "panic", r)
				b.EmitStatus(events.StatusDegraded, events.KindLifecycle,
					fmt.Sprintf("task panicked: %v", r))
			}
		}()
		fn(ctx)
	}()
}

// Emit publishes a payload on the bus.
func (b *Base) Emit(topic events.Topic, payload events.Payload) error {
	if err := b.bus.Publish(topic, payload); err != nil {
		return fmt.Errorf("service %s: publish %s: %w", b.name, topic, err)
	}
	return nil
}

// EmitStatus publishes a SERVICE_STATUS event for this service. Repeating
// the same status with the same message is elided so steady-state services
// do not flood the status topic.
func (b *Base) EmitStatus(status events.ServiceStatus, kind events.ErrorKind, message string) {
	b.mu.Lock()
	if status == b.lastStatus && message == b.lastMessage {
		b.mu.Unlock()
		return
	}
	b.lastStatus = status
	b.lastMessage = message
	b.mu.Unlock()

	err := b.bus.Publish(events.TopicServiceStatus, &events.ServiceStatusPayload{
		Service: b.name,
		Status:  status,
		Kind:    kind,
		Message: message,
	})
	if err != nil && !errors.Is(err, bus.ErrClosed) {
		b.log.Warn("status publish failed", "err", err)
	}
}

// LastStatus returns the most recently emitted status. Introspection for
// the status reporter and tests.
func (b *Base) LastStatus() (events.ServiceStatus, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastStatus, b.lastMessage
}
