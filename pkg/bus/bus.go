// Package bus implements the in-process CantinaOS event bus: topic-keyed
// asynchronous dispatch with typed payload validation, per-handler bounded
// queues, and O(1) subscription teardown.
//
// Publishers never block on handlers. Each subscription owns a bounded
// queue and a pump goroutine; handlers for one topic start in registration
// order and run concurrently with each other and with the publisher, while
// each individual handler observes publishes on its topic in publish order.
// A handler that falls behind has its oldest queued event dropped with a
// logged warning.
//
// Handler failures (error return or panic) are isolated: they are logged
// and reported as a SERVICE_STATUS event naming the owning service, and
// never stop delivery to the remaining handlers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cantinaos/cantina/pkg/events"
)

// Sentinel errors returned by Subscribe and Publish.
var (
	// ErrUnknownTopic is returned when the topic is not in the registry.
	// Subscribing to an unregistered topic is a programming error.
	ErrUnknownTopic = errors.New("bus: topic is not registered")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus: closed")
)

const (
	// DefaultQueueBound is the per-handler queue depth for normal topics.
	DefaultQueueBound = 64

	// DefaultHighFrequencyBound is the per-handler queue depth for topics
	// the registry marks high-frequency.
	DefaultHighFrequencyBound = 16
)

// Handler processes one delivered envelope. A non-nil error is reported as
// a HandlerError status event naming the subscription's owning service.
type Handler func(ctx context.Context, env events.Envelope) error

// Option configures a [Bus] during construction.
type Option func(*Bus)

// WithQueueBound sets the per-handler queue depth for normal topics.
func WithQueueBound(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueBound = n
		}
	}
}

// WithHighFrequencyBound sets the per-handler queue depth for topics the
// registry marks high-frequency.
func WithHighFrequencyBound(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.hfBound = n
		}
	}
}

// WithDropHook installs a callback invoked whenever a queued envelope is
// dropped because a handler fell behind. Used by the metrics layer.
func WithDropHook(fn func(topic events.Topic, service string)) Option {
	return func(b *Bus) {
		b.onDrop = fn
	}
}

// Subscription is the opaque handle returned by Subscribe. Pass it to
// Unsubscribe to remove exactly the handler it was created for.
type Subscription struct {
	id      uint64
	topic   events.Topic
	service string
	handler Handler

	queue chan events.Envelope
	stop  chan struct{} // closed by Unsubscribe
	done  chan struct{} // closed by the pump on exit
}

// Topic returns the canonical topic this subscription is attached to.
func (s *Subscription) Topic() events.Topic { return s.topic }

// Bus is the event bus. All exported methods are safe for concurrent use.
type Bus struct {
	registry *events.Registry

	queueBound int
	hfBound    int
	onDrop     func(events.Topic, string)

	idCounter atomic.Uint64 // subscription ids, only used for removal identity

	mu     sync.RWMutex
	subs   map[events.Topic][]*Subscription // registration order per topic
	closed bool
}

// New creates a Bus over the given topic registry.
func New(registry *events.Registry, opts ...Option) *Bus {
	b := &Bus{
		registry:   registry,
		queueBound: DefaultQueueBound,
		hfBound:    DefaultHighFrequencyBound,
		subs:       make(map[events.Topic][]*Subscription),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers handler for topic on behalf of the named service.
// The service name attributes handler failures in status events. Returns
// ErrUnknownTopic if the topic (after legacy alias resolution) is not in
// the registry.
func (b *Bus) Subscribe(topic events.Topic, service string, handler Handler) (*Subscription, error) {
	spec, ok := b.registry.Lookup(topic)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	bound := b.queueBound
	if spec.HighFrequency {
		bound = b.hfBound
	}

	sub := &Subscription{
		topic:   spec.Topic,
		service: service,
		handler: handler,
		queue:   make(chan events.Envelope, bound),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	sub.id = b.idCounter.Add(1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[spec.Topic] = append(b.subs[spec.Topic], sub)
	b.mu.Unlock()

	go b.pump(sub)
	return sub, nil
}

// Unsubscribe removes exactly the handler sub was created for. After
// Unsubscribe returns, the handler is guaranteed not to be re-invoked:
// the pump goroutine has exited and any in-flight invocation completed.
// Unsubscribing an already-removed subscription is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	list := b.subs[sub.topic]
	removed := false
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			if len(b.subs[sub.topic]) == 0 {
				delete(b.subs, sub.topic)
			}
			removed = true
			break
		}
	}
	b.mu.Unlock()

	if !removed {
		return
	}
	close(sub.stop)
	<-sub.done
}

// Publish validates payload against the topic's registered schema, stamps
// an envelope, and schedules delivery to every current subscriber. It
// returns once delivery has been scheduled; it never blocks on handler
// completion. Publishing to a topic with zero subscribers is a successful
// no-op.
//
// On validation failure Publish returns a *events.ValidationError and
// emits a diagnostic status event.
func (b *Bus) Publish(topic events.Topic, payload events.Payload) error {
	canon, ok := b.registry.Canonical(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	if err := b.registry.Prepare(canon, payload); err != nil {
		// Surface the failure on the status topic as well, unless the
		// failing publish *is* a status event (no loops).
		if canon != events.TopicServiceStatus {
			b.reportError("bus", events.KindValidation, err.Error())
		}
		slog.Warn("publish rejected", "topic", canon, "err", err)
		return err
	}

	env := events.NewEnvelope(canon, payload)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	// Snapshot so slow handlers never see subscribers added after this
	// publish and removal cannot race delivery scheduling.
	targets := make([]*Subscription, len(b.subs[canon]))
	copy(targets, b.subs[canon])
	b.mu.RUnlock()

	for _, sub := range targets {
		b.enqueue(sub, env)
	}
	return nil
}

// enqueue places env on sub's queue, dropping the oldest queued envelope
// when the queue is full.
func (b *Bus) enqueue(sub *Subscription, env events.Envelope) {
	for {
		select {
		case sub.queue <- env:
			return
		case <-sub.stop:
			return
		default:
		}
		// Queue full: drop the oldest and retry.
		select {
		case old := <-sub.queue:
			slog.Warn("handler queue full, dropping oldest event",
				"topic", sub.topic,
				"service", sub.service,
				"dropped_event_id", old.EventID,
			)
			if b.onDrop != nil {
				b.onDrop(sub.topic, sub.service)
			}
		default:
		}
	}
}

// pump is the per-subscription delivery goroutine. It invokes the handler
// sequentially so each handler observes its topic's publishes in order.
func (b *Bus) pump(sub *Subscription) {
	defer close(sub.done)
	for {
		select {
		case <-sub.stop:
			return
		case env := <-sub.queue:
			b.invoke(sub, env)
		}
	}
}

// invoke runs one handler with panic isolation. Failures are reported as
// HandlerError status events; failures of status-topic handlers are logged
// only, so a broken status consumer cannot generate an event storm.
func (b *Bus) invoke(sub *Subscription, env events.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "topic", sub.topic, "service", sub.service, "panic", r)
			if sub.topic != events.TopicServiceStatus {
				b.reportError(sub.service, events.KindHandler, fmt.Sprintf("handler for %s panicked: %v", sub.topic, r))
			}
		}
	}()

	if err := sub.handler(context.Background(), env); err != nil {
		slog.Warn("handler error", "topic", sub.topic, "service", sub.service, "err", err)
		if sub.topic != events.TopicServiceStatus {
			b.reportError(sub.service, events.KindHandler, fmt.Sprintf("handler for %s: %v", sub.topic, err))
		}
	}
}

// reportError publishes a diagnostic status event on behalf of service.
func (b *Bus) reportError(service string, kind events.ErrorKind, msg string) {
	_ = b.Publish(events.TopicServiceStatus, &events.ServiceStatusPayload{
		Service: service,
		Status:  events.StatusDegraded,
		Kind:    kind,
		Message: msg,
	})
}

// HandlerCount returns the number of handlers subscribed to topic (after
// legacy alias resolution).
func (b *Bus) HandlerCount(topic events.Topic) int {
	canon, ok := b.registry.Canonical(topic)
	if !ok {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[canon])
}

// Handlers returns the owning service name of each handler subscribed to
// topic, in registration order. Introspection for tests and teardown
// verification.
func (b *Bus) Handlers(topic events.Topic) []string {
	canon, ok := b.registry.Canonical(topic)
	if !ok {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs[canon]))
	for _, s := range b.subs[canon] {
		out = append(out, s.service)
	}
	return out
}

// TotalHandlers returns the number of live subscriptions across all topics.
func (b *Bus) TotalHandlers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, list := range b.subs {
		n += len(list)
	}
	return n
}

// Registry returns the topic registry the bus validates against.
func (b *Bus) Registry() *events.Registry { return b.registry }

// Close removes every subscription and rejects further publishes. It
// waits for all in-flight handler invocations to complete.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[events.Topic][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		close(sub.stop)
		<-sub.done
	}
}
