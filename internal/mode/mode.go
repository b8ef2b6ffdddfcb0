// Package mode implements the operating-mode state machine. It subscribes
// to mode requests on the bus, enforces the legal transition table, and
// publishes transition lifecycle events for every leg.
package mode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cantinaos/cantina/internal/service"
	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
)

// ServiceName identifies the mode manager on the bus.
const ServiceName = "mode_manager"

// HistorySize bounds the diagnostic transition history.
const HistorySize = 16

// HistoryEntry is one diagnostic record of an entered mode.
type HistoryEntry struct {
	Mode      events.Mode
	EnteredAt time.Time
}

// Manager is the mode state machine service. Transitions between AMBIENT
// and INTERACTIVE are serviced as two legs through IDLE so every service
// gating on "entering IDLE" observes them.
type Manager struct {
	*service.Base

	mu      sync.Mutex
	current events.Mode
	history []HistoryEntry
	now     func() time.Time
}

var _ service.Service = (*Manager)(nil)

// New creates the mode manager attached to b. The machine starts in
// STARTUP and moves to IDLE when Start completes.
func New(b *bus.Bus, opts ...service.Option) *Manager {
	m := &Manager{
		Base:    service.NewBase(ServiceName, b, opts...),
		current: events.ModeStartup,
		now:     time.Now,
	}
	m.history = append(m.history, HistoryEntry{Mode: events.ModeStartup, EnteredAt: m.now()})
	m.Declare(events.TopicModeRequest, m.onRequest)
	return m
}

// Current returns the active mode.
func (m *Manager) Current() events.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns the bounded diagnostic transition history, oldest first.
func (m *Manager) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

// Start activates subscriptions and completes the STARTUP → IDLE leg.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Base.Start(ctx); err != nil {
		return err
	}
	if err := m.transition(events.ModeIdle, "startup complete"); err != nil {
		return fmt.Errorf("mode: initial transition: %w", err)
	}
	return nil
}

// Stop forces IDLE so teardown leaves the machine in a known state, then
// runs the base teardown.
func (m *Manager) Stop(ctx context.Context) error {
	if m.Current() != events.ModeIdle {
		if err := m.Request(events.ModeIdle, "shutdown"); err != nil {
			m.Log().Warn("forced idle on stop failed", "err", err)
		}
	}
	return m.Base.Stop(ctx)
}

func (m *Manager) onRequest(ctx context.Context, env events.Envelope) error {
	req, ok := env.Payload.(*events.ModeRequestPayload)
	if !ok {
		return fmt.Errorf("mode: unexpected payload %T", env.Payload)
	}
	return m.Request(req.Mode, req.Reason)
}

// Request applies one mode request, splitting AMBIENT ↔ INTERACTIVE into
// two legs through IDLE. An illegal request publishes a
// mode_transition_failed event and leaves the mode unchanged.
func (m *Manager) Request(target events.Mode, reason string) error {
	if !target.IsValid() {
		return m.fail(m.Current(), target, fmt.Sprintf("unknown mode %q", target))
	}

	from := m.Current()
	if from == target {
		// Already there; not a failure.
		return nil
	}

	if needsIdleLeg(from, target) {
		if err := m.transition(events.ModeIdle, reason); err != nil {
			return err
		}
	}
	return m.transition(target, reason)
}

// needsIdleLeg reports whether from → to must be serviced through IDLE.
func needsIdleLeg(from, to events.Mode) bool {
	active := func(mo events.Mode) bool {
		return mo == events.ModeAmbient || mo == events.ModeInteractive
	}
	return active(from) && active(to)
}

// legal reports whether a single-leg transition is allowed.
func legal(from, to events.Mode) bool {
	if to == events.ModeIdle {
		// Any state may reset to IDLE.
		return true
	}
	switch from {
	case events.ModeStartup:
		return false // STARTUP only goes to IDLE
	case events.ModeIdle:
		return to == events.ModeAmbient || to == events.ModeInteractive
	default:
		return false
	}
}

// transition performs one leg, publishing started and changed events on
// success or a failed event on an illegal leg.
func (m *Manager) transition(to events.Mode, reason string) error {
	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !legal(from, to) {
		m.mu.Unlock()
		return m.fail(from, to, "transition not allowed")
	}
	m.current = to
	m.history = append(m.history, HistoryEntry{Mode: to, EnteredAt: m.now()})
	if len(m.history) > HistorySize {
		m.history = m.history[len(m.history)-HistorySize:]
	}
	m.mu.Unlock()

	m.Log().Info("mode transition", "from", from, "to", to, "reason", reason)
	m.Emit(events.TopicModeTransitionStarted, &events.ModeTransitionPayload{
		From: from, To: to, Reason: reason,
	})
	return m.Emit(events.TopicModeChanged, &events.ModeTransitionPayload{
		From: from, To: to, Reason: reason,
	})
}

func (m *Manager) fail(from, to events.Mode, reason string) error {
	m.Log().Warn("mode transition rejected", "from", from, "to", to, "reason", reason)
	m.Emit(events.TopicModeTransitionFailed, &events.ModeTransitionPayload{
		From: from, To: to, Reason: reason,
	})
	return fmt.Errorf("mode: %s → %s: %s", from, to, reason)
}
