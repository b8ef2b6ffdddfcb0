package mode_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cantinaos/cantina/internal/mode"
	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
)

// transitionRecorder captures mode lifecycle events from the bus.
type transitionRecorder struct {
	mu      sync.Mutex
	changed []events.ModeTransitionPayload
	failed  []events.ModeTransitionPayload
}

func record(t *testing.T, b *bus.Bus) *transitionRecorder {
	t.Helper()
	r := &transitionRecorder{}
	if _, err := b.Subscribe(events.TopicModeChanged, "recorder", func(_ context.Context, env events.Envelope) error {
		p := env.Payload.(*events.ModeTransitionPayload)
		r.mu.Lock()
		r.changed = append(r.changed, *p)
		r.mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe changed: %v", err)
	}
	if _, err := b.Subscribe(events.TopicModeTransitionFailed, "recorder", func(_ context.Context, env events.Envelope) error {
		p := env.Payload.(*events.ModeTransitionPayload)
		r.mu.Lock()
		r.failed = append(r.failed, *p)
		r.mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return r
}

func (r *transitionRecorder) snapshot() (changed, failed []events.ModeTransitionPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.ModeTransitionPayload(nil), r.changed...),
		append([]events.ModeTransitionPayload(nil), r.failed...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func startManager(t *testing.T) (*mode.Manager, *bus.Bus, *transitionRecorder) {
	t.Helper()
	b := bus.New(events.NewRegistry())
	t.Cleanup(b.Close)
	r := record(t, b)
	m := mode.New(b)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m, b, r
}

func TestManager_StartsInIdle(t *testing.T) {
	t.Parallel()
	m, _, r := startManager(t)

	if m.Current() != events.ModeIdle {
		t.Fatalf("mode after start = %s, want IDLE", m.Current())
	}
	waitFor(t, func() bool {
		changed, _ := r.snapshot()
		return len(changed) >= 1
	})
	changed, _ := r.snapshot()
	if changed[0].From != events.ModeStartup || changed[0].To != events.ModeIdle {
		t.Errorf("first leg = %s -> %s, want STARTUP -> IDLE", changed[0].From, changed[0].To)
	}
}

func TestManager_IdleToAmbient(t *testing.T) {
	t.Parallel()
	m, _, _ := startManager(t)

	if err := m.Request(events.ModeAmbient, "test"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if m.Current() != events.ModeAmbient {
		t.Errorf("mode = %s, want AMBIENT", m.Current())
	}
}

func TestManager_AmbientToInteractiveGoesThroughIdle(t *testing.T) {
	t.Parallel()
	m, _, r := startManager(t)

	if err := m.Request(events.ModeAmbient, "setup"); err != nil {
		t.Fatalf("to ambient: %v", err)
	}
	if err := m.Request(events.ModeInteractive, "wake word"); err != nil {
		t.Fatalf("to interactive: %v", err)
	}
	if m.Current() != events.ModeInteractive {
		t.Fatalf("mode = %s, want INTERACTIVE", m.Current())
	}

	// Legs observed: STARTUP->IDLE, IDLE->AMBIENT, AMBIENT->IDLE, IDLE->INTERACTIVE.
	waitFor(t, func() bool {
		changed, _ := r.snapshot()
		return len(changed) >= 4
	})
	changed, _ := r.snapshot()
	leg3, leg4 := changed[2], changed[3]
	if leg3.From != events.ModeAmbient || leg3.To != events.ModeIdle {
		t.Errorf("leg 3 = %s -> %s, want AMBIENT -> IDLE", leg3.From, leg3.To)
	}
	if leg4.From != events.ModeIdle || leg4.To != events.ModeInteractive {
		t.Errorf("leg 4 = %s -> %s, want IDLE -> INTERACTIVE", leg4.From, leg4.To)
	}
}

func TestManager_IllegalTransitionRejected(t *testing.T) {
	t.Parallel()
	m, b, r := startManager(t)

	// STARTUP is unreachable from anywhere.
	err := m.Request(events.ModeStartup, "nope")
	if err == nil {
		t.Fatal("expected error for transition to STARTUP")
	}
	if m.Current() != events.ModeIdle {
		t.Errorf("mode changed on rejected request: %s", m.Current())
	}
	waitFor(t, func() bool {
		_, failed := r.snapshot()
		return len(failed) >= 1
	})

	// Requests arriving over the bus are rejected the same way.
	if err := b.Publish(events.TopicModeRequest, &events.ModeRequestPayload{Mode: events.ModeStartup}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool {
		_, failed := r.snapshot()
		return len(failed) >= 2
	})
}

func TestManager_SameModeIsNoOp(t *testing.T) {
	t.Parallel()
	m, _, r := startManager(t)

	if err := m.Request(events.ModeIdle, "again"); err != nil {
		t.Fatalf("request current mode: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	changed, failed := r.snapshot()
	if len(changed) != 1 {
		t.Errorf("changed events = %d, want only the startup leg", len(changed))
	}
	if len(failed) != 0 {
		t.Errorf("failed events = %d, want 0", len(failed))
	}
}

func TestManager_StopForcesIdle(t *testing.T) {
	t.Parallel()
	b := bus.New(events.NewRegistry())
	t.Cleanup(b.Close)
	m := mode.New(b)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Request(events.ModeAmbient, "setup"); err != nil {
		t.Fatalf("to ambient: %v", err)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m.Current() != events.ModeIdle {
		t.Errorf("mode after stop = %s, want IDLE", m.Current())
	}
}

func TestManager_HistoryBounded(t *testing.T) {
	t.Parallel()
	m, _, _ := startManager(t)

	for range 20 {
		if err := m.Request(events.ModeAmbient, "loop"); err != nil {
			t.Fatalf("to ambient: %v", err)
		}
		if err := m.Request(events.ModeIdle, "loop"); err != nil {
			t.Fatalf("to idle: %v", err)
		}
	}
	if got := len(m.History()); got > mode.HistorySize {
		t.Errorf("history length = %d, want <= %d", got, mode.HistorySize)
	}
}
