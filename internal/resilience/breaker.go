// Package resilience keeps provider outages from cascading into the
// services that depend on them. A [Breaker] cuts off a backend after
// repeated failures and probes it again after a cool-down; a
// [Failover] chains several backends of one provider kind behind
// per-backend breakers so a dead primary is routed around instead of
// retried forever.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker is
// tripped and the cool-down has not yet elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker is open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects every call with [ErrBreakerOpen] until the
	// cool-down elapses.
	BreakerOpen

	// BreakerProbing admits a bounded number of trial calls after the
	// cool-down. Enough successes close the breaker; one failure trips
	// it again.
	BreakerProbing
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels the breaker in log lines.
	Name string

	// TripAfter is the number of consecutive failures that opens the
	// breaker. Default 5.
	TripAfter int

	// CoolDown is how long the breaker stays open before probing the
	// backend again. Default 30s.
	CoolDown time.Duration

	// ProbeQuota is both the number of trial calls admitted while
	// probing and the number of successes required to close. Default 3.
	ProbeQuota int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.TripAfter <= 0 {
		c.TripAfter = 5
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 30 * time.Second
	}
	if c.ProbeQuota <= 0 {
		c.ProbeQuota = 3
	}
	return c
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int // consecutive failures while closed
	openedAt time.Time
	probes   int // trial calls admitted since probing began
}

// NewBreaker creates a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: BreakerClosed}
}

// Do runs fn unless the breaker refuses admission, in which case it
// returns [ErrBreakerOpen] without calling fn. While probing, fn's
// outcome counts toward closing or re-opening.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and reports whether it
// counts as a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if time.Since(b.openedAt) < b.cfg.CoolDown {
			return false, ErrBreakerOpen
		}
		b.state = BreakerProbing
		b.probes = 0
		slog.Info("breaker probing backend", "name", b.cfg.Name)
	}

	if b.state == BreakerProbing {
		if b.probes >= b.cfg.ProbeQuota {
			return false, ErrBreakerOpen
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

// settle records a call's outcome.
func (b *Breaker) settle(probe bool, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case callErr != nil && probe:
		// One failed probe is enough: trip again and restart the
		// cool-down clock.
		b.openedAt = time.Now()
		b.state = BreakerOpen
		b.failures = b.cfg.TripAfter
		slog.Warn("breaker re-opened, probe failed", "name", b.cfg.Name)

	case callErr != nil:
		b.openedAt = time.Now()
		b.failures++
		if b.failures >= b.cfg.TripAfter && b.state == BreakerClosed {
			b.state = BreakerOpen
			slog.Warn("breaker opened", "name", b.cfg.Name, "failures", b.failures)
		}

	case probe && b.state == BreakerProbing:
		// Probes only fail by re-opening above, so every admitted probe
		// that reaches here succeeded.
		if b.probes >= b.cfg.ProbeQuota {
			b.state = BreakerClosed
			b.failures = 0
			b.probes = 0
			slog.Info("breaker closed, backend recovered", "name", b.cfg.Name)
		}

	default:
		b.failures = 0
	}
}

// State reports the breaker's mode. An open breaker whose cool-down
// has elapsed reports [BreakerProbing]; the stored transition happens
// on the next [Breaker.Do].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cfg.CoolDown {
		return BreakerProbing
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probes = 0
	slog.Info("breaker reset", "name", b.cfg.Name)
}
