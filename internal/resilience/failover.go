package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned when every backend in a [Failover] chain
// failed or was refused by its breaker.
var ErrExhausted = errors.New("resilience: all backends failed")

// FailoverConfig configures the breaker created for each backend in a
// [Failover] chain. The Name field is overwritten per backend.
type FailoverConfig struct {
	Breaker BreakerConfig
}

// link pairs one backend with its dedicated breaker.
type link[T any] struct {
	name    string
	backend T
	breaker *Breaker
}

// Failover chains a primary and zero or more fallback backends of the
// same provider type. Calls go to the first backend whose breaker
// admits them; a failure moves on to the next link in order.
//
// The chain is assembled at startup and immutable afterwards, so
// concurrent calls need no locking beyond the per-link breakers.
type Failover[T any] struct {
	chain []link[T]
	cfg   FailoverConfig
}

// NewFailover creates a chain with primary as its only link. Register
// fallbacks with [Failover.Add] before first use.
func NewFailover[T any](primary T, name string, cfg FailoverConfig) *Failover[T] {
	f := &Failover[T]{cfg: cfg}
	f.Add(name, primary)
	return f
}

// Add appends a backend to the chain. Backends are tried in the order
// they were added.
func (f *Failover[T]) Add(name string, backend T) {
	bc := f.cfg.Breaker
	bc.Name = name
	f.chain = append(f.chain, link[T]{
		name:    name,
		backend: backend,
		breaker: NewBreaker(bc),
	})
}

// Primary returns the first backend in the chain. Used for static
// metadata that must not silently change when the chain fails over.
func (f *Failover[T]) Primary() T {
	return f.chain[0].backend
}

// Try runs fn against each backend in order until one succeeds.
// Backends with a refusing breaker are skipped. If no backend
// succeeds, the last error is wrapped in [ErrExhausted].
func (f *Failover[T]) Try(fn func(T) error) error {
	_, err := Attempt(f, func(backend T) (struct{}, error) {
		return struct{}{}, fn(backend)
	})
	return err
}

// Attempt runs fn against each backend of f in order until one
// succeeds and returns that backend's result. A package-level function
// because methods cannot carry their own type parameters.
func Attempt[T, R any](f *Failover[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range f.chain {
		l := &f.chain[i]
		var result R
		err := l.breaker.Do(func() error {
			var callErr error
			result, callErr = fn(l.backend)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping backend, breaker open", "backend", l.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", l.name, "err", err)
		}
	}
	var zero R
	return zero, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}
