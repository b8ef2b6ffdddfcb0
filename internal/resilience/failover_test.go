package resilience_test

import (
	"errors"
	"testing"
	"time"

	"github.com/cantinaos/cantina/internal/resilience"
)

func TestFailover_PrimaryHandlesCall(t *testing.T) {
	t.Parallel()
	f := resilience.NewFailover("primary", "primary", resilience.FailoverConfig{})
	f.Add("secondary", "secondary")

	var called string
	err := f.Try(func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" {
		t.Fatalf("called = %q, want primary", called)
	}
}

func TestFailover_FallsThroughOnFailure(t *testing.T) {
	t.Parallel()
	f := resilience.NewFailover("primary", "primary", resilience.FailoverConfig{})
	f.Add("secondary", "secondary")

	var called string
	err := f.Try(func(v string) error {
		if v == "primary" {
			return errBackend
		}
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "secondary" {
		t.Fatalf("called = %q, want secondary", called)
	}
}

func TestFailover_ExhaustedChain(t *testing.T) {
	t.Parallel()
	f := resilience.NewFailover("primary", "primary", resilience.FailoverConfig{})
	f.Add("secondary", "secondary")

	err := f.Try(func(string) error { return errBackend })
	if !errors.Is(err, resilience.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
}

func TestFailover_TrippedBreakerSkipsBackend(t *testing.T) {
	t.Parallel()
	f := resilience.NewFailover("primary", "primary", resilience.FailoverConfig{
		Breaker: resilience.BreakerConfig{TripAfter: 2, CoolDown: time.Hour},
	})
	f.Add("secondary", "secondary")

	// Two chain calls fail the primary twice, tripping its breaker.
	primaryCalls := 0
	run := func(v string) error {
		if v == "primary" {
			primaryCalls++
			return errBackend
		}
		return nil
	}
	for range 2 {
		if err := f.Try(run); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	var called string
	err := f.Try(func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "secondary" {
		t.Fatalf("called = %q, want secondary (primary breaker is open)", called)
	}
	if primaryCalls != 2 {
		t.Fatalf("primary reached %d times, want 2", primaryCalls)
	}
}

func TestFailover_Primary(t *testing.T) {
	t.Parallel()
	f := resilience.NewFailover("primary", "primary", resilience.FailoverConfig{})
	f.Add("secondary", "secondary")
	if got := f.Primary(); got != "primary" {
		t.Fatalf("Primary() = %q, want primary", got)
	}
}

func TestAttempt_ReturnsWinningResult(t *testing.T) {
	t.Parallel()
	f := resilience.NewFailover(10, "ten", resilience.FailoverConfig{})
	f.Add("twenty", 20)

	got, err := resilience.Attempt(f, func(v int) (string, error) {
		if v == 10 {
			return "", errBackend
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from-twenty" {
		t.Fatalf("result = %q, want from-twenty", got)
	}
}

func TestAttempt_Exhausted(t *testing.T) {
	t.Parallel()
	f := resilience.NewFailover(10, "ten", resilience.FailoverConfig{})

	_, err := resilience.Attempt(f, func(int) (string, error) {
		return "", errBackend
	})
	if !errors.Is(err, resilience.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
}
