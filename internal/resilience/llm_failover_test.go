package resilience_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cantinaos/cantina/internal/resilience"
	"github.com/cantinaos/cantina/pkg/provider/llm"
	llmmock "github.com/cantinaos/cantina/pkg/provider/llm/mock"
)

func TestLLMFailover_PrimaryAnswers(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{
		CompleteResult: &llm.CompletionResponse{Content: "from primary"},
	}
	secondary := &llmmock.Provider{
		CompleteResult: &llm.CompletionResponse{Content: "from secondary"},
	}

	f := resilience.NewLLMFailover(primary, "primary", resilience.FailoverConfig{})
	f.Add("secondary", secondary)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from primary" {
		t.Fatalf("content = %q, want 'from primary'", resp.Content)
	}
	if primary.CallCountComplete != 1 || secondary.CallCountComplete != 0 {
		t.Fatalf("calls = %d/%d, want 1/0", primary.CallCountComplete, secondary.CallCountComplete)
	}
}

func TestLLMFailover_SecondaryAnswersWhenPrimaryFails(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteError: errors.New("primary down")}
	secondary := &llmmock.Provider{
		CompleteResult: &llm.CompletionResponse{Content: "from secondary"},
	}

	f := resilience.NewLLMFailover(primary, "primary", resilience.FailoverConfig{})
	f.Add("secondary", secondary)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Fatalf("content = %q, want 'from secondary'", resp.Content)
	}
}

func TestLLMFailover_AllBackendsDown(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteError: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteError: errors.New("secondary down")}

	f := resilience.NewLLMFailover(primary, "primary", resilience.FailoverConfig{})
	f.Add("secondary", secondary)

	_, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, resilience.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
}

func TestLLMFailover_TrippedPrimaryIsBypassed(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteError: errors.New("primary down")}
	secondary := &llmmock.Provider{
		CompleteResult: &llm.CompletionResponse{Content: "steady"},
	}

	f := resilience.NewLLMFailover(primary, "primary", resilience.FailoverConfig{
		Breaker: resilience.BreakerConfig{TripAfter: 2},
	})
	f.Add("secondary", secondary)

	for range 3 {
		if _, err := f.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// Two failures trip the primary's breaker; the third call must not
	// reach it at all.
	if primary.CallCountComplete != 2 {
		t.Fatalf("primary called %d times, want 2", primary.CallCountComplete)
	}
	if secondary.CallCountComplete != 3 {
		t.Fatalf("secondary called %d times, want 3", secondary.CallCountComplete)
	}
}

func TestLLMFailover_CapabilitiesComeFromPrimary(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{
		CapabilitiesResult: llm.Capabilities{
			ContextWindow:       128000,
			SupportsToolCalling: true,
		},
	}

	f := resilience.NewLLMFailover(primary, "primary", resilience.FailoverConfig{})

	caps := f.Capabilities()
	if caps.ContextWindow != 128000 {
		t.Fatalf("ContextWindow = %d, want 128000", caps.ContextWindow)
	}
	if !caps.SupportsToolCalling {
		t.Fatal("SupportsToolCalling should be true")
	}
}
