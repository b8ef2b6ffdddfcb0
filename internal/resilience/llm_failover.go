package resilience

import (
	"context"

	"github.com/cantinaos/cantina/pkg/provider/llm"
)

// LLMFailover implements [llm.Provider] over a [Failover] chain of LLM
// backends, so commentary and voice replies survive a dead primary.
type LLMFailover struct {
	chain *Failover[llm.Provider]
}

var _ llm.Provider = (*LLMFailover)(nil)

// NewLLMFailover creates an [LLMFailover] with primary as the
// preferred backend.
func NewLLMFailover(primary llm.Provider, name string, cfg FailoverConfig) *LLMFailover {
	return &LLMFailover{chain: NewFailover(primary, name, cfg)}
}

// Add registers an additional LLM backend as a fallback.
func (f *LLMFailover) Add(name string, provider llm.Provider) {
	f.chain.Add(name, provider)
}

// Complete sends the request to the first healthy backend.
func (f *LLMFailover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Attempt(f.chain, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities reports the primary's capabilities. Static metadata
// never fails over: callers plan prompts against one backend's limits.
func (f *LLMFailover) Capabilities() llm.Capabilities {
	return f.chain.Primary().Capabilities()
}
