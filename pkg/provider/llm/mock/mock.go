// Package mock provides an in-memory implementation of [llm.Provider] for
// unit tests. It records every request and returns canned responses.
package mock

import (
	"context"
	"sync"

	"github.com/cantinaos/cantina/pkg/provider/llm"
)

// Provider is a mock implementation of [llm.Provider].
// Set the Result fields before use; inspect the Call* fields after.
type Provider struct {
	mu sync.Mutex

	// CompleteResult is returned by Complete when CompleteFunc is nil.
	CompleteResult *llm.CompletionResponse

	// CompleteError is returned by Complete when non-nil.
	CompleteError error

	// CompleteFunc, when set, fully controls Complete.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// CapabilitiesResult is returned by Capabilities.
	CapabilitiesResult llm.Capabilities

	// CallCountComplete records how many times Complete was called.
	CallCountComplete int

	// Requests holds every request passed to Complete, in order.
	Requests []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CallCountComplete++
	p.Requests = append(p.Requests, req)
	fn := p.CompleteFunc
	res, err := p.CompleteResult, p.CompleteError
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return &llm.CompletionResponse{Content: "mock response", FinishReason: "stop"}, nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() llm.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CapabilitiesResult
}
