// Package mock provides an in-memory implementation of [tts.Provider] for
// unit tests. It records every request and returns canned audio.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/cantinaos/cantina/pkg/provider/tts"
	"github.com/cantinaos/cantina/pkg/types"
)

// Provider is a mock implementation of [tts.Provider].
// Set the Result fields before use; inspect the Call* fields after.
type Provider struct {
	mu sync.Mutex

	// SynthesizeResult is returned by Synthesize. Defaults to a small
	// non-empty utterance at 16 kHz.
	SynthesizeResult *tts.Result

	// SynthesizeError is returned by Synthesize when non-nil.
	SynthesizeError error

	// SynthesizeDelay simulates provider latency.
	SynthesizeDelay time.Duration

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []types.VoiceProfile

	// CallCountSynthesize records how many times Synthesize was called.
	CallCountSynthesize int

	// Texts holds every text passed to Synthesize, in order.
	Texts []string
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize implements [tts.Provider].
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (*tts.Result, error) {
	p.mu.Lock()
	p.CallCountSynthesize++
	p.Texts = append(p.Texts, text)
	res, err, delay := p.SynthesizeResult, p.SynthesizeError, p.SynthesizeDelay
	p.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return &tts.Result{PCM: make([]byte, 320), SampleRate: 16000}, nil
}

// ListVoices implements [tts.Provider].
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, nil
}
