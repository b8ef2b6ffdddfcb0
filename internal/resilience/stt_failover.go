package resilience

import (
	"context"

	"github.com/cantinaos/cantina/pkg/provider/stt"
)

// STTFailover implements [stt.Provider] over a [Failover] chain of STT
// backends. Only session setup fails over; once a session is live,
// mid-session errors stay with the caller.
type STTFailover struct {
	chain *Failover[stt.Provider]
}

var _ stt.Provider = (*STTFailover)(nil)

// NewSTTFailover creates an [STTFailover] with primary as the
// preferred backend.
func NewSTTFailover(primary stt.Provider, name string, cfg FailoverConfig) *STTFailover {
	return &STTFailover{chain: NewFailover(primary, name, cfg)}
}

// Add registers an additional STT backend as a fallback.
func (f *STTFailover) Add(name string, provider stt.Provider) {
	f.chain.Add(name, provider)
}

// Start opens a live transcription session against the first healthy
// backend.
func (f *STTFailover) Start(ctx context.Context, sampleRate int) (stt.Session, error) {
	return Attempt(f.chain, func(p stt.Provider) (stt.Session, error) {
		return p.Start(ctx, sampleRate)
	})
}
