package resilience

import (
	"context"

	"github.com/cantinaos/cantina/pkg/provider/tts"
	"github.com/cantinaos/cantina/pkg/types"
)

// TTSFailover implements [tts.Provider] over a [Failover] chain of TTS
// backends.
type TTSFailover struct {
	chain *Failover[tts.Provider]
}

var _ tts.Provider = (*TTSFailover)(nil)

// NewTTSFailover creates a [TTSFailover] with primary as the preferred
// backend.
func NewTTSFailover(primary tts.Provider, name string, cfg FailoverConfig) *TTSFailover {
	return &TTSFailover{chain: NewFailover(primary, name, cfg)}
}

// Add registers an additional TTS backend as a fallback.
func (f *TTSFailover) Add(name string, provider tts.Provider) {
	f.chain.Add(name, provider)
}

// Synthesize renders the utterance with the first healthy backend. A
// fallback that does not know the requested voice id substitutes its
// own default voice.
func (f *TTSFailover) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (*tts.Result, error) {
	return Attempt(f.chain, func(p tts.Provider) (*tts.Result, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// ListVoices lists voices from the first healthy backend.
func (f *TTSFailover) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return Attempt(f.chain, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
