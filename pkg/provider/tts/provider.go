// Package tts defines the Provider interface for Text-to-Speech backends.
//
// The CantinaOS speech service synthesizes short, complete utterances (DJ
// commentary lines) ahead of when they are needed and caches the result,
// so the contract is a whole-utterance Synthesize rather than a streaming
// pipeline.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/cantinaos/cantina/pkg/types"
)

// Result is one synthesized utterance.
type Result struct {
	// PCM is the raw audio, little-endian 16-bit mono.
	PCM []byte

	// SampleRate is the PCM sample rate in Hz.
	SampleRate int
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice and returns the
	// complete audio. An empty voice id selects the provider default.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (*Result, error)

	// ListVoices returns the provider's current voice catalogue.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
