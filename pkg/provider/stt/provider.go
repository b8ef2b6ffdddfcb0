// Package stt defines the Provider interface for Speech-to-Text backends.
//
// The voice listener feeds captured PCM into a live transcription session
// and consumes interim and final transcript segments from it.
//
// Implementations must be safe for concurrent use; a Session is owned by
// one goroutine pair (one writer, one reader).
package stt

import (
	"context"

	"github.com/cantinaos/cantina/pkg/types"
)

// Session is one live transcription stream.
type Session interface {
	// Write submits a chunk of raw PCM audio for recognition.
	Write(ctx context.Context, pcm []byte) error

	// Segments returns the channel delivering recognized segments. The
	// implementation closes it when the session ends or its context is
	// cancelled.
	Segments() <-chan types.TranscriptSegment

	// Close ends the session and releases the connection.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Start opens a live transcription session for audio at the given
	// sample rate.
	Start(ctx context.Context, sampleRate int) (Session, error)
}
