// Package audio defines the playback interfaces the CantinaOS core
// consumes from concrete backends (a VLC adapter in production, the mock
// package in tests).
//
// The abstractions are:
//
//   - [MusicBackend]: owns the music bus: one track at a time, gain
//     control, and crossfades.
//   - [SpeechPlayer]: plays one synthesized utterance to completion on
//     the speech bus.
//   - [CaptureSource]: supplies microphone PCM to the voice listener.
//
// Implementations are owned by exactly one service each; the interfaces
// make no concurrency promises beyond that single-owner discipline.
//
// This package lives under pkg/ because external playback adapters are
// expected to implement these interfaces.
package audio

import (
	"context"
	"errors"
	"time"

	"github.com/cantinaos/cantina/pkg/events"
)

// ErrNoTrack is returned by operations that require an active track.
var ErrNoTrack = errors.New("audio: no track playing")

// ErrUnknownTrack is returned when a requested track id is not loadable.
var ErrUnknownTrack = errors.New("audio: unknown track")

// Position reports where playback currently is.
type Position struct {
	// Track is the playing track. Zero-valued when nothing plays.
	Track events.TrackInfo

	// Elapsed is how far into the track playback is.
	Elapsed time.Duration

	// Playing is false when the music bus is idle.
	Playing bool
}

// MusicBackend is the abstraction over the music playback engine.
//
// The music service is the backend's single owner; no other component
// calls these methods directly.
type MusicBackend interface {
	// Play starts track at the given gain, replacing any current track
	// without a fade.
	Play(ctx context.Context, track events.TrackInfo, volume float64) error

	// Stop silences the music bus. Stopping an idle bus is a no-op.
	Stop(ctx context.Context) error

	// SetVolume adjusts the music gain in [0, 1] without interrupting
	// playback.
	SetVolume(ctx context.Context, volume float64) error

	// Crossfade blends from the current track to the new one over fade,
	// landing at the target gain. It returns once the fade has completed
	// or ctx is cancelled; the new track keeps playing either way.
	Crossfade(ctx context.Context, to events.TrackInfo, fade time.Duration, targetVolume float64) error

	// Position reports the current playback position.
	Position(ctx context.Context) (Position, error)

	// TrackEnded returns a channel that delivers each track as its
	// playback finishes naturally (not via Stop or Crossfade). The
	// channel is closed when the backend shuts down.
	TrackEnded() <-chan events.TrackInfo

	// Close releases the engine.
	Close() error
}

// SpeechPlayer plays synthesized audio on the speech bus.
type SpeechPlayer interface {
	// PlaySpeech plays one utterance to completion, returning when the
	// audio has finished or ctx is cancelled.
	PlaySpeech(ctx context.Context, pcm []byte, sampleRate int) error
}

// CaptureSource supplies raw microphone PCM to the voice listener.
type CaptureSource interface {
	// Start begins capture and returns the channel delivering PCM frames,
	// little-endian 16-bit mono at SampleRate. The implementation closes
	// the channel when ctx is cancelled or the device fails.
	Start(ctx context.Context) (<-chan []byte, error)

	// SampleRate is the capture rate in Hz.
	SampleRate() int

	// Close releases the device.
	Close() error
}
