// Package mock provides in-memory implementations of the audio package
// interfaces for unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// tests can assert on call counts and arguments, and they expose exported
// fields the test can set to control return values. Playback timing is
// simulated with real timers driven by each track's DurationS, so tests
// use short durations.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/cantinaos/cantina/pkg/audio"
	"github.com/cantinaos/cantina/pkg/events"
)

// ─── MusicBackend ─────────────────────────────────────────────────────────────

// MusicBackend is a mock implementation of [audio.MusicBackend].
// Set the Err fields before use; inspect the Call* and state fields after.
type MusicBackend struct {
	mu sync.Mutex

	// PlayError, StopError, SetVolumeError, CrossfadeError are returned
	// by the corresponding methods when non-nil.
	PlayError      error
	StopError      error
	SetVolumeError error
	CrossfadeError error

	// CallCountPlay etc. record how many times each method was called.
	CallCountPlay      int
	CallCountStop      int
	CallCountSetVolume int
	CallCountCrossfade int

	// VolumeHistory records every gain the backend was asked to apply,
	// via Play, SetVolume, and Crossfade targets, in order.
	VolumeHistory []float64

	// CrossfadeTargets records the track ids crossfaded to, in order.
	CrossfadeTargets []string

	current   events.TrackInfo
	playing   bool
	volume    float64
	startedAt time.Time
	endTimer  *time.Timer
	ended     chan events.TrackInfo
	closed    bool
}

var _ audio.MusicBackend = (*MusicBackend)(nil)

// NewMusicBackend returns a ready mock backend.
func NewMusicBackend() *MusicBackend {
	return &MusicBackend{ended: make(chan events.TrackInfo, 8)}
}

// Play implements [audio.MusicBackend]. The track "ends" naturally after
// its DurationS unless stopped or crossfaded away first.
func (m *MusicBackend) Play(ctx context.Context, track events.TrackInfo, volume float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountPlay++
	if m.PlayError != nil {
		return m.PlayError
	}
	m.startLocked(track, volume)
	return nil
}

// startLocked swaps the current track and rearms the natural-end timer.
func (m *MusicBackend) startLocked(track events.TrackInfo, volume float64) {
	if m.endTimer != nil {
		m.endTimer.Stop()
	}
	m.current = track
	m.playing = true
	m.volume = volume
	m.VolumeHistory = append(m.VolumeHistory, volume)
	m.startedAt = time.Now()

	dur := time.Duration(track.DurationS * float64(time.Second))
	m.endTimer = time.AfterFunc(dur, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.playing || m.current.TrackID != track.TrackID || m.closed {
			return
		}
		m.playing = false
		select {
		case m.ended <- track:
		default:
		}
	})
}

// Stop implements [audio.MusicBackend].
func (m *MusicBackend) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountStop++
	if m.StopError != nil {
		return m.StopError
	}
	if m.endTimer != nil {
		m.endTimer.Stop()
	}
	m.playing = false
	m.current = events.TrackInfo{}
	return nil
}

// SetVolume implements [audio.MusicBackend].
func (m *MusicBackend) SetVolume(ctx context.Context, volume float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountSetVolume++
	if m.SetVolumeError != nil {
		return m.SetVolumeError
	}
	m.volume = volume
	m.VolumeHistory = append(m.VolumeHistory, volume)
	return nil
}

// Crossfade implements [audio.MusicBackend]. The fade is simulated by
// sleeping for the fade duration before the new track takes over.
func (m *MusicBackend) Crossfade(ctx context.Context, to events.TrackInfo, fade time.Duration, targetVolume float64) error {
	m.mu.Lock()
	m.CallCountCrossfade++
	if m.CrossfadeError != nil {
		m.mu.Unlock()
		return m.CrossfadeError
	}
	m.CrossfadeTargets = append(m.CrossfadeTargets, to.TrackID)
	m.mu.Unlock()

	timer := time.NewTimer(fade)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	m.startLocked(to, targetVolume)
	m.mu.Unlock()
	return nil
}

// Position implements [audio.MusicBackend].
func (m *MusicBackend) Position(ctx context.Context) (audio.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.playing {
		return audio.Position{}, nil
	}
	return audio.Position{
		Track:   m.current,
		Elapsed: time.Since(m.startedAt),
		Playing: true,
	}, nil
}

// TrackEnded implements [audio.MusicBackend].
func (m *MusicBackend) TrackEnded() <-chan events.TrackInfo {
	return m.ended
}

// Close implements [audio.MusicBackend].
func (m *MusicBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.endTimer != nil {
		m.endTimer.Stop()
	}
	close(m.ended)
	return nil
}

// Volume returns the last applied gain.
func (m *MusicBackend) Volume() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

// Current returns the playing track and whether the bus is active.
func (m *MusicBackend) Current() (events.TrackInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.playing
}

// ─── SpeechPlayer ─────────────────────────────────────────────────────────────

// SpeechPlayer is a mock implementation of [audio.SpeechPlayer]. Each call
// "plays" for PlayDuration (default instant) before returning.
type SpeechPlayer struct {
	mu sync.Mutex

	// PlayError is returned by PlaySpeech when non-nil.
	PlayError error

	// PlayDuration simulates playback time.
	PlayDuration time.Duration

	// CallCountPlaySpeech records how many times PlaySpeech was called.
	CallCountPlaySpeech int

	// PlayedBytes records the length of each utterance played.
	PlayedBytes []int
}

var _ audio.SpeechPlayer = (*SpeechPlayer)(nil)

// PlaySpeech implements [audio.SpeechPlayer].
func (s *SpeechPlayer) PlaySpeech(ctx context.Context, pcm []byte, sampleRate int) error {
	s.mu.Lock()
	s.CallCountPlaySpeech++
	s.PlayedBytes = append(s.PlayedBytes, len(pcm))
	err := s.PlayError
	dur := s.PlayDuration
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if dur > 0 {
		timer := time.NewTimer(dur)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ─── CaptureSource ────────────────────────────────────────────────────────────

// CaptureSource is a mock implementation of [audio.CaptureSource]. Tests
// feed frames with Feed and the listener receives them from Start's
// channel.
type CaptureSource struct {
	mu sync.Mutex

	// StartError is returned by Start when non-nil.
	StartError error

	// Rate is the reported sample rate (default 16000).
	Rate int

	// CallCountStart records how many times Start was called.
	CallCountStart int

	frames chan []byte
	closed bool
}

var _ audio.CaptureSource = (*CaptureSource)(nil)

// NewCaptureSource returns a ready mock capture source.
func NewCaptureSource() *CaptureSource {
	return &CaptureSource{Rate: 16000, frames: make(chan []byte, 16)}
}

// Start implements [audio.CaptureSource].
func (c *CaptureSource) Start(ctx context.Context) (<-chan []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	if c.StartError != nil {
		return nil, c.StartError
	}
	return c.frames, nil
}

// SampleRate implements [audio.CaptureSource].
func (c *CaptureSource) SampleRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Rate
}

// Feed delivers one PCM frame to the listener.
func (c *CaptureSource) Feed(pcm []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.frames <- pcm
}

// Close implements [audio.CaptureSource].
func (c *CaptureSource) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.frames)
	return nil
}
