// Package voice implements the INTERACTIVE-mode voice pipeline: the
// listener streams microphone audio into a live STT session and publishes
// transcripts; the intent interpreter turns final transcripts into command
// events through the LLM's tool-calling interface.
//
// Both services are gated on the system mode: outside INTERACTIVE the
// microphone is closed and transcripts are ignored.
package voice

import (
	"context"
	"fmt"
	"sync"

	"github.com/cantinaos/cantina/internal/service"
	"github.com/cantinaos/cantina/pkg/audio"
	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
	"github.com/cantinaos/cantina/pkg/provider/stt"
)

// ListenerServiceName identifies the voice listener on the bus.
const ListenerServiceName = "voice_listener"

// Listener owns the capture device and the live transcription session.
type Listener struct {
	*service.Base

	provider stt.Provider
	capture  audio.CaptureSource

	mu      sync.Mutex
	active  bool
	session stt.Session
	cancel  context.CancelFunc
}

var _ service.Service = (*Listener)(nil)

// NewListener creates the voice listener. Either dependency may be nil, in
// which case INTERACTIVE mode runs without voice input (degraded).
func NewListener(b *bus.Bus, provider stt.Provider, capture audio.CaptureSource, opts ...service.Option) *Listener {
	l := &Listener{
		Base:     service.NewBase(ListenerServiceName, b, opts...),
		provider: provider,
		capture:  capture,
	}
	l.Declare(events.TopicModeChanged, l.onModeChanged)
	return l
}

// Stop closes any live session before the base teardown.
func (l *Listener) Stop(ctx context.Context) error {
	l.stopSession()
	return l.Base.Stop(ctx)
}

// Listening reports whether a transcription session is live.
func (l *Listener) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *Listener) onModeChanged(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.ModeTransitionPayload)
	if !ok {
		return fmt.Errorf("voice: unexpected payload %T", env.Payload)
	}
	if p.To == events.ModeInteractive {
		l.startSession()
	} else {
		l.stopSession()
	}
	return nil
}

func (l *Listener) startSession() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active {
		return
	}
	if l.provider == nil || l.capture == nil {
		l.Log().Warn("interactive mode without STT provider or capture device, voice input disabled")
		l.EmitStatus(events.StatusDegraded, events.KindAdapter, "voice input unavailable")
		return
	}
	l.active = true
	l.Go(l.run)
}

// run owns the session for one INTERACTIVE stretch: dial, pump audio in,
// pump segments out, tear down on cancel or device failure.
func (l *Listener) run(ctx context.Context) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	session, err := l.provider.Start(sessCtx, l.capture.SampleRate())
	if err != nil {
		l.Log().Error("transcription session failed to start", "err", err)
		l.EmitStatus(events.StatusDegraded, events.KindAdapter, "STT session failed")
		l.mu.Lock()
		l.active = false
		l.mu.Unlock()
		return
	}
	frames, err := l.capture.Start(sessCtx)
	if err != nil {
		l.Log().Error("capture failed to start", "err", err)
		session.Close()
		l.mu.Lock()
		l.active = false
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	l.session = session
	l.cancel = cancel
	l.mu.Unlock()
	l.Log().Info("listening", "sample_rate", l.capture.SampleRate())

	// Audio writer.
	l.Go(func(writeCtx context.Context) {
		for {
			select {
			case <-writeCtx.Done():
				return
			case <-sessCtx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					cancel()
					return
				}
				if err := session.Write(sessCtx, frame); err != nil {
					if sessCtx.Err() == nil {
						l.Log().Warn("audio write failed, closing session", "err", err)
					}
					cancel()
					return
				}
			}
		}
	})

	// Segment reader; ends when the provider closes the channel.
	for seg := range session.Segments() {
		topic := events.TopicTranscriptInterim
		if seg.Final {
			topic = events.TopicTranscriptFinal
		}
		if seg.Text == "" {
			continue
		}
		l.Emit(topic, &events.TranscriptPayload{
			Text:       seg.Text,
			Final:      seg.Final,
			Confidence: seg.Confidence,
			SpeakerID:  seg.SpeakerID,
		})
	}

	session.Close()
	l.mu.Lock()
	l.session = nil
	l.cancel = nil
	l.active = false
	l.mu.Unlock()
	l.Log().Info("transcription session closed")
}

func (l *Listener) stopSession() {
	l.mu.Lock()
	cancel := l.cancel
	l.active = false
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
