package voice_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cantinaos/cantina/internal/voice"
	audiomock "github.com/cantinaos/cantina/pkg/audio/mock"
	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
	sttmock "github.com/cantinaos/cantina/pkg/provider/stt/mock"
	"github.com/cantinaos/cantina/pkg/types"
)

type transcriptSink struct {
	mu      sync.Mutex
	interim []events.TranscriptPayload
	final   []events.TranscriptPayload
}

func watchTranscripts(t *testing.T, b *bus.Bus) *transcriptSink {
	t.Helper()
	s := &transcriptSink{}
	if _, err := b.Subscribe(events.TopicTranscriptInterim, "watcher", func(_ context.Context, env events.Envelope) error {
		s.mu.Lock()
		s.interim = append(s.interim, *env.Payload.(*events.TranscriptPayload))
		s.mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe(events.TopicTranscriptFinal, "watcher", func(_ context.Context, env events.Envelope) error {
		s.mu.Lock()
		s.final = append(s.final, *env.Payload.(*events.TranscriptPayload))
		s.mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return s
}

func poll(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s not observed within timeout", what)
}

func startListener(t *testing.T, provider *sttmock.Provider, capture *audiomock.CaptureSource) (*voice.Listener, *bus.Bus, *transcriptSink) {
	t.Helper()
	b := bus.New(events.NewRegistry())
	t.Cleanup(b.Close)
	sink := watchTranscripts(t, b)
	var l *voice.Listener
	if provider == nil && capture == nil {
		l = voice.NewListener(b, nil, nil)
	} else {
		l = voice.NewListener(b, provider, capture)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = l.Stop(context.Background()) })
	return l, b, sink
}

func enterInteractive(t *testing.T, b *bus.Bus) {
	t.Helper()
	if err := b.Publish(events.TopicModeChanged, &events.ModeTransitionPayload{
		From: events.ModeIdle, To: events.ModeInteractive,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func leaveInteractive(t *testing.T, b *bus.Bus) {
	t.Helper()
	if err := b.Publish(events.TopicModeChanged, &events.ModeTransitionPayload{
		From: events.ModeInteractive, To: events.ModeIdle,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestListener_InteractiveOpensSession(t *testing.T) {
	t.Parallel()
	provider := &sttmock.Provider{}
	capture := audiomock.NewCaptureSource()
	t.Cleanup(func() { _ = capture.Close() })
	l, b, _ := startListener(t, provider, capture)

	if l.Listening() {
		t.Fatal("listening before INTERACTIVE")
	}
	enterInteractive(t, b)
	poll(t, l.Listening, "session start")
	if provider.CallCountStart != 1 {
		t.Errorf("provider starts = %d", provider.CallCountStart)
	}
}

func TestListener_AudioFlowsIntoSession(t *testing.T) {
	t.Parallel()
	provider := &sttmock.Provider{}
	capture := audiomock.NewCaptureSource()
	t.Cleanup(func() { _ = capture.Close() })
	_, b, _ := startListener(t, provider, capture)

	enterInteractive(t, b)
	poll(t, func() bool { return len(provider.Sessions) == 1 }, "session")
	session := provider.Sessions[0]

	capture.Feed(make([]byte, 320))
	capture.Feed(make([]byte, 320))
	poll(t, func() bool { return session.CallCountWrite >= 2 }, "audio writes")
}

func TestListener_SegmentsBecomeTranscriptEvents(t *testing.T) {
	t.Parallel()
	provider := &sttmock.Provider{}
	capture := audiomock.NewCaptureSource()
	t.Cleanup(func() { _ = capture.Close() })
	_, b, sink := startListener(t, provider, capture)

	enterInteractive(t, b)
	poll(t, func() bool { return len(provider.Sessions) == 1 }, "session")
	session := provider.Sessions[0]

	session.Feed(types.TranscriptSegment{Text: "play the", Final: false, Confidence: 0.4})
	session.Feed(types.TranscriptSegment{Text: "", Final: false}) // dropped
	session.Feed(types.TranscriptSegment{Text: "play the cantina song", Final: true, Confidence: 0.92})

	poll(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.interim) >= 1 && len(sink.final) >= 1
	}, "transcripts")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.interim[0].Text != "play the" || sink.interim[0].Final {
		t.Errorf("interim = %+v", sink.interim[0])
	}
	if sink.final[0].Text != "play the cantina song" || !sink.final[0].Final || sink.final[0].Confidence != 0.92 {
		t.Errorf("final = %+v", sink.final[0])
	}
	if len(sink.interim) != 1 {
		t.Errorf("empty segment published: %v", sink.interim)
	}
}

func TestListener_LeavingInteractiveClosesSession(t *testing.T) {
	t.Parallel()
	provider := &sttmock.Provider{}
	capture := audiomock.NewCaptureSource()
	t.Cleanup(func() { _ = capture.Close() })
	l, b, _ := startListener(t, provider, capture)

	enterInteractive(t, b)
	poll(t, l.Listening, "session start")
	leaveInteractive(t, b)
	poll(t, func() bool { return !l.Listening() }, "session stop")

	// Re-entering opens a fresh session.
	enterInteractive(t, b)
	poll(t, func() bool { return provider.CallCountStart == 2 }, "second session")
}

func TestListener_NilProviderDegrades(t *testing.T) {
	t.Parallel()
	b := bus.New(events.NewRegistry())
	t.Cleanup(b.Close)

	var mu sync.Mutex
	var statuses []events.ServiceStatusPayload
	if _, err := b.Subscribe(events.TopicServiceStatus, "watcher", func(_ context.Context, env events.Envelope) error {
		p := env.Payload.(*events.ServiceStatusPayload)
		if p.Service == voice.ListenerServiceName {
			mu.Lock()
			statuses = append(statuses, *p)
			mu.Unlock()
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	l := voice.NewListener(b, nil, nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = l.Stop(context.Background()) })

	enterInteractive(t, b)
	poll(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range statuses {
			if s.Status == events.StatusDegraded {
				return true
			}
		}
		return false
	}, "degraded status")
	if l.Listening() {
		t.Error("listening without a provider")
	}
}

func TestListener_ProviderStartFailureDegrades(t *testing.T) {
	t.Parallel()
	provider := &sttmock.Provider{StartError: context.DeadlineExceeded}
	capture := audiomock.NewCaptureSource()
	t.Cleanup(func() { _ = capture.Close() })
	l, b, _ := startListener(t, provider, capture)

	enterInteractive(t, b)
	poll(t, func() bool { return provider.CallCountStart == 1 && !l.Listening() }, "failed start")
}
