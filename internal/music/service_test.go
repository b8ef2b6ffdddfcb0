package music_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cantinaos/cantina/internal/config"
	"github.com/cantinaos/cantina/internal/music"
	"github.com/cantinaos/cantina/pkg/audio/mock"
	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
)

type eventLog struct {
	mu  sync.Mutex
	got map[events.Topic][]events.Payload
}

func watch(t *testing.T, b *bus.Bus, topics ...events.Topic) *eventLog {
	t.Helper()
	l := &eventLog{got: make(map[events.Topic][]events.Payload)}
	for _, topic := range topics {
		topic := topic
		if _, err := b.Subscribe(topic, "watcher", func(_ context.Context, env events.Envelope) error {
			l.mu.Lock()
			l.got[topic] = append(l.got[topic], env.Payload)
			l.mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("subscribe %s: %v", topic, err)
		}
	}
	return l
}

func (l *eventLog) wait(t *testing.T, topic events.Topic, n int) []events.Payload {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		if len(l.got[topic]) >= n {
			out := append([]events.Payload(nil), l.got[topic]...)
			l.mu.Unlock()
			return out
		}
		l.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("fewer than %d events on %s within timeout", n, topic)
	return nil
}

func (l *eventLog) none(t *testing.T, topic events.Topic) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.got[topic]); n != 0 {
		t.Fatalf("%d unexpected events on %s", n, topic)
	}
}

func testLibrary(t *testing.T) *music.Library {
	t.Helper()
	lib, err := music.NewLibrary(config.MusicConfig{
		Tracks: []config.TrackEntry{
			{TrackID: "cantina-band", Title: "Cantina Band", Artist: "Figrin D'an", Filepath: "a.mp3", DurationS: 30},
			{TrackID: "mad-about-me", Title: "Mad About Me", Filepath: "b.mp3", DurationS: 30},
		},
	})
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	return lib
}

func startMusic(t *testing.T, lib *music.Library, musicOpts ...music.Option) (*music.Service, *mock.MusicBackend, *bus.Bus, *eventLog) {
	t.Helper()
	b := bus.New(events.NewRegistry())
	t.Cleanup(b.Close)
	log := watch(t, b,
		events.TopicMusicPlaybackStarted,
		events.TopicMusicPlaybackEnded,
		events.TopicTrackEndingSoon,
		events.TopicCrossfadeComplete,
		events.TopicCLIResponse,
	)
	backend := mock.NewMusicBackend()
	t.Cleanup(func() { _ = backend.Close() })
	s := music.New(b, backend, lib, musicOpts)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, backend, b, log
}

func publishCmd(t *testing.T, b *bus.Bus, p *events.MusicCommandPayload) {
	t.Helper()
	if err := b.Publish(events.TopicMusicCommand, p); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestService_PlayByID(t *testing.T) {
	t.Parallel()
	s, backend, b, log := startMusic(t, testLibrary(t))

	publishCmd(t, b, &events.MusicCommandPayload{Action: "play", TrackID: "mad-about-me", SessionID: "s1"})

	started := log.wait(t, events.TopicMusicPlaybackStarted, 1)[0].(*events.MusicPlaybackPayload)
	if started.Track.TrackID != "mad-about-me" {
		t.Errorf("started track = %s", started.Track.TrackID)
	}
	if cur, playing := s.Current(); !playing || cur.TrackID != "mad-about-me" {
		t.Errorf("Current = (%s, %v)", cur.TrackID, playing)
	}
	if backend.CallCountPlay != 1 {
		t.Errorf("backend Play calls = %d", backend.CallCountPlay)
	}
	resp := log.wait(t, events.TopicCLIResponse, 1)[0].(*events.CLIResponsePayload)
	if resp.IsError || !strings.Contains(resp.Text, "Mad About Me") {
		t.Errorf("response = %+v", resp)
	}
}

func TestService_PlayByIndexAndDefault(t *testing.T) {
	t.Parallel()
	_, backend, b, log := startMusic(t, testLibrary(t))

	// Index 2 in catalogue order (sorted by title) is Mad About Me.
	publishCmd(t, b, &events.MusicCommandPayload{Action: "play", TrackIndex: 2})
	started := log.wait(t, events.TopicMusicPlaybackStarted, 1)
	if got := started[0].(*events.MusicPlaybackPayload).Track.TrackID; got != "mad-about-me" {
		t.Errorf("track = %s, want mad-about-me", got)
	}

	// No selector falls back to the first entry.
	publishCmd(t, b, &events.MusicCommandPayload{Action: "play"})
	started = log.wait(t, events.TopicMusicPlaybackStarted, 2)
	if got := started[1].(*events.MusicPlaybackPayload).Track.TrackID; got != "cantina-band" {
		t.Errorf("track = %s, want cantina-band", got)
	}
	if backend.CallCountPlay != 2 {
		t.Errorf("Play calls = %d", backend.CallCountPlay)
	}
}

func TestService_PlayUnknownTrackRespondsWithError(t *testing.T) {
	t.Parallel()
	_, backend, b, log := startMusic(t, testLibrary(t))

	publishCmd(t, b, &events.MusicCommandPayload{Action: "play", TrackID: "ghost", SessionID: "s1"})

	resp := log.wait(t, events.TopicCLIResponse, 1)[0].(*events.CLIResponsePayload)
	if !resp.IsError || !strings.Contains(resp.Text, "ghost") {
		t.Errorf("response = %+v", resp)
	}
	log.none(t, events.TopicMusicPlaybackStarted)
	if backend.CallCountPlay != 0 {
		t.Errorf("backend touched for unknown track")
	}
}

func TestService_StopAnnouncesPlaybackEnded(t *testing.T) {
	t.Parallel()
	s, _, b, log := startMusic(t, testLibrary(t))

	publishCmd(t, b, &events.MusicCommandPayload{Action: "play", TrackID: "cantina-band"})
	log.wait(t, events.TopicMusicPlaybackStarted, 1)

	publishCmd(t, b, &events.MusicCommandPayload{Action: "stop", SessionID: "s1"})
	ended := log.wait(t, events.TopicMusicPlaybackEnded, 1)[0].(*events.MusicPlaybackPayload)
	if ended.Track.TrackID != "cantina-band" {
		t.Errorf("ended track = %s", ended.Track.TrackID)
	}
	if _, playing := s.Current(); playing {
		t.Error("still playing after stop")
	}

	// Stopping an idle bus responds but emits no second ended event.
	publishCmd(t, b, &events.MusicCommandPayload{Action: "stop"})
	log.wait(t, events.TopicCLIResponse, 3)
	if got := log.wait(t, events.TopicMusicPlaybackEnded, 1); len(got) != 1 {
		t.Errorf("ended events = %d, want 1", len(got))
	}
}

func TestService_ListShowsCatalogue(t *testing.T) {
	t.Parallel()
	_, _, b, log := startMusic(t, testLibrary(t))

	publishCmd(t, b, &events.MusicCommandPayload{Action: "list", SessionID: "s1"})

	resp := log.wait(t, events.TopicCLIResponse, 1)[0].(*events.CLIResponsePayload)
	if resp.IsError {
		t.Fatalf("list errored: %+v", resp)
	}
	if !strings.Contains(resp.Text, "1. Figrin D'an - Cantina Band") {
		t.Errorf("list text missing numbered entry:\n%s", resp.Text)
	}
	if !strings.Contains(resp.Text, "2. Mad About Me") {
		t.Errorf("list text missing second entry:\n%s", resp.Text)
	}
}

func TestService_VolumeApplyDrivesBackend(t *testing.T) {
	t.Parallel()
	_, backend, b, _ := startMusic(t, testLibrary(t))

	if err := b.Publish(events.TopicMusicVolumeApply, &events.MusicVolumeApplyPayload{Volume: 0.4}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for backend.Volume() != 0.4 {
		if time.Now().After(deadline) {
			t.Fatalf("backend volume = %v, want 0.4", backend.Volume())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestService_CrossfadeSwapsTracks(t *testing.T) {
	t.Parallel()
	s, backend, b, log := startMusic(t, testLibrary(t))

	publishCmd(t, b, &events.MusicCommandPayload{Action: "play", TrackID: "cantina-band"})
	log.wait(t, events.TopicMusicPlaybackStarted, 1)

	if err := b.Publish(events.TopicCrossfadeRequest, &events.CrossfadeRequestPayload{
		PlanID: "p1", StepID: "s1", ToTrackID: "mad-about-me", FadeMs: 20,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	done := log.wait(t, events.TopicCrossfadeComplete, 1)[0].(*events.CrossfadeCompletePayload)
	if done.Error != "" || done.PlanID != "p1" || done.StepID != "s1" {
		t.Fatalf("complete = %+v", done)
	}
	ended := log.wait(t, events.TopicMusicPlaybackEnded, 1)[0].(*events.MusicPlaybackPayload)
	if ended.Track.TrackID != "cantina-band" {
		t.Errorf("ended track = %s", ended.Track.TrackID)
	}
	started := log.wait(t, events.TopicMusicPlaybackStarted, 2)[1].(*events.MusicPlaybackPayload)
	if started.Track.TrackID != "mad-about-me" {
		t.Errorf("started track = %s", started.Track.TrackID)
	}
	if cur, _ := s.Current(); cur.TrackID != "mad-about-me" {
		t.Errorf("Current = %s", cur.TrackID)
	}
	if len(backend.CrossfadeTargets) != 1 || backend.CrossfadeTargets[0] != "mad-about-me" {
		t.Errorf("backend targets = %v", backend.CrossfadeTargets)
	}
}

func TestService_CrossfadeUnknownTrackReportsError(t *testing.T) {
	t.Parallel()
	_, backend, b, log := startMusic(t, testLibrary(t))

	if err := b.Publish(events.TopicCrossfadeRequest, &events.CrossfadeRequestPayload{
		PlanID: "p1", StepID: "s1", ToTrackID: "ghost", FadeMs: 20,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	done := log.wait(t, events.TopicCrossfadeComplete, 1)[0].(*events.CrossfadeCompletePayload)
	if done.Error == "" || !strings.Contains(done.Error, "ghost") {
		t.Errorf("complete = %+v", done)
	}
	if backend.CallCountCrossfade != 0 {
		t.Error("backend crossfade called for unknown track")
	}
}

func TestService_TrackEndingSoonFires(t *testing.T) {
	t.Parallel()
	lib, err := music.NewLibrary(config.MusicConfig{
		Tracks: []config.TrackEntry{
			{TrackID: "short", Title: "Short", Filepath: "s.mp3", DurationS: 0.5},
		},
	})
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	_, _, b, log := startMusic(t, lib, music.WithEndingLead(200*time.Millisecond))

	publishCmd(t, b, &events.MusicCommandPayload{Action: "play", TrackID: "short"})

	soon := log.wait(t, events.TopicTrackEndingSoon, 1)[0].(*events.TrackEndingSoonPayload)
	if soon.Track.TrackID != "short" || soon.RemainingMs != 200 {
		t.Errorf("ending soon = %+v", soon)
	}

	// The mock backend ends the track naturally after its duration.
	ended := log.wait(t, events.TopicMusicPlaybackEnded, 1)[0].(*events.MusicPlaybackPayload)
	if ended.Track.TrackID != "short" {
		t.Errorf("ended track = %s", ended.Track.TrackID)
	}
}

func TestService_EndingSoonSkippedForShortTracks(t *testing.T) {
	t.Parallel()
	lib, err := music.NewLibrary(config.MusicConfig{
		Tracks: []config.TrackEntry{
			{TrackID: "blip", Title: "Blip", Filepath: "b.mp3", DurationS: 0.1},
		},
	})
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	_, _, b, log := startMusic(t, lib, music.WithEndingLead(500*time.Millisecond))

	publishCmd(t, b, &events.MusicCommandPayload{Action: "play", TrackID: "blip"})
	log.wait(t, events.TopicMusicPlaybackEnded, 1)
	log.none(t, events.TopicTrackEndingSoon)
}
