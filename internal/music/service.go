// Package music implements the music service: the single owner of the
// music playback backend. It executes play/stop/list commands, applies
// effective volumes computed by the audio coordinator without
// interpretation, performs crossfades, and announces playback lifecycle
// events including the track-ending-soon signal the DJ coordinator plans
// around.
package music

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cantinaos/cantina/internal/service"
	"github.com/cantinaos/cantina/pkg/audio"
	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
)

// ServiceName identifies the music service on the bus.
const ServiceName = "music_service"

// DefaultEndingLead is how far before a track's end the ending-soon event
// fires when the config does not override it.
const DefaultEndingLead = 10 * time.Second

// Option configures a [Service].
type Option func(*Service)

// WithEndingLead overrides the track-ending-soon lead time.
func WithEndingLead(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.endingLead = d
		}
	}
}

// WithInitialVolume sets the gain used until the first volume apply
// arrives from the audio coordinator.
func WithInitialVolume(v float64) Option {
	return func(s *Service) {
		if v >= 0 && v <= 1 {
			s.applied = v
		}
	}
}

// Service is the music service.
type Service struct {
	*service.Base

	backend audio.MusicBackend
	library *Library

	endingLead time.Duration

	mu          sync.Mutex
	current     events.TrackInfo
	playing     bool
	applied     float64 // last volume applied by the coordinator
	endingTimer *time.Timer
	endingFired bool
}

var _ service.Service = (*Service)(nil)

// New creates the music service owning backend.
func New(b *bus.Bus, backend audio.MusicBackend, library *Library, musicOpts []Option, opts ...service.Option) *Service {
	s := &Service{
		Base:       service.NewBase(ServiceName, b, opts...),
		backend:    backend,
		library:    library,
		endingLead: DefaultEndingLead,
		applied:    0.8,
	}
	for _, o := range musicOpts {
		o(s)
	}
	s.Declare(events.TopicMusicCommand, s.onCommand)
	s.Declare(events.TopicMusicVolumeApply, s.onVolumeApply)
	s.Declare(events.TopicCrossfadeRequest, s.onCrossfade)
	return s
}

// Start activates subscriptions and begins watching for natural track
// ends.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Base.Start(ctx); err != nil {
		return err
	}
	s.Go(s.watchTrackEnd)
	return nil
}

// Stop halts playback and tears down.
func (s *Service) Stop(ctx context.Context) error {
	s.stopEndingTimer()
	if err := s.backend.Stop(context.Background()); err != nil {
		s.Log().Warn("backend stop failed", "err", err)
	}
	return s.Base.Stop(ctx)
}

// watchTrackEnd forwards the backend's natural track ends to the bus.
func (s *Service) watchTrackEnd(ctx context.Context) {
	ended := s.backend.TrackEnded()
	for {
		select {
		case <-ctx.Done():
			return
		case track, ok := <-ended:
			if !ok {
				return
			}
			s.mu.Lock()
			if s.current.TrackID == track.TrackID {
				s.playing = false
			}
			s.mu.Unlock()
			s.stopEndingTimer()
			s.Log().Info("track ended", "track_id", track.TrackID)
			s.Emit(events.TopicMusicPlaybackEnded, &events.MusicPlaybackPayload{Track: track})
		}
	}
}

func (s *Service) onCommand(ctx context.Context, env events.Envelope) error {
	cmd, ok := env.Payload.(*events.MusicCommandPayload)
	if !ok {
		return fmt.Errorf("music: unexpected payload %T", env.Payload)
	}
	switch cmd.Action {
	case "play":
		return s.play(ctx, cmd)
	case "stop":
		return s.stop(ctx, cmd)
	case "list":
		return s.list(cmd)
	case "volume":
		// Owned by the audio coordinator; it republishes the effective
		// volume on the apply topic.
		return nil
	}
	return fmt.Errorf("music: unknown action %q", cmd.Action)
}

// resolveTrack picks the requested track: explicit id, then 1-based
// index, then the first catalogue entry.
func (s *Service) resolveTrack(cmd *events.MusicCommandPayload) (events.TrackInfo, error) {
	if cmd.TrackID != "" {
		if t, ok := s.library.ByID(cmd.TrackID); ok {
			return t, nil
		}
		return events.TrackInfo{}, fmt.Errorf("track %q not found", cmd.TrackID)
	}
	if cmd.TrackIndex > 0 {
		if t, ok := s.library.ByIndex(cmd.TrackIndex); ok {
			return t, nil
		}
		return events.TrackInfo{}, fmt.Errorf("track number %d is out of range (library has %d)", cmd.TrackIndex, s.library.Len())
	}
	if t, ok := s.library.ByIndex(1); ok {
		return t, nil
	}
	return events.TrackInfo{}, fmt.Errorf("music library is empty")
}

func (s *Service) play(ctx context.Context, cmd *events.MusicCommandPayload) error {
	track, err := s.resolveTrack(cmd)
	if err != nil {
		s.respond(cmd.SessionID, err.Error(), true)
		return nil
	}

	s.mu.Lock()
	volume := s.applied
	s.mu.Unlock()

	if err := s.backend.Play(ctx, track, volume); err != nil {
		s.respond(cmd.SessionID, fmt.Sprintf("playback failed: %v", err), true)
		s.EmitStatus(events.StatusDegraded, events.KindAdapter, err.Error())
		return nil
	}
	s.started(track)
	s.respond(cmd.SessionID, fmt.Sprintf("playing %s", describe(track)), false)
	return nil
}

func (s *Service) stop(ctx context.Context, cmd *events.MusicCommandPayload) error {
	s.mu.Lock()
	track := s.current
	wasPlaying := s.playing
	s.playing = false
	s.mu.Unlock()
	s.stopEndingTimer()

	if err := s.backend.Stop(ctx); err != nil {
		s.EmitStatus(events.StatusDegraded, events.KindAdapter, err.Error())
		return nil
	}
	if wasPlaying {
		s.Emit(events.TopicMusicPlaybackEnded, &events.MusicPlaybackPayload{Track: track})
	}
	s.respond(cmd.SessionID, "music stopped", false)
	return nil
}

func (s *Service) list(cmd *events.MusicCommandPayload) error {
	tracks := s.library.All()
	if len(tracks) == 0 {
		s.respond(cmd.SessionID, "music library is empty", false)
		return nil
	}
	var sb strings.Builder
	sb.WriteString("track library:")
	for i, t := range tracks {
		fmt.Fprintf(&sb, "\n  %2d. %s", i+1, describe(t))
	}
	s.respond(cmd.SessionID, sb.String(), false)
	return nil
}

// onVolumeApply applies the coordinator's effective volume blindly and
// remembers it as the landing gain for any crossfade in flight.
func (s *Service) onVolumeApply(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.MusicVolumeApplyPayload)
	if !ok {
		return fmt.Errorf("music: unexpected payload %T", env.Payload)
	}
	s.mu.Lock()
	s.applied = p.Volume
	s.mu.Unlock()
	if err := s.backend.SetVolume(ctx, p.Volume); err != nil {
		return fmt.Errorf("music: set volume: %w", err)
	}
	s.Log().Debug("volume applied", "volume", p.Volume, "ducked", p.Ducked)
	return nil
}

// onCrossfade blends to the requested track. The fade lands on the last
// applied volume, so a duck issued before or during the fade stays in
// force until the coordinator lifts it.
func (s *Service) onCrossfade(ctx context.Context, env events.Envelope) error {
	req, ok := env.Payload.(*events.CrossfadeRequestPayload)
	if !ok {
		return fmt.Errorf("music: unexpected payload %T", env.Payload)
	}

	to, found := s.library.ByID(req.ToTrackID)
	if !found {
		s.Emit(events.TopicCrossfadeComplete, &events.CrossfadeCompletePayload{
			PlanID: req.PlanID, StepID: req.StepID,
			Error: fmt.Sprintf("track %q not found", req.ToTrackID),
		})
		return nil
	}

	s.mu.Lock()
	from := s.current
	target := s.applied
	s.mu.Unlock()
	s.stopEndingTimer()

	err := s.backend.Crossfade(ctx, to, time.Duration(req.FadeMs)*time.Millisecond, target)
	if err != nil {
		s.Emit(events.TopicCrossfadeComplete, &events.CrossfadeCompletePayload{
			PlanID: req.PlanID, StepID: req.StepID, Error: err.Error(),
		})
		return nil
	}

	if from.TrackID != "" {
		s.Emit(events.TopicMusicPlaybackEnded, &events.MusicPlaybackPayload{Track: from})
	}
	s.started(to)
	return s.Emit(events.TopicCrossfadeComplete, &events.CrossfadeCompletePayload{
		PlanID: req.PlanID, StepID: req.StepID,
	})
}

// started records the new current track, announces it, and arms the
// ending-soon timer.
func (s *Service) started(track events.TrackInfo) {
	s.mu.Lock()
	s.current = track
	s.playing = true
	s.endingFired = false
	s.mu.Unlock()

	s.Log().Info("playback started", "track_id", track.TrackID, "title", track.Title)
	s.Emit(events.TopicMusicPlaybackStarted, &events.MusicPlaybackPayload{Track: track})
	s.armEndingTimer(track)
}

// armEndingTimer schedules the one-shot ending-soon event. Tracks shorter
// than the lead (or with unknown duration) never fire it.
func (s *Service) armEndingTimer(track events.TrackInfo) {
	s.stopEndingTimer()
	dur := time.Duration(track.DurationS * float64(time.Second))
	if dur <= s.endingLead {
		return
	}
	delay := dur - s.endingLead

	s.mu.Lock()
	s.endingTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.endingFired || !s.playing || s.current.TrackID != track.TrackID {
			s.mu.Unlock()
			return
		}
		s.endingFired = true
		s.mu.Unlock()
		s.Emit(events.TopicTrackEndingSoon, &events.TrackEndingSoonPayload{
			Track:       track,
			RemainingMs: int(s.endingLead / time.Millisecond),
		})
	})
	s.mu.Unlock()
}

func (s *Service) stopEndingTimer() {
	s.mu.Lock()
	if s.endingTimer != nil {
		s.endingTimer.Stop()
		s.endingTimer = nil
	}
	s.mu.Unlock()
}

// Current returns the playing track and whether the bus is active.
func (s *Service) Current() (events.TrackInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.playing
}

func (s *Service) respond(sessionID, text string, isErr bool) {
	s.Emit(events.TopicCLIResponse, &events.CLIResponsePayload{
		Text: text, IsError: isErr, SessionID: sessionID,
	})
}

func describe(t events.TrackInfo) string {
	if t.Artist != "" {
		return fmt.Sprintf("%s - %s", t.Artist, t.Title)
	}
	if t.Title != "" {
		return t.Title
	}
	return t.TrackID
}
