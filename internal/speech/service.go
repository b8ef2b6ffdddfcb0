// Package speech implements the speech synthesis service: the single
// writer of the speech cache. It synthesizes requested utterances through
// the configured TTS provider, caches them keyed by speech id, and plays
// cached entries on demand, reporting playback lifecycle events the
// timeline executor gates on.
//
// Cache entries move pending → ready → played monotonically; eviction is
// the terminal failure state for entries pushed out by capacity.
package speech

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cantinaos/cantina/internal/service"
	"github.com/cantinaos/cantina/pkg/audio"
	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
	"github.com/cantinaos/cantina/pkg/provider/tts"
	"github.com/cantinaos/cantina/pkg/types"
)

// ServiceName identifies the speech service on the bus.
const ServiceName = "speech_service"

// DefaultCacheSize bounds the number of cached utterances.
const DefaultCacheSize = 32

// entryState tracks a cache entry through its life.
type entryState string

const (
	statePending entryState = "pending"
	stateReady   entryState = "ready"
	statePlayed  entryState = "played"
	stateEvicted entryState = "evicted"
)

// entry is one cached utterance.
type entry struct {
	mu          sync.Mutex
	state       entryState
	pcm         []byte
	sampleRate  int
	generatedAt time.Time
}

// Option configures a [Service].
type Option func(*Service)

// WithCacheSize overrides the cache capacity.
func WithCacheSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// WithDefaultVoice sets the voice used when a request carries none.
func WithDefaultVoice(v types.VoiceProfile) Option {
	return func(s *Service) { s.voice = v }
}

// Service is the speech service.
type Service struct {
	*service.Base

	provider  tts.Provider
	player    audio.SpeechPlayer
	voice     types.VoiceProfile
	cacheSize int

	cache *lru.Cache[string, *entry]
}

var _ service.Service = (*Service)(nil)

// New creates the speech service. provider may be nil, in which case every
// synthesis request fails with a cache error event (degraded mode).
func New(b *bus.Bus, provider tts.Provider, player audio.SpeechPlayer, speechOpts []Option, opts ...service.Option) *Service {
	s := &Service{
		Base:      service.NewBase(ServiceName, b, opts...),
		provider:  provider,
		player:    player,
		cacheSize: DefaultCacheSize,
	}
	for _, o := range speechOpts {
		o(s)
	}
	cache, err := lru.NewWithEvict(s.cacheSize, s.onEvict)
	if err != nil {
		// Only reachable with a non-positive size, which options reject.
		panic(fmt.Sprintf("speech: cache: %v", err))
	}
	s.cache = cache

	s.Declare(events.TopicSynthesizeRequest, s.onSynthesize)
	s.Declare(events.TopicPlayCachedSpeech, s.onPlayCached)
	return s
}

// onEvict marks a pushed-out entry terminally evicted.
func (s *Service) onEvict(speechID string, e *entry) {
	e.mu.Lock()
	prev := e.state
	e.state = stateEvicted
	e.pcm = nil
	e.mu.Unlock()
	s.Log().Debug("cache entry evicted", "speech_id", speechID, "was", prev)
}

// State reports an entry's cache state, or "" when unknown.
func (s *Service) State(speechID string) string {
	e, ok := s.cache.Peek(speechID)
	if !ok {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return string(e.state)
}

func (s *Service) onSynthesize(ctx context.Context, env events.Envelope) error {
	req, ok := env.Payload.(*events.SynthesizeRequestPayload)
	if !ok {
		return fmt.Errorf("speech: unexpected payload %T", env.Payload)
	}

	if !req.Cache {
		// Immediate playback path, no cache involvement.
		s.Go(func(taskCtx context.Context) {
			s.synthesizeAndPlay(taskCtx, req)
		})
		return nil
	}

	// Idempotent per speech id: a duplicate request while pending or ready
	// is a no-op.
	if _, exists := s.cache.Get(req.SpeechID); exists {
		return nil
	}
	s.cache.Add(req.SpeechID, &entry{state: statePending})

	s.Go(func(taskCtx context.Context) {
		s.synthesizeIntoCache(taskCtx, req)
	})
	return nil
}

func (s *Service) synthesizeIntoCache(ctx context.Context, req *events.SynthesizeRequestPayload) {
	result, err := s.synthesize(ctx, req)
	if err != nil {
		s.cache.Remove(req.SpeechID)
		s.Log().Warn("synthesis failed", "speech_id", req.SpeechID, "err", err)
		s.Emit(events.TopicSpeechCacheError, &events.SpeechCachePayload{
			SpeechID: req.SpeechID, Error: err.Error(),
		})
		return
	}

	e, ok := s.cache.Get(req.SpeechID)
	if !ok {
		// Evicted while synthesizing; treat as a miss.
		s.Emit(events.TopicSpeechCacheError, &events.SpeechCachePayload{
			SpeechID: req.SpeechID, Error: "evicted before ready",
		})
		return
	}
	e.mu.Lock()
	e.state = stateReady
	e.pcm = result.PCM
	e.sampleRate = result.SampleRate
	e.generatedAt = time.Now()
	e.mu.Unlock()

	s.Log().Info("speech cached", "speech_id", req.SpeechID, "bytes", len(result.PCM))
	s.Emit(events.TopicSpeechCacheReady, &events.SpeechCachePayload{SpeechID: req.SpeechID})
}

func (s *Service) synthesizeAndPlay(ctx context.Context, req *events.SynthesizeRequestPayload) {
	result, err := s.synthesize(ctx, req)
	if err != nil {
		s.Log().Warn("immediate synthesis failed", "speech_id", req.SpeechID, "err", err)
		s.Emit(events.TopicSpeechCompleted, &events.SpeechPlaybackPayload{
			SpeechID: req.SpeechID, Error: err.Error(),
		})
		return
	}
	s.play(ctx, req.SpeechID, "", "", result.PCM, result.SampleRate)
}

func (s *Service) synthesize(ctx context.Context, req *events.SynthesizeRequestPayload) (*tts.Result, error) {
	if s.provider == nil {
		return nil, fmt.Errorf("no TTS provider configured")
	}
	voice := s.voice
	if req.VoiceID != "" {
		voice = types.VoiceProfile{ID: req.VoiceID}
	}
	result, err := s.provider.Synthesize(ctx, req.Text, voice)
	if err != nil {
		return nil, err
	}
	if len(result.PCM) == 0 {
		return nil, fmt.Errorf("provider returned empty audio")
	}
	return result, nil
}

func (s *Service) onPlayCached(ctx context.Context, env events.Envelope) error {
	req, ok := env.Payload.(*events.PlayCachedSpeechPayload)
	if !ok {
		return fmt.Errorf("speech: unexpected payload %T", env.Payload)
	}

	e, found := s.cache.Get(req.SpeechID)
	if !found {
		s.Emit(events.TopicSpeechCompleted, &events.SpeechPlaybackPayload{
			SpeechID: req.SpeechID, PlanID: req.PlanID, StepID: req.StepID,
			Error: "speech is not cached",
		})
		return nil
	}

	e.mu.Lock()
	if e.state != stateReady {
		state := e.state
		e.mu.Unlock()
		s.Emit(events.TopicSpeechCompleted, &events.SpeechPlaybackPayload{
			SpeechID: req.SpeechID, PlanID: req.PlanID, StepID: req.StepID,
			Error: fmt.Sprintf("speech cache entry is %s, not ready", state),
		})
		return nil
	}
	e.state = statePlayed
	pcm := e.pcm
	rate := e.sampleRate
	e.mu.Unlock()

	s.Go(func(taskCtx context.Context) {
		s.play(taskCtx, req.SpeechID, req.PlanID, req.StepID, pcm, rate)
	})
	return nil
}

// play runs one utterance through the player, bracketing it with started
// and completed events. Plan-driven playback is ducked by the timeline
// executor's own bracket; stand-alone playback (voice replies) ducks here
// so music never runs above the ducked setpoint while speech is audible.
func (s *Service) play(ctx context.Context, speechID, planID, stepID string, pcm []byte, rate int) {
	if planID == "" {
		s.Emit(events.TopicDuckRequested, &events.DuckPayload{})
		defer s.Emit(events.TopicUnduckRequested, &events.UnduckPayload{})
	}

	s.Emit(events.TopicSpeechStarted, &events.SpeechPlaybackPayload{
		SpeechID: speechID, PlanID: planID, StepID: stepID,
	})

	done := &events.SpeechPlaybackPayload{
		SpeechID: speechID, PlanID: planID, StepID: stepID,
	}
	if err := s.player.PlaySpeech(ctx, pcm, rate); err != nil {
		done.Error = err.Error()
		s.Log().Warn("speech playback failed", "speech_id", speechID, "err", err)
	}
	s.Emit(events.TopicSpeechCompleted, done)
}
