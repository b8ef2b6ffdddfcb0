// Package audio implements the audio coordinator: the single point of
// truth for music volume. It folds user volume commands, speech ducking,
// and crossfade activity into one effective volume published on the apply
// topic, which the music service applies without interpretation.
//
// Keeping the arbitration here is what prevents a crossfade from undoing
// an active duck: the crossfade lands on the last applied volume, and the
// coordinator only restores the user volume once speech has finished and
// no crossfade is in flight.
package audio

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/cantinaos/cantina/internal/service"
	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
)

// ServiceName identifies the coordinator on the bus.
const ServiceName = "audio_coordinator"

// Defaults for the volume policy.
const (
	DefaultUserVolume = 0.8
	DefaultDuckLevel  = 0.5
)

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithUserVolume sets the startup user volume.
func WithUserVolume(v float64) Option {
	return func(c *Coordinator) {
		if v >= 0 && v <= 1 {
			c.userVolume = v
		}
	}
}

// WithDuckLevel sets the ducked volume setpoint used when a duck request
// carries no level.
func WithDuckLevel(v float64) Option {
	return func(c *Coordinator) {
		if v >= 0 && v <= 1 {
			c.duckLevel = v
		}
	}
}

// Coordinator is the audio coordinator service.
type Coordinator struct {
	*service.Base

	mu              sync.Mutex
	userVolume      float64
	duckLevel       float64
	speechActive    bool
	crossfadeActive bool
}

var _ service.Service = (*Coordinator)(nil)

// New creates the coordinator attached to b.
func New(b *bus.Bus, coordOpts []Option, opts ...service.Option) *Coordinator {
	c := &Coordinator{
		Base:       service.NewBase(ServiceName, b, opts...),
		userVolume: DefaultUserVolume,
		duckLevel:  DefaultDuckLevel,
	}
	for _, o := range coordOpts {
		o(c)
	}
	c.Declare(events.TopicMusicCommand, c.onMusicCommand)
	c.Declare(events.TopicDuckRequested, c.onDuck)
	c.Declare(events.TopicUnduckRequested, c.onUnduck)
	c.Declare(events.TopicCrossfadeRequest, c.onCrossfadeRequest)
	c.Declare(events.TopicCrossfadeComplete, c.onCrossfadeComplete)
	return c
}

// Start activates subscriptions and seeds the music service with the
// initial user volume.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.Base.Start(ctx); err != nil {
		return err
	}
	c.apply()
	return nil
}

// onMusicCommand handles only the volume action; the rest belongs to the
// music service.
func (c *Coordinator) onMusicCommand(ctx context.Context, env events.Envelope) error {
	cmd, ok := env.Payload.(*events.MusicCommandPayload)
	if !ok {
		return fmt.Errorf("audio: unexpected payload %T", env.Payload)
	}
	if cmd.Action != "volume" {
		return nil
	}
	c.mu.Lock()
	c.userVolume = cmd.Volume
	c.mu.Unlock()
	c.Log().Info("user volume set", "volume", cmd.Volume)
	c.apply()
	if cmd.SessionID != "" || cmd.Source == "cli" {
		c.Emit(events.TopicCLIResponse, &events.CLIResponsePayload{
			Text:      fmt.Sprintf("volume set to %.0f%%", cmd.Volume*100),
			SessionID: cmd.SessionID,
		})
	}
	return nil
}

func (c *Coordinator) onDuck(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.DuckPayload)
	if !ok {
		return fmt.Errorf("audio: unexpected payload %T", env.Payload)
	}
	c.mu.Lock()
	if p.Level > 0 {
		c.duckLevel = p.Level
	}
	c.speechActive = true
	c.mu.Unlock()
	c.Log().Debug("duck requested", "level", p.Level)
	c.apply()
	return nil
}

// onUnduck clears the speech flag. While a crossfade is in flight the
// fade owns volume control, so the restore is deferred to its completion.
func (c *Coordinator) onUnduck(ctx context.Context, env events.Envelope) error {
	c.mu.Lock()
	c.speechActive = false
	deferRestore := c.crossfadeActive
	c.mu.Unlock()
	c.Log().Debug("unduck requested", "deferred", deferRestore)
	if !deferRestore {
		c.apply()
	}
	return nil
}

func (c *Coordinator) onCrossfadeRequest(ctx context.Context, env events.Envelope) error {
	c.mu.Lock()
	c.crossfadeActive = true
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) onCrossfadeComplete(ctx context.Context, env events.Envelope) error {
	c.mu.Lock()
	c.crossfadeActive = false
	c.mu.Unlock()
	c.apply()
	return nil
}

// SetDuckLevel swaps the ducked setpoint at runtime (config hot reload).
// When speech is active the new level takes effect immediately.
func (c *Coordinator) SetDuckLevel(v float64) {
	if v < 0 || v > 1 {
		return
	}
	c.mu.Lock()
	c.duckLevel = v
	active := c.speechActive
	c.mu.Unlock()
	if active {
		c.apply()
	}
}

// Effective returns the volume the music bus should run at right now.
func (c *Coordinator) Effective() (volume float64, ducked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveLocked()
}

func (c *Coordinator) effectiveLocked() (float64, bool) {
	if c.speechActive {
		return math.Min(c.userVolume, c.duckLevel), true
	}
	return c.userVolume, false
}

// apply publishes the current effective volume on the apply topic.
func (c *Coordinator) apply() {
	c.mu.Lock()
	volume, ducked := c.effectiveLocked()
	c.mu.Unlock()
	c.Emit(events.TopicMusicVolumeApply, &events.MusicVolumeApplyPayload{
		Volume: volume,
		Ducked: ducked,
	})
}
