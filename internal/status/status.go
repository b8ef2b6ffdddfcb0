// Package status implements the status reporter: it folds service status,
// mode, playback, and DJ events into a snapshot it can print on demand,
// and applies runtime log-level changes.
package status

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cantinaos/cantina/internal/config"
	"github.com/cantinaos/cantina/internal/logging"
	"github.com/cantinaos/cantina/internal/service"
	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
)

// ServiceName identifies the status reporter on the bus.
const ServiceName = "status_reporter"

// Reporter is the status reporter service. It observes; it never drives.
type Reporter struct {
	*service.Base

	levels *logging.Registry

	mu       sync.Mutex
	services map[string]events.ServiceStatus
	mode     events.Mode
	track    *events.TrackInfo
	djState  string
	djNext   *events.TrackInfo
}

var _ service.Service = (*Reporter)(nil)

// New creates the status reporter. levels may be nil, in which case debug
// level commands are acknowledged but have no effect.
func New(b *bus.Bus, levels *logging.Registry, opts ...service.Option) *Reporter {
	r := &Reporter{
		Base:     service.NewBase(ServiceName, b, opts...),
		levels:   levels,
		services: make(map[string]events.ServiceStatus),
		mode:     events.ModeStartup,
		djState:  "off",
	}
	r.Declare(events.TopicServiceStatus, r.onServiceStatus)
	r.Declare(events.TopicModeChanged, r.onModeChanged)
	r.Declare(events.TopicMusicPlaybackStarted, r.onPlaybackStarted)
	r.Declare(events.TopicMusicPlaybackEnded, r.onPlaybackEnded)
	r.Declare(events.TopicDJQueueUpdated, r.onDJQueue)
	r.Declare(events.TopicStatusRequest, r.onStatusRequest)
	r.Declare(events.TopicDebugLevel, r.onDebugLevel)
	return r
}

func (r *Reporter) onServiceStatus(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.ServiceStatusPayload)
	if !ok {
		return fmt.Errorf("status: unexpected payload %T", env.Payload)
	}
	r.mu.Lock()
	r.services[p.Service] = p.Status
	r.mu.Unlock()
	return nil
}

func (r *Reporter) onModeChanged(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.ModeTransitionPayload)
	if !ok {
		return fmt.Errorf("status: unexpected payload %T", env.Payload)
	}
	r.mu.Lock()
	r.mode = p.To
	r.mu.Unlock()
	return nil
}

func (r *Reporter) onPlaybackStarted(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.MusicPlaybackPayload)
	if !ok {
		return fmt.Errorf("status: unexpected payload %T", env.Payload)
	}
	track := p.Track
	r.mu.Lock()
	r.track = &track
	r.mu.Unlock()
	return nil
}

func (r *Reporter) onPlaybackEnded(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.MusicPlaybackPayload)
	if !ok {
		return fmt.Errorf("status: unexpected payload %T", env.Payload)
	}
	r.mu.Lock()
	if r.track != nil && r.track.TrackID == p.Track.TrackID {
		r.track = nil
	}
	r.mu.Unlock()
	return nil
}

func (r *Reporter) onDJQueue(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.DJQueueUpdatedPayload)
	if !ok {
		return fmt.Errorf("status: unexpected payload %T", env.Payload)
	}
	r.mu.Lock()
	r.djState = p.State
	r.djNext = p.Next
	r.mu.Unlock()
	return nil
}

func (r *Reporter) onStatusRequest(ctx context.Context, env events.Envelope) error {
	req, ok := env.Payload.(*events.StatusRequestPayload)
	if !ok {
		return fmt.Errorf("status: unexpected payload %T", env.Payload)
	}
	return r.Emit(events.TopicCLIResponse, &events.CLIResponsePayload{
		Text:      r.Summary(),
		SessionID: req.SessionID,
	})
}

// Summary renders the current snapshot as a multi-line report.
func (r *Reporter) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "mode: %s\n", r.mode)

	if r.track != nil {
		fmt.Fprintf(&sb, "playing: %s", r.track.Title)
		if r.track.Artist != "" {
			fmt.Fprintf(&sb, " by %s", r.track.Artist)
		}
		sb.WriteString("\n")
	} else {
		sb.WriteString("playing: nothing\n")
	}

	fmt.Fprintf(&sb, "dj: %s", r.djState)
	if r.djNext != nil {
		fmt.Fprintf(&sb, " (next: %s)", r.djNext.Title)
	}
	sb.WriteString("\n")

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	sb.WriteString("services:")
	for _, name := range names {
		fmt.Fprintf(&sb, "\n  %-20s %s", name, r.services[name])
	}
	return sb.String()
}

// onDebugLevel applies a runtime log-level change. Component "all" adjusts
// the root level and every registered component.
func (r *Reporter) onDebugLevel(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.DebugLevelPayload)
	if !ok {
		return fmt.Errorf("status: unexpected payload %T", env.Payload)
	}
	if r.levels == nil {
		r.Log().Warn("debug level change ignored, no logging registry")
		return nil
	}

	component := p.Component
	if component == "all" {
		component = ""
	}
	r.levels.SetLevel(component, config.LogLevel(strings.ToLower(p.Level)))
	r.Log().Info("log level changed", "component", p.Component, "level", p.Level)
	return r.Emit(events.TopicCLIResponse, &events.CLIResponsePayload{
		Text: fmt.Sprintf("log level for %s set to %s", p.Component, p.Level),
	})
}
