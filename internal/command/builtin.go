package command

import (
	"fmt"
	"strconv"

	"github.com/cantinaos/cantina/pkg/events"
)

// RegisterBuiltins installs the standard CantinaOS command table. The
// shapers here are the single place raw phrases become service payloads;
// target services never parse user input themselves.
func RegisterBuiltins(d *Dispatcher) error {
	type entry struct {
		name    string
		service string
		topic   events.Topic
		shape   Shaper
	}

	table := []entry{
		{"engage", "mode_manager", events.TopicModeRequest, modeShaper(events.ModeInteractive)},
		{"ambient", "mode_manager", events.TopicModeRequest, modeShaper(events.ModeAmbient)},
		{"disengage", "mode_manager", events.TopicModeRequest, modeShaper(events.ModeIdle)},
		{"idle", "mode_manager", events.TopicModeRequest, modeShaper(events.ModeIdle)},

		{"status", "status_reporter", events.TopicStatusRequest, func(rec Record) (events.Payload, error) {
			return &events.StatusRequestPayload{Source: rec.Source, SessionID: rec.SessionID}, nil
		}},

		{"play music", "music_service", events.TopicMusicCommand, shapePlayMusic},
		{"stop music", "music_service", events.TopicMusicCommand, musicActionShaper("stop")},
		{"list music", "music_service", events.TopicMusicCommand, musicActionShaper("list")},
		{"volume", "music_service", events.TopicMusicCommand, shapeVolume},

		{"dj start", "dj_coordinator", events.TopicDJCommand, djModeShaper(true)},
		{"dj stop", "dj_coordinator", events.TopicDJCommand, djModeShaper(false)},
		{"dj next", "dj_coordinator", events.TopicDJCommand, func(rec Record) (events.Payload, error) {
			return &events.DJCommandPayload{Skip: true, Source: rec.Source, SessionID: rec.SessionID}, nil
		}},

		{"debug level", "log_registry", events.TopicDebugLevel, shapeDebug},

		// reset is the user-visible recovery path: the main loop tears the
		// app down and builds a fresh one, which lands back in IDLE.
		{"reset", "main", events.TopicShutdownRequested, func(Record) (events.Payload, error) {
			return &events.ShutdownRequestedPayload{Restart: true, Reason: "reset command"}, nil
		}},
		{"restart", "main", events.TopicShutdownRequested, func(Record) (events.Payload, error) {
			return &events.ShutdownRequestedPayload{Restart: true, Reason: "restart command"}, nil
		}},
		{"quit", "main", events.TopicShutdownRequested, func(Record) (events.Payload, error) {
			return &events.ShutdownRequestedPayload{Reason: "quit command"}, nil
		}},
	}

	for _, e := range table {
		if err := d.Register(e.name, e.service, e.topic, e.shape); err != nil {
			return err
		}
	}
	return nil
}

func modeShaper(mode events.Mode) Shaper {
	return func(rec Record) (events.Payload, error) {
		return &events.ModeRequestPayload{Mode: mode, Reason: rec.Command}, nil
	}
}

func musicActionShaper(action string) Shaper {
	return func(rec Record) (events.Payload, error) {
		return &events.MusicCommandPayload{
			Action:    action,
			Source:    rec.Source,
			SessionID: rec.SessionID,
		}, nil
	}
}

// shapePlayMusic extracts an optional numeric track selector so the music
// service never parses the phrase itself.
func shapePlayMusic(rec Record) (events.Payload, error) {
	p := &events.MusicCommandPayload{
		Action:    "play",
		Source:    rec.Source,
		SessionID: rec.SessionID,
	}
	if len(rec.Args) > 0 {
		n, err := strconv.Atoi(rec.Args[0])
		if err != nil {
			// Not a number: treat the argument as a track id.
			p.TrackID = rec.Args[0]
			return p, nil
		}
		if n < 1 {
			return nil, fmt.Errorf("track number %d must be >= 1", n)
		}
		p.TrackIndex = n
	}
	return p, nil
}

func shapeVolume(rec Record) (events.Payload, error) {
	if len(rec.Args) == 0 {
		return nil, fmt.Errorf("usage: volume <0..1>")
	}
	v, err := strconv.ParseFloat(rec.Args[0], 64)
	if err != nil {
		return nil, fmt.Errorf("volume %q is not a number", rec.Args[0])
	}
	if v > 1 && v <= 100 {
		// Accept percentages.
		v /= 100
	}
	if v < 0 || v > 1 {
		return nil, fmt.Errorf("volume %.2f is out of range [0, 1]", v)
	}
	return &events.MusicCommandPayload{
		Action:    "volume",
		Volume:    v,
		Source:    rec.Source,
		SessionID: rec.SessionID,
	}, nil
}

func djModeShaper(active bool) Shaper {
	return func(rec Record) (events.Payload, error) {
		v := active
		return &events.DJCommandPayload{
			DJModeActive: &v,
			Source:       rec.Source,
			SessionID:    rec.SessionID,
		}, nil
	}
}

func shapeDebug(rec Record) (events.Payload, error) {
	switch len(rec.Args) {
	case 1:
		return &events.DebugLevelPayload{Component: "all", Level: rec.Args[0]}, nil
	case 2:
		return &events.DebugLevelPayload{Component: rec.Args[0], Level: rec.Args[1]}, nil
	}
	return nil, fmt.Errorf("usage: debug level [component] <level>")
}
