package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cantinaos/cantina/internal/service"
	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
	"github.com/cantinaos/cantina/pkg/provider/llm"
	"github.com/cantinaos/cantina/pkg/types"
)

// IntentServiceName identifies the intent interpreter on the bus.
const IntentServiceName = "intent_service"

// intentTools is the function surface offered to the model. Every tool
// maps one-to-one onto a command topic.
var intentTools = []types.ToolDefinition{
	{
		Name:        "play_music",
		Description: "Play a track from the music library.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"track": map[string]any{
					"type":        "string",
					"description": "Track id or title to play.",
				},
			},
			"required": []string{"track"},
		},
	},
	{
		Name:        "stop_music",
		Description: "Stop music playback.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "set_volume",
		Description: "Set the music volume.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"percent": map[string]any{
					"type":        "number",
					"description": "Volume from 0 to 100.",
				},
			},
			"required": []string{"percent"},
		},
	},
	{
		Name:        "start_dj_mode",
		Description: "Start automatic DJ rotation with commentary.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "stop_dj_mode",
		Description: "Stop automatic DJ rotation. Music keeps playing.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "next_track",
		Description: "Skip to the next DJ track immediately.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "set_mode",
		Description: "Change the system operating mode.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"mode": map[string]any{
					"type": "string",
					"enum": []string{"IDLE", "AMBIENT", "INTERACTIVE"},
				},
			},
			"required": []string{"mode"},
		},
	},
}

const intentSystemPrompt = `You are the voice interface of a cantina music system.
Interpret the user's spoken request. When it maps to an available tool, call the tool.
When it is conversation, answer in one short spoken sentence.`

// Intent turns final transcripts into command events via LLM tool calling.
// Conversational replies are spoken back through the speech service.
type Intent struct {
	*service.Base

	provider llm.Provider

	mu          sync.Mutex
	interactive bool
	warnedOnce  bool
}

var _ service.Service = (*Intent)(nil)

// NewIntent creates the intent interpreter. provider may be nil, in which
// case transcripts are logged and dropped.
func NewIntent(b *bus.Bus, provider llm.Provider, opts ...service.Option) *Intent {
	i := &Intent{
		Base:     service.NewBase(IntentServiceName, b, opts...),
		provider: provider,
	}
	i.Declare(events.TopicModeChanged, i.onModeChanged)
	i.Declare(events.TopicTranscriptFinal, i.onTranscript)
	return i
}

func (i *Intent) onModeChanged(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.ModeTransitionPayload)
	if !ok {
		return fmt.Errorf("voice: unexpected payload %T", env.Payload)
	}
	i.mu.Lock()
	i.interactive = p.To == events.ModeInteractive
	i.mu.Unlock()
	return nil
}

func (i *Intent) onTranscript(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.TranscriptPayload)
	if !ok {
		return fmt.Errorf("voice: unexpected payload %T", env.Payload)
	}

	i.mu.Lock()
	active := i.interactive
	i.mu.Unlock()
	if !active {
		return nil
	}
	if i.provider == nil {
		i.mu.Lock()
		warned := i.warnedOnce
		i.warnedOnce = true
		i.mu.Unlock()
		if !warned {
			i.Log().Warn("no LLM provider configured, voice commands disabled")
		}
		return nil
	}

	text := strings.TrimSpace(p.Text)
	if text == "" {
		return nil
	}
	i.Go(func(taskCtx context.Context) {
		i.interpret(taskCtx, text)
	})
	return nil
}

func (i *Intent) interpret(ctx context.Context, text string) {
	req := llm.CompletionRequest{
		SystemPrompt: intentSystemPrompt,
		Messages:     []types.Message{{Role: "user", Content: text}},
	}
	if i.provider.Capabilities().SupportsToolCalling {
		req.Tools = intentTools
	}

	resp, err := i.provider.Complete(ctx, req)
	if err != nil {
		i.Log().Warn("intent completion failed", "err", err)
		return
	}

	for _, call := range resp.ToolCalls {
		if err := i.execute(call); err != nil {
			i.Log().Warn("tool call rejected", "tool", call.Name, "err", err)
		}
	}
	if len(resp.ToolCalls) == 0 && strings.TrimSpace(resp.Content) != "" {
		// Conversational turn: speak the reply immediately, uncached.
		i.Emit(events.TopicSynthesizeRequest, &events.SynthesizeRequestPayload{
			SpeechID: "voice-reply-" + uuid.NewString(),
			Text:     strings.TrimSpace(resp.Content),
			Cache:    false,
		})
	}
}

// execute maps one tool call onto its command topic.
func (i *Intent) execute(call types.ToolCall) error {
	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return fmt.Errorf("voice: arguments for %s: %w", call.Name, err)
		}
	}

	switch call.Name {
	case "play_music":
		track, _ := args["track"].(string)
		if track == "" {
			return fmt.Errorf("voice: play_music needs a track")
		}
		return i.Emit(events.TopicMusicCommand, &events.MusicCommandPayload{
			Action: "play", TrackID: track, Source: IntentServiceName,
		})
	case "stop_music":
		return i.Emit(events.TopicMusicCommand, &events.MusicCommandPayload{
			Action: "stop", Source: IntentServiceName,
		})
	case "set_volume":
		percent, ok := args["percent"].(float64)
		if !ok || percent < 0 || percent > 100 {
			return fmt.Errorf("voice: set_volume percent %v out of range", args["percent"])
		}
		return i.Emit(events.TopicMusicCommand, &events.MusicCommandPayload{
			Action: "volume", Volume: percent / 100, Source: IntentServiceName,
		})
	case "start_dj_mode":
		on := true
		return i.Emit(events.TopicDJCommand, &events.DJCommandPayload{
			DJModeActive: &on, Source: IntentServiceName,
		})
	case "stop_dj_mode":
		off := false
		return i.Emit(events.TopicDJCommand, &events.DJCommandPayload{
			DJModeActive: &off, Source: IntentServiceName,
		})
	case "next_track":
		return i.Emit(events.TopicDJCommand, &events.DJCommandPayload{
			Skip: true, Source: IntentServiceName,
		})
	case "set_mode":
		mode, _ := args["mode"].(string)
		return i.Emit(events.TopicModeRequest, &events.ModeRequestPayload{
			Mode: events.Mode(strings.ToUpper(mode)), Reason: "voice request",
		})
	}
	return fmt.Errorf("voice: unknown tool %q", call.Name)
}
