// Package command implements the input dispatcher: it normalizes raw lines
// from the CLI and dashboard into registered commands, shapes the payload
// each target service expects, and publishes on the command's topic.
//
// Matching prefers the longest registered prefix of the input tokens, so
// "play music 3" resolves to the compound command "play music" with args
// ["3"] even when a single-word "play" is also registered.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"

	"github.com/cantinaos/cantina/internal/service"
	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
)

// ServiceName identifies the dispatcher on the bus.
const ServiceName = "command_dispatcher"

// maxSuggestions bounds the "did you mean" list for unknown commands.
const maxSuggestions = 3

// suggestionDistance is the maximum edit distance for a suggestion.
const suggestionDistance = 3

// shortcuts is the fixed alias expansion table, applied before matching.
var shortcuts = map[string]string{
	"h":  "help",
	"e":  "engage",
	"s":  "stop music",
	"st": "status",
}

// Record is the normalized form of one input line.
type Record struct {
	Command    string
	Subcommand string
	Args       []string
	RawInput   string
	Source     string
	SessionID  string
	CommandID  string
}

// Shaper converts a normalized record into the typed payload the target
// topic expects.
type Shaper func(rec Record) (events.Payload, error)

type registration struct {
	command string
	service string
	topic   events.Topic
	shape   Shaper
}

// Dispatcher is the command dispatcher service.
type Dispatcher struct {
	*service.Base

	mu       sync.RWMutex
	basic    map[string]*registration // single-word commands
	compound map[string]*registration // two-word phrases
}

var _ service.Service = (*Dispatcher)(nil)

// New creates the dispatcher attached to b. Commands are registered with
// [Dispatcher.Register] before Start.
func New(b *bus.Bus, opts ...service.Option) *Dispatcher {
	d := &Dispatcher{
		Base:     service.NewBase(ServiceName, b, opts...),
		basic:    make(map[string]*registration),
		compound: make(map[string]*registration),
	}
	d.Declare(events.TopicRawInput, d.onRawInput)
	return d
}

// Register binds a command name (one word, or a two-word phrase) to a
// target topic on behalf of serviceName. shape converts the normalized
// record to the topic's payload. Conflicting registrations, three-word
// phrases, and names that collide with the shortcut table are errors;
// registration happens at startup, so callers treat them as fatal.
func (d *Dispatcher) Register(commandName, serviceName string, topic events.Topic, shape Shaper) error {
	name := strings.ToLower(strings.TrimSpace(commandName))
	tokens := strings.Fields(name)
	if len(tokens) == 0 || len(tokens) > 2 {
		return fmt.Errorf("command: %q must be one or two words", commandName)
	}
	if shape == nil {
		return fmt.Errorf("command: %q has no payload shaper", commandName)
	}
	if _, clash := shortcuts[name]; clash {
		return fmt.Errorf("command: %q collides with a shortcut alias", name)
	}

	reg := &registration{command: name, service: serviceName, topic: topic, shape: shape}

	d.mu.Lock()
	defer d.mu.Unlock()
	table := d.basic
	if len(tokens) == 2 {
		table = d.compound
	}
	if prev, ok := table[name]; ok {
		return fmt.Errorf("command: %q already registered by %s", name, prev.service)
	}
	table[name] = reg
	return nil
}

// Commands returns every registered command name, sorted. Used by help.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.basic)+len(d.compound)+1)
	out = append(out, "help")
	for name := range d.basic {
		out = append(out, name)
	}
	for name := range d.compound {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) onRawInput(ctx context.Context, env events.Envelope) error {
	in, ok := env.Payload.(*events.RawInputPayload)
	if !ok {
		return fmt.Errorf("command: unexpected payload %T", env.Payload)
	}
	d.Dispatch(in.Input, in.Source, in.SessionID)
	return nil
}

// Dispatch resolves and routes one input line. All outcomes, including
// unknown commands, are reported back on the CLI response and ack topics.
func (d *Dispatcher) Dispatch(input, source, sessionID string) {
	raw := strings.TrimSpace(input)
	tokens := strings.Fields(strings.ToLower(raw))
	if len(tokens) == 0 {
		return
	}
	commandID := uuid.NewString()

	tokens = expand(tokens)

	// help is answered by the dispatcher itself so the command list always
	// reflects the live registration tables.
	if tokens[0] == "help" {
		d.respond(sessionID, d.helpText(), false, "")
		d.ack(commandID, sessionID, true, "help")
		return
	}

	reg, cmdTokens := d.resolve(tokens)
	if reg == nil {
		text := fmt.Sprintf("unknown command %q", strings.Join(tokens, " "))
		hint := d.suggest(strings.Join(tokens[:min(len(tokens), 2)], " "))
		d.respond(sessionID, text, true, hint)
		d.ack(commandID, sessionID, false, text)
		return
	}

	rec := Record{
		Command:   cmdTokens[0],
		Args:      tokens[len(cmdTokens):],
		RawInput:  raw,
		Source:    source,
		SessionID: sessionID,
		CommandID: commandID,
	}
	if len(cmdTokens) == 2 {
		rec.Subcommand = cmdTokens[1]
	}

	payload, err := reg.shape(rec)
	if err != nil {
		d.respond(sessionID, err.Error(), true, "")
		d.ack(commandID, sessionID, false, err.Error())
		return
	}

	if d.Bus().HandlerCount(reg.topic) == 0 {
		msg := fmt.Sprintf("no handler for %q (service %s is not listening)", reg.command, reg.service)
		d.Log().Warn("command has no handler", "command", reg.command, "topic", reg.topic)
		d.respond(sessionID, msg, true, "")
		d.ack(commandID, sessionID, false, msg)
		return
	}

	if err := d.Emit(reg.topic, payload); err != nil {
		d.respond(sessionID, err.Error(), true, "")
		d.ack(commandID, sessionID, false, err.Error())
		return
	}
	d.ack(commandID, sessionID, true, reg.command)
}

// resolve prefers the two-word prefix over a single-word match.
func (d *Dispatcher) resolve(tokens []string) (*registration, []string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(tokens) >= 2 {
		phrase := tokens[0] + " " + tokens[1]
		if reg, ok := d.compound[phrase]; ok {
			return reg, tokens[:2]
		}
	}
	if reg, ok := d.basic[tokens[0]]; ok {
		return reg, tokens[:1]
	}
	return nil, nil
}

// expand applies the shortcut table to the first token. A shortcut may
// expand to a phrase ("s" → "stop music").
func expand(tokens []string) []string {
	full, ok := shortcuts[tokens[0]]
	if !ok {
		return tokens
	}
	return append(strings.Fields(full), tokens[1:]...)
}

// suggest returns a "did you mean" hint from edit distance over the
// registered command names, or "" when nothing is close.
func (d *Dispatcher) suggest(input string) string {
	type scored struct {
		name string
		dist int
	}
	var candidates []scored
	for _, name := range d.Commands() {
		dist := matchr.Levenshtein(input, name)
		if dist <= suggestionDistance {
			candidates = append(candidates, scored{name: name, dist: dist})
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].name < candidates[j].name
	})
	if len(candidates) > maxSuggestions {
		candidates = candidates[:maxSuggestions]
	}
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.name
	}
	return "did you mean: " + strings.Join(names, ", ")
}

func (d *Dispatcher) helpText() string {
	var sb strings.Builder
	sb.WriteString("available commands:")
	for _, name := range d.Commands() {
		sb.WriteString("\n  ")
		sb.WriteString(name)
	}
	return sb.String()
}

func (d *Dispatcher) respond(sessionID, text string, isErr bool, hint string) {
	d.Emit(events.TopicCLIResponse, &events.CLIResponsePayload{
		Text:      text,
		IsError:   isErr,
		Hint:      hint,
		SessionID: sessionID,
	})
}

func (d *Dispatcher) ack(commandID, sessionID string, success bool, message string) {
	d.Emit(events.TopicCommandAck, &events.CommandAckPayload{
		CommandID: commandID,
		Success:   success,
		Message:   message,
		SessionID: sessionID,
	})
}
