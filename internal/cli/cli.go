// Package cli implements the interactive console: a reader goroutine that
// publishes raw command lines and a subscriber that prints responses.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/cantinaos/cantina/internal/service"
	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
)

// ServiceName identifies the console service on the bus.
const ServiceName = "cli_service"

const prompt = "cantina> "

// Option configures a [Console].
type Option func(*Console)

// WithStreams overrides stdin/stdout, for tests.
func WithStreams(in io.Reader, out io.Writer) Option {
	return func(c *Console) {
		c.in = in
		c.out = out
	}
}

// WithoutPrompt suppresses the prompt string (piped input).
func WithoutPrompt() Option {
	return func(c *Console) { c.prompt = "" }
}

// Console is the interactive console service.
type Console struct {
	*service.Base

	in     io.Reader
	out    io.Writer
	prompt string

	mu sync.Mutex
}

var _ service.Service = (*Console)(nil)

// New creates the console service on stdin/stdout.
func New(b *bus.Bus, cliOpts []Option, opts ...service.Option) *Console {
	c := &Console{
		Base:   service.NewBase(ServiceName, b, opts...),
		in:     os.Stdin,
		out:    os.Stdout,
		prompt: prompt,
	}
	for _, o := range cliOpts {
		o(c)
	}
	c.Declare(events.TopicCLIResponse, c.onResponse)
	return c
}

// Start begins the read loop after the base startup.
func (c *Console) Start(ctx context.Context) error {
	if err := c.Base.Start(ctx); err != nil {
		return err
	}
	c.Go(c.readLoop)
	return nil
}

// readLoop publishes each non-empty input line. It ends on EOF or context
// cancellation; EOF on an interactive terminal means the operator hit
// ctrl-d, so a shutdown request is published.
func (c *Console) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.in)
	c.showPrompt()
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			c.showPrompt()
			continue
		}
		c.Emit(events.TopicRawInput, &events.RawInputPayload{
			Input:  line,
			Source: "cli",
		})
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.Log().Warn("console input failed", "err", err)
	}
	if ctx.Err() == nil {
		c.Emit(events.TopicShutdownRequested, &events.ShutdownRequestedPayload{
			Reason: "console closed",
		})
	}
}

func (c *Console) onResponse(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.CLIResponsePayload)
	if !ok {
		return fmt.Errorf("cli: unexpected payload %T", env.Payload)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.IsError {
		fmt.Fprintf(c.out, "error: %s\n", p.Text)
	} else {
		fmt.Fprintln(c.out, p.Text)
	}
	if p.Hint != "" {
		fmt.Fprintf(c.out, "  %s\n", p.Hint)
	}
	c.showPromptLocked()
	return nil
}

func (c *Console) showPrompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.showPromptLocked()
}

func (c *Console) showPromptLocked() {
	if c.prompt != "" {
		fmt.Fprint(c.out, c.prompt)
	}
}
