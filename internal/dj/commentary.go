package dj

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cantinaos/cantina/internal/service"
	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
	"github.com/cantinaos/cantina/pkg/provider/llm"
	"github.com/cantinaos/cantina/pkg/types"
)

// CommentaryServiceName identifies the commentary generator on the bus.
const CommentaryServiceName = "commentary_service"

// DefaultPersona flavours generated lines when none is configured.
const DefaultPersona = "a laconic cantina disc jockey"

const commentaryMaxTokens = 120

// CommentaryOption configures a [Commentary].
type CommentaryOption func(*Commentary)

// WithPersona sets the voice the generated lines are written in.
func WithPersona(p string) CommentaryOption {
	return func(c *Commentary) {
		if p != "" {
			c.persona = p
		}
	}
}

// WithTemperature sets the sampling temperature for generation.
func WithTemperature(t float64) CommentaryOption {
	return func(c *Commentary) { c.temperature = t }
}

// Commentary answers commentary requests with a short spoken line. With no
// LLM provider configured, or when a completion fails, it falls back to a
// template so DJ mode still announces transitions.
type Commentary struct {
	*service.Base

	provider    llm.Provider
	persona     string
	temperature float64

	mu     sync.Mutex
	recent []string
}

var _ service.Service = (*Commentary)(nil)

// NewCommentary creates the commentary generator. provider may be nil.
func NewCommentary(b *bus.Bus, provider llm.Provider, commentaryOpts []CommentaryOption, opts ...service.Option) *Commentary {
	c := &Commentary{
		Base:        service.NewBase(CommentaryServiceName, b, opts...),
		provider:    provider,
		persona:     DefaultPersona,
		temperature: 0.8,
	}
	for _, o := range commentaryOpts {
		o(c)
	}
	c.Declare(events.TopicCommentaryRequest, c.onRequest)
	return c
}

// SetPersona swaps the persona at runtime (config hot reload).
func (c *Commentary) SetPersona(p string) {
	if p == "" {
		return
	}
	c.mu.Lock()
	c.persona = p
	c.mu.Unlock()
}

func (c *Commentary) onRequest(ctx context.Context, env events.Envelope) error {
	req, ok := env.Payload.(*events.CommentaryRequestPayload)
	if !ok {
		return fmt.Errorf("dj: unexpected payload %T", env.Payload)
	}
	// Generation leaves the handler so a slow model never backs up the
	// request queue.
	c.Go(func(taskCtx context.Context) {
		text := c.generate(taskCtx, req)
		c.Emit(events.TopicCommentaryResponse, &events.CommentaryResponsePayload{
			SpeechID: req.SpeechID,
			Text:     text,
		})
	})
	return nil
}

func (c *Commentary) generate(ctx context.Context, req *events.CommentaryRequestPayload) string {
	if c.provider == nil {
		return c.fallback(req)
	}

	c.mu.Lock()
	persona := c.persona
	recent := strings.Join(c.recent, "\n")
	c.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s introducing the next song on air.\n", persona)
	sb.WriteString("Reply with one or two short spoken sentences. No stage directions, no quotes, no emoji.\n")
	if recent != "" {
		sb.WriteString("Do not repeat these recent lines:\n" + recent + "\n")
	}

	var user string
	if req.Persona == "initial" || req.Current.TrackID == "" {
		user = fmt.Sprintf("The set is opening with %q by %s.", req.Next.Title, artistOf(req.Next))
	} else {
		user = fmt.Sprintf("%q by %s is ending; up next is %q by %s.",
			req.Current.Title, artistOf(req.Current), req.Next.Title, artistOf(req.Next))
	}

	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: sb.String(),
		Messages:     []types.Message{{Role: "user", Content: user}},
		Temperature:  c.temperature,
		MaxTokens:    commentaryMaxTokens,
	})
	if err != nil {
		c.Log().Warn("commentary generation failed, using template", "err", err)
		return c.fallback(req)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return c.fallback(req)
	}

	c.mu.Lock()
	c.recent = append(c.recent, text)
	if len(c.recent) > DefaultHistorySize {
		c.recent = c.recent[len(c.recent)-DefaultHistorySize:]
	}
	c.mu.Unlock()
	return text
}

// fallback is the no-LLM announcement.
func (c *Commentary) fallback(req *events.CommentaryRequestPayload) string {
	if req.Next.Artist != "" {
		return fmt.Sprintf("Up next, %s by %s.", req.Next.Title, req.Next.Artist)
	}
	return fmt.Sprintf("Up next, %s.", req.Next.Title)
}

func artistOf(t events.TrackInfo) string {
	if t.Artist == "" {
		return "an unknown artist"
	}
	return t.Artist
}
