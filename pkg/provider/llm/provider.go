// Package llm defines the Provider interface for Large Language Model
// backends.
//
// The CantinaOS core uses an LLM for two things: generating DJ commentary
// text and interpreting voice transcripts as tool calls. Both are single
// request/response exchanges, so the contract is a non-streaming Complete.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"

	"github.com/cantinaos/cantina/pkg/types"
)

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit and may differ between providers for the same
// text.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs for one response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message typically
	// carries the "user" role and drives the response.
	Messages []types.Message

	// Tools is the set of function definitions offered to the model.
	// Providers without tool support ignore this; callers should check
	// Capabilities().SupportsToolCalling first.
	Tools []types.ToolDefinition

	// Temperature controls output randomness in [0.0, 2.0]. Zero means
	// the provider default.
	Temperature float64

	// MaxTokens caps generated tokens. Zero means the provider default.
	MaxTokens int

	// SystemPrompt is injected ahead of the conversation when set.
	SystemPrompt string
}

// CompletionResponse is one full model reply.
type CompletionResponse struct {
	// Content is the text of the reply. Empty when the model responded
	// exclusively with tool calls.
	Content string

	// ToolCalls lists the invocations the model requested.
	ToolCalls []types.ToolCall

	// FinishReason indicates why generation stopped ("stop", "length",
	// "tool_calls").
	FinishReason string

	// Usage is the token accounting for this exchange.
	Usage Usage
}

// Capabilities describes what a model can do.
type Capabilities struct {
	SupportsToolCalling bool
	ContextWindow       int
	MaxOutputTokens     int
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete performs one request/response exchange.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities reports what the configured model supports.
	Capabilities() Capabilities
}
