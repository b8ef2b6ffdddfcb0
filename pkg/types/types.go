// Package types holds the small shared value types exchanged between the
// CantinaOS core and its provider adapters (LLM, TTS, STT). They live in
// their own package so providers do not import the core and the core does
// not import any vendor SDK.
package types

// Message is one turn of an LLM conversation.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the textual body of the message.
	Content string

	// Name optionally identifies the author within the role.
	Name string

	// ToolCalls carries the calls an assistant message requested.
	ToolCalls []ToolCall

	// ToolCallID links a "tool" role message to the call it answers.
	ToolCallID string
}

// ToolDefinition describes one function offered to the model.
type ToolDefinition struct {
	// Name is the function name the model will call.
	Name string

	// Description tells the model when to use the tool.
	Description string

	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call id.
	ID string

	// Name is the function being called.
	Name string

	// Arguments is the raw JSON argument object.
	Arguments string
}

// VoiceProfile identifies a synthesis voice at a TTS provider.
type VoiceProfile struct {
	// ID is the provider's voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider names the backend the profile belongs to.
	Provider string

	// SampleRate is the PCM sample rate the voice synthesizes at.
	SampleRate int
}

// TranscriptSegment is one recognized fragment of speech.
type TranscriptSegment struct {
	// Text is the recognized words.
	Text string

	// Final is false for interim hypotheses that may still be revised.
	Final bool

	// Confidence is the recognizer's confidence in [0, 1].
	Confidence float64

	// SpeakerID identifies the speaker when diarization is available.
	SpeakerID string
}
