package events

import (
	"time"

	"github.com/google/uuid"
)

// Envelope wraps one payload as delivered to handlers. The bus stamps
// Timestamp and EventID at publish time when the caller has not provided
// them.
type Envelope struct {
	// Topic is the canonical topic the payload was published on.
	Topic Topic `json:"topic"`

	// Timestamp is seconds since the Unix epoch at publish time.
	Timestamp float64 `json:"timestamp"`

	// EventID uniquely identifies this publish.
	EventID string `json:"event_id"`

	// Payload is the typed value registered for Topic.
	Payload Payload `json:"payload"`
}

// NewEnvelope stamps an envelope for payload on topic using the current
// wall clock and a fresh event id.
func NewEnvelope(topic Topic, payload Payload) Envelope {
	return Envelope{
		Topic:     topic,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		EventID:   uuid.NewString(),
		Payload:   payload,
	}
}
