// Package processor defines the downstream processor capability consumed by
// the gateway and its two production implementations: a pulsar producer
// (primary backend) and a redis stream publisher (fallback backend).
package processor

import (
	"context"
	"encoding/json"
	"time"
)

// Event is a logical submission forwarded to a downstream backend. Payload is
// opaque to the gateway.
type Event struct {
	Id          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	SubmittedAt time.Time       `json:"submittedAt"`
}

// Receipt acknowledges that a backend accepted an event.
type Receipt struct {
	EventId string `json:"eventId"`
	// Name of the backend that accepted the event.
	Target string `json:"target"`
	// Backend-assigned message identifier, if the backend provides one.
	MessageId string `json:"messageId,omitempty"`
}

// Processor submits events to a downstream backend. Implementations return
// *ingesterrors.ErrDownstreamFailure for backend-side failures (which count
// against the circuit breaker) and *ingesterrors.ErrEventRejected for events
// the backend refuses as malformed (which do not).
type Processor interface {
	Name() string
	Submit(ctx context.Context, event *Event) (*Receipt, error)
}
