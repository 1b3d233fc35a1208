package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority controls the order in which queued submissions are admitted when
// the gateway is at capacity. It has no effect on the downstream processor.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// DefaultPriority is assumed when a request does not specify a priority.
const DefaultPriority = PriorityMedium

// ParsePriority converts a caller-supplied priority string into a Priority.
// The empty string maps to DefaultPriority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "":
		return DefaultPriority, nil
	case string(PriorityHigh):
		return PriorityHigh, nil
	case string(PriorityMedium):
		return PriorityMedium, nil
	case string(PriorityLow):
		return PriorityLow, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// EventSubmitRequest is a single logical event to be forwarded to the
// downstream job queue. IdempotencyKey is carried outside the payload; it may
// also be supplied via the X-Idempotency-Key header, which takes precedence.
type EventSubmitRequest struct {
	Name           string          `json:"name"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       string          `json:"priority,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// SubmitStatus describes what the gateway did with a request.
type SubmitStatus string

const (
	// StatusAccepted means the event was forwarded downstream during this call.
	StatusAccepted SubmitStatus = "accepted"
	// StatusDuplicate means a previous submission with the same key already
	// completed and its result is returned verbatim.
	StatusDuplicate SubmitStatus = "duplicate"
	// StatusInFlight means an earlier submission with the same key is still
	// being processed; the caller may poll the status endpoint.
	StatusInFlight SubmitStatus = "in-flight"
)

// EventSubmitResponse is the envelope returned for every admitted request.
type EventSubmitResponse struct {
	EventId   string          `json:"eventId"`
	Duplicate bool            `json:"duplicate"`
	Cached    bool            `json:"cached"`
	Status    SubmitStatus    `json:"status"`
	Processor string          `json:"processor,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// EventStatusResponse describes the idempotency record for a key, letting a
// caller poll a submission that was reported in-flight.
type EventStatusResponse struct {
	Key       string          `json:"key"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// BatchSubmitRequest submits several events in one call. Items are admitted
// independently; a failure of one item does not affect the others.
type BatchSubmitRequest struct {
	Events []*EventSubmitRequest `json:"events"`
}

// BatchSubmitResponse preserves the order of BatchSubmitRequest.Events.
// Exactly one of Response and Error is set per item.
type BatchSubmitResponse struct {
	Items []*BatchSubmitItem `json:"items"`
}

type BatchSubmitItem struct {
	Response *EventSubmitResponse `json:"response,omitempty"`
	Error    *ErrorBody           `json:"error,omitempty"`
}
