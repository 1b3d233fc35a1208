// Package idempotency provides the gateway's deduplication stores. A store
// is a time-limited key-value map with atomic claim semantics: concurrent
// claims of the same key agree on exactly one winner, which owns the
// downstream submission for that key until it commits a terminal status or
// the record expires.
package idempotency

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an idempotency record. A record is created
// Pending and transitions to Completed or Failed exactly once.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is the stored outcome of a submission keyed by its idempotency key.
// Result is opaque to the store; the gateway serialises its response envelope
// into it on commit.
type Record struct {
	Key       string
	Status    Status
	Result    []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Outcome classifies the result of a Claim.
type Outcome int

const (
	// OutcomeCreated means the caller won the claim and owns the submission.
	OutcomeCreated Outcome = iota
	// OutcomePending means another submission with the same key is in flight.
	OutcomePending
	// OutcomeTerminal means a previous submission already completed or failed;
	// the record carries its result.
	OutcomeTerminal
)

type ClaimResult struct {
	Outcome Outcome
	Record  *Record
}

// Store is a durable key-to-record map with atomic claim semantics.
//
// Claim must behave as a single compare-and-swap: of any number of concurrent
// callers claiming the same key, exactly one observes OutcomeCreated. A key
// whose record has expired is treated as absent. The empty key disables
// deduplication: every claim of it creates a record under a freshly generated
// internal key, returned via ClaimResult.Record.Key.
type Store interface {
	Claim(ctx context.Context, key string) (ClaimResult, error)
	// Commit transitions a Pending record to a terminal status and stores the
	// result. Committing a missing or already-terminal record is a no-op.
	Commit(ctx context.Context, key string, status Status, result []byte) error
	// Release removes a still-Pending record. The gateway releases a claim
	// when the request is rejected before any downstream attempt (admission
	// rejection, circuit open without fallback), so the caller's retry with
	// the same key is not blocked until the record expires. Terminal records
	// are never released.
	Release(ctx context.Context, key string) error
	// Get returns the record for key, or nil if absent or expired.
	Get(ctx context.Context, key string) (*Record, error)
}

// Sweeper is implemented by stores that need periodic removal of expired
// records. Redis expires records natively and does not implement it.
type Sweeper interface {
	// Sweep removes expired records and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
	// PeriodicCleanup runs Sweep every interval until ctx is cancelled.
	PeriodicCleanup(ctx context.Context, interval time.Duration) error
}

// newInternalKey generates a key for requests submitted without an
// idempotency key. Internal keys are unique per request, so such requests
// never deduplicate against each other.
func newInternalKey() string {
	return "internal-" + uuid.NewString()
}
