package configuration

import (
	"time"

	"github.com/redis/go-redis/v9"
)

type GatewayConfig struct {
	HttpPort    uint16
	MetricsPort uint16

	Idempotency IdempotencyConfig
	Admission   AdmissionConfig
	Breaker     BreakerConfig
	Submission  SubmissionConfig

	Pulsar PulsarConfig
	Redis  redis.UniversalOptions
}

// IdempotencyConfig selects and tunes the idempotency store.
type IdempotencyConfig struct {
	// Store backend: "memory", "redis" or "postgres".
	Type string
	// How long a record deduplicates before the key can be reused.
	TTL time.Duration
	// How often expired records are removed. Zero disables the cleanup loop
	// (redis expires records natively and ignores this).
	CleanupInterval time.Duration
	// If true, a Failed record may be reclaimed by resubmitting the same key.
	// By default failed is terminal, like completed.
	RetryFailed bool
	// Postgres connection string, required when Type is "postgres".
	PostgresConnection string
}

// AdmissionConfig bounds concurrent downstream submissions.
type AdmissionConfig struct {
	// Maximum number of in-flight downstream calls.
	MaxConcurrent int
	// Maximum number of queued waiters across all priorities before requests
	// are rejected outright.
	MaxQueueDepth int
	// How long a request may wait for a permit before being rejected.
	MaxQueueWait time.Duration
	// A queued waiter's effective priority rises one tier per AgingInterval
	// waited, so low-priority traffic cannot be starved indefinitely.
	AgingInterval time.Duration
}

// BreakerConfig tunes the circuit breaker protecting the primary processor.
type BreakerConfig struct {
	// Consecutive failures required to open the circuit.
	FailureThreshold int
	// How long the circuit stays open before a single trial call is allowed.
	ResetTimeout time.Duration
}

type SubmissionConfig struct {
	// Per-call timeout on downstream submissions. Timeouts count as circuit
	// breaker failures.
	Timeout time.Duration
	// Largest accepted payload in bytes.
	MaxPayloadSize int
	// Longest accepted event name.
	MaxNameLength int
	// Name of the redis stream used as the fallback backend. Empty disables
	// failover; an open circuit then rejects submissions.
	FallbackStream string
}

type PulsarConfig struct {
	URL string
	// The topic the primary processor publishes submissions to.
	Topic                      string
	TLSTrustCertsFilePath      string
	TLSValidateHostname        bool
	TLSAllowInsecureConnection bool
	MaxConnectionsPerBroker    int
	// Maximum size of Pulsar messages
	MaxAllowedMessageSize uint
	CompressionEnabled    bool
	SendTimeout           time.Duration
}
