package idempotency

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// MemoryStore is an in-process Store guarded by a single mutex. Suitable for
// a single-instance gateway and for tests; multi-instance deployments should
// use the redis or postgres store so replicas share claims.
type MemoryStore struct {
	mu          sync.Mutex
	records     map[string]*Record
	ttl         time.Duration
	retryFailed bool
	clock       clock.WithTicker
}

type MemoryStoreOption func(*MemoryStore)

// WithClock replaces the store's clock, for tests.
func WithClock(c clock.WithTicker) MemoryStoreOption {
	return func(s *MemoryStore) { s.clock = c }
}

// WithRetryFailed makes Failed records reclaimable by a later submission of
// the same key. By default failed is terminal, like completed.
func WithRetryFailed(retry bool) MemoryStoreOption {
	return func(s *MemoryStore) { s.retryFailed = retry }
}

func NewMemoryStore(ttl time.Duration, opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*Record),
		ttl:     ttl,
		clock:   clock.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Claim(_ context.Context, key string) (ClaimResult, error) {
	if key == "" {
		key = newInternalKey()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if existing, ok := s.records[key]; ok && existing.ExpiresAt.After(now) {
		switch {
		case existing.Status == StatusPending:
			return ClaimResult{Outcome: OutcomePending, Record: existing.copy()}, nil
		case existing.Status == StatusFailed && s.retryFailed:
			// Reclaim below.
		default:
			return ClaimResult{Outcome: OutcomeTerminal, Record: existing.copy()}, nil
		}
	}

	record := &Record{
		Key:       key,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.records[key] = record
	return ClaimResult{Outcome: OutcomeCreated, Record: record.copy()}, nil
}

func (s *MemoryStore) Commit(_ context.Context, key string, status Status, result []byte) error {
	if !status.Terminal() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok || record.Status != StatusPending {
		// Missing or already terminal; committing again is harmless.
		return nil
	}
	record.Status = status
	record.Result = result
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.records[key]; ok && record.Status == StatusPending {
		delete(s.records, key)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok || !record.ExpiresAt.After(s.clock.Now()) {
		return nil, nil
	}
	return record.copy(), nil
}

// Sweep removes all expired records.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for key, record := range s.records {
		if !record.ExpiresAt.After(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}

// PeriodicCleanup runs the sweep every interval until ctx is cancelled.
func (s *MemoryStore) PeriodicCleanup(ctx context.Context, interval time.Duration) error {
	logger := log.WithField("service", "IdempotencyStoreCleanup")
	logger.Info("service started")
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			removed, _ := s.Sweep(ctx)
			if removed > 0 {
				logger.WithField("removed", removed).Info("cleanup succeeded")
			}
		}
	}
}

func (r *Record) copy() *Record {
	c := *r
	if r.Result != nil {
		c.Result = append([]byte(nil), r.Result...)
	}
	return &c
}
