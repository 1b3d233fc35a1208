package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

const postgresTableName = "ingest_idempotency"

// PostgresStore is a Store backed by postgres. The claim is a single
// insert-or-takeover statement, so concurrent claims of the same key are
// serialised by the primary-key constraint rather than by application locks.
// Expired rows are removed by PeriodicCleanup.
type PostgresStore struct {
	db          *pgxpool.Pool
	ttl         time.Duration
	retryFailed bool
	clock       clock.WithTicker
}

type PostgresStoreOption func(*PostgresStore)

func WithPostgresClock(c clock.WithTicker) PostgresStoreOption {
	return func(s *PostgresStore) { s.clock = c }
}

func WithPostgresRetryFailed(retry bool) PostgresStoreOption {
	return func(s *PostgresStore) { s.retryFailed = retry }
}

func NewPostgresStore(ctx context.Context, db *pgxpool.Pool, ttl time.Duration, opts ...PostgresStoreOption) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("db must be non-nil")
	}
	if err := createTableIfNotExists(ctx, db); err != nil {
		return nil, errors.WithStack(err)
	}
	s := &PostgresStore{
		db:    db,
		ttl:   ttl,
		clock: clock.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func createTableIfNotExists(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
		    key TEXT PRIMARY KEY,
		    status TEXT NOT NULL,
		    result BYTEA,
		    created_at TIMESTAMPTZ NOT NULL,
		    expires_at TIMESTAMPTZ NOT NULL
	);`, postgresTableName))
	return err
}

func (s *PostgresStore) Claim(ctx context.Context, key string) (ClaimResult, error) {
	if key == "" {
		key = newInternalKey()
	}

	// The conflict branch takes over rows whose record has expired (and, if
	// configured, failed rows), so an expired key behaves like a never-seen
	// key without a separate delete.
	sql := fmt.Sprintf(`
        INSERT INTO %[1]s (key, status, result, created_at, expires_at)
        VALUES ($1, 'pending', NULL, $2, $3)
        ON CONFLICT (key) DO UPDATE
        SET status = 'pending', result = NULL, created_at = $2, expires_at = $3
        WHERE %[1]s.expires_at <= $2 OR (%[1]s.status = 'failed' AND $4)
        RETURNING key
    `, postgresTableName)

	now := s.clock.Now()
	expiresAt := now.Add(s.ttl)
	var claimed string
	err := s.db.QueryRow(ctx, sql, key, now, expiresAt, s.retryFailed).Scan(&claimed)
	if err == nil {
		return ClaimResult{
			Outcome: OutcomeCreated,
			Record: &Record{
				Key:       key,
				Status:    StatusPending,
				CreatedAt: now,
				ExpiresAt: expiresAt,
			},
		}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ClaimResult{}, errors.Wrap(err, "claiming idempotency key")
	}

	// Someone else holds an unexpired record; load it.
	record, err := s.Get(ctx, key)
	if err != nil {
		return ClaimResult{}, err
	}
	if record == nil {
		// The record was swept between our insert and the load. Rare enough
		// that a single retry suffices.
		return s.Claim(ctx, key)
	}
	if record.Status == StatusPending {
		return ClaimResult{Outcome: OutcomePending, Record: record}, nil
	}
	return ClaimResult{Outcome: OutcomeTerminal, Record: record}, nil
}

func (s *PostgresStore) Commit(ctx context.Context, key string, status Status, result []byte) error {
	if !status.Terminal() {
		return nil
	}
	sql := fmt.Sprintf(
		"UPDATE %s SET status = $1, result = $2 WHERE key = $3 AND status = 'pending'",
		postgresTableName,
	)
	_, err := s.db.Exec(ctx, sql, string(status), result, key)
	return errors.Wrap(err, "committing idempotency record")
}

func (s *PostgresStore) Release(ctx context.Context, key string) error {
	sql := fmt.Sprintf("DELETE FROM %s WHERE key = $1 AND status = 'pending'", postgresTableName)
	_, err := s.db.Exec(ctx, sql, key)
	return errors.Wrap(err, "releasing idempotency record")
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	sql := fmt.Sprintf(
		"SELECT status, result, created_at, expires_at FROM %s WHERE key = $1 AND expires_at > $2",
		postgresTableName,
	)
	record := &Record{Key: key}
	var status string
	err := s.db.QueryRow(ctx, sql, key, s.clock.Now()).
		Scan(&status, &record.Result, &record.CreatedAt, &record.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading idempotency record")
	}
	record.Status = Status(status)
	return record, nil
}

// Sweep removes all expired rows.
func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	sql := fmt.Sprintf("DELETE FROM %s WHERE expires_at <= $1", postgresTableName)
	tag, err := s.db.Exec(ctx, sql, s.clock.Now())
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int(tag.RowsAffected()), nil
}

// PeriodicCleanup runs the sweep every interval until ctx is cancelled.
func (s *PostgresStore) PeriodicCleanup(ctx context.Context, interval time.Duration) error {
	logger := log.WithField("service", "IdempotencyStoreCleanup")
	logger.Info("service started")
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			start := s.clock.Now()
			removed, err := s.Sweep(ctx)
			if err != nil {
				logger.WithError(err).WithField("delay", s.clock.Since(start)).Warn("cleanup failed")
			} else if removed > 0 {
				logger.WithFields(log.Fields{"removed": removed, "delay": s.clock.Since(start)}).Info("cleanup succeeded")
			}
		}
	}
}
