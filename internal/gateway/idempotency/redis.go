package idempotency

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"
)

const recordPrefix = "Idempotency:"

// Claims atomically: returns the existing record if one holds the key,
// otherwise inserts a fresh pending record with the requested TTL. A failed
// record is reclaimable when ARGV[3] is "1".
var claimScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status and not (status == 'failed' and ARGV[3] == '1') then
	local result = redis.call('HGET', KEYS[1], 'result')
	local created = redis.call('HGET', KEYS[1], 'created')
	local pttl = redis.call('PTTL', KEYS[1])
	return {status, result, created, pttl}
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'status', 'pending', 'created', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {'created', false, ARGV[1], tonumber(ARGV[2])}
`)

// Transitions pending to a terminal status. HSET on an existing key keeps its
// TTL, so the record expires on the schedule set at claim time.
var commitScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == 'pending' then
	redis.call('HSET', KEYS[1], 'status', ARGV[1], 'result', ARGV[2])
	return 1
end
return 0
`)

// Removes a pending record so its key can be claimed again immediately.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == 'pending' then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// RedisStore is a Store backed by redis. Claims and commits run as Lua
// scripts so they are atomic; expiry uses redis key TTLs, so no sweep loop is
// needed.
type RedisStore struct {
	db          redis.UniversalClient
	ttl         time.Duration
	retryFailed bool
	clock       clock.PassiveClock
}

type RedisStoreOption func(*RedisStore)

func WithRedisClock(c clock.PassiveClock) RedisStoreOption {
	return func(s *RedisStore) { s.clock = c }
}

func WithRedisRetryFailed(retry bool) RedisStoreOption {
	return func(s *RedisStore) { s.retryFailed = retry }
}

func NewRedisStore(db redis.UniversalClient, ttl time.Duration, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		db:    db,
		ttl:   ttl,
		clock: clock.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Claim(ctx context.Context, key string) (ClaimResult, error) {
	if key == "" {
		key = newInternalKey()
	}

	now := s.clock.Now()
	retry := "0"
	if s.retryFailed {
		retry = "1"
	}
	raw, err := claimScript.Run(ctx, s.db,
		[]string{recordPrefix + key},
		now.UnixMilli(), s.ttl.Milliseconds(), retry,
	).Result()
	if err != nil {
		return ClaimResult{}, errors.Wrap(err, "claiming idempotency key")
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 4 {
		return ClaimResult{}, errors.Errorf("unexpected claim script reply %v", raw)
	}

	record := &Record{Key: key}
	statusStr, _ := reply[0].(string)
	if result, ok := reply[1].(string); ok {
		record.Result = []byte(result)
	}
	if createdMillis, ok := reply[2].(string); ok {
		record.CreatedAt = parseMillis(createdMillis)
	}
	if pttl, ok := reply[3].(int64); ok && pttl > 0 {
		record.ExpiresAt = now.Add(time.Duration(pttl) * time.Millisecond)
	}

	switch statusStr {
	case "created":
		record.Status = StatusPending
		record.CreatedAt = now
		return ClaimResult{Outcome: OutcomeCreated, Record: record}, nil
	case string(StatusPending):
		record.Status = StatusPending
		return ClaimResult{Outcome: OutcomePending, Record: record}, nil
	case string(StatusCompleted), string(StatusFailed):
		record.Status = Status(statusStr)
		return ClaimResult{Outcome: OutcomeTerminal, Record: record}, nil
	}
	return ClaimResult{}, errors.Errorf("unexpected record status %q for key %q", statusStr, key)
}

func (s *RedisStore) Commit(ctx context.Context, key string, status Status, result []byte) error {
	if !status.Terminal() {
		return nil
	}
	err := commitScript.Run(ctx, s.db,
		[]string{recordPrefix + key},
		string(status), string(result),
	).Err()
	return errors.Wrap(err, "committing idempotency record")
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	err := releaseScript.Run(ctx, s.db, []string{recordPrefix + key}).Err()
	return errors.Wrap(err, "releasing idempotency record")
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	fields, err := s.db.HGetAll(ctx, recordPrefix+key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "loading idempotency record")
	}
	if len(fields) == 0 {
		return nil, nil
	}

	record := &Record{
		Key:       key,
		Status:    Status(fields["status"]),
		CreatedAt: parseMillis(fields["created"]),
	}
	if result, ok := fields["result"]; ok && result != "" {
		record.Result = []byte(result)
	}
	if pttl, err := s.db.PTTL(ctx, recordPrefix+key).Result(); err == nil && pttl > 0 {
		record.ExpiresAt = s.clock.Now().Add(pttl)
	}
	return record, nil
}

func parseMillis(s string) time.Time {
	millis, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}
