package processor

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/gitpulse/ingest-gateway/internal/common/ingesterrors"
)

// Events kept in the fallback stream before old entries are trimmed. The
// stream is drained back into the primary backend by an operator job, so this
// only bounds worst-case memory during an extended primary outage.
const fallbackStreamMaxLen = 1_000_000

// RedisStreamProcessor appends events to a redis stream. It is the secondary
// backend the circuit breaker fails over to while the primary is unhealthy.
type RedisStreamProcessor struct {
	db     redis.UniversalClient
	stream string
}

func NewRedisStreamProcessor(db redis.UniversalClient, stream string) *RedisStreamProcessor {
	return &RedisStreamProcessor{db: db, stream: stream}
}

func (p *RedisStreamProcessor) Name() string {
	return "redis-stream"
}

func (p *RedisStreamProcessor) Submit(ctx context.Context, event *Event) (*Receipt, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, errors.WithStack(&ingesterrors.ErrEventRejected{
			Target:  p.Name(),
			Message: err.Error(),
		})
	}

	messageId, err := p.db.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: fallbackStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":    event.Id,
			"event": payload,
		},
	}).Result()
	if err != nil {
		return nil, errors.WithStack(&ingesterrors.ErrDownstreamFailure{
			Target:  p.Name(),
			Message: err.Error(),
		})
	}

	return &Receipt{
		EventId:   event.Id,
		Target:    p.Name(),
		MessageId: messageId,
	}, nil
}
