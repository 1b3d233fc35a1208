package processor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpulse/ingest-gateway/internal/common/ingesterrors"
)

func TestRedisStreamProcessor_Submit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	p := NewRedisStreamProcessor(client, "ingest:fallback")
	receipt, err := p.Submit(context.Background(), &Event{
		Id:          "event-1",
		Name:        "repo.sync",
		Payload:     json.RawMessage(`{"repo":"gitpulse/ingest-gateway"}`),
		SubmittedAt: time.Now(),
	})
	require.NoError(t, err)

	assert.Equal(t, "event-1", receipt.EventId)
	assert.Equal(t, "redis-stream", receipt.Target)
	assert.NotEmpty(t, receipt.MessageId)

	length, err := client.XLen(context.Background(), "ingest:fallback").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestRedisStreamProcessor_FailureIsDownstreamFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	p := NewRedisStreamProcessor(client, "ingest:fallback")
	_, err := p.Submit(context.Background(), &Event{Id: "event-1", Name: "repo.sync"})

	var downstream *ingesterrors.ErrDownstreamFailure
	require.ErrorAs(t, err, &downstream)
	assert.Equal(t, "redis-stream", downstream.Target)
}
