// Package gateway assembles the ingestion gateway from configuration and runs
// it: idempotency store, admission pool, circuit breaker, downstream
// processors and the HTTP surface.
package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gitpulse/ingest-gateway/internal/common"
	"github.com/gitpulse/ingest-gateway/internal/common/health"
	"github.com/gitpulse/ingest-gateway/internal/gateway/admission"
	"github.com/gitpulse/ingest-gateway/internal/gateway/breaker"
	"github.com/gitpulse/ingest-gateway/internal/gateway/configuration"
	"github.com/gitpulse/ingest-gateway/internal/gateway/idempotency"
	"github.com/gitpulse/ingest-gateway/internal/gateway/metrics"
	"github.com/gitpulse/ingest-gateway/internal/gateway/processor"
	"github.com/gitpulse/ingest-gateway/internal/gateway/server"
	"github.com/gitpulse/ingest-gateway/internal/gateway/submit"
)

// Serve runs the gateway until ctx is cancelled.
func Serve(ctx context.Context, config *configuration.GatewayConfig) error {
	checker := health.NewMultiChecker()

	var redisClient redis.UniversalClient
	redisDb := func() redis.UniversalClient {
		if redisClient == nil {
			redisClient = redis.NewUniversalClient(&config.Redis)
			checker.Add(health.CheckerFunc(func() error {
				return redisClient.Ping(context.Background()).Err()
			}))
		}
		return redisClient
	}

	var store idempotency.Store
	var sweeper idempotency.Sweeper
	switch strings.ToLower(config.Idempotency.Type) {
	case "", "memory":
		memoryStore := idempotency.NewMemoryStore(config.Idempotency.TTL,
			idempotency.WithRetryFailed(config.Idempotency.RetryFailed))
		store = memoryStore
		sweeper = memoryStore
	case "redis":
		store = idempotency.NewRedisStore(redisDb(), config.Idempotency.TTL,
			idempotency.WithRedisRetryFailed(config.Idempotency.RetryFailed))
	case "postgres":
		db, err := pgxpool.New(ctx, config.Idempotency.PostgresConnection)
		if err != nil {
			return errors.Wrap(err, "connecting to postgres")
		}
		defer db.Close()
		checker.Add(health.CheckerFunc(func() error {
			return db.Ping(context.Background())
		}))
		postgresStore, err := idempotency.NewPostgresStore(ctx, db, config.Idempotency.TTL,
			idempotency.WithPostgresRetryFailed(config.Idempotency.RetryFailed))
		if err != nil {
			return err
		}
		store = postgresStore
		sweeper = postgresStore
	default:
		return errors.Errorf("unknown idempotency store type %q", config.Idempotency.Type)
	}

	pool := admission.New(
		config.Admission.MaxConcurrent,
		config.Admission.MaxQueueDepth,
		config.Admission.AgingInterval,
	)
	defer pool.Close()

	gatewayMetrics := metrics.New(prometheus.DefaultRegisterer, pool)
	circuit := breaker.New(
		"pulsar",
		config.Breaker.FailureThreshold,
		config.Breaker.ResetTimeout,
		breaker.WithPhaseChangeHook(gatewayMetrics.BreakerPhaseHook()),
	)

	pulsarClient, err := processor.NewPulsarClient(&config.Pulsar)
	if err != nil {
		return errors.Wrap(err, "creating pulsar client")
	}
	defer pulsarClient.Close()
	producer, err := processor.NewPulsarProducer(pulsarClient, &config.Pulsar)
	if err != nil {
		return errors.Wrap(err, "creating pulsar producer")
	}
	defer producer.Close()
	primary := processor.NewPulsarProcessor(producer, config.Pulsar.MaxAllowedMessageSize)

	var fallback processor.Processor
	if config.Submission.FallbackStream != "" {
		fallback = processor.NewRedisStreamProcessor(redisDb(), config.Submission.FallbackStream)
	} else {
		log.Warn("no fallback stream configured; an open circuit will reject submissions")
	}

	if redisClient != nil {
		defer redisClient.Close()
	}

	submitServer := submit.NewServer(store, pool, circuit, primary, fallback, submit.Config{
		SubmitTimeout:  config.Submission.Timeout,
		MaxQueueWait:   config.Admission.MaxQueueWait,
		MaxPayloadSize: config.Submission.MaxPayloadSize,
		MaxNameLength:  config.Submission.MaxNameLength,
	}, submit.WithMetrics(gatewayMetrics))

	g, ctx := errgroup.WithContext(ctx)
	if sweeper != nil && config.Idempotency.CleanupInterval > 0 {
		g.Go(func() error {
			return sweeper.PeriodicCleanup(ctx, config.Idempotency.CleanupInterval)
		})
	}

	// Metrics and health probes are served away from the API port.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	health.SetupHttpMux(metricsMux, checker)
	shutdownMetrics := common.ServeHttp(config.MetricsPort, metricsMux)
	defer shutdownMetrics()

	shutdownHttp := common.ServeHttp(config.HttpPort, server.NewRouter(submitServer, checker))
	defer shutdownHttp()

	<-ctx.Done()
	log.Info("Shutting down")
	return g.Wait()
}
