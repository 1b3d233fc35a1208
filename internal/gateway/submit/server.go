// Package submit implements the ingestion gateway façade. A submission is
// validated, claimed in the idempotency store, admitted by the concurrency
// pool, routed through the circuit breaker to a downstream processor and its
// outcome committed back to the store, so each logical event reaches a
// backend exactly once.
package submit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gitpulse/ingest-gateway/internal/common/ingesterrors"
	"github.com/gitpulse/ingest-gateway/internal/gateway/admission"
	"github.com/gitpulse/ingest-gateway/internal/gateway/breaker"
	"github.com/gitpulse/ingest-gateway/internal/gateway/idempotency"
	"github.com/gitpulse/ingest-gateway/internal/gateway/metrics"
	"github.com/gitpulse/ingest-gateway/internal/gateway/processor"
	"github.com/gitpulse/ingest-gateway/pkg/api"
)

// Config tunes the façade.
type Config struct {
	// Per-call timeout on downstream submissions. Timeouts count as circuit
	// breaker failures.
	SubmitTimeout time.Duration
	// How long a request may wait for an admission permit.
	MaxQueueWait time.Duration
	// Largest accepted payload in bytes. Zero disables the check.
	MaxPayloadSize int
	// Longest accepted event name. Zero applies a default.
	MaxNameLength int
}

// Server is the ingestion gateway. Fallback may be nil, in which case an open
// circuit rejects submissions instead of failing over.
type Server struct {
	store    idempotency.Store
	pool     *admission.Controller
	circuit  *breaker.Breaker
	primary  processor.Processor
	fallback processor.Processor
	config   Config
	metrics  *metrics.Metrics
}

type Option func(*Server)

// WithMetrics attaches prometheus collectors to the server.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func NewServer(
	store idempotency.Store,
	pool *admission.Controller,
	circuit *breaker.Breaker,
	primary processor.Processor,
	fallback processor.Processor,
	config Config,
	opts ...Option,
) *Server {
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = 30 * time.Second
	}
	s := &Server{
		store:    store,
		pool:     pool,
		circuit:  circuit,
		primary:  primary,
		fallback: fallback,
		config:   config,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitEvent admits a single event. Every return is either a response
// envelope or an error from the ingesterrors taxonomy; exactly one downstream
// submission is made per non-duplicate, non-rejected request.
func (s *Server) SubmitEvent(ctx context.Context, req *api.EventSubmitRequest) (*api.EventSubmitResponse, error) {
	priority, err := validateRequest(req, s.config)
	if err != nil {
		// Validation failures have no side effects: no claim is made.
		return nil, err
	}

	claim, err := s.store.Claim(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, errors.Wrap(err, "claiming idempotency key")
	}

	switch claim.Outcome {
	case idempotency.OutcomePending:
		if s.metrics != nil {
			s.metrics.RecordDuplicate(false)
		}
		return nil, errors.WithStack(&ingesterrors.ErrStillProcessing{Key: claim.Record.Key})
	case idempotency.OutcomeTerminal:
		if s.metrics != nil {
			s.metrics.RecordDuplicate(true)
		}
		return replayRecord(claim.Record)
	}

	// We won the claim: this call owns the downstream submission for the key.
	event := &processor.Event{
		Id:          uuid.NewString(),
		Name:        req.Name,
		Payload:     req.Payload,
		Priority:    string(priority),
		SubmittedAt: time.Now().UTC(),
	}

	permit, err := s.pool.Acquire(ctx, priority, s.config.MaxQueueWait)
	if err != nil {
		// The event never reached a backend; free the claim so a retry with
		// the same key is not blocked until the record expires.
		s.releaseClaim(claim.Record.Key)
		s.recordRejection(err)
		return nil, err
	}

	receipt, attempted, err := s.dispatchScoped(ctx, permit, event)
	if err != nil {
		if !attempted {
			s.releaseClaim(claim.Record.Key)
			s.recordRejection(err)
			return nil, err
		}
		body := api.ErrorResponse{Error: api.ErrorBody{
			Kind:    ingesterrors.KindFromError(err),
			Message: err.Error(),
		}}
		stored, _ := json.Marshal(body)
		s.commit(claim.Record.Key, idempotency.StatusFailed, stored)
		return nil, err
	}

	response := &api.EventSubmitResponse{
		EventId:   receipt.EventId,
		Duplicate: false,
		Cached:    false,
		Status:    api.StatusAccepted,
		Processor: receipt.Target,
	}
	if result, err := json.Marshal(receipt); err == nil {
		response.Result = result
	}
	stored, err := json.Marshal(response)
	if err != nil {
		return nil, errors.Wrap(err, "encoding submission result")
	}
	s.commit(claim.Record.Key, idempotency.StatusCompleted, stored)
	return response, nil
}

// SubmitEvents admits a batch. Items are independent: one rejected or failed
// item does not affect the others, and the response preserves request order.
func (s *Server) SubmitEvents(ctx context.Context, req *api.BatchSubmitRequest) *api.BatchSubmitResponse {
	items := make([]*api.BatchSubmitItem, 0, len(req.Events))
	for _, event := range req.Events {
		response, err := s.SubmitEvent(ctx, event)
		if err != nil {
			items = append(items, &api.BatchSubmitItem{Error: &api.ErrorBody{
				Kind:    ingesterrors.KindFromError(err),
				Message: err.Error(),
			}})
			continue
		}
		items = append(items, &api.BatchSubmitItem{Response: response})
	}
	return &api.BatchSubmitResponse{Items: items}
}

// Lookup returns the idempotency record for a key, or nil if the key is
// unknown or expired. It never creates records.
func (s *Server) Lookup(ctx context.Context, key string) (*api.EventStatusResponse, error) {
	record, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "loading idempotency record")
	}
	if record == nil {
		return nil, nil
	}
	return &api.EventStatusResponse{
		Key:       record.Key,
		Status:    string(record.Status),
		Result:    record.Result,
		CreatedAt: record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// dispatchScoped runs the downstream call while holding permit. The permit is
// released and the call accounted on every exit path, panics included: a
// panicking processor must not leak a slot.
func (s *Server) dispatchScoped(ctx context.Context, permit *admission.Permit, event *processor.Event) (receipt *processor.Receipt, attempted bool, err error) {
	defer permit.Release()
	defer func() {
		if r := recover(); r != nil {
			log.WithField("eventId", event.Id).Errorf("panic in downstream submission: %v", r)
			attempted = true
			err = errors.WithStack(&ingesterrors.ErrDownstreamFailure{
				Target:  s.primary.Name(),
				Message: "panic during submission",
			})
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, s.config.SubmitTimeout)
	defer cancel()

	start := time.Now()
	receipt, attempted, err = s.route(callCtx, event)
	if s.metrics != nil && attempted {
		target := ""
		outcome := "error"
		if receipt != nil {
			target = receipt.Target
			outcome = "accepted"
		} else if err != nil {
			var downstream *ingesterrors.ErrDownstreamFailure
			if errors.As(err, &downstream) {
				target = downstream.Target
			}
		}
		s.metrics.RecordSubmission(outcome, target, time.Since(start))
	}
	return receipt, attempted, err
}

// route sends the event through the circuit breaker: to the primary while the
// circuit allows it, to the fallback otherwise. attempted reports whether any
// backend call was made.
func (s *Server) route(ctx context.Context, event *processor.Event) (*processor.Receipt, bool, error) {
	token, allowed := s.circuit.Allow()
	if !allowed {
		if s.fallback == nil {
			return nil, false, errors.WithStack(&ingesterrors.ErrCircuitOpen{Target: s.primary.Name()})
		}
		receipt, err := s.fallback.Submit(ctx, event)
		return receipt, true, err
	}

	receipt, err := s.primary.Submit(ctx, event)
	if err == nil {
		s.circuit.Success(token)
		return receipt, true, nil
	}
	if !ingesterrors.IsBreakerFailure(err) {
		// The backend answered; a rejected event says nothing about health.
		s.circuit.Success(token)
		return nil, true, err
	}
	// The failure is recorded and surfaced as-is. Retrying against the
	// fallback here would be a silent retry, which is the caller's decision,
	// not the gateway's; the fallback only takes over once the circuit opens.
	s.circuit.Failure(token)
	return nil, true, err
}

func (s *Server) commit(key string, status idempotency.Status, result []byte) {
	// Commit must not inherit a cancelled request context: the downstream
	// submission already happened and losing the record would allow a second
	// one on retry.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Commit(ctx, key, status, result); err != nil {
		log.WithError(err).WithField("key", key).Error("failed to commit idempotency record")
	}
}

func (s *Server) releaseClaim(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Release(ctx, key); err != nil {
		log.WithError(err).WithField("key", key).Error("failed to release idempotency claim")
	}
}

func (s *Server) recordRejection(err error) {
	if s.metrics == nil {
		return
	}
	var rejected *ingesterrors.ErrAdmissionRejected
	if errors.As(err, &rejected) {
		s.metrics.RecordRejection(rejected.Reason)
		return
	}
	var open *ingesterrors.ErrCircuitOpen
	if errors.As(err, &open) {
		s.metrics.RecordRejection("circuit-open")
	}
}

// replayRecord converts a terminal idempotency record into the response (or
// error) its original submission produced, marked as a duplicate.
func replayRecord(record *idempotency.Record) (*api.EventSubmitResponse, error) {
	if record.Status == idempotency.StatusCompleted {
		response := &api.EventSubmitResponse{}
		if err := json.Unmarshal(record.Result, response); err != nil {
			log.WithError(err).WithField("key", record.Key).Error("failed to decode cached submission result")
			return nil, errors.WithStack(&ingesterrors.ErrDownstreamFailure{
				Message: "cached submission result is unreadable",
			})
		}
		response.Duplicate = true
		response.Cached = true
		response.Status = api.StatusDuplicate
		return response, nil
	}

	// The caller's retry with the same key sees the recorded failure rather
	// than triggering a second submission.
	var stored api.ErrorResponse
	if err := json.Unmarshal(record.Result, &stored); err != nil {
		return nil, errors.WithStack(&ingesterrors.ErrDownstreamFailure{Message: "submission failed"})
	}
	switch stored.Error.Kind {
	case api.KindValidation:
		return nil, errors.WithStack(&ingesterrors.ErrEventRejected{Message: stored.Error.Message})
	default:
		return nil, errors.WithStack(&ingesterrors.ErrDownstreamFailure{Message: stored.Error.Message})
	}
}
