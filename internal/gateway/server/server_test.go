package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpulse/ingest-gateway/internal/common/health"
	"github.com/gitpulse/ingest-gateway/internal/common/ingesterrors"
	"github.com/gitpulse/ingest-gateway/internal/gateway/admission"
	"github.com/gitpulse/ingest-gateway/internal/gateway/breaker"
	"github.com/gitpulse/ingest-gateway/internal/gateway/idempotency"
	"github.com/gitpulse/ingest-gateway/internal/gateway/processor"
	"github.com/gitpulse/ingest-gateway/internal/gateway/submit"
	"github.com/gitpulse/ingest-gateway/pkg/api"
)

type recordingProcessor struct {
	mu    sync.Mutex
	calls int
	err   error
	block chan struct{}
}

func (p *recordingProcessor) Name() string { return "pulsar" }

func (p *recordingProcessor) Submit(_ context.Context, event *processor.Event) (*processor.Receipt, error) {
	p.mu.Lock()
	p.calls++
	err := p.err
	p.mu.Unlock()
	if p.block != nil {
		<-p.block
	}
	if err != nil {
		return nil, err
	}
	return &processor.Receipt{EventId: event.Id, Target: "pulsar", MessageId: "msg-1"}, nil
}

func newTestRouter(t *testing.T, primary *recordingProcessor) http.Handler {
	t.Helper()
	store := idempotency.NewMemoryStore(time.Hour)
	pool := admission.New(4, 16, 0)
	circuit := breaker.New("pulsar", 3, 30*time.Second)
	server := submit.NewServer(store, pool, circuit, primary, nil, submit.Config{
		SubmitTimeout: time.Second,
		MaxQueueWait:  50 * time.Millisecond,
	})
	return NewRouter(server, health.CheckerFunc(func() error { return nil }))
}

func postJSON(router http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	encoded, _ := json.Marshal(body)
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestSubmitEndpoint_Created(t *testing.T) {
	primary := &recordingProcessor{}
	router := newTestRouter(t, primary)

	recorder := postJSON(router, "/v1/events", api.EventSubmitRequest{
		Name:           "repo.sync",
		Payload:        json.RawMessage(`{"repo":"gitpulse/web"}`),
		IdempotencyKey: "key-1",
	}, nil)

	require.Equal(t, http.StatusCreated, recorder.Code)
	var response api.EventSubmitResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.NotEmpty(t, response.EventId)
	assert.False(t, response.Duplicate)
	assert.Equal(t, api.StatusAccepted, response.Status)
}

func TestSubmitEndpoint_DuplicateReturnsOK(t *testing.T) {
	router := newTestRouter(t, &recordingProcessor{})
	body := api.EventSubmitRequest{Name: "repo.sync", IdempotencyKey: "key-1"}

	first := postJSON(router, "/v1/events", body, nil)
	require.Equal(t, http.StatusCreated, first.Code)

	second := postJSON(router, "/v1/events", body, nil)
	require.Equal(t, http.StatusOK, second.Code)
	var response api.EventSubmitResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &response))
	assert.True(t, response.Duplicate)
	assert.True(t, response.Cached)
}

func TestSubmitEndpoint_HeaderKeyWinsOverBody(t *testing.T) {
	primary := &recordingProcessor{}
	router := newTestRouter(t, primary)

	first := postJSON(router, "/v1/events",
		api.EventSubmitRequest{Name: "repo.sync", IdempotencyKey: "body-key"},
		map[string]string{"X-Idempotency-Key": "header-key"})
	require.Equal(t, http.StatusCreated, first.Code)

	// Same header key is a duplicate even though the body key differs.
	second := postJSON(router, "/v1/events",
		api.EventSubmitRequest{Name: "repo.sync", IdempotencyKey: "other-body-key"},
		map[string]string{"X-Idempotency-Key": "header-key"})
	require.Equal(t, http.StatusOK, second.Code)
}

func TestSubmitEndpoint_ValidationError(t *testing.T) {
	router := newTestRouter(t, &recordingProcessor{})

	recorder := postJSON(router, "/v1/events", api.EventSubmitRequest{Name: ""}, nil)

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	var response api.ErrorResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, api.KindValidation, response.Error.Kind)
}

func TestSubmitEndpoint_MalformedJSON(t *testing.T) {
	router := newTestRouter(t, &recordingProcessor{})

	request := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader([]byte("{not json")))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestSubmitEndpoint_StillProcessingConflicts(t *testing.T) {
	primary := &recordingProcessor{block: make(chan struct{})}
	router := newTestRouter(t, primary)
	body := api.EventSubmitRequest{Name: "repo.sync", IdempotencyKey: "key-1"}

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- postJSON(router, "/v1/events", body, nil) }()
	require.Eventually(t, func() bool {
		primary.mu.Lock()
		defer primary.mu.Unlock()
		return primary.calls == 1
	}, time.Second, time.Millisecond)

	conflict := postJSON(router, "/v1/events", body, nil)
	require.Equal(t, http.StatusConflict, conflict.Code)

	var response api.ErrorResponse
	require.NoError(t, json.Unmarshal(conflict.Body.Bytes(), &response))
	assert.Equal(t, api.KindStillProcessing, response.Error.Kind)

	close(primary.block)
	assert.Equal(t, http.StatusCreated, (<-done).Code)
}

func TestSubmitEndpoint_DownstreamFailure(t *testing.T) {
	primary := &recordingProcessor{err: &ingesterrors.ErrDownstreamFailure{Target: "pulsar", Message: "broker down"}}
	router := newTestRouter(t, primary)

	recorder := postJSON(router, "/v1/events", api.EventSubmitRequest{Name: "repo.sync"}, nil)

	require.Equal(t, http.StatusBadGateway, recorder.Code)
	var response api.ErrorResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, api.KindDownstreamFailure, response.Error.Kind)
}

func TestSubmitEndpoint_CircuitOpenReturns503(t *testing.T) {
	primary := &recordingProcessor{err: &ingesterrors.ErrDownstreamFailure{Target: "pulsar", Message: "broker down"}}
	router := newTestRouter(t, primary)

	for i := 0; i < 3; i++ {
		recorder := postJSON(router, "/v1/events", api.EventSubmitRequest{Name: "repo.sync"}, nil)
		require.Equal(t, http.StatusBadGateway, recorder.Code)
	}

	recorder := postJSON(router, "/v1/events", api.EventSubmitRequest{Name: "repo.sync"}, nil)
	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	var response api.ErrorResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, api.KindCircuitOpen, response.Error.Kind)
}

func TestBatchEndpoint(t *testing.T) {
	router := newTestRouter(t, &recordingProcessor{})

	recorder := postJSON(router, "/v1/events/batch", api.BatchSubmitRequest{
		Events: []*api.EventSubmitRequest{
			{Name: "repo.sync", IdempotencyKey: "key-1"},
			{Name: ""},
		},
	}, nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	var response api.BatchSubmitResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Len(t, response.Items, 2)
	assert.NotNil(t, response.Items[0].Response)
	require.NotNil(t, response.Items[1].Error)
	assert.Equal(t, api.KindValidation, response.Items[1].Error.Kind)
}

func TestBatchEndpoint_EmptyBatchRejected(t *testing.T) {
	router := newTestRouter(t, &recordingProcessor{})

	recorder := postJSON(router, "/v1/events/batch", api.BatchSubmitRequest{}, nil)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestStatusEndpoint(t *testing.T) {
	router := newTestRouter(t, &recordingProcessor{})

	created := postJSON(router, "/v1/events", api.EventSubmitRequest{Name: "repo.sync", IdempotencyKey: "key-1"}, nil)
	require.Equal(t, http.StatusCreated, created.Code)

	request := httptest.NewRequest(http.MethodGet, "/v1/events/status/key-1", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	var status api.EventStatusResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &status))
	assert.Equal(t, "key-1", status.Key)
	assert.Equal(t, string(idempotency.StatusCompleted), status.Status)
}

func TestStatusEndpoint_UnknownKey(t *testing.T) {
	router := newTestRouter(t, &recordingProcessor{})

	request := httptest.NewRequest(http.MethodGet, "/v1/events/status/absent", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, &recordingProcessor{})

	request := httptest.NewRequest(http.MethodGet, "/health", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusNoContent, recorder.Code)
}
