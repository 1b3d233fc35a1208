// Package server exposes the submission façade over HTTP.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/gitpulse/ingest-gateway/internal/common/health"
	"github.com/gitpulse/ingest-gateway/internal/common/ingesterrors"
	"github.com/gitpulse/ingest-gateway/internal/gateway/submit"
	"github.com/gitpulse/ingest-gateway/pkg/api"
)

// idempotencyKeyHeader carries the idempotency key out of band. It takes
// precedence over the idempotencyKey field of the request body.
const idempotencyKeyHeader = "X-Idempotency-Key"

// NewRouter wires the gateway endpoints.
//
// Public: /health
// API:    POST /v1/events, POST /v1/events/batch, GET /v1/events/status/:key
func NewRouter(server *submit.Server, checker health.Checker) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", gin.WrapH(health.NewHealthCheckHttpHandler(checker)))

	v1 := r.Group("/v1")
	v1.POST("/events", submitEvent(server))
	v1.POST("/events/batch", submitEvents(server))
	v1.GET("/events/status/:key", eventStatus(server))

	return r
}

func submitEvent(server *submit.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req api.EventSubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: api.ErrorBody{
				Kind:    api.KindValidation,
				Message: "invalid JSON payload",
			}})
			return
		}
		if key := c.GetHeader(idempotencyKeyHeader); key != "" {
			req.IdempotencyKey = key
		}

		response, err := server.SubmitEvent(c.Request.Context(), &req)
		if err != nil {
			writeError(c, err)
			return
		}

		status := http.StatusCreated
		if response.Duplicate {
			// Idempotent success: nothing was submitted during this call.
			status = http.StatusOK
		}
		c.JSON(status, response)
	}
}

func submitEvents(server *submit.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req api.BatchSubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: api.ErrorBody{
				Kind:    api.KindValidation,
				Message: "invalid JSON payload",
			}})
			return
		}
		if len(req.Events) == 0 {
			c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: api.ErrorBody{
				Kind:    api.KindValidation,
				Message: "batch must contain at least one event",
			}})
			return
		}

		// Items are independent; the batch itself always succeeds at the
		// transport level and per-item outcomes are reported in the body.
		c.JSON(http.StatusOK, server.SubmitEvents(c.Request.Context(), &req))
	}
}

func eventStatus(server *submit.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := server.Lookup(c.Request.Context(), c.Param("key"))
		if err != nil {
			writeError(c, err)
			return
		}
		if status == nil {
			c.JSON(http.StatusNotFound, api.ErrorResponse{Error: api.ErrorBody{
				Kind:    api.KindValidation,
				Message: "no record for idempotency key",
			}})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

// writeError renders an error from the ingesterrors taxonomy.
func writeError(c *gin.Context, err error) {
	kind := ingesterrors.KindFromError(err)
	body := api.ErrorResponse{Error: api.ErrorBody{
		Kind:    kind,
		Message: err.Error(),
	}}

	switch kind {
	case api.KindValidation:
		c.JSON(http.StatusBadRequest, body)
	case api.KindStillProcessing:
		c.JSON(http.StatusConflict, body)
	case api.KindAdmissionRejected:
		c.JSON(http.StatusTooManyRequests, body)
	case api.KindCircuitOpen:
		c.JSON(http.StatusServiceUnavailable, body)
	case api.KindDownstreamFailure:
		c.JSON(http.StatusBadGateway, body)
	default:
		log.WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, body)
	}
}
