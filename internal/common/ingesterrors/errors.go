// Package ingesterrors contains the error types returned by the ingestion
// gateway. The HTTP layer looks for the types defined in this file and maps
// them to a response kind and status code.
//
// If multiple errors occur in some function (e.g., if several fields of a
// request are invalid), that function should return an error of type
// multierror.Error from package github.com/hashicorp/go-multierror that
// encapsulates those individual errors.
package ingesterrors

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/gitpulse/ingest-gateway/pkg/api"
)

// ErrInvalidRequest is returned when a submission fails validation. The
// request has no side effects: no idempotency record is created and nothing
// is sent downstream.
type ErrInvalidRequest struct {
	Field   string      // Name of the field referred to, e.g., "name"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidRequest) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Field)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Field, err.Message)
}

// ErrStillProcessing is returned when a submission with the same idempotency
// key is currently in flight. It is informational: the original submission is
// unaffected and the caller may poll or retry later.
type ErrStillProcessing struct {
	Key     string
	EventId string // Event id assigned to the in-flight submission, if known
}

func (err *ErrStillProcessing) Error() string {
	return fmt.Sprintf("a submission with idempotency key %q is still being processed", err.Key)
}

// ErrAdmissionRejected is returned when the gateway sheds load instead of
// queueing a request. Reason is one of "queue-full", "timeout" or "shutdown".
type ErrAdmissionRejected struct {
	Reason string
	Wait   time.Duration // How long the request waited before rejection, if it queued at all
}

func (err *ErrAdmissionRejected) Error() string {
	if err.Wait > 0 {
		return fmt.Sprintf("submission rejected by admission control (%s) after waiting %s", err.Reason, err.Wait)
	}
	return fmt.Sprintf("submission rejected by admission control (%s)", err.Reason)
}

// ErrCircuitOpen is returned when the primary processor's circuit is open and
// no fallback processor is configured.
type ErrCircuitOpen struct {
	Target string
}

func (err *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit for %q is open and no fallback is configured", err.Target)
}

// ErrDownstreamFailure is returned when the downstream processor call itself
// failed. Failures of this type count against the circuit breaker.
type ErrDownstreamFailure struct {
	Target  string
	Message string
}

func (err *ErrDownstreamFailure) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("downstream processor %q failed", err.Target)
	}
	return fmt.Sprintf("downstream processor %q failed: %s", err.Target, err.Message)
}

// ErrEventRejected is returned when the downstream processor rejected the
// event as malformed. This is the caller's fault, equivalent to a 4xx, and
// does not count against the circuit breaker.
type ErrEventRejected struct {
	Target  string
	Message string
}

func (err *ErrEventRejected) Error() string {
	return fmt.Sprintf("event rejected by processor %q: %s", err.Target, err.Message)
}

// KindFromError maps error types to response kinds. It uses errors.As to look
// through the chain of errors, as opposed to just considering the topmost
// error in the chain.
func KindFromError(err error) api.ErrorKind {
	{
		var e *ErrInvalidRequest
		if errors.As(err, &e) {
			return api.KindValidation
		}
	}
	{
		var e *ErrStillProcessing
		if errors.As(err, &e) {
			return api.KindStillProcessing
		}
	}
	{
		var e *ErrAdmissionRejected
		if errors.As(err, &e) {
			return api.KindAdmissionRejected
		}
	}
	{
		var e *ErrCircuitOpen
		if errors.As(err, &e) {
			return api.KindCircuitOpen
		}
	}
	{
		var e *ErrDownstreamFailure
		if errors.As(err, &e) {
			return api.KindDownstreamFailure
		}
	}
	{
		var e *ErrEventRejected
		if errors.As(err, &e) {
			return api.KindValidation
		}
	}
	return api.KindInternal
}

// IsBreakerFailure reports whether err should count against the circuit
// breaker protecting a downstream target. Network errors, timeouts and
// server-side failures count; rejections of malformed events do not.
func IsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	var rejected *ErrEventRejected
	return !errors.As(err, &rejected)
}
