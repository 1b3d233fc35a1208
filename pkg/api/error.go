package api

// ErrorKind is the machine-readable classification of a failed submission.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindStillProcessing   ErrorKind = "still-processing"
	KindAdmissionRejected ErrorKind = "admission-rejected"
	KindCircuitOpen       ErrorKind = "circuit-open-no-fallback"
	KindDownstreamFailure ErrorKind = "downstream-failure"
	KindInternal          ErrorKind = "internal"
)

// ErrorBody is the error half of the response envelope.
type ErrorBody struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ErrorResponse wraps ErrorBody for top-level error replies.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
