package submit

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/gitpulse/ingest-gateway/internal/common/ingesterrors"
	"github.com/gitpulse/ingest-gateway/pkg/api"
)

const defaultMaxNameLength = 256

// validateRequest checks the request shape before any state is touched. All
// field errors are reported together.
func validateRequest(req *api.EventSubmitRequest, config Config) (api.Priority, error) {
	maxNameLength := config.MaxNameLength
	if maxNameLength <= 0 {
		maxNameLength = defaultMaxNameLength
	}

	var result *multierror.Error

	if req.Name == "" {
		result = multierror.Append(result, errors.WithStack(&ingesterrors.ErrInvalidRequest{
			Field:   "name",
			Value:   req.Name,
			Message: "event name must be non-empty",
		}))
	} else if len(req.Name) > maxNameLength {
		result = multierror.Append(result, errors.WithStack(&ingesterrors.ErrInvalidRequest{
			Field:   "name",
			Value:   req.Name,
			Message: "event name exceeds maximum length",
		}))
	}

	if config.MaxPayloadSize > 0 && len(req.Payload) > config.MaxPayloadSize {
		result = multierror.Append(result, errors.WithStack(&ingesterrors.ErrInvalidRequest{
			Field:   "payload",
			Value:   len(req.Payload),
			Message: "payload exceeds maximum size",
		}))
	}

	priority, err := api.ParsePriority(req.Priority)
	if err != nil {
		result = multierror.Append(result, errors.WithStack(&ingesterrors.ErrInvalidRequest{
			Field:   "priority",
			Value:   req.Priority,
			Message: "priority must be one of high, medium, low",
		}))
	}

	if err := result.ErrorOrNil(); err != nil {
		return "", err
	}
	return priority, nil
}
