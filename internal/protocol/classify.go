package protocol

import (
	"context"
	"errors"

	"ecotwin.ai/internal/backend"
	"ecotwin.ai/internal/biomass/aggregate"
	"ecotwin.ai/internal/biomass/tensor"
	"ecotwin.ai/internal/catalog"
	"ecotwin.ai/internal/persistence/indexdb"
	"ecotwin.ai/internal/viewer"
)

// Classify maps an error to its wire code.
func Classify(err error) string {
	var se *backend.StatusError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, tensor.ErrInvalid),
		errors.Is(err, aggregate.ErrUnavailable),
		errors.Is(err, viewer.ErrNoResult):
		return ErrDataUnavailable
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, indexdb.ErrNotFound),
		errors.Is(err, backend.ErrNotFound):
		return ErrNotFound
	case errors.As(err, &se),
		errors.Is(err, backend.ErrUnreachable),
		errors.Is(err, context.DeadlineExceeded):
		return ErrBackend
	default:
		return ErrInternal
	}
}
