package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ledgerline/fieldkeeper/internal/types"
)

// Auth errors are mapped in the auth interceptor. Engine errors map here:
// invalid call arguments to INVALID_ARGUMENT, deadlines to
// DEADLINE_EXCEEDED, anything else (rule store unreachable) to UNAVAILABLE.
// Per-rule problems never reach this layer; they are in the audit trail.
func statusFromEngine(err error) error {
	switch {
	case errors.Is(err, types.ErrMissingTenant), errors.Is(err, types.ErrInvalidScope):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

func invalidArgument(msg string) error {
	return status.Error(codes.InvalidArgument, msg)
}

var errMissingTenant = status.Error(codes.Internal, "authenticated tenant missing from request context")
