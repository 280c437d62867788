package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/njoerd114/tillsync/internal/model"
)

// classify tags err as a transient failure or a rejection so the sync engine
// can tell a lost network from a mutation the server will never accept.
//
// Unauthenticated counts as transient: tokens expire and refresh, and a
// broken credential must not dead-letter the whole outbox.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrRejected) || errors.Is(err, model.ErrTransient) || errors.Is(err, model.ErrInvalid) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, model.ErrTransient, err)
	}

	st, ok := status.FromError(err)
	if !ok {
		// Client-side validation: bad ids, field paths or values.
		return fmt.Errorf("%s: %w: %w", op, model.ErrRejected, err)
	}
	switch st.Code() {
	case codes.InvalidArgument,
		codes.NotFound,
		codes.AlreadyExists,
		codes.PermissionDenied,
		codes.FailedPrecondition,
		codes.OutOfRange,
		codes.Unimplemented:
		return fmt.Errorf("%s: %w: %w", op, model.ErrRejected, err)
	default:
		// Unavailable, DeadlineExceeded, ResourceExhausted, Aborted,
		// Internal, Unauthenticated and the rest.
		return fmt.Errorf("%s: %w: %w", op, model.ErrTransient, err)
	}
}

// isNotFound reports whether err is a NotFound answer from the server.
func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// answered reports whether err still proves the server was reached: it
// replied, just not with the document.
func answered(err error) bool {
	switch status.Code(err) {
	case codes.NotFound, codes.PermissionDenied, codes.Unauthenticated, codes.InvalidArgument, codes.FailedPrecondition:
		return true
	default:
		return false
	}
}
