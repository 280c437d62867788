package model

import (
	"context"
	"errors"
)

var (
	// ErrTransient marks failures that are expected to go away on their own:
	// timeouts, refused connections, rate limiting, server-side outages.
	ErrTransient = errors.New("transient remote failure")

	// ErrRejected marks a remote store refusing a mutation for good:
	// validation errors, permission denied, missing documents.
	ErrRejected = errors.New("remote rejected mutation")

	// ErrLocalStorage wraps every failure of the local persistent store.
	ErrLocalStorage = errors.New("local storage")

	// ErrInvalid reports a malformed request from a caller.
	ErrInvalid = errors.New("invalid request")
)

// IsRejected reports whether err is a permanent remote rejection.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// IsTransient reports whether err should be retried on a later pass.
// Anything that is not an explicit rejection, local storage failure or
// caller error counts as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return !errors.Is(err, ErrRejected) && !errors.Is(err, ErrLocalStorage) && !errors.Is(err, ErrInvalid)
}
