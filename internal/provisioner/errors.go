package provisioner

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies provisioner failures into the retry taxonomy.
type ErrorKind string

const (
	// KindTransient covers rate limiting, timeouts and eventual-consistency
	// lag. Retried with backoff up to the attempt ceiling.
	KindTransient ErrorKind = "Transient"

	// KindConflict covers optimistic-concurrency and lease collisions.
	// Never retried blindly; the caller re-reads current state.
	KindConflict ErrorKind = "Conflict"

	// KindPermanent covers quota exhaustion, invalid specs and resources in
	// unrecoverable foreign states. Surfaced immediately, no retry.
	KindPermanent ErrorKind = "Permanent"
)

// Error is the failure type returned by all provisioner implementations.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure of op.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Conflict wraps err as a concurrency collision during op.
func Conflict(op string, err error) error {
	return &Error{Kind: KindConflict, Op: op, Err: err}
}

// Permanent wraps err as an unrecoverable failure of op.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// KindOf returns the error's kind. Context deadline and cancellation are
// treated as transient: a timed-out call may have succeeded server-side and
// is safe to re-issue under the idempotency contract. Unclassified errors
// default to permanent so they are surfaced rather than retried forever.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindPermanent
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsConflict reports whether err is a concurrency collision.
func IsConflict(err error) bool {
	return err != nil && KindOf(err) == KindConflict
}

// IsPermanent reports whether err is unrecoverable.
func IsPermanent(err error) bool {
	return err != nil && KindOf(err) == KindPermanent
}
