package reconciler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/agustingarciaflores/pr-environments/internal/provisioner"
	"github.com/agustingarciaflores/pr-environments/pkg/logging"
)

// retriedError carries how many in-place retries preceded the failure, for
// the environment's last_error record.
type retriedError struct {
	err     error
	retries int
}

func (e *retriedError) Error() string {
	if e.retries > 0 {
		return fmt.Sprintf("%v (after %d retries)", e.err, e.retries)
	}
	return e.err.Error()
}

func (e *retriedError) Unwrap() error {
	return e.err
}

// withRetryValue runs fn under the per-call deadline, retrying transient
// errors in place with bounded exponential backoff and jitter up to the
// attempt ceiling. Conflict and permanent errors return immediately. The
// environment's state is never changed by a retry; only exhausting the
// budget surfaces the failure to the caller.
func withRetryValue[T any](r *Reconciler, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.config.StepTimeout)
		val, err := fn(callCtx)
		cancel()

		if err == nil {
			return val, nil
		}
		if !provisioner.IsTransient(err) {
			return zero, &retriedError{err: err, retries: attempt - 1}
		}
		if attempt >= r.config.MaxAttempts {
			return zero, &retriedError{
				err:     fmt.Errorf("%s: retry budget exhausted: %w", op, err),
				retries: attempt - 1,
			}
		}

		delay := r.backoff(attempt)
		logging.Debug("Reconciler", "%s transient failure (attempt %d/%d), retrying in %v: %v",
			op, attempt, r.config.MaxAttempts, delay, err)

		select {
		case <-ctx.Done():
			return zero, &retriedError{err: ctx.Err(), retries: attempt - 1}
		case <-time.After(delay):
		}
	}
}

// withRetry is withRetryValue for operations without a result.
func withRetry(r *Reconciler, ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := withRetryValue(r, ctx, op, func(c context.Context) (struct{}, error) {
		return struct{}{}, fn(c)
	})
	return err
}

// backoff computes the delay before the given attempt's retry:
// initial * 2^(attempt-1), capped at MaxBackoff, with up to 50% jitter to
// avoid thundering herds against a rate-limited API.
func (r *Reconciler) backoff(attempt int) time.Duration {
	base := r.config.InitialBackoff
	for i := 1; i < attempt && base < r.config.MaxBackoff; i++ {
		base *= 2
	}
	if base > r.config.MaxBackoff {
		base = r.config.MaxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(base/2) + 1))
	return base/2 + jitter
}
