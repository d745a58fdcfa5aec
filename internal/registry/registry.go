// Package registry is the durable store of per-environment state records.
//
// The registry is the only shared mutable state in the system. All state
// mutation passes through the reconciler holding the environment's lease;
// the only exceptions are the metadata-only Touch and SetClosed writes,
// which never change state or generation.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/agustingarciaflores/pr-environments/internal/environment"
)

// ErrNotFound is returned when no record exists for the identifier.
var ErrNotFound = errors.New("environment not found")

// ErrStaleGeneration is returned by optimistic-concurrency writes when the
// stored generation has moved past the expected one. Callers re-read the
// record and resubmit; the write is never retried blindly.
var ErrStaleGeneration = errors.New("stale generation")

// Filter narrows List results.
type Filter struct {
	// States restricts results to these states. Empty means all.
	States []environment.State

	// IncludeDeleted also returns soft-deleted audit records.
	IncludeDeleted bool
}

// Matches reports whether the record passes the filter.
func (f Filter) Matches(env *environment.Environment) bool {
	if !f.IncludeDeleted && env.DeletedAt != nil {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if env.State == s {
			return true
		}
	}
	return false
}

// Registry stores environment records keyed by identifier.
type Registry interface {
	// Get returns a copy of the record. ErrNotFound if absent.
	Get(ctx context.Context, id string) (*environment.Environment, error)

	// Put writes the record if the stored generation equals
	// expectedGeneration. expectedGeneration 0 with no stored record
	// inserts. The written record's generation must be greater than
	// expectedGeneration; ErrStaleGeneration on mismatch.
	Put(ctx context.Context, env *environment.Environment, expectedGeneration int64) error

	// List returns copies of all records passing the filter, for the
	// sweeper's scan and the status surface.
	List(ctx context.Context, f Filter) ([]*environment.Environment, error)

	// SoftDelete marks the record Deleted without purging audit history.
	SoftDelete(ctx context.Context, id string, expectedGeneration int64) error

	// Touch updates last_activity_at only. Metadata write: no state or
	// generation change, so it never conflicts with the owning reconciler.
	Touch(ctx context.Context, id string, at time.Time) error

	// SetClosed records whether the originating change-request is closed.
	// Metadata write, same rules as Touch.
	SetClosed(ctx context.Context, id string, closed bool) error
}
