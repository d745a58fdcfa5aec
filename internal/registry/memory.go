package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agustingarciaflores/pr-environments/internal/environment"
)

// MemoryRegistry is the in-memory Registry. It is the reference
// implementation for the optimistic-concurrency semantics and the default
// backend for tests and single-node dev setups. The postgres backend
// provides the durable equivalent.
type MemoryRegistry struct {
	mu   sync.RWMutex
	envs map[string]*environment.Environment
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *MemoryRegistry {
	return &MemoryRegistry{
		envs: make(map[string]*environment.Environment),
	}
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (*environment.Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	env, ok := r.envs[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return env.Clone(), nil
}

func (r *MemoryRegistry) Put(ctx context.Context, env *environment.Environment, expectedGeneration int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.envs[env.ID]
	if !exists {
		if expectedGeneration != 0 {
			return fmt.Errorf("put %s: %w", env.ID, ErrNotFound)
		}
	} else if stored.Generation != expectedGeneration {
		return fmt.Errorf("put %s: stored generation %d, expected %d: %w",
			env.ID, stored.Generation, expectedGeneration, ErrStaleGeneration)
	}

	if env.Generation <= expectedGeneration {
		return fmt.Errorf("put %s: generation must increase past %d: %w",
			env.ID, expectedGeneration, ErrStaleGeneration)
	}

	record := env.Clone()
	record.UpdatedAt = time.Now()
	r.envs[env.ID] = record
	return nil
}

func (r *MemoryRegistry) List(ctx context.Context, f Filter) ([]*environment.Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*environment.Environment
	for _, env := range r.envs {
		if f.Matches(env) {
			out = append(out, env.Clone())
		}
	}
	return out, nil
}

func (r *MemoryRegistry) SoftDelete(ctx context.Context, id string, expectedGeneration int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.envs[id]
	if !ok {
		return fmt.Errorf("soft delete %s: %w", id, ErrNotFound)
	}
	if stored.Generation != expectedGeneration {
		return fmt.Errorf("soft delete %s: stored generation %d, expected %d: %w",
			id, stored.Generation, expectedGeneration, ErrStaleGeneration)
	}

	now := time.Now()
	stored.State = environment.StateDeleted
	stored.Generation++
	stored.DeletedAt = &now
	stored.UpdatedAt = now
	return nil
}

func (r *MemoryRegistry) Touch(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.envs[id]
	if !ok {
		return fmt.Errorf("touch %s: %w", id, ErrNotFound)
	}
	if at.After(stored.LastActivityAt) {
		stored.LastActivityAt = at
	}
	return nil
}

func (r *MemoryRegistry) SetClosed(ctx context.Context, id string, closed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.envs[id]
	if !ok {
		return fmt.Errorf("set closed %s: %w", id, ErrNotFound)
	}
	stored.Closed = closed
	return nil
}

var _ Registry = (*MemoryRegistry)(nil)
