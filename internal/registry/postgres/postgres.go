// Package postgres implements the durable Registry on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agustingarciaflores/pr-environments/internal/environment"
	"github.com/agustingarciaflores/pr-environments/internal/registry"
)

// Registry implements registry.Registry on a pgx connection pool.
type Registry struct {
	pool *pgxpool.Pool
}

// New constructs a Registry. Connect establishes the pool and runs
// migrations; use it unless the caller manages the pool itself.
func New(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// Connect opens a pool for dsn, verifies connectivity and applies pending
// migrations.
func Connect(ctx context.Context, dsn string) (*Registry, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := Migrate(ctx, dsn); err != nil {
		pool.Close()
		return nil, err
	}

	return New(pool), nil
}

// Close releases the underlying pool.
func (r *Registry) Close() {
	r.pool.Close()
}

const envColumns = `id, state, generation, resources, last_activity_at, closed, last_error, created_at, updated_at, deleted_at`

func (r *Registry) Get(ctx context.Context, id string) (*environment.Environment, error) {
	const query = `SELECT ` + envColumns + ` FROM environments WHERE id = $1`
	env, err := scanEnvironment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get %s: %w", id, registry.ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return env, nil
}

func (r *Registry) Put(ctx context.Context, env *environment.Environment, expectedGeneration int64) error {
	if env.Generation <= expectedGeneration {
		return fmt.Errorf("put %s: generation must increase past %d: %w",
			env.ID, expectedGeneration, registry.ErrStaleGeneration)
	}

	resources, err := json.Marshal(env.Resources)
	if err != nil {
		return fmt.Errorf("put %s: encode resources: %w", env.ID, err)
	}
	var lastError []byte
	if env.LastError != nil {
		if lastError, err = json.Marshal(env.LastError); err != nil {
			return fmt.Errorf("put %s: encode last error: %w", env.ID, err)
		}
	}

	if expectedGeneration == 0 {
		const insert = `INSERT INTO environments
			(id, state, generation, resources, last_activity_at, closed, last_error, created_at, updated_at, deleted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), $9)
			ON CONFLICT (id) DO NOTHING`
		tag, err := r.pool.Exec(ctx, insert,
			env.ID, env.State, env.Generation, resources, env.LastActivityAt,
			env.Closed, lastError, env.CreatedAt, env.DeletedAt)
		if err != nil {
			return fmt.Errorf("put %s: %w", env.ID, err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		// Row exists; fall through to the guarded update so a re-created
		// environment (Deploy after Deleted) replaces the audit record's
		// live fields under the same optimistic check.
	}

	const update = `UPDATE environments SET
			state = $2, generation = $3, resources = $4, last_activity_at = $5,
			closed = $6, last_error = $7, updated_at = now(), deleted_at = $8
		WHERE id = $1 AND generation = $9`
	tag, err := r.pool.Exec(ctx, update,
		env.ID, env.State, env.Generation, resources, env.LastActivityAt,
		env.Closed, lastError, env.DeletedAt, expectedGeneration)
	if err != nil {
		return fmt.Errorf("put %s: %w", env.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.Get(ctx, env.ID); errors.Is(getErr, registry.ErrNotFound) {
			return fmt.Errorf("put %s: %w", env.ID, registry.ErrNotFound)
		}
		return fmt.Errorf("put %s: expected generation %d: %w",
			env.ID, expectedGeneration, registry.ErrStaleGeneration)
	}
	return nil
}

func (r *Registry) List(ctx context.Context, f registry.Filter) ([]*environment.Environment, error) {
	query := `SELECT ` + envColumns + ` FROM environments`
	var args []any
	if !f.IncludeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, s := range f.States {
			states[i] = string(s)
		}
		if f.IncludeDeleted {
			query += ` WHERE state = ANY($1)`
		} else {
			query += ` AND state = ANY($1)`
		}
		args = append(args, states)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	var out []*environment.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("list environments: %w", err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (r *Registry) SoftDelete(ctx context.Context, id string, expectedGeneration int64) error {
	const query = `UPDATE environments SET
			state = $2, generation = generation + 1, updated_at = now(), deleted_at = now()
		WHERE id = $1 AND generation = $3`
	tag, err := r.pool.Exec(ctx, query, id, environment.StateDeleted, expectedGeneration)
	if err != nil {
		return fmt.Errorf("soft delete %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.Get(ctx, id); errors.Is(getErr, registry.ErrNotFound) {
			return fmt.Errorf("soft delete %s: %w", id, registry.ErrNotFound)
		}
		return fmt.Errorf("soft delete %s: %w", id, registry.ErrStaleGeneration)
	}
	return nil
}

func (r *Registry) Touch(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE environments SET last_activity_at = $2
		WHERE id = $1 AND last_activity_at < $2`
	tag, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("touch %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the record is missing or the stored activity is newer;
		// only the former is an error.
		if _, getErr := r.Get(ctx, id); errors.Is(getErr, registry.ErrNotFound) {
			return fmt.Errorf("touch %s: %w", id, registry.ErrNotFound)
		}
	}
	return nil
}

func (r *Registry) SetClosed(ctx context.Context, id string, closed bool) error {
	const query = `UPDATE environments SET closed = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, closed)
	if err != nil {
		return fmt.Errorf("set closed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set closed %s: %w", id, registry.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvironment(row rowScanner) (*environment.Environment, error) {
	var (
		env       environment.Environment
		resources []byte
		lastError []byte
	)
	err := row.Scan(&env.ID, &env.State, &env.Generation, &resources,
		&env.LastActivityAt, &env.Closed, &lastError,
		&env.CreatedAt, &env.UpdatedAt, &env.DeletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resources, &env.Resources); err != nil {
		return nil, fmt.Errorf("decode resources: %w", err)
	}
	if len(lastError) > 0 {
		env.LastError = &environment.ErrorRecord{}
		if err := json.Unmarshal(lastError, env.LastError); err != nil {
			return nil, fmt.Errorf("decode last error: %w", err)
		}
	}
	return &env, nil
}

var _ registry.Registry = (*Registry)(nil)
