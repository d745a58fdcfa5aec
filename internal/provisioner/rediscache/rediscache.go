// Package rediscache implements cache prefix allocation on Redis.
//
// Each environment owns one key prefix. Allocation records the prefix under
// a marker key so ownership survives restarts; reclamation deletes the
// marker and every key the environment's services wrote under the prefix.
package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agustingarciaflores/pr-environments/internal/environment"
	"github.com/agustingarciaflores/pr-environments/internal/provisioner"
	"github.com/agustingarciaflores/pr-environments/pkg/logging"
)

// markerPrefix namespaces the allocation markers away from environment data.
const markerPrefix = "prenvd:alloc:"

const opTimeout = 5 * time.Second

// scanBatch is the COUNT hint for reclamation scans.
const scanBatch = 512

// Allocator implements provisioner.CacheAllocator on a Redis client.
type Allocator struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(addr, password string, db int) (*Allocator, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logging.Info("RedisCache", "Connected to %s (db %d)", addr, db)
	return &Allocator{client: client}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client) *Allocator {
	return &Allocator{client: client}
}

// Close releases the underlying connection pool.
func (a *Allocator) Close() error {
	return a.client.Close()
}

// EnsureCachePrefix allocates the environment's key prefix. Allocating an
// already-allocated prefix returns the same handle.
func (a *Allocator) EnsureCachePrefix(ctx context.Context, id string) (string, error) {
	prefix := environment.CacheKeyPrefix(id)

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := a.client.Set(ctx, markerPrefix+prefix, time.Now().UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return "", provisioner.Transient("EnsureCachePrefix", err)
	}
	return prefix, nil
}

// RemoveCachePrefix deletes the allocation marker and every key under the
// prefix. Removing an unallocated prefix is a no-op.
func (a *Allocator) RemoveCachePrefix(ctx context.Context, prefix string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	deleted, err := a.deleteByPattern(ctx, prefix+"*")
	if err != nil {
		return provisioner.Transient("RemoveCachePrefix", err)
	}
	if err := a.client.Del(ctx, markerPrefix+prefix).Err(); err != nil {
		return provisioner.Transient("RemoveCachePrefix", err)
	}

	if deleted > 0 {
		logging.Info("RedisCache", "Reclaimed %d keys under %s", deleted, prefix)
	}
	return nil
}

func (a *Allocator) deleteByPattern(ctx context.Context, pattern string) (int, error) {
	deleted := 0
	iter := a.client.Scan(ctx, 0, pattern, scanBatch).Iterator()

	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := a.client.Del(ctx, batch...).Err(); err != nil {
			return err
		}
		deleted += len(batch)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, err
	}
	return deleted, flush()
}

var _ provisioner.CacheAllocator = (*Allocator)(nil)
