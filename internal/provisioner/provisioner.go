package provisioner

import (
	"context"
	"time"
)

// Health is the outcome of a service health probe.
type Health string

const (
	HealthHealthy   Health = "Healthy"
	HealthUnhealthy Health = "Unhealthy"
	HealthUnknown   Health = "Unknown"
)

// ServiceSpec declares one compute service of an environment.
type ServiceSpec struct {
	// Name is the fully derived, per-environment service name.
	Name string

	// Image is the container image to run.
	Image string

	// Replicas is the desired instance count.
	Replicas int32

	// Port is the container port the service listens on.
	Port int32

	// HealthPath is the HTTP path probed for readiness.
	HealthPath string

	// Env holds environment variables, including the namespace-qualified
	// cache key prefix under CacheEnvVar.
	Env map[string]string
}

// CacheEnvVar is the environment variable carrying the cache key prefix
// into every service of an environment.
const CacheEnvVar = "CACHE_KEY_PREFIX"

// Provisioner abstracts the cluster, routing, DNS and cache platform the
// reconciler drives. Every operation is idempotent: calling it again with
// the same logical inputs returns the same handle without duplicating the
// resource, and every Remove is a no-op if the target is already absent.
// This is the load-bearing contract the reconciler's crash-resumption and
// re-issuable cleanup depend on.
//
// Operations fail with a *provisioner.Error carrying a Kind; callers use
// IsTransient / IsPermanent / IsConflict to pick a retry policy.
type Provisioner interface {
	// EnsureNamespace creates the environment's namespace if missing and
	// returns its handle.
	EnsureNamespace(ctx context.Context, id string) (string, error)

	// EnsureCachePrefix allocates the environment's backing-cache key
	// prefix and returns it.
	EnsureCachePrefix(ctx context.Context, id string) (string, error)

	// EnsureService creates or updates one compute service in the
	// namespace and returns its handle.
	EnsureService(ctx context.Context, namespace string, spec ServiceSpec) (string, error)

	// RestartService replaces the running instances of one service in
	// place, keeping its spec, routes and DNS untouched. Restarting an
	// absent service is a permanent error.
	RestartService(ctx context.Context, namespace, service string) error

	// EnsureRoute creates or updates the routing rule mapping pathPrefix
	// to the service and returns its handle.
	EnsureRoute(ctx context.Context, namespace, service, pathPrefix string) (string, error)

	// EnsureDNS publishes the environment's DNS name and returns its handle.
	EnsureDNS(ctx context.Context, id string) (string, error)

	RemoveRoute(ctx context.Context, namespace, route string) error
	RemoveService(ctx context.Context, namespace, service string) error
	RemoveDNS(ctx context.Context, dns string) error
	RemoveCachePrefix(ctx context.Context, prefix string) error
	RemoveNamespace(ctx context.Context, namespace string) error

	// CheckHealth probes one service. HealthUnknown means the probe could
	// not determine an answer yet (eventual consistency), not failure.
	CheckHealth(ctx context.Context, namespace, service string) (Health, error)
}

// CacheAllocator is the backing-cache slice of the Provisioner contract,
// implemented separately from the cluster platform.
type CacheAllocator interface {
	EnsureCachePrefix(ctx context.Context, id string) (string, error)
	RemoveCachePrefix(ctx context.Context, prefix string) error
}

// CallOptions bound a single provisioner call.
type CallOptions struct {
	// Deadline is the per-call timeout. Exceeding it is a transient error.
	Deadline time.Duration
}
