package environment

import (
	"fmt"
	"time"
)

// State represents the lifecycle state of an environment.
type State string

const (
	// StateRequested means the environment record exists but provisioning
	// has not begun.
	StateRequested State = "Requested"

	// StateProvisioning means resources are being created or updated.
	StateProvisioning State = "Provisioning"

	// StateActive means all resources exist and health is confirmed.
	StateActive State = "Active"

	// StateRestarting means service instances are being replaced in place.
	// Routing, DNS and the cache prefix are preserved.
	StateRestarting State = "Restarting"

	// StateDraining means resources are being removed.
	StateDraining State = "Draining"

	// StateDeleted is terminal. The record is kept for audit but the
	// environment no longer exists.
	StateDeleted State = "Deleted"

	// StateDegraded means an unrecoverable error was hit. The environment
	// stays addressable by new Deploy or Cleanup intents.
	StateDegraded State = "Degraded"
)

// Resources holds the provisioner handles owned by one environment.
// Handles are opaque to everything except the provisioner that issued them.
// They are populated incrementally as provisioning succeeds and must be
// emptied before the environment may become Deleted.
type Resources struct {
	Namespace   string   `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	CachePrefix string   `json:"cachePrefix,omitempty" yaml:"cachePrefix,omitempty"`
	Services    []string `json:"services,omitempty" yaml:"services,omitempty"`
	Routes      []string `json:"routes,omitempty" yaml:"routes,omitempty"`
	DNS         string   `json:"dns,omitempty" yaml:"dns,omitempty"`
}

// Empty reports whether no handles remain.
func (r Resources) Empty() bool {
	return r.Namespace == "" && r.CachePrefix == "" && r.DNS == "" &&
		len(r.Services) == 0 && len(r.Routes) == 0
}

// Summary returns a compact description for status events.
func (r Resources) Summary() string {
	if r.Empty() {
		return "none"
	}
	return fmt.Sprintf("%s: %d services, %d routes", r.Namespace, len(r.Services), len(r.Routes))
}

// HasService reports whether the given service handle is already recorded.
func (r Resources) HasService(handle string) bool {
	for _, s := range r.Services {
		if s == handle {
			return true
		}
	}
	return false
}

// HasRoute reports whether the given route handle is already recorded.
func (r Resources) HasRoute(handle string) bool {
	for _, rt := range r.Routes {
		if rt == handle {
			return true
		}
	}
	return false
}

// ErrorRecord captures the last unrecoverable error for observability
// when an environment is Degraded.
type ErrorRecord struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Retries int    `json:"retries"`
}

// Environment is the per-change-request record. Exactly one exists per
// identifier; it is created on the first Deploy intent and soft-deleted
// (kept for audit) once Deleted.
type Environment struct {
	ID             string       `json:"id"`
	State          State        `json:"state"`
	Generation     int64        `json:"generation"`
	Resources      Resources    `json:"resources"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
	Closed         bool         `json:"closed"`
	LastError      *ErrorRecord `json:"lastError,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	DeletedAt      *time.Time   `json:"deletedAt,omitempty"`
}

// New returns a fresh Requested record for the given identifier.
func New(id string, now time.Time) *Environment {
	return &Environment{
		ID:             id,
		State:          StateRequested,
		Generation:     0,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy so registry readers never alias stored state.
func (e *Environment) Clone() *Environment {
	out := *e
	out.Resources.Services = append([]string(nil), e.Resources.Services...)
	out.Resources.Routes = append([]string(nil), e.Resources.Routes...)
	if e.LastError != nil {
		le := *e.LastError
		out.LastError = &le
	}
	if e.DeletedAt != nil {
		da := *e.DeletedAt
		out.DeletedAt = &da
	}
	return &out
}

// Exists reports whether the environment is addressable by non-Deploy
// intents. A Deleted environment only accepts Deploy, which recreates it.
func (e *Environment) Exists() bool {
	return e.State != StateDeleted
}
