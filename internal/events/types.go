// Package events carries status events from the reconciler to external
// notifiers. The core emits one event per terminal transition; formatting
// and delivery of human-readable messages happen outside.
package events

import (
	"time"

	"github.com/agustingarciaflores/pr-environments/internal/environment"
)

// Reason is the event reason code.
type Reason string

const (
	// ReasonEnvironmentActive indicates an environment reached Active.
	ReasonEnvironmentActive Reason = "EnvironmentActive"

	// ReasonEnvironmentDegraded indicates an environment entered Degraded.
	ReasonEnvironmentDegraded Reason = "EnvironmentDegraded"

	// ReasonEnvironmentDeleted indicates an environment reached Deleted.
	ReasonEnvironmentDeleted Reason = "EnvironmentDeleted"
)

// StatusEvent is emitted after each terminal transition.
type StatusEvent struct {
	EnvironmentID    string                   `json:"environmentId"`
	Reason           Reason                   `json:"reason"`
	State            environment.State        `json:"state"`
	ResourcesSummary string                   `json:"resourcesSummary"`
	Error            *environment.ErrorRecord `json:"error,omitempty"`
	Timestamp        time.Time                `json:"timestamp"`
}

// Notifier receives status events. Implementations must not block; slow
// consumers are expected to buffer or drop.
type Notifier interface {
	Notify(event StatusEvent)
}
