// Package intent defines the normalized lifecycle commands flowing from
// every source (webhook triggers, operator commands, the sweeper) into the
// dispatcher.
package intent

import (
	"time"

	"github.com/google/uuid"
)

// Action is the requested lifecycle action.
type Action string

const (
	ActionDeploy  Action = "Deploy"
	ActionRestart Action = "Restart"
	ActionCleanup Action = "Cleanup"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionDeploy, ActionRestart, ActionCleanup:
		return true
	}
	return false
}

// Source indicates where an intent originated.
type Source string

const (
	// SourceManual is an explicit operator command.
	SourceManual Source = "Manual"

	// SourceAutomatic is a change-request trigger (opened/updated).
	SourceAutomatic Source = "Automatic"

	// SourceSweeper is a cleanup proposal from the staleness sweeper.
	SourceSweeper Source = "Sweeper"
)

// Intent is a single requested action for one environment.
type Intent struct {
	// ID identifies the intent in logs.
	ID string

	// EnvironmentID addresses the target environment.
	EnvironmentID string

	// Action is what to do.
	Action Action

	// Source is who asked.
	Source Source

	// RequestedAt is when the intent was accepted.
	RequestedAt time.Time

	// SubmittedGeneration is the generation the requester observed, for
	// optimistic conflict detection. Zero means the requester did not
	// observe one and the intent applies unconditionally.
	SubmittedGeneration int64
}

// New builds an intent with a fresh ID and timestamp.
func New(environmentID string, action Action, source Source) Intent {
	return Intent{
		ID:            uuid.NewString(),
		EnvironmentID: environmentID,
		Action:        action,
		Source:        source,
		RequestedAt:   time.Now(),
	}
}
