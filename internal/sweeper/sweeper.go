// Package sweeper finds stale environments and submits Cleanup intents for
// them. It never tears anything down itself; reclamation always flows
// through the dispatcher so it is serialized with any concurrent work on
// the same environment.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/agustingarciaflores/pr-environments/internal/environment"
	"github.com/agustingarciaflores/pr-environments/internal/intent"
	"github.com/agustingarciaflores/pr-environments/internal/registry"
	"github.com/agustingarciaflores/pr-environments/pkg/logging"
)

// Submitter accepts intents. Satisfied by the dispatcher.
type Submitter interface {
	Submit(in intent.Intent) error
}

// Config holds sweeper tuning.
type Config struct {
	// Interval is the pause between scan passes. Defaults to 5 minutes.
	Interval time.Duration

	// InactivityThreshold is how long an environment may go without
	// recorded activity before it is reclaimed. Defaults to 48 hours.
	InactivityThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 5 * time.Minute
	}
	if c.InactivityThreshold == 0 {
		c.InactivityThreshold = 48 * time.Hour
	}
	return c
}

// sweepStates are the states a sweep considers: environments that hold, or
// may hold, provisioned resources. Draining and Restarting are skipped
// because a reconciliation is already in flight for them.
var sweepStates = []environment.State{
	environment.StateActive,
	environment.StateProvisioning,
	environment.StateDegraded,
}

// Sweeper periodically scans the registry for stale environments.
type Sweeper struct {
	registry  registry.Registry
	submitter Submitter
	config    Config

	// now is swapped in tests.
	now func() time.Time
}

// New creates a sweeper.
func New(reg registry.Registry, submitter Submitter, config Config) *Sweeper {
	return &Sweeper{
		registry:  reg,
		submitter: submitter,
		config:    config.withDefaults(),
		now:       time.Now,
	}
}

// Run scans on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	logging.Info("Sweeper", "Started with interval %v, inactivity threshold %v",
		s.config.Interval, s.config.InactivityThreshold)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info("Sweeper", "Stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logging.Error("Sweeper", err, "Sweep pass failed")
			}
		}
	}
}

// Sweep runs one scan pass and returns how many Cleanup intents it
// submitted. Submitting for an environment that is concurrently being
// deployed is harmless: the intent either coalesces in the queue or is
// rejected by the reconciler on its stale generation.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	envs, err := s.registry.List(ctx, registry.Filter{States: sweepStates})
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	submitted := 0
	for _, env := range envs {
		reason, stale := s.stale(env)
		if !stale {
			continue
		}

		in := intent.New(env.ID, intent.ActionCleanup, intent.SourceSweeper)
		in.SubmittedGeneration = env.Generation
		if err := s.submitter.Submit(in); err != nil {
			logging.Warn("Sweeper", "Failed to submit cleanup for %s: %v", env.ID, err)
			continue
		}
		submitted++
		logging.Info("Sweeper", "Submitted cleanup for %s (%s)", env.ID, reason)
	}

	if submitted > 0 {
		logging.Info("Sweeper", "Pass complete: %d of %d environments reclaimed", submitted, len(envs))
	}
	return submitted, nil
}

// stale reports whether the environment should be reclaimed, and why.
func (s *Sweeper) stale(env *environment.Environment) (string, bool) {
	if env.Closed {
		return "source closed", true
	}
	if idle := s.now().Sub(env.LastActivityAt); idle > s.config.InactivityThreshold {
		return fmt.Sprintf("idle for %v", idle.Round(time.Minute)), true
	}
	return "", false
}
