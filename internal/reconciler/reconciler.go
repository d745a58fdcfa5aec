// Package reconciler drives one environment from its current observed
// state to the state implied by each intent, using the provisioner, and
// persists every state transition before returning.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agustingarciaflores/pr-environments/internal/dispatcher"
	"github.com/agustingarciaflores/pr-environments/internal/environment"
	"github.com/agustingarciaflores/pr-environments/internal/events"
	"github.com/agustingarciaflores/pr-environments/internal/intent"
	"github.com/agustingarciaflores/pr-environments/internal/provisioner"
	"github.com/agustingarciaflores/pr-environments/internal/registry"
	"github.com/agustingarciaflores/pr-environments/pkg/logging"
)

// ErrNotExist rejects non-Deploy intents addressed to an environment that
// does not exist (never created, or already Deleted).
var ErrNotExist = errors.New("environment does not exist")

// ErrGenerationConflict rejects an intent whose submitted generation is
// behind the record. The caller re-reads current state and resubmits.
var ErrGenerationConflict = errors.New("intent conflicts with current generation")

// ErrInvalidTransition rejects an action the current state does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrStaleLease rejects a Handle call whose lease is expired or addressed
// to a different environment. The intent is not executed; the dispatcher
// re-acquires and redelivers.
var ErrStaleLease = errors.New("lease expired or mismatched")

// ServiceTemplate declares one service of the environment stack. The same
// templates apply to every environment; names and env vars are derived per
// environment id.
type ServiceTemplate struct {
	Name       string            `yaml:"name"`
	Image      string            `yaml:"image"`
	Replicas   int32             `yaml:"replicas"`
	Port       int32             `yaml:"port"`
	HealthPath string            `yaml:"healthPath"`
	PathPrefix string            `yaml:"pathPrefix"`
	Env        map[string]string `yaml:"env"`
}

// Config holds reconciler tuning.
type Config struct {
	// MaxAttempts is the retry ceiling for transient provisioner errors.
	MaxAttempts int

	// InitialBackoff and MaxBackoff bound the retry backoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// StepTimeout is the deadline carried by each provisioner call.
	StepTimeout time.Duration

	// HealthTimeout bounds the wait for health confirmation;
	// HealthInterval is the poll period.
	HealthTimeout  time.Duration
	HealthInterval time.Duration

	// Services is the declared stack created for every environment.
	Services []ServiceTemplate
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = time.Minute
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = 2 * time.Minute
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 2 * time.Second
	}
	return c
}

// Reconciler is the per-environment state machine. One Handle call runs
// under the environment's lease for its full duration; the dispatcher
// guarantees no two calls for the same id interleave.
type Reconciler struct {
	registry registry.Registry
	prov     provisioner.Provisioner
	notifier events.Notifier
	config   Config
}

// New creates a reconciler.
func New(reg registry.Registry, prov provisioner.Provisioner, notifier events.Notifier, config Config) *Reconciler {
	if notifier == nil {
		notifier = events.LogNotifier{}
	}
	return &Reconciler{
		registry: reg,
		prov:     prov,
		notifier: notifier,
		config:   config.withDefaults(),
	}
}

// Handle looks up or creates the environment record, verifies the intent's
// generation precondition, executes the transition and persists progress.
func (r *Reconciler) Handle(ctx context.Context, lease dispatcher.Lease, in intent.Intent) error {
	if lease.EnvironmentID != in.EnvironmentID || !lease.Valid(time.Now()) {
		return fmt.Errorf("%s for %s: %w", in.Action, in.EnvironmentID, ErrStaleLease)
	}

	env, err := r.registry.Get(ctx, in.EnvironmentID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		if in.Action != intent.ActionDeploy {
			return fmt.Errorf("%s for %s: %w", in.Action, in.EnvironmentID, ErrNotExist)
		}
		env = environment.New(in.EnvironmentID, time.Now())
	case err != nil:
		return fmt.Errorf("load %s: %w", in.EnvironmentID, err)
	}

	if env.State == environment.StateDeleted && in.Action != intent.ActionDeploy {
		return fmt.Errorf("%s for %s: %w", in.Action, in.EnvironmentID, ErrNotExist)
	}

	if in.SubmittedGeneration > 0 && env.Generation > in.SubmittedGeneration {
		return fmt.Errorf("%s for %s: record at generation %d, intent submitted at %d: %w",
			in.Action, in.EnvironmentID, env.Generation, in.SubmittedGeneration, ErrGenerationConflict)
	}

	logging.Info("Reconciler", "Handling %s for %s (state %s, generation %d)",
		in.Action, in.EnvironmentID, env.State, env.Generation)

	switch in.Action {
	case intent.ActionDeploy:
		return r.deploy(ctx, env)
	case intent.ActionRestart:
		return r.restart(ctx, env)
	case intent.ActionCleanup:
		return r.cleanup(ctx, env)
	default:
		return fmt.Errorf("%s for %s: unknown action: %w", in.Action, in.EnvironmentID, ErrInvalidTransition)
	}
}

// persist writes the record, bumping the generation. Every persisted change
// bumps, even no-ops, so retries are observable.
func (r *Reconciler) persist(ctx context.Context, env *environment.Environment) error {
	expected := env.Generation
	env.Generation++
	if err := r.registry.Put(ctx, env, expected); err != nil {
		env.Generation = expected
		return fmt.Errorf("persist %s: %w", env.ID, err)
	}
	return nil
}

// deploy drives the environment to Active, creating or re-confirming every
// declared resource. Safe to re-issue after a crash mid-provisioning: each
// step checks observed reality before creating.
func (r *Reconciler) deploy(ctx context.Context, env *environment.Environment) error {
	env.State = environment.StateProvisioning
	env.LastError = nil
	env.DeletedAt = nil
	if err := r.persist(ctx, env); err != nil {
		return err
	}

	if err := r.provision(ctx, env); err != nil {
		return r.degrade(ctx, env, err)
	}

	if err := r.awaitHealthy(ctx, env); err != nil {
		return r.degrade(ctx, env, err)
	}

	env.State = environment.StateActive
	env.LastActivityAt = time.Now()
	if err := r.persist(ctx, env); err != nil {
		return err
	}

	r.emit(env, events.ReasonEnvironmentActive)
	logging.Info("Reconciler", "%s active (generation %d)", env.ID, env.Generation)
	return nil
}

// provision ensures all declared resources in creation order: namespace,
// backing-cache allocation, compute services, routing rules, DNS. Handles
// are recorded and persisted incrementally so a crash loses at most one
// confirmed step.
func (r *Reconciler) provision(ctx context.Context, env *environment.Environment) error {
	ns, err := withRetryValue(r, ctx, "EnsureNamespace", func(c context.Context) (string, error) {
		return r.prov.EnsureNamespace(c, env.ID)
	})
	if err != nil {
		return err
	}
	if env.Resources.Namespace != ns {
		env.Resources.Namespace = ns
		if err := r.persist(ctx, env); err != nil {
			return err
		}
	}

	prefix, err := withRetryValue(r, ctx, "EnsureCachePrefix", func(c context.Context) (string, error) {
		return r.prov.EnsureCachePrefix(c, env.ID)
	})
	if err != nil {
		return err
	}
	if env.Resources.CachePrefix != prefix {
		env.Resources.CachePrefix = prefix
		if err := r.persist(ctx, env); err != nil {
			return err
		}
	}

	serviceHandles := make([]string, 0, len(r.config.Services))
	for _, tpl := range r.config.Services {
		spec := r.serviceSpec(env.ID, prefix, tpl)
		handle, err := withRetryValue(r, ctx, "EnsureService", func(c context.Context) (string, error) {
			return r.prov.EnsureService(c, ns, spec)
		})
		if err != nil {
			return err
		}
		serviceHandles = append(serviceHandles, handle)
		if !env.Resources.HasService(handle) {
			env.Resources.Services = append(env.Resources.Services, handle)
			if err := r.persist(ctx, env); err != nil {
				return err
			}
		}
	}

	for i, tpl := range r.config.Services {
		service := serviceHandles[i]
		pathPrefix := tpl.PathPrefix
		handle, err := withRetryValue(r, ctx, "EnsureRoute", func(c context.Context) (string, error) {
			return r.prov.EnsureRoute(c, ns, service, pathPrefix)
		})
		if err != nil {
			return err
		}
		if !env.Resources.HasRoute(handle) {
			env.Resources.Routes = append(env.Resources.Routes, handle)
			if err := r.persist(ctx, env); err != nil {
				return err
			}
		}
	}

	dns, err := withRetryValue(r, ctx, "EnsureDNS", func(c context.Context) (string, error) {
		return r.prov.EnsureDNS(c, env.ID)
	})
	if err != nil {
		return err
	}
	if env.Resources.DNS != dns {
		env.Resources.DNS = dns
		if err := r.persist(ctx, env); err != nil {
			return err
		}
	}

	return nil
}

// serviceSpec derives the per-environment spec from a template.
func (r *Reconciler) serviceSpec(id, cachePrefix string, tpl ServiceTemplate) provisioner.ServiceSpec {
	env := make(map[string]string, len(tpl.Env)+1)
	for k, v := range tpl.Env {
		env[k] = v
	}
	env[provisioner.CacheEnvVar] = cachePrefix

	replicas := tpl.Replicas
	if replicas == 0 {
		replicas = 1
	}

	return provisioner.ServiceSpec{
		Name:       environment.ServiceName(id, tpl.Name),
		Image:      tpl.Image,
		Replicas:   replicas,
		Port:       tpl.Port,
		HealthPath: tpl.HealthPath,
		Env:        env,
	}
}

// restart replaces service instances in place, preserving routing, DNS,
// namespace and cache prefix. Only valid from Active.
func (r *Reconciler) restart(ctx context.Context, env *environment.Environment) error {
	if env.State != environment.StateActive {
		return fmt.Errorf("restart %s in state %s: %w", env.ID, env.State, ErrInvalidTransition)
	}

	env.State = environment.StateRestarting
	if err := r.persist(ctx, env); err != nil {
		return err
	}

	ns := env.Resources.Namespace
	for _, service := range env.Resources.Services {
		err := withRetry(r, ctx, "RestartService", func(c context.Context) error {
			return r.prov.RestartService(c, ns, service)
		})
		if err != nil {
			return r.degrade(ctx, env, err)
		}
	}

	if err := r.awaitHealthy(ctx, env); err != nil {
		return r.degrade(ctx, env, err)
	}

	env.State = environment.StateActive
	env.LastActivityAt = time.Now()
	if err := r.persist(ctx, env); err != nil {
		return err
	}

	r.emit(env, events.ReasonEnvironmentActive)
	logging.Info("Reconciler", "%s restarted (generation %d)", env.ID, env.Generation)
	return nil
}

// cleanup removes all resources in reverse dependency order and marks the
// record Deleted. Safe to re-issue after partial teardown: a step whose
// target is already absent succeeds.
func (r *Reconciler) cleanup(ctx context.Context, env *environment.Environment) error {
	env.State = environment.StateDraining
	if err := r.persist(ctx, env); err != nil {
		return err
	}

	ns := env.Resources.Namespace

	for len(env.Resources.Routes) > 0 {
		route := env.Resources.Routes[len(env.Resources.Routes)-1]
		err := withRetry(r, ctx, "RemoveRoute", func(c context.Context) error {
			return r.prov.RemoveRoute(c, ns, route)
		})
		if err != nil {
			return r.degrade(ctx, env, err)
		}
		env.Resources.Routes = env.Resources.Routes[:len(env.Resources.Routes)-1]
		if err := r.persist(ctx, env); err != nil {
			return err
		}
	}

	for len(env.Resources.Services) > 0 {
		service := env.Resources.Services[len(env.Resources.Services)-1]
		err := withRetry(r, ctx, "RemoveService", func(c context.Context) error {
			return r.prov.RemoveService(c, ns, service)
		})
		if err != nil {
			return r.degrade(ctx, env, err)
		}
		env.Resources.Services = env.Resources.Services[:len(env.Resources.Services)-1]
		if err := r.persist(ctx, env); err != nil {
			return err
		}
	}

	if env.Resources.DNS != "" {
		dns := env.Resources.DNS
		err := withRetry(r, ctx, "RemoveDNS", func(c context.Context) error {
			return r.prov.RemoveDNS(c, dns)
		})
		if err != nil {
			return r.degrade(ctx, env, err)
		}
		env.Resources.DNS = ""
		if err := r.persist(ctx, env); err != nil {
			return err
		}
	}

	if env.Resources.CachePrefix != "" {
		prefix := env.Resources.CachePrefix
		err := withRetry(r, ctx, "RemoveCachePrefix", func(c context.Context) error {
			return r.prov.RemoveCachePrefix(c, prefix)
		})
		if err != nil {
			return r.degrade(ctx, env, err)
		}
		env.Resources.CachePrefix = ""
		if err := r.persist(ctx, env); err != nil {
			return err
		}
	}

	if ns != "" {
		err := withRetry(r, ctx, "RemoveNamespace", func(c context.Context) error {
			return r.prov.RemoveNamespace(c, ns)
		})
		if err != nil {
			return r.degrade(ctx, env, err)
		}
		env.Resources.Namespace = ""
		if err := r.persist(ctx, env); err != nil {
			return err
		}
	}

	if !env.Resources.Empty() {
		return r.degrade(ctx, env, provisioner.Permanent("Cleanup",
			fmt.Errorf("resources remain after teardown: %s", env.Resources.Summary())))
	}

	if err := r.registry.SoftDelete(ctx, env.ID, env.Generation); err != nil {
		return fmt.Errorf("cleanup %s: %w", env.ID, err)
	}
	env.State = environment.StateDeleted
	env.Generation++

	r.emit(env, events.ReasonEnvironmentDeleted)
	logging.Info("Reconciler", "%s deleted (generation %d)", env.ID, env.Generation)
	return nil
}

// awaitHealthy polls every recorded service until all confirm healthy or
// the health timeout elapses.
func (r *Reconciler) awaitHealthy(ctx context.Context, env *environment.Environment) error {
	if len(env.Resources.Services) == 0 {
		return nil
	}

	deadline := time.Now().Add(r.config.HealthTimeout)
	ns := env.Resources.Namespace

	for {
		healthy := true
		for _, service := range env.Resources.Services {
			callCtx, cancel := context.WithTimeout(ctx, r.config.StepTimeout)
			h, err := r.prov.CheckHealth(callCtx, ns, service)
			cancel()
			if err != nil {
				if provisioner.IsTransient(err) {
					healthy = false
					break
				}
				return fmt.Errorf("health check for %s/%s: %w", ns, service, err)
			}
			if h != provisioner.HealthHealthy {
				healthy = false
				break
			}
		}
		if healthy {
			return nil
		}
		if time.Now().After(deadline) {
			return provisioner.Transient("CheckHealth",
				fmt.Errorf("health not confirmed within %v", r.config.HealthTimeout))
		}

		select {
		case <-ctx.Done():
			return provisioner.Transient("CheckHealth", ctx.Err())
		case <-time.After(r.config.HealthInterval):
		}
	}
}

// degrade records the error, moves the environment to Degraded and emits a
// status event. No further automatic action until the next explicit intent.
//
// Shutdown is not degradation: if the error traces back to context
// cancellation the record is left in its current transitional state, so
// the next intent resumes from where this run stopped.
func (r *Reconciler) degrade(ctx context.Context, env *environment.Environment, err error) error {
	if errors.Is(err, context.Canceled) {
		logging.Info("Reconciler", "%s interrupted in state %s, resumable by the next intent", env.ID, env.State)
		return err
	}

	var retries int
	var re *retriedError
	cause := err
	if errors.As(err, &re) {
		retries = re.retries
		cause = re.err
	}

	env.State = environment.StateDegraded
	env.LastError = &environment.ErrorRecord{
		Kind:    string(provisioner.KindOf(cause)),
		Message: cause.Error(),
		Retries: retries,
	}
	if perr := r.persist(ctx, env); perr != nil {
		logging.Error("Reconciler", perr, "Failed to persist degraded state for %s", env.ID)
	}

	r.emit(env, events.ReasonEnvironmentDegraded)
	logging.Error("Reconciler", cause, "%s degraded", env.ID)
	return err
}

func (r *Reconciler) emit(env *environment.Environment, reason events.Reason) {
	r.notifier.Notify(events.StatusEvent{
		EnvironmentID:    env.ID,
		Reason:           reason,
		State:            env.State,
		ResourcesSummary: env.Resources.Summary(),
		Error:            env.LastError,
		Timestamp:        time.Now(),
	})
}
