package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agustingarciaflores/pr-environments/internal/dispatcher"
	"github.com/agustingarciaflores/pr-environments/internal/environment"
	"github.com/agustingarciaflores/pr-environments/internal/events"
	"github.com/agustingarciaflores/pr-environments/internal/intent"
	"github.com/agustingarciaflores/pr-environments/internal/provisioner"
	"github.com/agustingarciaflores/pr-environments/internal/provisioner/provtest"
	"github.com/agustingarciaflores/pr-environments/internal/registry"
)

type capturingNotifier struct {
	events []events.StatusEvent
}

func (n *capturingNotifier) Notify(e events.StatusEvent) {
	n.events = append(n.events, e)
}

func (n *capturingNotifier) last() events.StatusEvent {
	return n.events[len(n.events)-1]
}

func testConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		StepTimeout:    time.Second,
		HealthTimeout:  200 * time.Millisecond,
		HealthInterval: 10 * time.Millisecond,
		Services: []ServiceTemplate{
			{Name: "web", Image: "registry.test/web:latest", Port: 8080, HealthPath: "/healthz", PathPrefix: "/"},
			{Name: "api", Image: "registry.test/api:latest", Port: 9090, HealthPath: "/healthz", PathPrefix: "/api"},
		},
	}
}

func newTestReconciler(t *testing.T) (*Reconciler, *registry.MemoryRegistry, *provtest.Fake, *capturingNotifier) {
	t.Helper()
	reg := registry.NewMemory()
	prov := provtest.NewFake()
	notifier := &capturingNotifier{}
	return New(reg, prov, notifier, testConfig()), reg, prov, notifier
}

func testLease(environmentID string) dispatcher.Lease {
	return dispatcher.Lease{
		EnvironmentID: environmentID,
		Token:         "test-token",
		ExpiresAt:     time.Now().Add(time.Minute),
	}
}

func handle(t *testing.T, r *Reconciler, in intent.Intent) error {
	t.Helper()
	return r.Handle(context.Background(), testLease(in.EnvironmentID), in)
}

func TestDeployCreatesEnvironment(t *testing.T) {
	r, reg, prov, notifier := newTestReconciler(t)

	err := handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceAutomatic))
	require.NoError(t, err)

	env, err := reg.Get(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, environment.StateActive, env.State)
	assert.Equal(t, "preview-42", env.Resources.Namespace)
	assert.Equal(t, "preview:42:", env.Resources.CachePrefix)
	assert.Len(t, env.Resources.Services, 2)
	assert.Len(t, env.Resources.Routes, 2)
	assert.NotEmpty(t, env.Resources.DNS)

	require.NotEmpty(t, notifier.events)
	assert.Equal(t, events.ReasonEnvironmentActive, notifier.last().Reason)
	assert.True(t, prov.NamespaceExists("preview-42"))
}

func TestDeployCreationOrder(t *testing.T) {
	r, _, prov, _ := newTestReconciler(t)

	require.NoError(t, handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceAutomatic)))

	var creation []string
	for _, name := range prov.CallNames() {
		switch name {
		case "EnsureNamespace", "EnsureCachePrefix", "EnsureService", "EnsureRoute", "EnsureDNS":
			creation = append(creation, name)
		}
	}
	assert.Equal(t, []string{
		"EnsureNamespace", "EnsureCachePrefix",
		"EnsureService", "EnsureService",
		"EnsureRoute", "EnsureRoute",
		"EnsureDNS",
	}, creation)
}

func TestIdempotentDeploy(t *testing.T) {
	r, reg, prov, _ := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceAutomatic)))
	require.NoError(t, handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceAutomatic)))

	env, err := reg.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, environment.StateActive, env.State)

	// Exactly one set of resources: no duplicate handles recorded, and the
	// fake still holds exactly two services.
	assert.Len(t, env.Resources.Services, 2)
	assert.Len(t, env.Resources.Routes, 2)
	assert.Equal(t, 2, prov.ServiceCount("preview-42"))
}

func TestCrashResumption(t *testing.T) {
	r, reg, prov, _ := newTestReconciler(t)
	ctx := context.Background()

	// Simulate a reconciler killed mid-Provisioning: namespace and one
	// service already exist, record persisted accordingly.
	prov.Seed("preview-42", "web-42")
	crashed := environment.New("42", time.Now())
	crashed.State = environment.StateProvisioning
	crashed.Generation = 3
	crashed.Resources.Namespace = "preview-42"
	crashed.Resources.Services = []string{"web-42"}
	require.NoError(t, reg.Put(ctx, crashed, 0))

	require.NoError(t, handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceAutomatic)))

	env, err := reg.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, environment.StateActive, env.State)
	assert.Len(t, env.Resources.Services, 2, "already-created service must not be duplicated")
	assert.Equal(t, 2, prov.ServiceCount("preview-42"))
}

func TestCleanupTeardownOrder(t *testing.T) {
	r, reg, prov, notifier := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceAutomatic)))
	require.NoError(t, handle(t, r, intent.New("42", intent.ActionCleanup, intent.SourceManual)))

	var teardown []string
	for _, name := range prov.CallNames() {
		switch name {
		case "RemoveRoute", "RemoveService", "RemoveDNS", "RemoveCachePrefix", "RemoveNamespace":
			teardown = append(teardown, name)
		}
	}
	assert.Equal(t, []string{
		"RemoveRoute", "RemoveRoute",
		"RemoveService", "RemoveService",
		"RemoveDNS", "RemoveCachePrefix", "RemoveNamespace",
	}, teardown, "teardown must be the exact reverse of creation")

	env, err := reg.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, environment.StateDeleted, env.State)
	assert.True(t, env.Resources.Empty(), "resources must be emptied before Deleted")
	assert.NotNil(t, env.DeletedAt)
	assert.Equal(t, events.ReasonEnvironmentDeleted, notifier.last().Reason)
}

func TestCleanupIdempotentAfterPartialTeardown(t *testing.T) {
	r, reg, _, _ := newTestReconciler(t)
	ctx := context.Background()

	// Record from a crash mid-Draining: routes gone, one service left.
	partial := environment.New("42", time.Now())
	partial.State = environment.StateDraining
	partial.Generation = 7
	partial.Resources.Namespace = "preview-42"
	partial.Resources.CachePrefix = "preview:42:"
	partial.Resources.Services = []string{"web-42"}
	require.NoError(t, reg.Put(ctx, partial, 0))

	require.NoError(t, handle(t, r, intent.New("42", intent.ActionCleanup, intent.SourceSweeper)))

	env, err := reg.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, environment.StateDeleted, env.State)
	assert.True(t, env.Resources.Empty())
}

func TestGenerationMonotonicity(t *testing.T) {
	r, reg, _, _ := newTestReconciler(t)
	ctx := context.Background()

	var last int64
	actions := []intent.Action{intent.ActionDeploy, intent.ActionRestart, intent.ActionDeploy, intent.ActionCleanup}
	for _, a := range actions {
		require.NoError(t, handle(t, r, intent.New("42", a, intent.SourceManual)))

		env, err := reg.Get(ctx, "42")
		require.NoError(t, err)
		assert.Greater(t, env.Generation, last, "generation must strictly increase after %s", a)
		last = env.Generation
	}
}

func TestStaleSubmittedGenerationRejected(t *testing.T) {
	r, reg, _, _ := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceAutomatic)))
	env, err := reg.Get(ctx, "42")
	require.NoError(t, err)

	stale := intent.New("42", intent.ActionRestart, intent.SourceManual)
	stale.SubmittedGeneration = env.Generation - 1

	err = handle(t, r, stale)
	assert.ErrorIs(t, err, ErrGenerationConflict)

	// The rejection must not touch the record.
	after, err := reg.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, env.Generation, after.Generation)
}

func TestCurrentSubmittedGenerationAccepted(t *testing.T) {
	r, reg, _, _ := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceAutomatic)))
	env, err := reg.Get(ctx, "42")
	require.NoError(t, err)

	in := intent.New("42", intent.ActionRestart, intent.SourceManual)
	in.SubmittedGeneration = env.Generation
	assert.NoError(t, handle(t, r, in))
}

func TestNonDeployOnMissingEnvironmentRejected(t *testing.T) {
	r, _, _, _ := newTestReconciler(t)

	err := handle(t, r, intent.New("ghost", intent.ActionCleanup, intent.SourceManual))
	assert.ErrorIs(t, err, ErrNotExist)

	err = handle(t, r, intent.New("ghost", intent.ActionRestart, intent.SourceManual))
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestDeletedEnvironmentRejectsAllButDeploy(t *testing.T) {
	r, reg, _, _ := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceAutomatic)))
	require.NoError(t, handle(t, r, intent.New("42", intent.ActionCleanup, intent.SourceManual)))

	err := handle(t, r, intent.New("42", intent.ActionRestart, intent.SourceManual))
	assert.ErrorIs(t, err, ErrNotExist)

	// Deploy recreates from Deleted, with the generation continuing.
	before, err := reg.Get(ctx, "42")
	require.NoError(t, err)

	require.NoError(t, handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceAutomatic)))
	env, err := reg.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, environment.StateActive, env.State)
	assert.Greater(t, env.Generation, before.Generation)
	assert.Nil(t, env.DeletedAt)
}

func TestRestartOnlyFromActive(t *testing.T) {
	r, reg, _, _ := newTestReconciler(t)
	ctx := context.Background()

	degraded := environment.New("42", time.Now())
	degraded.State = environment.StateDegraded
	degraded.Generation = 2
	require.NoError(t, reg.Put(ctx, degraded, 0))

	err := handle(t, r, intent.New("42", intent.ActionRestart, intent.SourceManual))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRestartPreservesRoutingAndNamespace(t *testing.T) {
	r, reg, prov, _ := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceAutomatic)))
	before, err := reg.Get(ctx, "42")
	require.NoError(t, err)

	require.NoError(t, handle(t, r, intent.New("42", intent.ActionRestart, intent.SourceManual)))

	after, err := reg.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, environment.StateActive, after.State)
	assert.Equal(t, before.Resources.Namespace, after.Resources.Namespace)
	assert.Equal(t, before.Resources.Routes, after.Resources.Routes)
	assert.Equal(t, before.Resources.DNS, after.Resources.DNS)
	assert.Equal(t, before.Resources.CachePrefix, after.Resources.CachePrefix)

	// Restart replaces instances but never touches routes or DNS.
	assert.Zero(t, prov.CountCalls("RemoveRoute"))
	assert.Zero(t, prov.CountCalls("RemoveDNS"))
}

func TestRestartReplacesServiceInstances(t *testing.T) {
	r, _, prov, _ := newTestReconciler(t)

	require.NoError(t, handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceAutomatic)))
	require.NoError(t, handle(t, r, intent.New("42", intent.ActionRestart, intent.SourceManual)))

	// Every recorded service gets its instances replaced; the specs are not
	// re-submitted, which on an unchanged spec would replace nothing.
	assert.Equal(t, 1, prov.Restarts("preview-42", "web-42"))
	assert.Equal(t, 1, prov.Restarts("preview-42", "api-42"))
	assert.Equal(t, 2, prov.CountCalls("EnsureService"), "restart must not re-ensure specs")
}

func TestTransientErrorsRetriedInPlace(t *testing.T) {
	r, reg, prov, _ := newTestReconciler(t)
	ctx := context.Background()

	prov.FailNext("EnsureNamespace", provisioner.Transient("EnsureNamespace", errors.New("rate limited")))
	prov.FailNext("EnsureNamespace", provisioner.Transient("EnsureNamespace", errors.New("rate limited")))

	require.NoError(t, handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceAutomatic)))

	env, err := reg.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, environment.StateActive, env.State)
	assert.Equal(t, 3, prov.CountCalls("EnsureNamespace"))
}

func TestRetryBudgetExhaustedDegrades(t *testing.T) {
	r, reg, prov, notifier := newTestReconciler(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		prov.FailNext("EnsureNamespace", provisioner.Transient("EnsureNamespace", errors.New("rate limited")))
	}

	err := handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceAutomatic))
	require.Error(t, err)

	env, getErr := reg.Get(ctx, "42")
	require.NoError(t, getErr)
	assert.Equal(t, environment.StateDegraded, env.State)
	require.NotNil(t, env.LastError)
	assert.Equal(t, string(provisioner.KindTransient), env.LastError.Kind)
	assert.Equal(t, 2, env.LastError.Retries)
	assert.Equal(t, events.ReasonEnvironmentDegraded, notifier.last().Reason)
}

func TestPermanentErrorDegradesImmediately(t *testing.T) {
	r, reg, prov, _ := newTestReconciler(t)
	ctx := context.Background()

	prov.FailNext("EnsureService", provisioner.Permanent("EnsureService", errors.New("quota exceeded")))

	err := handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceAutomatic))
	require.Error(t, err)

	env, getErr := reg.Get(ctx, "42")
	require.NoError(t, getErr)
	assert.Equal(t, environment.StateDegraded, env.State)
	require.NotNil(t, env.LastError)
	assert.Equal(t, string(provisioner.KindPermanent), env.LastError.Kind)
	assert.Zero(t, env.LastError.Retries, "permanent errors are not retried")
	assert.Equal(t, 1, prov.CountCalls("EnsureService"))
}

func TestDegradedRecoversOnNewDeploy(t *testing.T) {
	r, reg, prov, _ := newTestReconciler(t)
	ctx := context.Background()

	prov.FailNext("EnsureDNS", provisioner.Permanent("EnsureDNS", errors.New("zone misconfigured")))
	require.Error(t, handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceAutomatic)))

	// The fault is gone; a fresh Deploy re-attempts from observed state.
	require.NoError(t, handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceManual)))

	env, err := reg.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, environment.StateActive, env.State)
	assert.Nil(t, env.LastError)
	assert.Len(t, env.Resources.Services, 2)
}

func TestDegradedCleanupTearsDown(t *testing.T) {
	r, reg, prov, _ := newTestReconciler(t)
	ctx := context.Background()

	prov.FailNext("EnsureDNS", provisioner.Permanent("EnsureDNS", errors.New("zone misconfigured")))
	require.Error(t, handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceAutomatic)))

	require.NoError(t, handle(t, r, intent.New("42", intent.ActionCleanup, intent.SourceManual)))

	env, err := reg.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, environment.StateDeleted, env.State)
	assert.True(t, env.Resources.Empty())
}

func TestUnhealthyServiceDegrades(t *testing.T) {
	r, reg, prov, _ := newTestReconciler(t)
	ctx := context.Background()

	prov.SetHealth("preview-42", "web-42", provisioner.HealthUnhealthy)

	err := handle(t, r, intent.New("42", intent.ActionDeploy, intent.SourceAutomatic))
	require.Error(t, err)

	env, getErr := reg.Get(ctx, "42")
	require.NoError(t, getErr)
	assert.Equal(t, environment.StateDegraded, env.State)
}

func TestCleanupOnRequestedEnvironment(t *testing.T) {
	r, reg, _, _ := newTestReconciler(t)
	ctx := context.Background()

	requested := environment.New("42", time.Now())
	requested.Generation = 1
	require.NoError(t, reg.Put(ctx, requested, 0))

	require.NoError(t, handle(t, r, intent.New("42", intent.ActionCleanup, intent.SourceSweeper)))

	env, err := reg.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, environment.StateDeleted, env.State)
}

func TestExpiredOrMismatchedLeaseRejected(t *testing.T) {
	r, reg, prov, _ := newTestReconciler(t)
	in := intent.New("42", intent.ActionDeploy, intent.SourceAutomatic)

	expired := testLease("42")
	expired.ExpiresAt = time.Now().Add(-time.Second)
	err := r.Handle(context.Background(), expired, in)
	assert.ErrorIs(t, err, ErrStaleLease)

	err = r.Handle(context.Background(), testLease("other"), in)
	assert.ErrorIs(t, err, ErrStaleLease)

	// The rejected intent must not have executed anything.
	assert.Empty(t, prov.Calls)
	_, err = reg.Get(context.Background(), "42")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestShutdownMidDeployKeepsProvisioning(t *testing.T) {
	reg := registry.NewMemory()
	prov := provtest.NewFake()
	notifier := &capturingNotifier{}
	cfg := testConfig()
	cfg.InitialBackoff = time.Minute
	cfg.MaxBackoff = time.Minute
	r := New(reg, prov, notifier, cfg)

	prov.FailNext("EnsureNamespace", provisioner.Transient("EnsureNamespace", errors.New("rate limited")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Handle(ctx, testLease("42"), intent.New("42", intent.ActionDeploy, intent.SourceAutomatic))
	}()

	// Cancel once the first attempt has failed and the retry is backing off.
	deadline := time.Now().Add(5 * time.Second)
	for prov.CountCalls("EnsureNamespace") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	env, getErr := reg.Get(context.Background(), "42")
	require.NoError(t, getErr)
	assert.Equal(t, environment.StateProvisioning, env.State,
		"interruption must leave the record resumable, not Degraded")
	assert.Nil(t, env.LastError)
	for _, e := range notifier.events {
		assert.NotEqual(t, events.ReasonEnvironmentDegraded, e.Reason)
	}
}

func TestCacheEnvVarInjected(t *testing.T) {
	r, _, _, _ := newTestReconciler(t)

	spec := r.serviceSpec("42", "preview:42:", ServiceTemplate{Name: "web", Env: map[string]string{"LOG_LEVEL": "info"}})
	assert.Equal(t, "preview:42:", spec.Env[provisioner.CacheEnvVar])
	assert.Equal(t, "info", spec.Env["LOG_LEVEL"])
	assert.Equal(t, "web-42", spec.Name)
	assert.EqualValues(t, 1, spec.Replicas, "replicas default to 1")
}
