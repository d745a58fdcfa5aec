package kubernetes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/agustingarciaflores/pr-environments/internal/provisioner"
)

type stubCache struct{}

func (stubCache) EnsureCachePrefix(ctx context.Context, id string) (string, error) {
	return "preview:" + id + ":", nil
}

func (stubCache) RemoveCachePrefix(ctx context.Context, prefix string) error {
	return nil
}

func newTestProvisioner(t *testing.T) (*Provisioner, *fake.Clientset) {
	t.Helper()
	clients := fake.NewSimpleClientset()
	p := New(clients, stubCache{}, Config{
		BaseDomain:   "preview.example.com",
		IngressClass: "nginx",
	})
	return p, clients
}

func webSpec() provisioner.ServiceSpec {
	return provisioner.ServiceSpec{
		Name:       "web-42",
		Image:      "registry.example.com/web:latest",
		Replicas:   2,
		Port:       8080,
		HealthPath: "/healthz",
		Env:        map[string]string{provisioner.CacheEnvVar: "preview:42:", "LOG_LEVEL": "info"},
	}
}

func TestEnsureNamespaceIdempotent(t *testing.T) {
	p, clients := newTestProvisioner(t)
	ctx := context.Background()

	handle, err := p.EnsureNamespace(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "preview-42", handle)

	again, err := p.EnsureNamespace(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, handle, again)

	namespaces, err := clients.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, namespaces.Items, 1)
	assert.Equal(t, managedByValue, namespaces.Items[0].Labels[managedByLabel])
}

func TestEnsureServiceCreatesDeploymentAndService(t *testing.T) {
	p, clients := newTestProvisioner(t)
	ctx := context.Background()

	_, err := p.EnsureNamespace(ctx, "42")
	require.NoError(t, err)

	handle, err := p.EnsureService(ctx, "preview-42", webSpec())
	require.NoError(t, err)
	assert.Equal(t, "web-42", handle)

	deployment, err := clients.AppsV1().Deployments("preview-42").Get(ctx, "web-42", metav1.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, deployment.Spec.Replicas)
	assert.EqualValues(t, 2, *deployment.Spec.Replicas)

	container := deployment.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "registry.example.com/web:latest", container.Image)
	require.NotNil(t, container.ReadinessProbe)
	assert.Equal(t, "/healthz", container.ReadinessProbe.HTTPGet.Path)

	// Env flattened in sorted key order.
	require.Len(t, container.Env, 2)
	assert.Equal(t, provisioner.CacheEnvVar, container.Env[0].Name)
	assert.Equal(t, "preview:42:", container.Env[0].Value)

	svc, err := clients.CoreV1().Services("preview-42").Get(ctx, "web-42", metav1.GetOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 8080, svc.Spec.Ports[0].Port)
}

func TestEnsureServiceUpdatesInPlace(t *testing.T) {
	p, clients := newTestProvisioner(t)
	ctx := context.Background()

	_, err := p.EnsureService(ctx, "preview-42", webSpec())
	require.NoError(t, err)

	updated := webSpec()
	updated.Image = "registry.example.com/web:v2"
	_, err = p.EnsureService(ctx, "preview-42", updated)
	require.NoError(t, err)

	deployments, err := clients.AppsV1().Deployments("preview-42").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, deployments.Items, 1)
	assert.Equal(t, "registry.example.com/web:v2", deployments.Items[0].Spec.Template.Spec.Containers[0].Image)
}

func TestRestartServiceChangesPodTemplate(t *testing.T) {
	p, clients := newTestProvisioner(t)
	ctx := context.Background()

	_, err := p.EnsureService(ctx, "preview-42", webSpec())
	require.NoError(t, err)

	deployment, err := clients.AppsV1().Deployments("preview-42").Get(ctx, "web-42", metav1.GetOptions{})
	require.NoError(t, err)
	assert.NotContains(t, deployment.Spec.Template.Annotations, restartedAtAnnotation)

	require.NoError(t, p.RestartService(ctx, "preview-42", "web-42"))

	deployment, err = clients.AppsV1().Deployments("preview-42").Get(ctx, "web-42", metav1.GetOptions{})
	require.NoError(t, err)
	first := deployment.Spec.Template.Annotations[restartedAtAnnotation]
	require.NotEmpty(t, first, "restart must change the pod template to force a rollout")

	// The spec beyond the rollout marker is untouched.
	assert.Equal(t, "registry.example.com/web:latest", deployment.Spec.Template.Spec.Containers[0].Image)

	// Each restart stamps a fresh marker.
	time.Sleep(time.Millisecond)
	require.NoError(t, p.RestartService(ctx, "preview-42", "web-42"))
	deployment, err = clients.AppsV1().Deployments("preview-42").Get(ctx, "web-42", metav1.GetOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first, deployment.Spec.Template.Annotations[restartedAtAnnotation])
}

func TestRestartAbsentServicePermanent(t *testing.T) {
	p, _ := newTestProvisioner(t)

	err := p.RestartService(context.Background(), "preview-42", "ghost")
	require.Error(t, err)
	assert.True(t, provisioner.IsPermanent(err))
}

func TestEnsureServiceKeepsRolloutMarker(t *testing.T) {
	p, clients := newTestProvisioner(t)
	ctx := context.Background()

	_, err := p.EnsureService(ctx, "preview-42", webSpec())
	require.NoError(t, err)
	require.NoError(t, p.RestartService(ctx, "preview-42", "web-42"))

	// An identical re-deploy must not strip the marker and so must not
	// trigger another rollout.
	_, err = p.EnsureService(ctx, "preview-42", webSpec())
	require.NoError(t, err)

	deployment, err := clients.AppsV1().Deployments("preview-42").Get(ctx, "web-42", metav1.GetOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, deployment.Spec.Template.Annotations[restartedAtAnnotation])
}

func TestEnsureRouteBuildsIngress(t *testing.T) {
	p, clients := newTestProvisioner(t)
	ctx := context.Background()

	_, err := p.EnsureService(ctx, "preview-42", webSpec())
	require.NoError(t, err)

	handle, err := p.EnsureRoute(ctx, "preview-42", "web-42", "/api")
	require.NoError(t, err)
	assert.Equal(t, "web-42-route", handle)

	ingress, err := clients.NetworkingV1().Ingresses("preview-42").Get(ctx, "web-42-route", metav1.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, ingress.Spec.IngressClassName)
	assert.Equal(t, "nginx", *ingress.Spec.IngressClassName)

	rule := ingress.Spec.Rules[0]
	assert.Equal(t, "pr-42.preview.example.com", rule.Host)
	path := rule.HTTP.Paths[0]
	assert.Equal(t, "/api", path.Path)
	assert.Equal(t, "web-42", path.Backend.Service.Name)
	assert.EqualValues(t, 8080, path.Backend.Service.Port.Number)
}

func TestEnsureDNSAnnotatesRoutes(t *testing.T) {
	p, clients := newTestProvisioner(t)
	ctx := context.Background()

	_, err := p.EnsureService(ctx, "preview-42", webSpec())
	require.NoError(t, err)
	_, err = p.EnsureRoute(ctx, "preview-42", "web-42", "/")
	require.NoError(t, err)

	hostname, err := p.EnsureDNS(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "pr-42.preview.example.com", hostname)

	ingress, err := clients.NetworkingV1().Ingresses("preview-42").Get(ctx, "web-42-route", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, hostname, ingress.Annotations[hostnameAnnotation])

	// Re-publishing is a no-op.
	_, err = p.EnsureDNS(ctx, "42")
	assert.NoError(t, err)
}

func TestRemoveDNSRetractsAnnotation(t *testing.T) {
	p, clients := newTestProvisioner(t)
	ctx := context.Background()

	_, err := p.EnsureService(ctx, "preview-42", webSpec())
	require.NoError(t, err)
	_, err = p.EnsureRoute(ctx, "preview-42", "web-42", "/")
	require.NoError(t, err)
	hostname, err := p.EnsureDNS(ctx, "42")
	require.NoError(t, err)

	require.NoError(t, p.RemoveDNS(ctx, hostname))

	ingress, err := clients.NetworkingV1().Ingresses("preview-42").Get(ctx, "web-42-route", metav1.GetOptions{})
	require.NoError(t, err)
	assert.NotContains(t, ingress.Annotations, hostnameAnnotation)
}

func TestRemoveAbsentTargetsSucceed(t *testing.T) {
	p, _ := newTestProvisioner(t)
	ctx := context.Background()

	assert.NoError(t, p.RemoveRoute(ctx, "preview-42", "web-42-route"))
	assert.NoError(t, p.RemoveService(ctx, "preview-42", "web-42"))
	assert.NoError(t, p.RemoveDNS(ctx, "pr-42.preview.example.com"))
	assert.NoError(t, p.RemoveNamespace(ctx, "preview-42"))
}

func TestRemoveServiceDeletesBothObjects(t *testing.T) {
	p, clients := newTestProvisioner(t)
	ctx := context.Background()

	_, err := p.EnsureService(ctx, "preview-42", webSpec())
	require.NoError(t, err)

	require.NoError(t, p.RemoveService(ctx, "preview-42", "web-42"))

	_, err = clients.AppsV1().Deployments("preview-42").Get(ctx, "web-42", metav1.GetOptions{})
	assert.True(t, k8serrors.IsNotFound(err))
	_, err = clients.CoreV1().Services("preview-42").Get(ctx, "web-42", metav1.GetOptions{})
	assert.True(t, k8serrors.IsNotFound(err))
}

func TestCheckHealth(t *testing.T) {
	p, clients := newTestProvisioner(t)
	ctx := context.Background()

	_, err := p.EnsureService(ctx, "preview-42", webSpec())
	require.NoError(t, err)

	setStatus := func(status appsv1.DeploymentStatus) {
		deployment, err := clients.AppsV1().Deployments("preview-42").Get(ctx, "web-42", metav1.GetOptions{})
		require.NoError(t, err)
		deployment.Status = status
		_, err = clients.AppsV1().Deployments("preview-42").UpdateStatus(ctx, deployment, metav1.UpdateOptions{})
		require.NoError(t, err)
	}

	h, err := p.CheckHealth(ctx, "preview-42", "web-42")
	require.NoError(t, err)
	assert.Equal(t, provisioner.HealthUnknown, h, "no replicas ready yet")

	setStatus(appsv1.DeploymentStatus{ReadyReplicas: 2})
	h, err = p.CheckHealth(ctx, "preview-42", "web-42")
	require.NoError(t, err)
	assert.Equal(t, provisioner.HealthHealthy, h)

	setStatus(appsv1.DeploymentStatus{
		ReadyReplicas: 0,
		Conditions: []appsv1.DeploymentCondition{{
			Type:   appsv1.DeploymentProgressing,
			Status: corev1.ConditionFalse,
			Reason: "ProgressDeadlineExceeded",
		}},
	})
	h, err = p.CheckHealth(ctx, "preview-42", "web-42")
	require.NoError(t, err)
	assert.Equal(t, provisioner.HealthUnhealthy, h)

	h, err = p.CheckHealth(ctx, "preview-42", "missing")
	require.NoError(t, err)
	assert.Equal(t, provisioner.HealthUnhealthy, h)
}

func TestWrapClassification(t *testing.T) {
	gr := schema.GroupResource{Group: "apps", Resource: "deployments"}

	assert.True(t, provisioner.IsTransient(wrap("op", k8serrors.NewTooManyRequests("slow down", 1))))
	assert.True(t, provisioner.IsTransient(wrap("op", k8serrors.NewServiceUnavailable("draining"))))
	assert.True(t, provisioner.IsTransient(wrap("op", errors.New("dial tcp: connection refused"))))

	assert.True(t, provisioner.IsConflict(wrap("op", k8serrors.NewConflict(gr, "web-42", errors.New("stale")))))

	assert.True(t, provisioner.IsPermanent(wrap("op", k8serrors.NewForbidden(gr, "web-42", errors.New("rbac")))))
	assert.True(t, provisioner.IsPermanent(wrap("op", k8serrors.NewBadRequest("nope"))))
}
