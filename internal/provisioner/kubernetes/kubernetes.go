// Package kubernetes implements the cluster side of the provisioner
// contract against the Kubernetes API: namespaces for isolation,
// Deployments and Services for compute, Ingresses for routing, and
// external-dns annotations for DNS publication. Cache prefix allocation is
// delegated to a CacheAllocator.
package kubernetes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/agustingarciaflores/pr-environments/internal/environment"
	"github.com/agustingarciaflores/pr-environments/internal/provisioner"
	"github.com/agustingarciaflores/pr-environments/pkg/logging"
)

const (
	managedByLabel     = "app.kubernetes.io/managed-by"
	managedByValue     = "prenvd"
	environmentLabel   = "prenv.dev/environment"
	hostnameAnnotation = "external-dns.alpha.kubernetes.io/hostname"

	// restartedAtAnnotation on the pod template forces a new ReplicaSet,
	// the same mechanism kubectl rollout restart uses.
	restartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"
)

// Config holds cluster provisioner settings.
type Config struct {
	// Kubeconfig is the path to a kubeconfig file. Empty selects in-cluster
	// configuration, falling back to the default loading rules.
	Kubeconfig string

	// BaseDomain is the DNS zone environment hostnames live under.
	BaseDomain string

	// IngressClass names the ingress controller handling routes.
	IngressClass string
}

// Provisioner drives the Kubernetes API.
type Provisioner struct {
	clients      kubernetes.Interface
	cache        provisioner.CacheAllocator
	baseDomain   string
	ingressClass string
}

// New creates a provisioner on an existing clientset.
func New(clients kubernetes.Interface, cache provisioner.CacheAllocator, config Config) *Provisioner {
	return &Provisioner{
		clients:      clients,
		cache:        cache,
		baseDomain:   config.BaseDomain,
		ingressClass: config.IngressClass,
	}
}

// Connect builds a clientset from the configured kubeconfig, or in-cluster
// configuration when none is given, and verifies API reachability.
func Connect(ctx context.Context, cache provisioner.CacheAllocator, config Config) (*Provisioner, error) {
	restConfig, err := buildRestConfig(config.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}

	clients, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}

	if _, err := clients.Discovery().ServerVersion(); err != nil {
		return nil, fmt.Errorf("kubernetes API unreachable: %w", err)
	}

	logging.Info("Kubernetes", "Connected to cluster at %s", restConfig.Host)
	return New(clients, cache, config), nil
}

func buildRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if restConfig, err := rest.InClusterConfig(); err == nil {
		return restConfig, nil
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
}

func (p *Provisioner) labels(id string) map[string]string {
	return map[string]string{
		managedByLabel:   managedByValue,
		environmentLabel: environment.Sanitize(id),
	}
}

// environmentID recovers the environment id fragment from a namespace
// handle. Handles are always derived, so the prefix is guaranteed.
func environmentID(namespace string) string {
	return strings.TrimPrefix(namespace, "preview-")
}

func (p *Provisioner) EnsureNamespace(ctx context.Context, id string) (string, error) {
	name := environment.Namespace(id)

	_, err := p.clients.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return name, nil
	}
	if !k8serrors.IsNotFound(err) {
		return "", wrap("EnsureNamespace", err)
	}

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: p.labels(id),
		},
	}
	if _, err := p.clients.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil {
		if k8serrors.IsAlreadyExists(err) {
			return name, nil
		}
		return "", wrap("EnsureNamespace", err)
	}

	logging.Debug("Kubernetes", "Created namespace %s", name)
	return name, nil
}

func (p *Provisioner) EnsureCachePrefix(ctx context.Context, id string) (string, error) {
	return p.cache.EnsureCachePrefix(ctx, id)
}

func (p *Provisioner) RemoveCachePrefix(ctx context.Context, prefix string) error {
	return p.cache.RemoveCachePrefix(ctx, prefix)
}

func (p *Provisioner) EnsureService(ctx context.Context, namespace string, spec provisioner.ServiceSpec) (string, error) {
	id := environmentID(namespace)

	deployment := p.deployment(id, spec)
	existing, err := p.clients.AppsV1().Deployments(namespace).Get(ctx, spec.Name, metav1.GetOptions{})
	switch {
	case k8serrors.IsNotFound(err):
		if _, err := p.clients.AppsV1().Deployments(namespace).Create(ctx, deployment, metav1.CreateOptions{}); err != nil && !k8serrors.IsAlreadyExists(err) {
			return "", wrap("EnsureService", err)
		}
	case err != nil:
		return "", wrap("EnsureService", err)
	default:
		deployment.ResourceVersion = existing.ResourceVersion
		// Carry the rollout marker over so an identical re-deploy does not
		// itself trigger a rollout by stripping it.
		if at, ok := existing.Spec.Template.Annotations[restartedAtAnnotation]; ok {
			deployment.Spec.Template.Annotations = map[string]string{restartedAtAnnotation: at}
		}
		if _, err := p.clients.AppsV1().Deployments(namespace).Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
			return "", wrap("EnsureService", err)
		}
	}

	service := p.service(id, spec)
	existingSvc, err := p.clients.CoreV1().Services(namespace).Get(ctx, spec.Name, metav1.GetOptions{})
	switch {
	case k8serrors.IsNotFound(err):
		if _, err := p.clients.CoreV1().Services(namespace).Create(ctx, service, metav1.CreateOptions{}); err != nil && !k8serrors.IsAlreadyExists(err) {
			return "", wrap("EnsureService", err)
		}
	case err != nil:
		return "", wrap("EnsureService", err)
	default:
		service.ResourceVersion = existingSvc.ResourceVersion
		service.Spec.ClusterIP = existingSvc.Spec.ClusterIP
		if _, err := p.clients.CoreV1().Services(namespace).Update(ctx, service, metav1.UpdateOptions{}); err != nil {
			return "", wrap("EnsureService", err)
		}
	}

	logging.Debug("Kubernetes", "Ensured service %s/%s", namespace, spec.Name)
	return spec.Name, nil
}

// RestartService stamps a fresh rollout marker on the deployment's pod
// template so the controller replaces every pod while the spec stays
// unchanged.
func (p *Provisioner) RestartService(ctx context.Context, namespace, service string) error {
	deployment, err := p.clients.AppsV1().Deployments(namespace).Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		return wrap("RestartService", err)
	}

	if deployment.Spec.Template.Annotations == nil {
		deployment.Spec.Template.Annotations = make(map[string]string)
	}
	deployment.Spec.Template.Annotations[restartedAtAnnotation] = time.Now().UTC().Format(time.RFC3339Nano)

	if _, err := p.clients.AppsV1().Deployments(namespace).Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
		return wrap("RestartService", err)
	}

	logging.Debug("Kubernetes", "Restarted service %s/%s", namespace, service)
	return nil
}

func (p *Provisioner) deployment(id string, spec provisioner.ServiceSpec) *appsv1.Deployment {
	labels := p.labels(id)
	labels["app"] = spec.Name

	replicas := spec.Replicas

	container := corev1.Container{
		Name:  spec.Name,
		Image: spec.Image,
		Ports: []corev1.ContainerPort{{ContainerPort: spec.Port}},
		Env:   envVars(spec.Env),
	}
	if spec.HealthPath != "" {
		container.ReadinessProbe = &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: spec.HealthPath,
					Port: intstr.FromInt32(spec.Port),
				},
			},
		}
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:   spec.Name,
			Labels: labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"app": spec.Name},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
				},
			},
		},
	}
}

func (p *Provisioner) service(id string, spec provisioner.ServiceSpec) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:   spec.Name,
			Labels: p.labels(id),
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": spec.Name},
			Ports: []corev1.ServicePort{{
				Port:       spec.Port,
				TargetPort: intstr.FromInt32(spec.Port),
			}},
		},
	}
}

// envVars flattens the env map in stable order so repeated Ensure calls
// produce identical objects.
func envVars(env map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vars := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, corev1.EnvVar{Name: k, Value: env[k]})
	}
	return vars
}

func (p *Provisioner) EnsureRoute(ctx context.Context, namespace, service, pathPrefix string) (string, error) {
	id := environmentID(namespace)
	name := service + "-route"
	if pathPrefix == "" {
		pathPrefix = "/"
	}

	svc, err := p.clients.CoreV1().Services(namespace).Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		return "", wrap("EnsureRoute", err)
	}
	port := svc.Spec.Ports[0].Port

	pathType := networkingv1.PathTypePrefix
	ingress := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: p.labels(id),
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{{
				Host: environment.Hostname(id, p.baseDomain),
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{{
							Path:     pathPrefix,
							PathType: &pathType,
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: service,
									Port: networkingv1.ServiceBackendPort{Number: port},
								},
							},
						}},
					},
				},
			}},
		},
	}
	if p.ingressClass != "" {
		ingress.Spec.IngressClassName = &p.ingressClass
	}

	existing, err := p.clients.NetworkingV1().Ingresses(namespace).Get(ctx, name, metav1.GetOptions{})
	switch {
	case k8serrors.IsNotFound(err):
		if _, err := p.clients.NetworkingV1().Ingresses(namespace).Create(ctx, ingress, metav1.CreateOptions{}); err != nil && !k8serrors.IsAlreadyExists(err) {
			return "", wrap("EnsureRoute", err)
		}
	case err != nil:
		return "", wrap("EnsureRoute", err)
	default:
		ingress.ResourceVersion = existing.ResourceVersion
		ingress.Annotations = existing.Annotations
		if _, err := p.clients.NetworkingV1().Ingresses(namespace).Update(ctx, ingress, metav1.UpdateOptions{}); err != nil {
			return "", wrap("EnsureRoute", err)
		}
	}

	logging.Debug("Kubernetes", "Ensured route %s/%s", namespace, name)
	return name, nil
}

// EnsureDNS publishes the environment hostname by annotating every route
// in the environment's namespace for external-dns pickup.
func (p *Provisioner) EnsureDNS(ctx context.Context, id string) (string, error) {
	hostname := environment.Hostname(id, p.baseDomain)
	namespace := environment.Namespace(id)

	ingresses, err := p.clients.NetworkingV1().Ingresses(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", wrap("EnsureDNS", err)
	}

	for i := range ingresses.Items {
		ingress := &ingresses.Items[i]
		if ingress.Annotations[hostnameAnnotation] == hostname {
			continue
		}
		if ingress.Annotations == nil {
			ingress.Annotations = make(map[string]string)
		}
		ingress.Annotations[hostnameAnnotation] = hostname
		if _, err := p.clients.NetworkingV1().Ingresses(namespace).Update(ctx, ingress, metav1.UpdateOptions{}); err != nil {
			return "", wrap("EnsureDNS", err)
		}
	}

	logging.Debug("Kubernetes", "Published %s across %d routes", hostname, len(ingresses.Items))
	return hostname, nil
}

func (p *Provisioner) RemoveRoute(ctx context.Context, namespace, route string) error {
	err := p.clients.NetworkingV1().Ingresses(namespace).Delete(ctx, route, metav1.DeleteOptions{})
	if err != nil && !k8serrors.IsNotFound(err) {
		return wrap("RemoveRoute", err)
	}
	return nil
}

func (p *Provisioner) RemoveService(ctx context.Context, namespace, service string) error {
	if err := p.clients.AppsV1().Deployments(namespace).Delete(ctx, service, metav1.DeleteOptions{}); err != nil && !k8serrors.IsNotFound(err) {
		return wrap("RemoveService", err)
	}
	if err := p.clients.CoreV1().Services(namespace).Delete(ctx, service, metav1.DeleteOptions{}); err != nil && !k8serrors.IsNotFound(err) {
		return wrap("RemoveService", err)
	}
	return nil
}

// RemoveDNS retracts the hostname annotation. The owning namespace is
// derived from the hostname; if it is already gone there is nothing left
// to retract.
func (p *Provisioner) RemoveDNS(ctx context.Context, dns string) error {
	fragment := strings.TrimPrefix(strings.TrimSuffix(dns, "."+p.baseDomain), "pr-")
	namespace := environment.Namespace(fragment)

	ingresses, err := p.clients.NetworkingV1().Ingresses(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return nil
		}
		return wrap("RemoveDNS", err)
	}

	for i := range ingresses.Items {
		ingress := &ingresses.Items[i]
		if _, ok := ingress.Annotations[hostnameAnnotation]; !ok {
			continue
		}
		delete(ingress.Annotations, hostnameAnnotation)
		if _, err := p.clients.NetworkingV1().Ingresses(namespace).Update(ctx, ingress, metav1.UpdateOptions{}); err != nil && !k8serrors.IsNotFound(err) {
			return wrap("RemoveDNS", err)
		}
	}
	return nil
}

// RemoveNamespace initiates namespace deletion. Kubernetes finalizes
// asynchronously; an accepted delete counts as removed.
func (p *Provisioner) RemoveNamespace(ctx context.Context, namespace string) error {
	err := p.clients.CoreV1().Namespaces().Delete(ctx, namespace, metav1.DeleteOptions{})
	if err != nil && !k8serrors.IsNotFound(err) {
		return wrap("RemoveNamespace", err)
	}
	return nil
}

func (p *Provisioner) CheckHealth(ctx context.Context, namespace, service string) (provisioner.Health, error) {
	deployment, err := p.clients.AppsV1().Deployments(namespace).Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return provisioner.HealthUnhealthy, nil
		}
		return provisioner.HealthUnknown, wrap("CheckHealth", err)
	}

	var desired int32 = 1
	if deployment.Spec.Replicas != nil {
		desired = *deployment.Spec.Replicas
	}

	if deployment.Status.ObservedGeneration < deployment.Generation {
		return provisioner.HealthUnknown, nil
	}
	if deployment.Status.ReadyReplicas >= desired {
		return provisioner.HealthHealthy, nil
	}

	for _, cond := range deployment.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing && cond.Status == corev1.ConditionFalse {
			return provisioner.HealthUnhealthy, nil
		}
	}
	return provisioner.HealthUnknown, nil
}

var _ provisioner.Provisioner = (*Provisioner)(nil)
