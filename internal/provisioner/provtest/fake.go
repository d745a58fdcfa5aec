// Package provtest provides an in-memory Provisioner for tests.
package provtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/agustingarciaflores/pr-environments/internal/environment"
	"github.com/agustingarciaflores/pr-environments/internal/provisioner"
)

// Fake implements provisioner.Provisioner against in-memory state.
//
// It records the full call sequence for ordering assertions, tracks which
// resources currently exist so idempotency can be verified, and lets tests
// script failures per operation.
type Fake struct {
	mu sync.Mutex

	// Calls is the ordered list of operations, e.g. "EnsureService(preview-42/web-42)".
	Calls []string

	namespaces map[string]bool
	prefixes   map[string]bool
	services   map[string]bool // namespace/name
	routes     map[string]bool // namespace/route
	dns        map[string]bool

	// restarts counts instance replacements per namespace/service.
	restarts map[string]int

	// failures maps an operation name to a queue of errors returned by the
	// next calls of that operation.
	failures map[string][]error

	// health maps namespace/service to a scripted probe result.
	health map[string]provisioner.Health

	baseDomain string
}

// NewFake returns an empty fake provisioner.
func NewFake() *Fake {
	return &Fake{
		namespaces: make(map[string]bool),
		prefixes:   make(map[string]bool),
		services:   make(map[string]bool),
		routes:     make(map[string]bool),
		dns:        make(map[string]bool),
		restarts:   make(map[string]int),
		failures:   make(map[string][]error),
		health:     make(map[string]provisioner.Health),
		baseDomain: "preview.test",
	}
}

// FailNext scripts err as the result of the next call to op
// (e.g. op = "EnsureService"). Multiple calls queue in order.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// SetHealth scripts the probe result for a service.
func (f *Fake) SetHealth(namespace, service string, h provisioner.Health) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health[namespace+"/"+service] = h
}

// CallNames returns just the operation names, in order.
func (f *Fake) CallNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.Calls))
	for _, c := range f.Calls {
		for i := 0; i < len(c); i++ {
			if c[i] == '(' {
				names = append(names, c[:i])
				break
			}
		}
	}
	return names
}

// CountCalls returns how many times op was invoked.
func (f *Fake) CountCalls(op string) int {
	n := 0
	for _, name := range f.CallNames() {
		if name == op {
			n++
		}
	}
	return n
}

// NamespaceExists reports whether the namespace currently exists.
func (f *Fake) NamespaceExists(namespace string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.namespaces[namespace]
}

// ServiceCount returns the number of existing services in the namespace.
func (f *Fake) ServiceCount(namespace string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for key := range f.services {
		if len(key) > len(namespace) && key[:len(namespace)] == namespace && key[len(namespace)] == '/' {
			n++
		}
	}
	return n
}

// Seed pre-creates resources, simulating state left behind by a crashed
// reconciliation.
func (f *Fake) Seed(namespace string, services ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.namespaces[namespace] = true
	for _, s := range services {
		f.services[namespace+"/"+s] = true
	}
}

func (f *Fake) record(op, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, fmt.Sprintf("%s(%s)", op, target))
	if queue := f.failures[op]; len(queue) > 0 {
		err := queue[0]
		f.failures[op] = queue[1:]
		return err
	}
	return nil
}

func (f *Fake) EnsureNamespace(ctx context.Context, id string) (string, error) {
	handle := environment.Namespace(id)
	if err := f.record("EnsureNamespace", handle); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.namespaces[handle] = true
	f.mu.Unlock()
	return handle, nil
}

func (f *Fake) EnsureCachePrefix(ctx context.Context, id string) (string, error) {
	handle := environment.CacheKeyPrefix(id)
	if err := f.record("EnsureCachePrefix", handle); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.prefixes[handle] = true
	f.mu.Unlock()
	return handle, nil
}

func (f *Fake) EnsureService(ctx context.Context, namespace string, spec provisioner.ServiceSpec) (string, error) {
	key := namespace + "/" + spec.Name
	if err := f.record("EnsureService", key); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.services[key] = true
	f.mu.Unlock()
	return spec.Name, nil
}

func (f *Fake) RestartService(ctx context.Context, namespace, service string) error {
	key := namespace + "/" + service
	if err := f.record("RestartService", key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.services[key] {
		return provisioner.Permanent("RestartService", fmt.Errorf("service %s not found", key))
	}
	f.restarts[key]++
	return nil
}

// Restarts reports how often a service's instances were replaced.
func (f *Fake) Restarts(namespace, service string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts[namespace+"/"+service]
}

func (f *Fake) EnsureRoute(ctx context.Context, namespace, service, pathPrefix string) (string, error) {
	handle := service + "-route"
	if err := f.record("EnsureRoute", namespace+"/"+handle); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.routes[namespace+"/"+handle] = true
	f.mu.Unlock()
	return handle, nil
}

func (f *Fake) EnsureDNS(ctx context.Context, id string) (string, error) {
	handle := environment.Hostname(id, f.baseDomain)
	if err := f.record("EnsureDNS", handle); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.dns[handle] = true
	f.mu.Unlock()
	return handle, nil
}

func (f *Fake) RemoveRoute(ctx context.Context, namespace, route string) error {
	if err := f.record("RemoveRoute", namespace+"/"+route); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.routes, namespace+"/"+route)
	f.mu.Unlock()
	return nil
}

func (f *Fake) RemoveService(ctx context.Context, namespace, service string) error {
	if err := f.record("RemoveService", namespace+"/"+service); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.services, namespace+"/"+service)
	f.mu.Unlock()
	return nil
}

func (f *Fake) RemoveDNS(ctx context.Context, dns string) error {
	if err := f.record("RemoveDNS", dns); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.dns, dns)
	f.mu.Unlock()
	return nil
}

func (f *Fake) RemoveCachePrefix(ctx context.Context, prefix string) error {
	if err := f.record("RemoveCachePrefix", prefix); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.prefixes, prefix)
	f.mu.Unlock()
	return nil
}

func (f *Fake) RemoveNamespace(ctx context.Context, namespace string) error {
	if err := f.record("RemoveNamespace", namespace); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.namespaces, namespace)
	f.mu.Unlock()
	return nil
}

func (f *Fake) CheckHealth(ctx context.Context, namespace, service string) (provisioner.Health, error) {
	if err := f.record("CheckHealth", namespace+"/"+service); err != nil {
		return provisioner.HealthUnknown, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.health[namespace+"/"+service]; ok {
		return h, nil
	}
	return provisioner.HealthHealthy, nil
}

var _ provisioner.Provisioner = (*Fake)(nil)
