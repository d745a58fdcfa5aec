package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for prenvd.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Registry   RegistryConfig   `yaml:"registry"`
	Redis      RedisConfig      `yaml:"redis"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
	Services   []ServiceConfig  `yaml:"services"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"` // Host to bind to (default: localhost)
	Port int    `yaml:"port,omitempty"` // API port (default: 8420)
}

// Registry backend names.
const (
	RegistryBackendMemory   = "memory"
	RegistryBackendPostgres = "postgres"
)

// RegistryConfig selects and configures the environment registry backend.
type RegistryConfig struct {
	Backend string `yaml:"backend,omitempty"` // "memory" or "postgres" (default: memory)
	DSN     string `yaml:"dsn,omitempty"`     // Postgres connection string
}

// RedisConfig configures the backing cache used for per-environment key
// prefixes.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"` // host:port (default: localhost:6379)
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// KubernetesConfig configures the cluster provisioner.
type KubernetesConfig struct {
	Kubeconfig   string `yaml:"kubeconfig,omitempty"`   // Path to kubeconfig; empty means in-cluster
	BaseDomain   string `yaml:"baseDomain,omitempty"`   // DNS zone for environment hostnames
	IngressClass string `yaml:"ingressClass,omitempty"` // Ingress class for routes (default: nginx)
}

// DispatcherConfig tunes intent delivery.
type DispatcherConfig struct {
	MaxConcurrent int      `yaml:"maxConcurrent,omitempty"` // Concurrent reconciliations (default: 4)
	LeaseTTL      Duration `yaml:"leaseTTL,omitempty"`      // Lease expiry (default: 2m)
}

// ReconcilerConfig tunes the per-environment state machine.
type ReconcilerConfig struct {
	MaxAttempts    int      `yaml:"maxAttempts,omitempty"`    // Transient retry ceiling (default: 5)
	InitialBackoff Duration `yaml:"initialBackoff,omitempty"` // First retry delay (default: 1s)
	MaxBackoff     Duration `yaml:"maxBackoff,omitempty"`     // Retry delay cap (default: 1m)
	StepTimeout    Duration `yaml:"stepTimeout,omitempty"`    // Per provisioner call (default: 30s)
	HealthTimeout  Duration `yaml:"healthTimeout,omitempty"`  // Wait for healthy (default: 2m)
	HealthInterval Duration `yaml:"healthInterval,omitempty"` // Health poll period (default: 2s)
}

// SweeperConfig tunes stale-environment reclamation.
type SweeperConfig struct {
	Interval            Duration `yaml:"interval,omitempty"`            // Scan period (default: 5m)
	InactivityThreshold Duration `yaml:"inactivityThreshold,omitempty"` // Idle age before cleanup (default: 48h)
}

// ServiceConfig declares one service of the per-environment stack.
type ServiceConfig struct {
	Name       string            `yaml:"name"`
	Image      string            `yaml:"image"`
	Replicas   int32             `yaml:"replicas,omitempty"`
	Port       int32             `yaml:"port"`
	HealthPath string            `yaml:"healthPath,omitempty"`
	PathPrefix string            `yaml:"pathPrefix,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
}

// Duration is a time.Duration that unmarshals from Go duration strings,
// e.g. "30s" or "2h45m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
