package config

import "time"

// GetDefaultConfig returns the configuration used when no config file
// exists: in-memory registry, local Redis, in-cluster Kubernetes, and no
// declared services. A file overlays these defaults field by field.
func GetDefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8420,
		},
		Registry: RegistryConfig{
			Backend: RegistryBackendMemory,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Kubernetes: KubernetesConfig{
			IngressClass: "nginx",
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrent: 4,
			LeaseTTL:      Duration(2 * time.Minute),
		},
		Reconciler: ReconcilerConfig{
			MaxAttempts:    5,
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(time.Minute),
			StepTimeout:    Duration(30 * time.Second),
			HealthTimeout:  Duration(2 * time.Minute),
			HealthInterval: Duration(2 * time.Second),
		},
		Sweeper: SweeperConfig{
			Interval:            Duration(5 * time.Minute),
			InactivityThreshold: Duration(48 * time.Hour),
		},
	}
}
