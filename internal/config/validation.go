package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks the configuration for contradictions that would only
// surface later as runtime failures.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range: %w", c.Server.Port, ErrInvalidConfig)
	}

	switch c.Registry.Backend {
	case RegistryBackendMemory:
	case RegistryBackendPostgres:
		if c.Registry.DSN == "" {
			return fmt.Errorf("registry.dsn required for postgres backend: %w", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("unknown registry.backend %q: %w", c.Registry.Backend, ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(c.Services))
	for _, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("service missing name: %w", ErrInvalidConfig)
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service %q: %w", svc.Name, ErrInvalidConfig)
		}
		seen[svc.Name] = true
		if svc.Image == "" {
			return fmt.Errorf("service %q missing image: %w", svc.Name, ErrInvalidConfig)
		}
		if svc.Port <= 0 || svc.Port > 65535 {
			return fmt.Errorf("service %q port %d out of range: %w", svc.Name, svc.Port, ErrInvalidConfig)
		}
		if svc.Replicas < 0 {
			return fmt.Errorf("service %q replicas must not be negative: %w", svc.Name, ErrInvalidConfig)
		}
	}

	if c.Dispatcher.MaxConcurrent < 1 {
		return fmt.Errorf("dispatcher.maxConcurrent must be at least 1: %w", ErrInvalidConfig)
	}
	if c.Reconciler.MaxAttempts < 1 {
		return fmt.Errorf("reconciler.maxAttempts must be at least 1: %w", ErrInvalidConfig)
	}
	if c.Reconciler.InitialBackoff.Std() > c.Reconciler.MaxBackoff.Std() {
		return fmt.Errorf("reconciler.initialBackoff exceeds maxBackoff: %w", ErrInvalidConfig)
	}

	return nil
}
