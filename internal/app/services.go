package app

import (
	"context"
	"fmt"

	"github.com/agustingarciaflores/pr-environments/internal/api"
	"github.com/agustingarciaflores/pr-environments/internal/config"
	"github.com/agustingarciaflores/pr-environments/internal/dispatcher"
	"github.com/agustingarciaflores/pr-environments/internal/events"
	"github.com/agustingarciaflores/pr-environments/internal/provisioner/kubernetes"
	"github.com/agustingarciaflores/pr-environments/internal/provisioner/rediscache"
	"github.com/agustingarciaflores/pr-environments/internal/reconciler"
	"github.com/agustingarciaflores/pr-environments/internal/registry"
	"github.com/agustingarciaflores/pr-environments/internal/registry/postgres"
	"github.com/agustingarciaflores/pr-environments/internal/sweeper"
	"github.com/agustingarciaflores/pr-environments/pkg/logging"
)

// Services holds the assembled components of the daemon.
type Services struct {
	Registry   registry.Registry
	Cache      *rediscache.Allocator
	Broadcast  *events.Broadcaster
	Reconciler *reconciler.Reconciler
	Dispatcher *dispatcher.Dispatcher
	Sweeper    *sweeper.Sweeper
	API        *api.Server

	pg      *postgres.Registry
	eventCh chan events.StatusEvent
}

// InitializeServices connects the configured backends and wires the
// components together.
func InitializeServices(ctx context.Context, cfg config.Config) (*Services, error) {
	s := &Services{}

	switch cfg.Registry.Backend {
	case config.RegistryBackendPostgres:
		pg, err := postgres.Connect(ctx, cfg.Registry.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres registry: %w", err)
		}
		s.pg = pg
		s.Registry = pg
	default:
		s.Registry = registry.NewMemory()
		logging.Info("App", "Using in-memory registry; environment records will not survive restarts")
	}

	cache, err := rediscache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	s.Cache = cache

	prov, err := kubernetes.Connect(ctx, cache, kubernetes.Config{
		Kubeconfig:   cfg.Kubernetes.Kubeconfig,
		BaseDomain:   cfg.Kubernetes.BaseDomain,
		IngressClass: cfg.Kubernetes.IngressClass,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("kubernetes provisioner: %w", err)
	}

	s.Broadcast = events.NewBroadcaster()
	s.eventCh = make(chan events.StatusEvent, 64)
	s.Broadcast.Subscribe(s.eventCh)
	go func() {
		logger := events.LogNotifier{}
		for event := range s.eventCh {
			logger.Notify(event)
		}
	}()

	s.Reconciler = reconciler.New(s.Registry, prov, s.Broadcast, reconciler.Config{
		MaxAttempts:    cfg.Reconciler.MaxAttempts,
		InitialBackoff: cfg.Reconciler.InitialBackoff.Std(),
		MaxBackoff:     cfg.Reconciler.MaxBackoff.Std(),
		StepTimeout:    cfg.Reconciler.StepTimeout.Std(),
		HealthTimeout:  cfg.Reconciler.HealthTimeout.Std(),
		HealthInterval: cfg.Reconciler.HealthInterval.Std(),
		Services:       serviceTemplates(cfg.Services),
	})

	s.Dispatcher = dispatcher.New(dispatcher.Config{
		MaxConcurrent: cfg.Dispatcher.MaxConcurrent,
		LeaseTTL:      cfg.Dispatcher.LeaseTTL.Std(),
	}, s.Reconciler)

	s.Sweeper = sweeper.New(s.Registry, s.Dispatcher, sweeper.Config{
		Interval:            cfg.Sweeper.Interval.Std(),
		InactivityThreshold: cfg.Sweeper.InactivityThreshold.Std(),
	})

	s.API = api.New(s.Registry, s.Dispatcher)

	logging.Info("App", "Initialized with %s registry, %d declared services",
		cfg.Registry.Backend, len(cfg.Services))
	return s, nil
}

func serviceTemplates(services []config.ServiceConfig) []reconciler.ServiceTemplate {
	templates := make([]reconciler.ServiceTemplate, 0, len(services))
	for _, svc := range services {
		templates = append(templates, reconciler.ServiceTemplate{
			Name:       svc.Name,
			Image:      svc.Image,
			Replicas:   svc.Replicas,
			Port:       svc.Port,
			HealthPath: svc.HealthPath,
			PathPrefix: svc.PathPrefix,
			Env:        svc.Env,
		})
	}
	return templates
}

// Close releases backend connections. Safe on a partially initialized set.
func (s *Services) Close() {
	if s.eventCh != nil {
		close(s.eventCh)
		s.eventCh = nil
	}
	if s.Cache != nil {
		if err := s.Cache.Close(); err != nil {
			logging.Warn("App", "Closing redis: %v", err)
		}
	}
	if s.pg != nil {
		s.pg.Close()
	}
}
