// Package app bootstraps and runs the environment manager: it loads
// configuration, assembles the registry, provisioner, dispatcher,
// reconciler, sweeper and HTTP API, and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agustingarciaflores/pr-environments/internal/config"
	"github.com/agustingarciaflores/pr-environments/pkg/logging"
)

// Application is the assembled daemon. Create it with NewApplication, then
// either Run it as the long-lived server or call Sweep for a one-shot
// reclamation pass.
type Application struct {
	config   *Config
	services *Services
}

// NewApplication performs the bootstrap sequence: logging, configuration,
// then service assembly. Backends named by the configuration (Postgres,
// Redis, the Kubernetes API) are connected and verified here, so a
// misconfigured daemon fails at startup rather than on the first intent.
func NewApplication(ctx context.Context, cfg *Config) (*Application, error) {
	appLogLevel := logging.LevelInfo
	if cfg.Debug {
		appLogLevel = logging.LevelDebug
	}
	var logOutput io.Writer = os.Stdout
	if cfg.Silent {
		logOutput = io.Discard
	}
	logging.Init(appLogLevel, logOutput)

	configPath := cfg.ConfigPath
	if configPath == "" {
		configPath = config.GetDefaultConfigPathOrPanic()
	}
	loaded, err := config.LoadConfig(configPath)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to load configuration from %s", configPath)
		return nil, fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
	}
	cfg.loaded = loaded

	services, err := InitializeServices(ctx, loaded)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return &Application{
		config:   cfg,
		services: services,
	}, nil
}

// Run starts the dispatcher, sweeper and HTTP API and blocks until ctx is
// cancelled, then shuts everything down in reverse order.
func (a *Application) Run(ctx context.Context) error {
	s := a.services
	defer s.Close()

	s.Dispatcher.Start(ctx)

	listenAddr := net.JoinHostPort(a.config.loaded.Server.Host, fmt.Sprintf("%d", a.config.loaded.Server.Port))
	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: s.API.Router(),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logging.Info("App", "API listening on %s", listenAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		err := s.Sweeper.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("App", "HTTP shutdown: %v", err)
		}

		s.Dispatcher.Stop()
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logging.Info("App", "Shutdown complete")
	return nil
}

// Sweep runs one reclamation pass and waits for the resulting cleanups to
// finish. Used by the one-shot sweep command.
func (a *Application) Sweep(ctx context.Context) (int, error) {
	s := a.services
	defer s.Close()

	s.Dispatcher.Start(ctx)
	defer s.Dispatcher.Stop()

	submitted, err := s.Sweeper.Sweep(ctx)
	if err != nil {
		return 0, err
	}

	for !s.Dispatcher.Idle() {
		select {
		case <-ctx.Done():
			return submitted, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return submitted, nil
}
