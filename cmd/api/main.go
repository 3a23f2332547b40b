package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/repoworker/repoworker/internal/api"
	"github.com/repoworker/repoworker/internal/config"
	"github.com/repoworker/repoworker/internal/health"
	"github.com/repoworker/repoworker/internal/logger"
	"github.com/repoworker/repoworker/internal/metrics"
	"github.com/repoworker/repoworker/internal/proxy"
	"github.com/repoworker/repoworker/internal/storage"
	"github.com/repoworker/repoworker/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(false).Fatalf("Failed to load configuration: %v", err)
	}

	log := logger.New(cfg.Debug)
	log.Infof("Starting repository worker on %s:%s", cfg.Host, cfg.Port)

	store, err := storage.NewS3Store(cfg.S3, log)
	if err != nil {
		log.Fatalf("Failed to initialize object store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.EnsureBucket(ctx); err != nil {
		cancel()
		log.Fatalf("Failed to ensure bucket %s: %v", cfg.S3.Bucket, err)
	}
	cancel()

	reg := metrics.NewRegistry()

	var proxySvc api.ProxyService
	var controller *proxy.Controller
	if cfg.Cache.Enabled {
		clients := make([]proxy.Upstream, 0, len(cfg.Upstreams))
		for _, u := range cfg.Upstreams {
			clients = append(clients, upstream.NewClient(u, log))
			log.Infof("Registered upstream %s -> %s", u.Name, u.URL)
		}
		controller = proxy.NewController(store, clients, cfg.Cache, log).WithMetrics(reg)
		proxySvc = controller
	} else {
		log.Info("Pull-through cache disabled")
	}

	checker := health.NewChecker(store, log)
	healthCtx, healthCancel := context.WithCancel(context.Background())
	go checker.Run(healthCtx, 30*time.Second)

	server := api.NewServer(cfg, store, proxySvc, checker, reg, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("Received signal %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Server failed: %v", err)
		}
	}

	healthCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Shutdown did not complete cleanly: %v", err)
	}
	if controller != nil {
		controller.Close()
	}
	log.Info("Repository worker stopped")
}
