package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/repoworker/repoworker/internal/config"
	"github.com/repoworker/repoworker/internal/health"
	"github.com/repoworker/repoworker/internal/logger"
	"github.com/repoworker/repoworker/internal/metrics"
	"github.com/repoworker/repoworker/internal/middleware"
)

const (
	uploadSessionTTL   = 24 * time.Hour
	uploadSessionSweep = 5 * time.Minute
)

// Server wires the handlers, middleware and HTTP listener together.
type Server struct {
	cfg      *config.Config
	router   *mux.Router
	sessions *uploadSessionTable
	httpSrv  *http.Server
	logger   *logrus.Entry

	sweepCancel context.CancelFunc
}

func NewServer(cfg *config.Config, store Store, proxySvc ProxyService, checker *health.Checker, reg *metrics.Registry, log *logrus.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		sessions: newUploadSessionTable(uploadSessionTTL),
		logger:   logger.ForComponent(log, "server"),
	}

	registry := NewDockerRegistryHandler(store, proxySvc, s.sessions, reg, log)
	helm := NewHelmHandler(store, log)
	healthH := NewHealthHandler(checker, reg, log)
	tokenAuth := middleware.NewTokenAuth(cfg.Auth, log)

	// Health and metrics stay reachable without credentials.
	s.router.HandleFunc("/healthz", healthH.handleLiveness).Methods("GET")
	s.router.HandleFunc("/readyz", healthH.handleReadiness).Methods("GET")
	s.router.HandleFunc("/metrics", healthH.handleMetrics).Methods("GET")

	v2 := s.router.PathPrefix("/v2").Subrouter()
	v2.Use(tokenAuth.Handler)
	registry.RegisterRoutes(v2)

	chartRoot := s.router.PathPrefix("/").Subrouter()
	chartRoot.Use(tokenAuth.Handler)
	chartAPI := s.router.PathPrefix("/api/v1").Subrouter()
	chartAPI.Use(tokenAuth.Handler)
	helm.RegisterRoutes(chartRoot, chartAPI)

	return s
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the HTTP listener until the listener fails. Timeouts are
// generous because blob uploads and proxied pulls can be large.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	go s.sweepLoop(ctx)

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Host + ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Infof("Repository worker listening on %s", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sweepCancel != nil {
		s.sweepCancel()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(uploadSessionSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := s.sessions.sweep(now); removed > 0 {
				s.logger.Infof("Expired %d stale upload sessions", removed)
			}
		}
	}
}
