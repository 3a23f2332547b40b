package api

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/repoworker/repoworker/internal/health"
	"github.com/repoworker/repoworker/internal/logger"
	"github.com/repoworker/repoworker/internal/metrics"
)

// HealthHandler serves liveness, readiness and metrics endpoints. These
// sit outside the authenticated surface.
type HealthHandler struct {
	checker *health.Checker
	metrics *metrics.Registry
	logger  *logrus.Entry
}

func NewHealthHandler(checker *health.Checker, reg *metrics.Registry, log *logrus.Logger) *HealthHandler {
	return &HealthHandler{
		checker: checker,
		metrics: reg,
		logger:  logger.ForComponent(log, "health"),
	}
}

// handleLiveness always succeeds while the process is up.
func (h *HealthHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleReadiness probes the object store.
func (h *HealthHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Overall != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "not ready",
			"error":  status.ObjectStore.Message,
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (h *HealthHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.metrics.Snapshot())
}
