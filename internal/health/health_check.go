package health

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/repoworker/repoworker/internal/logger"
)

// ConnectionChecker is implemented by the object store.
type ConnectionChecker interface {
	CheckConnection(ctx context.Context) error
}

// ComponentHealth represents health of a system component
type ComponentHealth struct {
	Status    string    `json:"status"` // "healthy", "unhealthy"
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Status represents overall worker health
type Status struct {
	Timestamp    time.Time       `json:"timestamp"`
	Overall      string          `json:"overall"`
	ObjectStore  ComponentHealth `json:"object_store"`
	ResponseTime string          `json:"response_time"`
}

// Checker performs readiness checks against the object store and caches
// the result between periodic refreshes.
type Checker struct {
	store  ConnectionChecker
	logger *logrus.Entry

	mu   sync.RWMutex
	last *Status
}

func NewChecker(store ConnectionChecker, log *logrus.Logger) *Checker {
	return &Checker{
		store:  store,
		logger: logger.ForComponent(log, "health"),
	}
}

// Run refreshes the cached status every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := c.Check(ctx)
			if status.Overall != "healthy" {
				c.logger.Warnf("Health check degraded: %s", status.ObjectStore.Message)
			}
		}
	}
}

// Check probes the object store and caches the outcome.
func (c *Checker) Check(ctx context.Context) *Status {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := &Status{
		Timestamp: time.Now(),
		Overall:   "healthy",
		ObjectStore: ComponentHealth{
			Status:    "healthy",
			LastCheck: time.Now(),
		},
	}

	if err := c.store.CheckConnection(ctx); err != nil {
		status.Overall = "unhealthy"
		status.ObjectStore.Status = "unhealthy"
		status.ObjectStore.Message = err.Error()
	}

	status.ResponseTime = time.Since(start).String()

	c.mu.Lock()
	c.last = status
	c.mu.Unlock()

	return status
}

// Last returns the most recent check result, or nil before the first one.
func (c *Checker) Last() *Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
