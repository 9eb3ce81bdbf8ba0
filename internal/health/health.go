// Package health provides health check endpoints for rdmalink.
//
// The package implements Kubernetes-compatible health checks:
//
//   - /health/live: Liveness probe (is the process running?)
//   - /health/ready: Readiness probe (is the queue pair in RTS?)
//   - /health: Detailed status of every component
//
// The detailed check returns JSON status with component health details:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "verbs": {"status": "healthy", "message": "2 RDMA devices"},
//	    "connection": {"status": "healthy", "message": "queue pair in RTS"}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but core functionality works.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the process.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// Connection is the part of a connection the checker observes.
type Connection interface {
	Phase() rdma.Phase
}

// Checker performs health checks on the verbs backend and the connection.
type Checker struct {
	cacheExpiry  time.Time
	backend      rdma.VerbsBackend
	conn         Connection
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	mu           sync.RWMutex
}

// NewChecker creates a new health checker.
func NewChecker(backend rdma.VerbsBackend) *Checker {
	return &Checker{
		backend:  backend,
		cacheTTL: time.Second,
	}
}

// SetConnection registers the connection to observe. Passing nil clears it.
func (c *Checker) SetConnection(conn Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = conn
	c.cachedStatus = nil
}

func (c *Checker) connection() Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.conn
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	// Check cache first
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	c.mu.RUnlock()

	checks := make(map[string]Check)

	var (
		wg       sync.WaitGroup
		checksMu sync.Mutex
	)

	wg.Add(2)

	go func() {
		defer wg.Done()

		check := c.CheckVerbs(ctx)

		checksMu.Lock()

		checks["verbs"] = check

		checksMu.Unlock()
	}()

	go func() {
		defer wg.Done()

		check := c.CheckConnection(ctx)

		checksMu.Lock()

		checks["connection"] = check

		checksMu.Unlock()
	}()

	wg.Wait()

	healthStatus := &HealthStatus{
		Status:    c.determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckVerbs checks that the backend can enumerate devices.
func (c *Checker) CheckVerbs(ctx context.Context) Check {
	if c.backend == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "verbs backend not initialized",
		}
	}

	if err := c.backend.Init(); err != nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "verbs init failed: " + err.Error(),
		}
	}

	devices, err := c.backend.GetDeviceList()
	if err != nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "device enumeration failed: " + err.Error(),
		}
	}

	if len(devices) == 0 {
		return Check{
			Status:  StatusUnhealthy,
			Message: "no RDMA devices",
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d RDMA devices", len(devices)),
	}
}

// CheckConnection checks the queue pair phase of the current connection.
func (c *Checker) CheckConnection(ctx context.Context) Check {
	conn := c.connection()
	if conn == nil {
		return Check{
			Status:  StatusDegraded,
			Message: "no connection negotiated yet",
		}
	}

	if phase := conn.Phase(); phase != rdma.PhaseRTS {
		return Check{
			Status:  StatusUnhealthy,
			Message: "queue pair in " + phase.String(),
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: "queue pair in RTS",
	}
}

// IsReady reports whether a connection is established.
func (c *Checker) IsReady(ctx context.Context) bool {
	conn := c.connection()

	return conn != nil && conn.Phase() == rdma.PhaseRTS
}

// IsLive checks if the process is alive.
func (c *Checker) IsLive(ctx context.Context) bool {
	return true
}

// determineOverallStatus determines the overall health status based on individual checks.
func (c *Checker) determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// LivenessHandler handles Kubernetes liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.checker.IsLive(ctx) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ok"}`))
	}
}

// ReadinessHandler handles Kubernetes readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.checker.IsReady(ctx) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
	}
}

// DetailedHandler handles detailed health check requests.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := h.checker.Check(ctx)

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK) // Return 200 for degraded but include status in body
	}

	_ = json.NewEncoder(w).Encode(status)
}
