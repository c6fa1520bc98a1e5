// Package health provides liveness and readiness checks for the agent's
// debug endpoint: pipeline running, staging-queue depth, overflow store
// reachable.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health of a component.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is degraded but functional.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	Error       string    `json:"error,omitempty"`
}

// Check performs one component health check.
type Check func(ctx context.Context) CheckResult

// Checker aggregates component checks into one overall status.
type Checker struct {
	mu        sync.RWMutex
	checks    map[string]Check
	startTime time.Time
	ready     bool
}

// NewChecker creates an empty Checker.
func NewChecker() *Checker {
	return &Checker{
		checks:    make(map[string]Check),
		startTime: time.Now(),
	}
}

// Register adds a named component check.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// SetReady flips the readiness state.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady reports the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Run executes all registered checks and returns their results.
func (c *Checker) Run(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	for name, check := range checks {
		result := check(ctx)
		result.LastChecked = time.Now()
		results[name] = result
	}

	return results
}

// Overall reduces component results to one status: any unhealthy component
// makes the whole agent unhealthy, any degraded one makes it degraded.
func Overall(results map[string]CheckResult) Status {
	overall := StatusHealthy
	for _, r := range results {
		switch r.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// Handler serves the aggregated health report as JSON. Unready or
// unhealthy agents answer 503.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results := c.Run(r.Context())
		overall := Overall(results)

		code := http.StatusOK
		if !c.IsReady() || overall == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}

		report := struct {
			Status     Status                 `json:"status"`
			Ready      bool                   `json:"ready"`
			UptimeSec  int64                  `json:"uptime_sec"`
			Components map[string]CheckResult `json:"components"`
		}{
			Status:     overall,
			Ready:      c.IsReady(),
			UptimeSec:  int64(time.Since(c.startTime).Seconds()),
			Components: results,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(report)
	})
}
