/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */


/*
Package health reports whether a KayDB node is usable.

STATUS VALUES:
==============
  - healthy: All checks pass
  - degraded: Some non-critical checks fail
  - unhealthy: Critical checks fail

A Checker runs named checks and folds them into one status. The result can
be printed by the CLI (kaydb health) or served by an embedding process
through Handler:

	GET /health       - Overall health check
	GET /health/live  - Liveness check (is the process running?)
	GET /health/ready - Readiness check (is the engine ready for traffic?)
*/
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	kverrors "kaydb/internal/errors"
	"kaydb/internal/logging"
	"kaydb/internal/metrics"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    Status        `json:"status"`
	Timestamp string        `json:"timestamp"`
	Version   string        `json:"version,omitempty"`
	Checks    []CheckResult `json:"checks,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Checker manages health checks.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	version string
	logger  *logging.Logger
}

// NewChecker creates a new health checker.
func NewChecker(version string) *Checker {
	return &Checker{
		checks:  make(map[string]Check),
		version: version,
		logger:  logging.NewLogger("health"),
	}
}

// RegisterCheck registers a health check, replacing one with the same name.
func (c *Checker) RegisterCheck(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// RunChecks runs all registered health checks in name order.
func (c *Checker) RunChecks(ctx context.Context) HealthResponse {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   c.version,
		Checks:    make([]CheckResult, 0, len(names)),
	}

	for _, name := range names {
		start := time.Now()
		result := checks[name](ctx)
		result.Name = name
		result.Latency = time.Since(start).Milliseconds()
		response.Checks = append(response.Checks, result)

		if result.Status != StatusHealthy {
			c.logger.Warn("Health check failed", "check", name, "status", string(result.Status), "message", result.Message)
		}

		// Update overall status
		if result.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
		} else if result.Status == StatusDegraded && response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}

	return response
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy(ctx context.Context) bool {
	return c.RunChecks(ctx).Status == StatusHealthy
}

// Handler returns the health endpoints for an embedding HTTP server.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", c.handleHealth)
	mux.HandleFunc("/health/live", c.handleLiveness)
	mux.HandleFunc("/health/ready", c.handleReadiness)
	return mux
}

// handleHealth handles the /health endpoint.
func (c *Checker) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := c.RunChecks(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if response.Status != StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(response)
}

// handleLiveness handles the /health/live endpoint.
func (c *Checker) handleLiveness(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   c.version,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleReadiness handles the /health/ready endpoint. A degraded node
// still serves reads.
func (c *Checker) handleReadiness(w http.ResponseWriter, r *http.Request) {
	response := c.RunChecks(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if response.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(response)
}

// Common health checks

// KeyReader is the read side of the engine.
type KeyReader interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
}

var healthKey = []byte("\x00kaydb-health-check")

// StorageCheck reads a reserved key through the engine. A miss is healthy;
// any other error means the read path is broken.
func StorageCheck(r KeyReader) Check {
	return func(ctx context.Context) CheckResult {
		_, err := r.Get(ctx, healthKey)
		if err == nil || errors.Is(err, kverrors.ErrNotFound) {
			return CheckResult{Status: StatusHealthy}
		}
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}
}

// ReplicationCheck reports degraded when the replication lag recorded in
// m exceeds maxLag records.
func ReplicationCheck(m *metrics.Metrics, maxLag int64) Check {
	return func(ctx context.Context) CheckResult {
		lag := m.ReplicationLag.Load()
		if lag > maxLag {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("replication lag %d exceeds %d", lag, maxLag),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "replication synced",
		}
	}
}

// LeaderCheck reports degraded while no leader is known.
func LeaderCheck(leader func() string) Check {
	return func(ctx context.Context) CheckResult {
		id := leader()
		if id == "" {
			return CheckResult{
				Status:  StatusDegraded,
				Message: "no leader elected",
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "leader " + id,
		}
	}
}
