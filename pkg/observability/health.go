package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of the service
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a single health check
type HealthCheck struct {
	Name      string
	CheckFunc func(context.Context) error
	Timeout   time.Duration
	// Critical checks turn the overall status unhealthy; others only degrade it.
	Critical bool
}

// HealthChecker runs registered health checks.
type HealthChecker struct {
	checks  map[string]*HealthCheck
	started time.Time
	version string
	mu      sync.RWMutex
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckStatus `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckStatus represents the status of a health check
type CheckStatus struct {
	Status   HealthStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
	Duration string       `json:"duration,omitempty"`
}

// SystemInfo represents system information
type SystemInfo struct {
	NumGoroutines int    `json:"num_goroutines"`
	MemAllocMB    uint64 `json:"mem_alloc_mb"`
}

// NewHealthChecker creates an empty checker reporting the given version.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		checks:  make(map[string]*HealthCheck),
		started: time.Now(),
		version: version,
	}
}

// RegisterCheck registers a new health check, replacing any check with the same name.
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) {
	if check.Timeout == 0 {
		check.Timeout = 5 * time.Second
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[check.Name] = check
}

// Check performs all health checks
func (hc *HealthChecker) Check(ctx context.Context) HealthResponse {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	checks := make(map[string]*HealthCheck, len(hc.checks))
	for name, check := range hc.checks {
		names = append(names, name)
		checks[name] = check
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]CheckStatus, len(names))
	overall := HealthStatusHealthy
	for _, name := range names {
		check := checks[name]
		status := performCheck(ctx, check)
		results[name] = status

		switch {
		case status.Status == HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case status.Status == HealthStatusDegraded && overall == HealthStatusHealthy:
			overall = HealthStatusDegraded
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return HealthResponse{
		Status:    overall,
		Timestamp: time.Now(),
		Version:   hc.version,
		Uptime:    time.Since(hc.started).Round(time.Second).String(),
		Checks:    results,
		System: SystemInfo{
			NumGoroutines: runtime.NumGoroutine(),
			MemAllocMB:    m.Alloc / 1024 / 1024,
		},
	}
}

func performCheck(ctx context.Context, check *HealthCheck) CheckStatus {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- check.CheckFunc(checkCtx)
	}()

	var err error
	select {
	case err = <-errChan:
	case <-checkCtx.Done():
		err = fmt.Errorf("check timed out: %w", checkCtx.Err())
	}

	status := CheckStatus{
		Status:   HealthStatusHealthy,
		Message:  "OK",
		Duration: time.Since(start).String(),
	}
	if err != nil {
		status.Status = HealthStatusDegraded
		if check.Critical {
			status.Status = HealthStatusUnhealthy
		}
		status.Message = err.Error()
	}
	return status
}

// HealthHandler returns an HTTP handler reporting every check.
func (hc *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := hc.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if response.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(response)
	}
}

// LivenessHandler returns a simple liveness probe handler
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}

// ReadinessHandler reports ready only while every check is healthy.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := hc.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if response.Status == HealthStatusHealthy {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
	}
}

// SessionsCheck degrades health when any live session has lost its subprocess.
// stats returns the number of usable sessions and the total number of sessions.
func SessionsCheck(stats func() (usable, total int)) *HealthCheck {
	return &HealthCheck{
		Name: "sessions",
		CheckFunc: func(ctx context.Context) error {
			usable, total := stats()
			if usable < total {
				return fmt.Errorf("%d of %d sessions unavailable", total-usable, total)
			}
			return nil
		},
		Timeout: time.Second,
	}
}

// SchedulerCheck marks the service unhealthy when the scheduler loop is not running.
func SchedulerCheck(running func() bool) *HealthCheck {
	return &HealthCheck{
		Name: "scheduler",
		CheckFunc: func(ctx context.Context) error {
			if !running() {
				return fmt.Errorf("scheduler loop is not running")
			}
			return nil
		},
		Timeout:  time.Second,
		Critical: true,
	}
}
