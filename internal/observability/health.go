package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates readiness of the dependencies a run needs:
// the history store, the secret store and the last run itself.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for the readiness endpoint.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status    string `json:"status"`            // "ok" or "fail"
	Message   string `json:"message,omitempty"` // Error message on failure.
	ElapsedMS int64  `json:"elapsed_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named health check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckReady runs all registered checks concurrently, each bounded by its
// own timeout. The status is "degraded" if any check fails.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	if len(checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Go(func() {
			results[i] = runCheck(ctx, c)
		})
	}
	wg.Wait()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		res := results[i]
		status.Checks[c.Name] = res
		if res.Status == "ok" {
			continue
		}
		status.Status = "degraded"
		h.logger.Warn("readiness check failed",
			slog.String("check", c.Name),
			slog.String("error", res.Message),
		)
	}
	return status
}

func runCheck(ctx context.Context, c HealthCheck) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{Status: "ok", ElapsedMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "fail"
		res.Message = err.Error()
	}
	return res
}

// ErrRunFailed is reported by a run check while the most recent run failed.
var ErrRunFailed = errors.New("last run failed")

// LastRunFunc reports the status and finish time of the most recent run.
// ok is false before the first run completes.
type LastRunFunc func() (status string, finished time.Time, ok bool)

// RunCheck returns a check that fails while the most recent run failed, or
// when maxAge is positive and no run has finished within it. No run yet
// counts as healthy.
func RunCheck(last LastRunFunc, maxAge time.Duration) func(context.Context) error {
	return func(context.Context) error {
		status, finished, ok := last()
		if !ok {
			return nil
		}
		if status == "failed" {
			return fmt.Errorf("%w at %s", ErrRunFailed, finished.UTC().Format(time.RFC3339))
		}
		if maxAge > 0 {
			if age := time.Since(finished); age > maxAge {
				return fmt.Errorf("last run finished %s ago", age.Round(time.Second))
			}
		}
		return nil
	}
}
