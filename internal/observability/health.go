package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Each dependency probe gets its own deadline so one hung dependency
// cannot eat the whole readiness budget.
const probeTimeout = 3 * time.Second

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// HealthChecker aggregates readiness probes for the service's
// dependencies (database, sandbox provider). Liveness is unconditional.
type HealthChecker struct {
	mu     sync.Mutex
	probes map[string]CheckFunc
	logger *slog.Logger
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no probes registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		probes: make(map[string]CheckFunc),
		logger: logger,
	}
}

// AddCheck registers a named readiness probe. Re-registering a name
// replaces the previous probe.
func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	h.probes[name] = check
	h.mu.Unlock()
}

// CheckHealth reports liveness, which is "ok" whenever the process can
// answer at all.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady probes every registered dependency and reports "ok" only
// when all of them pass, "degraded" otherwise.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.Lock()
	probes := make(map[string]CheckFunc, len(h.probes))
	for name, check := range h.probes {
		probes[name] = check
	}
	h.mu.Unlock()

	status := HealthStatus{Status: "ok"}
	if len(probes) == 0 {
		return status
	}

	status.Checks = make(map[string]CheckResult, len(probes))
	for name, check := range probes {
		status.Checks[name] = h.runProbe(ctx, name, check)
		if status.Checks[name].Status != "ok" {
			status.Status = "degraded"
		}
	}
	return status
}

func (h *HealthChecker) runProbe(ctx context.Context, name string, check CheckFunc) CheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := check(probeCtx); err != nil {
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
		}
		return CheckResult{Status: "fail", Message: err.Error()}
	}
	return CheckResult{Status: "ok"}
}
