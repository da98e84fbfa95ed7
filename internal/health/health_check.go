package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/timberdb/coordinator/internal/store"
	"go.uber.org/zap"
)

// HealthChecker provides health check endpoints
type HealthChecker struct {
	aliasStore store.AliasStore
	lockStore  store.LockManager
	stateStore store.TriggerStateStore
	logger     *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(
	aliasStore store.AliasStore,
	lockStore store.LockManager,
	stateStore store.TriggerStateStore,
	logger *zap.Logger,
) *HealthChecker {
	return &HealthChecker{
		aliasStore: aliasStore,
		lockStore:  lockStore,
		stateStore: stateStore,
		logger:     logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	// Check alias registry (PostgreSQL)
	if err := h.checkAliasStore(ctx); err != nil {
		h.logger.Error("Alias store health check failed", zap.Error(err))
		checks["alias_store"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["alias_store"] = "healthy"
	}

	// Check lock manager (Redis)
	if err := h.checkLockManager(ctx); err != nil {
		h.logger.Error("Lock manager health check failed", zap.Error(err))
		checks["lock_manager"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["lock_manager"] = "healthy"
	}

	// Check trigger state store (Redis)
	if err := h.checkStateStore(ctx); err != nil {
		h.logger.Error("Trigger state store health check failed", zap.Error(err))
		checks["trigger_state_store"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["trigger_state_store"] = "healthy"
	}

	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")

	if allHealthy {
		status.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status)
}

func (h *HealthChecker) checkAliasStore(ctx context.Context) error {
	if h.aliasStore == nil {
		return nil // Skip if not initialized
	}
	return h.aliasStore.Ping(ctx)
}

func (h *HealthChecker) checkLockManager(ctx context.Context) error {
	if h.lockStore == nil {
		return nil // Skip if not initialized
	}
	return h.lockStore.Ping(ctx)
}

func (h *HealthChecker) checkStateStore(ctx context.Context) error {
	if h.stateStore == nil {
		return nil // Skip if not initialized
	}
	return h.stateStore.Ping(ctx)
}
