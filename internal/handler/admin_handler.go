package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/timberdb/coordinator/internal/metrics"
	"github.com/timberdb/coordinator/internal/model"
	"github.com/timberdb/coordinator/internal/service"
	"github.com/timberdb/coordinator/internal/store"
	"go.uber.org/zap"
)

// Rotator performs alias rotation. Implemented by service.RotationService.
type Rotator interface {
	Rotate(ctx context.Context, req service.RotateRequest) (*service.RotateResult, error)
}

// TriggerAdmin manages the running trigger set. Implemented by
// service.TriggerEngine.
type TriggerAdmin interface {
	SetTrigger(ctx context.Context, def model.TriggerDefinition) error
	RemoveTrigger(ctx context.Context, name string) error
	List() []model.TriggerDefinition
}

// AdminHandler handles alias rotation and trigger administration requests
type AdminHandler struct {
	rotator  Rotator
	triggers TriggerAdmin
	registry store.TriggerStore
	locks    store.LockManager
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(
	rotator Rotator,
	triggers TriggerAdmin,
	registry store.TriggerStore,
	locks store.LockManager,
	m *metrics.Metrics,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		rotator:  rotator,
		triggers: triggers,
		registry: registry,
		locks:    locks,
		metrics:  m,
		logger:   logger,
	}
}

// Register mounts the admin routes on a mux
func (h *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v2/aliases/{name}/rotate", h.RotateAlias)
	mux.HandleFunc("POST /admin/triggers", h.SetTrigger)
	mux.HandleFunc("GET /admin/triggers", h.ListTriggers)
	mux.HandleFunc("DELETE /admin/triggers/{name}", h.RemoveTrigger)
}

type rotateAliasRequest struct {
	ExpectedHead string `json:"expected_head,omitempty"`
}

type rotateAliasResponse struct {
	Collection string `json:"collection,omitempty"`
	Message    string `json:"message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type triggerResultResponse struct {
	Result  string `json:"result"`
	Message string `json:"message"`
}

// RotateAlias handles rotation requests for one alias. The cluster-wide lock
// on the alias name is held across the whole operation, so concurrent
// requests for the same alias serialize here.
func (h *AdminHandler) RotateAlias(w http.ResponseWriter, r *http.Request) {
	aliasName := r.PathValue("name")
	if aliasName == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "alias name is required"})
		return
	}

	var req rotateAliasRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.logger.Warn("Invalid rotate request body", zap.Error(err))
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
	}

	h.logger.Info("Received rotate alias request",
		zap.String("alias", aliasName),
		zap.String("expected_head", req.ExpectedHead))

	lockStart := time.Now()
	lease, err := h.locks.Acquire(r.Context(), "alias:"+aliasName)
	if err != nil {
		h.logger.Error("Failed to acquire alias lock",
			zap.String("alias", aliasName),
			zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "failed to acquire alias lock: " + err.Error()})
		return
	}
	h.metrics.RecordLockWait(time.Since(lockStart).Seconds())
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			h.logger.Warn("Failed to release alias lock",
				zap.String("alias", aliasName),
				zap.Error(err))
		}
	}()

	result, err := h.rotator.Rotate(r.Context(), service.RotateRequest{
		Alias:        aliasName,
		ExpectedHead: req.ExpectedHead,
	})
	if err != nil {
		h.logger.Error("Rotation failed",
			zap.String("alias", aliasName),
			zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrAliasNotFound) || errors.Is(err, service.ErrConfigSetRequired) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, rotateAliasResponse{
		Collection: result.Collection,
		Message:    result.Message,
	})
}

// SetTrigger creates or replaces a trigger definition. The definition is
// persisted before the engine picks it up, so a restart replays the same set.
func (h *AdminHandler) SetTrigger(w http.ResponseWriter, r *http.Request) {
	var def model.TriggerDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		h.logger.Warn("Invalid set trigger request body", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, triggerResultResponse{Result: "failure", Message: "invalid request body: " + err.Error()})
		return
	}

	if err := def.Validate(); err != nil {
		h.logger.Warn("Invalid trigger definition",
			zap.String("trigger", def.Name),
			zap.Error(err))
		writeJSON(w, http.StatusBadRequest, triggerResultResponse{Result: "failure", Message: err.Error()})
		return
	}

	h.logger.Info("Received set trigger request",
		zap.String("trigger", def.Name),
		zap.String("event", string(def.Event)),
		zap.Bool("enabled", def.Enabled))

	if err := h.registry.UpsertTrigger(r.Context(), &def); err != nil {
		h.logger.Error("Failed to persist trigger definition",
			zap.String("trigger", def.Name),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, triggerResultResponse{Result: "failure", Message: err.Error()})
		return
	}

	if err := h.triggers.SetTrigger(r.Context(), def); err != nil {
		h.logger.Error("Failed to load trigger",
			zap.String("trigger", def.Name),
			zap.Error(err))
		writeJSON(w, http.StatusBadRequest, triggerResultResponse{Result: "failure", Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, triggerResultResponse{Result: "success", Message: "trigger " + def.Name + " set"})
}

// ListTriggers returns the currently loaded trigger definitions
func (h *AdminHandler) ListTriggers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.triggers.List())
}

// RemoveTrigger deletes a trigger definition and cancels its pending state
func (h *AdminHandler) RemoveTrigger(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, triggerResultResponse{Result: "failure", Message: "trigger name is required"})
		return
	}

	h.logger.Info("Received remove trigger request", zap.String("trigger", name))

	if err := h.triggers.RemoveTrigger(r.Context(), name); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrTriggerNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, triggerResultResponse{Result: "failure", Message: err.Error()})
		return
	}

	if err := h.registry.DeleteTrigger(r.Context(), name); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("Failed to delete persisted trigger definition",
			zap.String("trigger", name),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, triggerResultResponse{Result: "failure", Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, triggerResultResponse{Result: "success", Message: "trigger " + name + " removed"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
