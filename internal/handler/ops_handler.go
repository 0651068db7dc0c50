package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/VoxRelayAI/sip-realtime-gateway/internal/core/model/openai"
	"github.com/VoxRelayAI/sip-realtime-gateway/internal/core/session"
	"github.com/VoxRelayAI/sip-realtime-gateway/internal/domain"
	"github.com/VoxRelayAI/sip-realtime-gateway/internal/repository"
	"github.com/VoxRelayAI/sip-realtime-gateway/pkg/logger"
)

// OpsHandler serves the operational endpoints: liveness and call
// observability. It reads, never mutates.
type OpsHandler struct {
	instanceID string
	startedAt  time.Time

	streams  *openai.Handler
	registry *session.Registry                // nil without Redis
	callRepo *repository.CallRecordRepository // nil without a database
}

// NewOpsHandler creates the ops handler. Registry and repository may be nil.
func NewOpsHandler(instanceID string, streams *openai.Handler, registry *session.Registry, callRepo *repository.CallRecordRepository) *OpsHandler {
	return &OpsHandler{
		instanceID: instanceID,
		startedAt:  time.Now(),
		streams:    streams,
		registry:   registry,
		callRepo:   callRepo,
	}
}

// HandleHealth godoc
// @Summary Liveness check
// @Tags ops
// @Produce json
// @Success 200 {object} object "Service status"
// @Router /health [get]
func (h *OpsHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"instance_id":    h.instanceID,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"active_streams": len(h.streams.ActiveCalls()),
	})
}

// HandleCalls godoc
// @Summary List call sessions
// @Description Active sessions from the registry plus recent persisted call records
// @Tags ops
// @Produce json
// @Success 200 {object} object "Call sessions"
// @Failure 401 {object} object "Missing or invalid API key"
// @Router /api/calls [get]
func (h *OpsHandler) HandleCalls(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"local_streams": h.streams.ActiveCalls(),
	}

	if h.registry != nil {
		active, err := h.registry.ActiveCalls(r.Context())
		if err != nil {
			logger.Base().Error("Failed to list active calls", zap.Error(err))
		} else {
			response["active"] = active
		}
	}

	if h.callRepo != nil {
		recent, err := h.callRepo.ListRecent(r.Context(), 50)
		if err != nil {
			logger.Base().Error("Failed to list recent call records", zap.Error(err))
		} else {
			if recent == nil {
				recent = []*domain.CallRecord{}
			}
			response["recent"] = recent
		}
	}

	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Base().Error("Failed to encode response", zap.Error(err))
	}
}
