// ==============================================================================
// WINDOW HANDLER - internal/handler/window.go
// ==============================================================================
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"railnet/internal/domain"
	"railnet/internal/window"
	"railnet/pkg/errors"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// PositionReader lists a window's net positions.
type PositionReader interface {
	FindByWindow(ctx context.Context, windowID uuid.UUID) ([]domain.NetPosition, error)
}

// InstructionReader lists a window's settlement instructions.
type InstructionReader interface {
	FindByWindow(ctx context.Context, windowID uuid.UUID) ([]domain.SettlementInstruction, error)
}

type WindowHandler struct {
	service      *window.Service
	positions    PositionReader
	instructions InstructionReader
	region       string
	logger       Logger
}

func NewWindowHandler(service *window.Service, positions PositionReader, instructions InstructionReader, region string, log Logger) *WindowHandler {
	return &WindowHandler{
		service:      service,
		positions:    positions,
		instructions: instructions,
		region:       region,
		logger:       log,
	}
}

// Current returns the region's accepting window with running totals.
func (h *WindowHandler) Current(w http.ResponseWriter, r *http.Request) {
	region := r.URL.Query().Get("region")
	if region == "" {
		region = h.region
	}

	snapshot, err := h.service.CurrentWindow(r.Context(), region)
	if err != nil {
		if errors.Is(err, errors.ErrNoOpenWindow) {
			h.respondError(w, http.StatusNotFound, "No accepting window for region "+region)
			return
		}
		h.logger.Error("Failed to fetch current window", map[string]interface{}{
			"error":  err.Error(),
			"region": region,
		})
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch current window")
		return
	}

	h.respondJSON(w, http.StatusOK, snapshot)
}

// Get returns one window by ID.
func (h *WindowHandler) Get(w http.ResponseWriter, r *http.Request) {
	windowID, ok := h.windowID(w, r)
	if !ok {
		return
	}

	win, err := h.service.Get(r.Context(), windowID)
	if err != nil {
		if errors.Is(err, errors.ErrWindowNotFound) {
			h.respondError(w, http.StatusNotFound, "Window not found")
			return
		}
		h.logger.Error("Failed to fetch window", map[string]interface{}{
			"error":     err.Error(),
			"window_id": windowID.String(),
		})
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch window")
		return
	}

	h.respondJSON(w, http.StatusOK, win)
}

// Positions returns a window's net positions.
func (h *WindowHandler) Positions(w http.ResponseWriter, r *http.Request) {
	windowID, ok := h.windowID(w, r)
	if !ok {
		return
	}

	positions, err := h.positions.FindByWindow(r.Context(), windowID)
	if err != nil {
		h.logger.Error("Failed to fetch net positions", map[string]interface{}{
			"error":     err.Error(),
			"window_id": windowID.String(),
		})
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch net positions")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"window_id": windowID,
		"positions": positions,
		"total":     len(positions),
	})
}

// Instructions returns a window's settlement instructions.
func (h *WindowHandler) Instructions(w http.ResponseWriter, r *http.Request) {
	windowID, ok := h.windowID(w, r)
	if !ok {
		return
	}

	instructions, err := h.instructions.FindByWindow(r.Context(), windowID)
	if err != nil {
		h.logger.Error("Failed to fetch settlement instructions", map[string]interface{}{
			"error":     err.Error(),
			"window_id": windowID.String(),
		})
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch settlement instructions")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"window_id":    windowID,
		"instructions": instructions,
		"total":        len(instructions),
	})
}

// Advance applies any due time-based transition to a window (operator action).
func (h *WindowHandler) Advance(w http.ResponseWriter, r *http.Request) {
	windowID, ok := h.windowID(w, r)
	if !ok {
		return
	}

	win, err := h.service.AdvanceWindow(r.Context(), windowID)
	if err != nil {
		switch {
		case errors.Is(err, errors.ErrWindowNotFound):
			h.respondError(w, http.StatusNotFound, "Window not found")
		case errors.Is(err, errors.ErrInvalidWindowState):
			h.respondError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("Failed to advance window", map[string]interface{}{
				"error":     err.Error(),
				"window_id": windowID.String(),
			})
			h.respondError(w, http.StatusInternalServerError, "Failed to advance window")
		}
		return
	}

	h.respondJSON(w, http.StatusOK, win)
}

type failWindowRequest struct {
	Reason string `json:"reason"`
}

// Fail marks a window failed and requeues its pending obligations into the
// next window (operator action).
func (h *WindowHandler) Fail(w http.ResponseWriter, r *http.Request) {
	windowID, ok := h.windowID(w, r)
	if !ok {
		return
	}

	var req failWindowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Reason == "" {
		h.respondError(w, http.StatusBadRequest, "reason is required")
		return
	}

	if err := h.service.FailWindow(r.Context(), windowID, req.Reason); err != nil {
		switch {
		case errors.Is(err, errors.ErrWindowNotFound):
			h.respondError(w, http.StatusNotFound, "Window not found")
		case errors.Is(err, errors.ErrInvalidWindowState):
			h.respondError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("Failed to fail window", map[string]interface{}{
				"error":     err.Error(),
				"window_id": windowID.String(),
			})
			h.respondError(w, http.StatusInternalServerError, "Failed to fail window")
		}
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{
		"window_id": windowID.String(),
		"status":    string(domain.WindowStatusFailed),
	})
}

func (h *WindowHandler) windowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid window ID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *WindowHandler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *WindowHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
