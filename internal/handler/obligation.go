// ==============================================================================
// OBLIGATION HANDLER - internal/handler/obligation.go
// ==============================================================================
package handler

import (
	"encoding/json"
	"net/http"

	"railnet/internal/window"
	"railnet/pkg/errors"
	"railnet/pkg/validator"
)

type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

type ObligationHandler struct {
	service   *window.Service
	validator *validator.Validator
	region    string
	logger    Logger
}

func NewObligationHandler(service *window.Service, val *validator.Validator, region string, log Logger) *ObligationHandler {
	return &ObligationHandler{service: service, validator: val, region: region, logger: log}
}

// Submit admits one obligation into the region's accepting window.
func (h *ObligationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req window.SubmitObligationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if errs := h.validator.ValidateStructured(&req); errs != nil {
		h.respondValidationErrors(w, errs)
		return
	}

	region := r.URL.Query().Get("region")
	if region == "" {
		region = h.region
	}

	ob, err := h.service.AdmitObligation(r.Context(), region, &req)
	if err != nil {
		switch {
		case errors.Is(err, errors.ErrNoOpenWindow), errors.Is(err, errors.ErrWindowClosed):
			h.respondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, errors.ErrInvalidObligation),
			errors.Is(err, errors.ErrNonPositiveAmount),
			errors.Is(err, errors.ErrSelfObligation),
			errors.Is(err, errors.ErrInvalidCurrency):
			h.respondError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("Obligation admission failed", map[string]interface{}{
				"error":  err.Error(),
				"region": region,
			})
			h.respondError(w, http.StatusInternalServerError, "Failed to submit obligation")
		}
		return
	}

	h.respondJSON(w, http.StatusCreated, ob)
}

// respondJSON responds with JSON.
func (h *ObligationHandler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// respondError responds with an error message.
func (h *ObligationHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// respondValidationErrors responds with validation errors.
func (h *ObligationHandler) respondValidationErrors(w http.ResponseWriter, errs map[string]string) {
	h.respondJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": errs})
}
