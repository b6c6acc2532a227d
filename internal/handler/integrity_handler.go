package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"usage-integrity-service/internal/gate"
	"usage-integrity-service/internal/models"
	"usage-integrity-service/internal/service"
	"usage-integrity-service/internal/util"
)

// IntegrityHandler handles HTTP requests for sharing detection and
// generation gating.
type IntegrityHandler struct {
	integrityService *service.IntegrityService
	logger           *zap.Logger
}

func NewIntegrityHandler(integrityService *service.IntegrityService, logger *zap.Logger) *IntegrityHandler {
	return &IntegrityHandler{
		integrityService: integrityService,
		logger:           logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// detectRequest is the body for detection and enforcement calls.
type detectRequest struct {
	UserID      string                    `json:"user_id"`
	SessionID   string                    `json:"session_id"`
	DeviceID    string                    `json:"device_id"`
	IPAddress   string                    `json:"ip_address"`
	UserAgent   string                    `json:"user_agent"`
	Fingerprint *models.DeviceFingerprint `json:"fingerprint,omitempty"`
}

func (r *detectRequest) validate() error {
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	if r.DeviceID == "" {
		return errors.New("device_id is required")
	}
	return nil
}

type reserveRequest struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
}

type rollbackRequest struct {
	UserID     string `json:"user_id"`
	ReservedAt int64  `json:"reserved_at"`
}

// RegisterRoutes registers all integrity routes
func (h *IntegrityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/integrity", func(r chi.Router) {
		r.Post("/detect", h.DetectSharing)
		r.Post("/enforce", h.DetectAndEnforce)
		r.Get("/should-block", h.ShouldBlock)
	})
	router.Route("/generation", func(r chi.Router) {
		r.Post("/reserve", h.ReserveGeneration)
		r.Post("/rollback", h.RollbackGeneration)
	})
}

// DetectSharing scores the user's sessions without applying policy.
func (h *IntegrityHandler) DetectSharing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request")
		return
	}

	assessment := h.integrityService.DetectSharing(ctx, req.UserID, req.DeviceID)

	h.respondWithJSON(w, http.StatusOK, successResponse(assessment, "Sharing assessment complete"))
	h.logger.Debug("Sharing detection via HTTP",
		util.String("user_id", req.UserID),
		util.Float64("confidence", assessment.Confidence),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "DetectSharing"),
	)
}

// DetectAndEnforce records the access, scores it, and applies policy.
func (h *IntegrityHandler) DetectAndEnforce(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request")
		return
	}

	rec := &models.SessionRecord{
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		DeviceID:    req.DeviceID,
		IPAddress:   req.IPAddress,
		UserAgent:   req.UserAgent,
		Fingerprint: req.Fingerprint,
	}

	assessment, outcome, err := h.integrityService.DetectAndEnforce(ctx, rec)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to evaluate access")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"assessment": assessment,
		"outcome":    outcome,
	}, "Access evaluated"))
	h.logger.Info("Access evaluated via HTTP",
		util.String("user_id", req.UserID),
		util.String("action", string(outcome.Action)),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "DetectAndEnforce"),
	)
}

// ShouldBlock is the fast middleware check for API gateways.
func (h *IntegrityHandler) ShouldBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := r.URL.Query().Get("user_id")
	deviceID := r.URL.Query().Get("device_id")
	if userID == "" || deviceID == "" {
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("user_id and device_id are required"), "Invalid request")
		return
	}

	blocked := h.integrityService.ShouldBlockRequest(ctx, userID, deviceID)

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{
		"blocked": blocked,
	}, "Block check complete"))
}

// ReserveGeneration claims one signal-generation slot.
func (h *IntegrityHandler) ReserveGeneration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.UserID == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("user_id is required"), "Invalid request")
		return
	}

	result, err := h.integrityService.TryReserveGeneration(ctx, req.UserID, req.Tier)
	if err != nil {
		statusCode := http.StatusInternalServerError
		if errors.Is(err, gate.ErrReserveUnavailable) {
			statusCode = http.StatusServiceUnavailable
		}
		h.respondWithError(w, statusCode, err, "Failed to reserve generation slot")
		return
	}

	statusCode := http.StatusOK
	message := "Generation slot reserved"
	if !result.Success {
		statusCode = http.StatusTooManyRequests
		message = "Generation slot unavailable"
	}

	h.respondWithJSON(w, statusCode, successResponse(result, message))
	h.logger.Info("Generation reservation via HTTP",
		util.String("user_id", req.UserID),
		util.String("tier", req.Tier),
		util.Bool("granted", result.Success),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "ReserveGeneration"),
	)
}

// RollbackGeneration returns a slot after a failed generation.
func (h *IntegrityHandler) RollbackGeneration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.UserID == "" || req.ReservedAt == 0 {
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("user_id and reserved_at are required"), "Invalid request")
		return
	}

	if err := h.integrityService.RollbackGeneration(ctx, req.UserID, time.Unix(req.ReservedAt, 0).UTC()); err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to roll back reservation")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Reservation rolled back"))
}

func (h *IntegrityHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *IntegrityHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}
