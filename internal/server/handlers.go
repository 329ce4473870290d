package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openscribe/upload-api/internal/blob"
	"github.com/openscribe/upload-api/internal/plan"
	"github.com/openscribe/upload-api/internal/session"
)

// userIDHeader carries the caller's identity. Authentication itself is
// handled upstream; this service trusts the header.
const userIDHeader = "X-User-ID"

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	coordinator *session.Coordinator
	validator   *validator.Validate
	logger      *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(coordinator *session.Coordinator, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		coordinator: coordinator,
		validator:   validator.New(),
		logger:      logger,
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// InitiateUpload handles POST /uploads requests.
func (h *Handlers) InitiateUpload(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req InitiateUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	res, err := h.coordinator.Initiate(r.Context(), session.InitiateInput{
		UserID:          userID,
		FileName:        req.FileName,
		ContentType:     req.ContentType,
		SizeBytes:       req.SizeBytes,
		ClientRequestID: req.ClientRequestID,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := InitiateUploadResponse{
		ID:            res.Session.ID,
		Status:        string(res.Session.Status),
		StorageKey:    res.Session.StorageKey,
		SizeBytes:     res.Session.SizeBytes,
		ExpiresAtUTC:  formatTime(res.Session.ExpiresAt),
		CorrelationID: res.Session.CorrelationID,
	}
	if res.Initiation.Strategy == blob.StrategyMultipart {
		resp.UploadID = res.Initiation.UploadID
		resp.PartSizeBytes = res.Initiation.PartSizeBytes
		resp.TotalParts = res.Initiation.TotalParts
	} else {
		resp.UploadURL = res.Initiation.WriteURL
		resp.UploadHeaders = res.Initiation.WriteHeaders
	}

	writeJSON(w, http.StatusOK, resp)
}

// CompleteUpload handles PUT /uploads/{id} requests.
func (h *Handlers) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	sessionID := r.PathValue("id")

	var req CompleteUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	parts := make([]blob.CompletedPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, blob.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	s, err := h.coordinator.Complete(r.Context(), sessionID, userID, parts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse(s))
}

// GetUpload handles GET /uploads/{id} requests.
func (h *Handlers) GetUpload(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	s, err := h.coordinator.GetStatus(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse(s))
}

// AbortUpload handles DELETE /uploads/{id} requests. Aborting an unknown
// or already-aborted session succeeds, so repeated deletes are safe.
func (h *Handlers) AbortUpload(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := h.coordinator.Abort(r.Context(), r.PathValue("id"), userID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetPartURL handles GET /uploads/{id}/parts/{partNumber}/url requests.
func (h *Handlers) GetPartURL(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	partNumber, err := strconv.Atoi(r.PathValue("partNumber"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "part number must be an integer", "INVALID_PART_NUMBER")
		return
	}

	u, err := h.coordinator.PartWriteURL(r.Context(), r.PathValue("id"), userID, partNumber)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, PartURLResponse{URL: u})
}

// userID extracts the caller identity header, rejecting the request if
// it is missing.
func (h *Handlers) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userIDHeader+" header", "MISSING_USER_ID")
		return "", false
	}
	return userID, true
}

// writeServiceError maps coordinator errors onto HTTP responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var storageErr *blob.StorageError
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "upload session not found", "NOT_FOUND")
	case errors.Is(err, session.ErrMissingParts):
		writeError(w, http.StatusBadRequest, "parts are required to complete a multipart upload", "MISSING_PARTS")
	case errors.Is(err, session.ErrBadPartNumber):
		writeError(w, http.StatusBadRequest, "part number must be positive", "INVALID_PART_NUMBER")
	case errors.Is(err, session.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error(), "INVALID_STATE")
	case errors.Is(err, session.ErrConflict):
		writeError(w, http.StatusConflict, "concurrent update, retry the request", "CONFLICT")
	case errors.Is(err, plan.ErrLimitExceeded):
		writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds the plan size limit", "PLAN_LIMIT_EXCEEDED")
	case errors.As(err, &storageErr):
		h.logger.Error("storage backend error",
			slog.String("path", r.URL.Path),
			slog.String("op", storageErr.Op),
			slog.String("code", storageErr.Code),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "storage backend error", "STORAGE_ERROR")
	default:
		h.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
	}
}

// statusResponse projects a session onto the status DTO.
func statusResponse(s *session.Session) UploadStatusResponse {
	return UploadStatusResponse{
		ID:                s.ID,
		Status:            string(s.Status),
		ErrorMessage:      s.ErrorMessage,
		DetectedMediaType: string(s.DetectedMediaType),
		DurationSeconds:   s.DurationSeconds,
		CreatedAtUTC:      formatTime(s.CreatedAt),
		UploadedAtUTC:     formatTime(s.UploadedAt),
		ValidatedAtUTC:    formatTime(s.ValidatedAt),
	}
}

// formatTime renders a timestamp as RFC 3339, or empty when unset.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
