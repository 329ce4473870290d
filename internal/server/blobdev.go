package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/openscribe/upload-api/internal/blob"
)

// BlobDevHandler serves the local backend's signed write URLs so the
// whole upload protocol can run end to end without cloud credentials.
// It is only mounted when the local storage backend is selected.
type BlobDevHandler struct {
	backend *blob.LocalBackend
	logger  *slog.Logger
}

// NewBlobDevHandler creates a handler over the local storage backend.
func NewBlobDevHandler(backend *blob.LocalBackend, logger *slog.Logger) *BlobDevHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BlobDevHandler{backend: backend, logger: logger}
}

// PutBlob handles PUT /blobs/{key...} requests carrying the token the
// local backend embedded in the write URL. partNumber 0 (or absent)
// writes the whole object; positive part numbers stage multipart parts.
func (h *BlobDevHandler) PutBlob(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	q := r.URL.Query()

	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or invalid expires parameter", "INVALID_EXPIRY")
		return
	}

	partNumber := 0
	if v := q.Get("partNumber"); v != "" {
		partNumber, err = strconv.Atoi(v)
		if err != nil || partNumber < 0 {
			writeError(w, http.StatusBadRequest, "invalid partNumber parameter", "INVALID_PART_NUMBER")
			return
		}
	}

	if err := h.backend.VerifyWriteToken(key, partNumber, expires, q.Get("token")); err != nil {
		if errors.Is(err, blob.ErrBadWriteToken) {
			writeError(w, http.StatusForbidden, "invalid or expired write token", "BAD_WRITE_TOKEN")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
		return
	}

	if partNumber == 0 {
		err = h.backend.WriteWhole(r.Context(), key, r.Body, r.Header.Get("Content-Type"))
	} else {
		err = h.backend.StagePart(r.Context(), key, partNumber, r.Body)
	}
	if err != nil {
		h.logger.Error("blob write failed",
			slog.String("key", key),
			slog.Int("part_number", partNumber),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "blob write failed", "WRITE_FAILED")
		return
	}

	if partNumber == 0 {
		if info, perr := h.backend.Probe(r.Context(), key); perr == nil {
			w.Header().Set("ETag", `"`+info.ETag+`"`)
		}
	}
	w.WriteHeader(http.StatusOK)
}
