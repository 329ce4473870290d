// Package server provides the HTTP API for the upload service.
// It includes handlers, middleware, routes, and DTOs separated from
// domain types.
package server

// InitiateUploadRequest is the HTTP request body for starting an upload
// session.
type InitiateUploadRequest struct {
	// FileName is the caller-declared file name.
	FileName string `json:"fileName" validate:"required,max=512"`
	// ContentType is the declared MIME type of the payload.
	ContentType string `json:"contentType" validate:"required,max=255"`
	// SizeBytes is the declared payload size.
	SizeBytes int64 `json:"sizeBytes" validate:"required,min=1"`
	// ClientRequestID is an optional idempotency key; repeating it
	// returns the existing session instead of opening a new one.
	ClientRequestID string `json:"clientRequestId,omitempty" validate:"omitempty,max=128"`
}

// InitiateUploadResponse is the session envelope returned after
// initiation. Exactly one of UploadURL (single write) or UploadID with
// PartSizeBytes/TotalParts (multipart) is populated.
type InitiateUploadResponse struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	UploadURL     string            `json:"uploadUrl,omitempty"`
	UploadHeaders map[string]string `json:"uploadHeaders,omitempty"`
	UploadID      string            `json:"uploadId,omitempty"`
	StorageKey    string            `json:"storageKey"`
	SizeBytes     int64             `json:"sizeBytes"`
	PartSizeBytes int64             `json:"partSizeBytes,omitempty"`
	TotalParts    int               `json:"totalParts,omitempty"`
	ExpiresAtUTC  string            `json:"expiresAtUtc"`
	CorrelationID string            `json:"correlationId"`
}

// PartETag pairs a part number with the etag (or block id) returned by
// the storage write.
type PartETag struct {
	PartNumber int    `json:"partNumber" validate:"required,min=1"`
	ETag       string `json:"eTag" validate:"required"`
}

// CompleteUploadRequest is the HTTP request body for finalizing an
// upload. Parts is omitted on the single-write path.
type CompleteUploadRequest struct {
	Parts []PartETag `json:"parts,omitempty" validate:"omitempty,dive"`
}

// UploadStatusResponse is the status projection returned for a session.
type UploadStatusResponse struct {
	ID                string  `json:"id"`
	Status            string  `json:"status"`
	ErrorMessage      string  `json:"errorMessage,omitempty"`
	DetectedMediaType string  `json:"detectedMediaType,omitempty"`
	DurationSeconds   float64 `json:"durationSeconds,omitempty"`
	CreatedAtUTC      string  `json:"createdAtUtc"`
	UploadedAtUTC     string  `json:"uploadedAtUtc,omitempty"`
	ValidatedAtUTC    string  `json:"validatedAtUtc,omitempty"`
}

// PartURLResponse carries the write capability for one part.
type PartURLResponse struct {
	URL string `json:"url"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
