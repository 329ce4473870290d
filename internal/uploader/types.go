// Package uploader provides the client-side orchestration for resumable
// uploads: a staged pipeline that initiates a session, transfers the
// payload directly to storage, completes the session, polls validation,
// and hands the validated upload to downstream job creation.
package uploader

// Stage identifies the pipeline step an upload is currently in. Stages
// are reported through the status callback as the pipeline advances.
type Stage string

const (
	StageInitiating  Stage = "initiating"
	StageUploading   Stage = "uploading"
	StageCompleting  Stage = "completing"
	StageValidating  Stage = "validating"
	StageCreatingJob Stage = "creating-downstream-job"
	StageDone        Stage = "done"
	// StageError is the terminal stage for any failure other than
	// caller-initiated cancellation.
	StageError Stage = "error"
	// StageAborted is the terminal stage when the caller cancelled.
	StageAborted Stage = "aborted"
)

// IsTerminal returns true if the stage ends the pipeline.
func (s Stage) IsTerminal() bool {
	switch s {
	case StageDone, StageError, StageAborted:
		return true
	default:
		return false
	}
}

// StatusFunc observes pipeline progress. progress is the transfer
// percentage (0-100) and only moves during the uploading stage.
type StatusFunc func(stage Stage, progress int)

// InitiateRequest is the body for POST /uploads.
type InitiateRequest struct {
	FileName        string `json:"fileName"`
	ContentType     string `json:"contentType"`
	SizeBytes       int64  `json:"sizeBytes"`
	ClientRequestID string `json:"clientRequestId,omitempty"`
}

// InitiateResponse is the session envelope returned by POST /uploads.
// UploadURL is set for the single-write strategy, UploadID with
// PartSizeBytes/TotalParts for multipart.
type InitiateResponse struct {
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

// CompletedPart pairs a part number with the etag (or block id) the
// storage write returned for it.
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
}

// CompleteRequest is the body for PUT /uploads/{id}. Parts is omitted on
// the single-write path.
type CompleteRequest struct {
	Parts []CompletedPart `json:"parts,omitempty"`
}

// StatusResponse is the status projection returned by PUT and GET on a
// session.
type StatusResponse struct {
	ID                string  `json:"id"`
	Status            string  `json:"status"`
	ErrorMessage      string  `json:"errorMessage,omitempty"`
	DetectedMediaType string  `json:"detectedMediaType,omitempty"`
	DurationSeconds   float64 `json:"durationSeconds,omitempty"`
	CreatedAtUTC      string  `json:"createdAtUtc"`
	UploadedAtUTC     string  `json:"uploadedAtUtc,omitempty"`
	ValidatedAtUTC    string  `json:"validatedAtUtc,omitempty"`
}

// partURLResponse is the body of GET /uploads/{id}/parts/{n}/url.
type partURLResponse struct {
	URL string `json:"url"`
}

// Session statuses the poll loop distinguishes. They mirror the server's
// session states.
const (
	statusReady    = "READY"
	statusInvalid  = "INVALID"
	statusAborted  = "ABORTED"
	statusExpired  = "EXPIRED"
	statusFailed   = "FAILED"
	statusUploaded = "UPLOADED"
)
