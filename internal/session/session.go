// Package session provides the UploadSession aggregate and the coordinator
// that owns the resumable-upload state machine. It includes repository
// interfaces for persistence and a background sweeper for expired sessions.
package session

import (
	"errors"
	"time"

	"github.com/openscribe/upload-api/internal/session/id"
)

// Status represents the current state of an UploadSession.
type Status string

const (
	// StatusCreated indicates the session exists and write capabilities
	// have been issued, but no part URL has been requested yet.
	StatusCreated Status = "CREATED"
	// StatusUploading indicates the client has started writing bytes.
	StatusUploading Status = "UPLOADING"
	// StatusUploaded indicates the object was committed to storage.
	StatusUploaded Status = "UPLOADED"
	// StatusValidating indicates the content validator is inspecting the
	// committed object.
	StatusValidating Status = "VALIDATING"
	// StatusReady indicates the object was validated and is ready for
	// downstream processing.
	StatusReady Status = "READY"
	// StatusInvalid indicates the validator rejected the object.
	StatusInvalid Status = "INVALID"
	// StatusAborted indicates the caller cancelled the upload.
	StatusAborted Status = "ABORTED"
	// StatusExpired indicates the session TTL elapsed before completion.
	StatusExpired Status = "EXPIRED"
	// StatusFailed indicates finalization hit an unexpected error.
	StatusFailed Status = "FAILED"
)

// MediaType is the validator-detected kind of media.
type MediaType string

const (
	// MediaTypeAudio marks an audio-only object.
	MediaTypeAudio MediaType = "audio"
	// MediaTypeVideo marks an object with at least one video stream.
	MediaTypeVideo MediaType = "video"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("session: invalid state transition")

// validTransitions defines which state transitions are allowed. Abort is
// reachable from every non-terminal state and from READY/INVALID (aborting
// a finished session soft-deletes it and removes the stored object).
var validTransitions = map[Status][]Status{
	StatusCreated:    {StatusUploading, StatusAborted, StatusExpired},
	StatusUploading:  {StatusUploaded, StatusAborted, StatusExpired},
	StatusUploaded:   {StatusValidating, StatusAborted, StatusFailed},
	StatusValidating: {StatusReady, StatusInvalid, StatusAborted},
	StatusReady:      {StatusAborted},
	StatusInvalid:    {StatusAborted},
	StatusAborted:    {},
	StatusExpired:    {},
	StatusFailed:     {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsPending returns true while the client may still write bytes.
func (s Status) IsPending() bool {
	return s == StatusCreated || s == StatusUploading
}

// IsFinalized returns true once the object was committed, regardless of
// how validation turns out.
func (s Status) IsFinalized() bool {
	return s == StatusUploaded || s == StatusValidating || s == StatusReady || s == StatusInvalid
}

// IsTerminal returns true if no further transitions are possible except
// an explicit abort.
func (s Status) IsTerminal() bool {
	return s == StatusReady || s == StatusInvalid || s == StatusAborted ||
		s == StatusExpired || s == StatusFailed
}

// Session is the persisted record of a single upload attempt. Instances
// are value-like: repositories return clones and writes are guarded by the
// RowVersion optimistic-concurrency token, so no internal locking is needed.
type Session struct {
	// ID is the opaque server-generated identifier.
	ID string
	// UserID is the owner; every operation checks it.
	UserID string
	// ClientRequestID is the optional caller-supplied idempotency key.
	ClientRequestID string
	// CorrelationID is server-generated, for tracing.
	CorrelationID string

	// FileName is the caller-declared file name.
	FileName string
	// DeclaredContentType is the content type declared at initiation.
	DeclaredContentType string
	// SizeBytes is the declared size, corrected to the committed size
	// after upload.
	SizeBytes int64

	// StorageKey is the globally unique object key, never reused.
	StorageKey string
	// Bucket is the bucket or container the object lives in.
	Bucket string
	// Provider tags which backend holds the object.
	Provider string
	// UploadID is set if and only if the multipart strategy was chosen.
	UploadID string
	// PartSizeBytes is the effective part size the backend chose at
	// initiation. Backends may raise the configured chunk size to their
	// own floor, so replays read the layout from here rather than
	// re-deriving it from configuration.
	PartSizeBytes int64
	// ETag is the committed object's etag, set on finalize.
	ETag string

	// DetectedContainerType is the validator-reported container format.
	DetectedContainerType string
	// DetectedMediaType is the validator-reported media kind.
	DetectedMediaType MediaType
	// DurationSeconds is the validator-reported duration.
	DurationSeconds float64

	// Status is the current lifecycle state.
	Status Status
	// ErrorMessage holds the validator rejection reason or finalize error.
	ErrorMessage string

	CreatedAt    time.Time
	ExpiresAt    time.Time
	URLExpiresAt time.Time
	UploadedAt   time.Time
	ValidatedAt  time.Time
	DeletedAt    time.Time

	// RowVersion is the opaque optimistic-concurrency token. Repositories
	// reject writes whose RowVersion does not match the stored row.
	RowVersion int64
}

// New creates a Session in CREATED state with generated identifiers and a
// storage key derived from the owner.
func New(userID, fileName, contentType string, sizeBytes int64, clientRequestID string, ttl time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:                  id.NewSessionID(),
		UserID:              userID,
		ClientRequestID:     clientRequestID,
		CorrelationID:       id.NewCorrelationID(),
		FileName:            fileName,
		DeclaredContentType: contentType,
		SizeBytes:           sizeBytes,
		StorageKey:          id.StorageKey(userID),
		Status:              StatusCreated,
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl),
	}
}

// TransitionTo attempts to change the session status.
// Returns ErrInvalidTransition if the transition is not allowed.
func (s *Session) TransitionTo(status Status) error {
	if !canTransition(s.Status, status) {
		return ErrInvalidTransition
	}
	s.Status = status

	now := time.Now().UTC()
	switch status {
	case StatusUploaded:
		s.UploadedAt = now
	case StatusReady, StatusInvalid:
		s.ValidatedAt = now
	case StatusAborted:
		s.DeletedAt = now
	}
	return nil
}

// Expired reports whether a still-pending session has outlived its TTL.
func (s *Session) Expired(now time.Time) bool {
	return s.Status.IsPending() && !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Clone creates a deep copy of the session for safe reads.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}
