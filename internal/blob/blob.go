// Package blob normalizes the capability models of the supported object
// stores behind one Backend interface. S3 exposes native multipart uploads
// keyed by a server-issued upload id; Azure block blobs are assembled by
// writing named blocks and committing an ordered block list; the local
// backend exists for development and mimics the block-composition model.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned when the requested object (or pending upload)
// does not exist. Every backend maps its own not-found conditions to this
// sentinel so callers never have to inspect provider error codes.
var ErrNotFound = errors.New("blob: not found")

// StorageError wraps any backend failure other than not-found, carrying the
// provider error code for logging.
type StorageError struct {
	// Op is the adapter operation that failed (e.g. "commit").
	Op string
	// Key is the object key involved.
	Key string
	// Code is the provider-specific error code, if one was reported.
	Code string
	// Err is the underlying provider error.
	Err error
}

func (e *StorageError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("blob: %s %s: %s: %v", e.Op, e.Key, e.Code, e.Err)
	}
	return fmt.Sprintf("blob: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Strategy identifies how the caller is expected to write the object.
type Strategy string

const (
	// StrategySingleWrite means the whole object is written with one
	// request against Initiation.WriteURL.
	StrategySingleWrite Strategy = "single"
	// StrategyMultipart means the object is written part by part; each
	// part URL is requested separately via PartWriteURL.
	StrategyMultipart Strategy = "multipart"
)

// Initiation is the tagged result of starting an upload. Callers branch on
// Strategy rather than inferring it from which fields are set.
type Initiation struct {
	// Strategy selects which of the remaining fields are meaningful.
	Strategy Strategy

	// WriteURL is a time-limited capability to write the whole object.
	// Set only for StrategySingleWrite.
	WriteURL string
	// WriteHeaders are headers the store requires on the write request.
	// SAS URLs cannot embed them, so the writer has to supply them.
	WriteHeaders map[string]string
	// URLExpiresAt is when WriteURL stops being accepted.
	URLExpiresAt time.Time

	// UploadID identifies the pending multipart upload. For backends
	// without native multipart it is synthetic and equals the object key.
	// Set only for StrategyMultipart.
	UploadID string
	// PartSizeBytes is the size every part except the last must have.
	PartSizeBytes int64
	// TotalParts is ceil(totalSize / PartSizeBytes).
	TotalParts int
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	SizeBytes    int64
	ETag         string
	LastModified time.Time
}

// CompletedPart identifies one uploaded part at commit time. For
// block-composition backends ETag is ignored; the block id is re-derived
// from PartNumber.
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
}

// Backend is the port every storage variant implements.
type Backend interface {
	// Provider returns the backend tag persisted on sessions ("s3",
	// "azure" or "local").
	Provider() string

	// Bucket returns the bucket or container objects are written to.
	Bucket() string

	// Probe returns metadata for a stored object, or ErrNotFound.
	Probe(ctx context.Context, key string) (ObjectInfo, error)

	// BeginSingleWrite issues a time-limited capability to write the
	// whole object in one request.
	BeginSingleWrite(ctx context.Context, key, contentType string, sizeBytes int64) (Initiation, error)

	// BeginMultipart starts a part-by-part upload and reports the part
	// layout for totalSizeBytes.
	BeginMultipart(ctx context.Context, key, contentType string, totalSizeBytes int64) (Initiation, error)

	// PartWriteURL issues a time-limited capability to write one part.
	PartWriteURL(ctx context.Context, key, uploadID string, partNumber int) (string, error)

	// Commit finalizes a multipart upload from its parts, sorted by part
	// number, and returns the committed object's etag.
	Commit(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error)

	// Abort cancels a pending multipart upload. For block-composition
	// backends this deletes the target object, which is the closest
	// available primitive and is best-effort.
	Abort(ctx context.Context, key, uploadID string) error

	// Delete removes a committed object.
	Delete(ctx context.Context, key string) error

	// OpenRead streams a committed object. The caller closes the reader.
	OpenRead(ctx context.Context, key string) (io.ReadCloser, error)

	// WriteWhole writes an object directly, bypassing the capability-URL
	// path. Used for cleanup tooling and small internal writes.
	WriteWhole(ctx context.Context, key string, data io.Reader, contentType string) error
}

// PartLayout computes the part size and count for a multipart upload.
// partSize is raised to minPartSize when the backend imposes a floor.
func PartLayout(totalSizeBytes, partSize, minPartSize int64) (int64, int) {
	if partSize < minPartSize {
		partSize = minPartSize
	}
	totalParts := int((totalSizeBytes + partSize - 1) / partSize)
	if totalParts < 1 {
		totalParts = 1
	}
	return partSize, totalParts
}
