// Package probe provides the content validator contract and its ffprobe
// implementation. The validator inspects a finalized object and reports
// whether it is a decodable media container, its real media type and its
// duration. The probing technique is replaceable; the coordinator only
// depends on the Validator interface.
package probe

import "context"

// MediaType is the detected kind of media.
type MediaType string

const (
	// MediaTypeAudio marks an audio-only object.
	MediaTypeAudio MediaType = "audio"
	// MediaTypeVideo marks an object with at least one video stream.
	MediaTypeVideo MediaType = "video"
)

// Result is the validator's report for one object.
type Result struct {
	// Valid is true when the object is a decodable, supported container.
	Valid bool
	// ContainerType is the detected container format (e.g. "mov,mp4,m4a").
	ContainerType string
	// MediaType is audio or video. Empty when Valid is false.
	MediaType MediaType
	// DurationSeconds is the decoded duration. Zero when Valid is false.
	DurationSeconds float64
	// Reason is the human-readable rejection reason when Valid is false.
	Reason string
}

// Validator inspects a stored object. A rejected object yields a Result
// with Valid=false and a nil error; errors are reserved for the probe
// itself failing (storage unreachable, tool missing).
type Validator interface {
	Inspect(ctx context.Context, storageKey string) (Result, error)
}
