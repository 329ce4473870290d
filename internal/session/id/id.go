// Package id provides identifier generation for upload sessions.
package id

import (
	"fmt"

	"github.com/google/uuid"
)

// NewSessionID creates a new unique session ID.
// Format: up-<uuid>
func NewSessionID() string {
	return fmt.Sprintf("up-%s", uuid.NewString())
}

// NewCorrelationID creates a new tracing correlation ID.
func NewCorrelationID() string {
	return uuid.NewString()
}

// StorageKey derives the object key for a user's upload. The key embeds the
// owner plus a fresh random id, so it is globally unique and never reused.
func StorageKey(userID string) string {
	return fmt.Sprintf("uploads/%s/%s", userID, uuid.NewString())
}
