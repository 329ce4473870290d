package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session cannot be found, or is not owned
// by the caller.
var ErrNotFound = errors.New("session: not found")

// ErrConflict is returned by Update when the stored row version no longer
// matches the one carried by the session. The coordinator resolves it by
// reloading; it never surfaces to API callers directly.
var ErrConflict = errors.New("session: concurrent modification")

// Repository defines the persistence port for upload sessions.
type Repository interface {
	// Create persists a new session. The stored RowVersion starts at 1.
	Create(ctx context.Context, s *Session) error

	// Update writes the session if and only if its RowVersion matches the
	// stored row, then increments it. Returns ErrConflict on a version
	// mismatch and ErrNotFound if the row is gone.
	Update(ctx context.Context, s *Session) error

	// FindByID retrieves a session by its identifier.
	// Returns ErrNotFound if the session does not exist.
	FindByID(ctx context.Context, id string) (*Session, error)

	// FindByClientRequestID retrieves the session created for an
	// idempotency key, ignoring aborted sessions.
	// Returns ErrNotFound when no such session exists.
	FindByClientRequestID(ctx context.Context, userID, clientRequestID string) (*Session, error)

	// ListExpired returns up to limit still-pending sessions whose
	// ExpiresAt is before cutoff. Used by the sweeper.
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error)
}
