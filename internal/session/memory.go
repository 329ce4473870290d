package session

import (
	"context"
	"sync"
	"time"
)

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory implementation of Repository.
// It uses a map with RWMutex for thread-safe access and honors the
// optimistic-concurrency contract the same way the Postgres repository
// does. Suitable for development and testing.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryRepository creates a new in-memory session repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*Session),
	}
}

// Create persists a new session with RowVersion 1.
func (r *MemoryRepository) Create(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.RowVersion = 1
	r.sessions[s.ID] = s.Clone()
	return nil
}

// Update writes the session if its RowVersion matches the stored row.
func (r *MemoryRepository) Update(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.RowVersion != s.RowVersion {
		return ErrConflict
	}
	s.RowVersion++
	r.sessions[s.ID] = s.Clone()
	return nil
}

// FindByID retrieves a session by its ID.
// Returns a clone to prevent external mutations.
func (r *MemoryRepository) FindByID(_ context.Context, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// FindByClientRequestID retrieves the non-aborted session matching an
// idempotency key for the given user.
func (r *MemoryRepository) FindByClientRequestID(_ context.Context, userID, clientRequestID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.UserID == userID && s.ClientRequestID == clientRequestID && s.Status != StatusAborted {
			return s.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// ListExpired returns pending sessions past their TTL.
func (r *MemoryRepository) ListExpired(_ context.Context, cutoff time.Time, limit int) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Session
	for _, s := range r.sessions {
		if len(result) >= limit {
			break
		}
		if s.Status.IsPending() && !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(cutoff) {
			result = append(result, s.Clone())
		}
	}
	return result, nil
}
