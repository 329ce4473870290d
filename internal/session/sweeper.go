package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openscribe/upload-api/internal/blob"
)

// Sweeper periodically transitions pending sessions past their TTL into
// EXPIRED and releases their uncommitted storage. Expiry is also detected
// lazily on access; the sweeper exists so abandoned sessions do not hold
// pending multipart uploads open indefinitely.
type Sweeper struct {
	repo     Repository
	backend  blob.Backend
	logger   *slog.Logger
	interval time.Duration
	batch    int
}

// NewSweeper creates a new Sweeper.
func NewSweeper(repo Repository, backend blob.Backend, logger *slog.Logger, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{
		repo:     repo,
		backend:  backend,
		logger:   logger,
		interval: interval,
		batch:    100,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.SweepOnce(ctx)
			if err != nil {
				w.logger.Error("session sweep failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if n > 0 {
				w.logger.Info("expired sessions swept",
					slog.Int("count", n),
				)
			}
		}
	}
}

// SweepOnce expires one batch of stale sessions and returns how many were
// transitioned. Storage release is best-effort: a session still reaches
// EXPIRED when its cleanup fails.
func (w *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	stale, err := w.repo.ListExpired(ctx, time.Now().UTC(), w.batch)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, s := range stale {
		w.release(ctx, s)

		if err := s.TransitionTo(StatusExpired); err != nil {
			continue
		}
		if err := w.repo.Update(ctx, s); err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				// Someone touched the session since listing; leave it to
				// them or to lazy expiry.
				continue
			}
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// release drops whatever uncommitted storage the session holds.
func (w *Sweeper) release(ctx context.Context, s *Session) {
	var err error
	if s.UploadID != "" {
		err = w.backend.Abort(ctx, s.StorageKey, s.UploadID)
	} else {
		err = w.backend.Delete(ctx, s.StorageKey)
	}
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		w.logger.Warn("failed to release storage for expired session",
			slog.String("session_id", s.ID),
			slog.String("storage_key", s.StorageKey),
			slog.String("error", err.Error()),
		)
	}
}
