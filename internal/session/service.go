package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openscribe/upload-api/internal/blob"
	"github.com/openscribe/upload-api/internal/plan"
	"github.com/openscribe/upload-api/internal/probe"
)

// Static errors for coordinator operations.
var (
	// ErrInvalidState is returned when an operation is not valid for the
	// session's current status.
	ErrInvalidState = errors.New("session: operation not valid for current status")
	// ErrMissingParts is returned when Complete is called on a multipart
	// session without the part list.
	ErrMissingParts = errors.New("session: parts are required to complete a multipart upload")
	// ErrBadPartNumber is returned when a part URL is requested for a
	// non-positive part number.
	ErrBadPartNumber = errors.New("session: part number must be positive")
)

// Coordinator owns the upload state machine. It issues write capabilities,
// finalizes uploads exactly once, handles abort and idempotent replay, and
// hands committed objects to the content validator.
type Coordinator struct {
	repo      Repository
	backend   blob.Backend
	gate      plan.Gate
	validator probe.Validator
	logger    *slog.Logger

	multipartThreshold int64
	chunkSize          int64
	sessionTTL         time.Duration
	syncValidation     bool
}

// CoordinatorOption is a function that configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithMultipartThreshold sets the declared size above which the multipart
// strategy is chosen.
func WithMultipartThreshold(n int64) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.multipartThreshold = n
		}
	}
}

// WithChunkSize sets the fallback part size for replaying an Initiate on
// a multipart session persisted without an effective part size. It should
// match the backend's configured part size.
func WithChunkSize(n int64) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithSessionTTL sets how long a session may stay pending.
func WithSessionTTL(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.sessionTTL = d
		}
	}
}

// WithSynchronousValidation makes the coordinator run content validation
// inline instead of in a background goroutine. Used by tests.
func WithSynchronousValidation() CoordinatorOption {
	return func(c *Coordinator) {
		c.syncValidation = true
	}
}

// NewCoordinator creates a new Coordinator.
func NewCoordinator(repo Repository, backend blob.Backend, gate plan.Gate, validator probe.Validator, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		repo:               repo,
		backend:            backend,
		gate:               gate,
		validator:          validator,
		logger:             logger,
		multipartThreshold: 5 << 20,
		chunkSize:          5 << 20,
		sessionTTL:         24 * time.Hour,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InitiateInput contains the parameters for starting an upload.
type InitiateInput struct {
	UserID          string
	FileName        string
	ContentType     string
	SizeBytes       int64
	ClientRequestID string
}

// InitiateResult is the session plus whichever write capability was
// produced for it.
type InitiateResult struct {
	Session    *Session
	Initiation blob.Initiation
}

// Initiate starts a new upload session, or replays an existing one when
// the caller supplies an idempotency key it has used before.
func (c *Coordinator) Initiate(ctx context.Context, in InitiateInput) (*InitiateResult, error) {
	if err := c.gate.CheckSize(ctx, in.UserID, in.SizeBytes); err != nil {
		return nil, err
	}

	if in.ClientRequestID != "" {
		existing, err := c.repo.FindByClientRequestID(ctx, in.UserID, in.ClientRequestID)
		switch {
		case err == nil && !existing.Expired(time.Now().UTC()):
			return c.replay(ctx, existing)
		case err == nil:
			// The previous attempt ran out its TTL; expire it and fall
			// through to a fresh session.
			c.expire(ctx, existing)
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}

	s := New(in.UserID, in.FileName, in.ContentType, in.SizeBytes, in.ClientRequestID, c.sessionTTL)
	s.Bucket = c.backend.Bucket()
	s.Provider = c.backend.Provider()

	var init blob.Initiation
	var err error
	if in.SizeBytes <= c.multipartThreshold {
		init, err = c.backend.BeginSingleWrite(ctx, s.StorageKey, in.ContentType, in.SizeBytes)
	} else {
		init, err = c.backend.BeginMultipart(ctx, s.StorageKey, in.ContentType, in.SizeBytes)
	}
	if err != nil {
		return nil, err
	}

	if init.Strategy == blob.StrategyMultipart {
		s.UploadID = init.UploadID
		s.PartSizeBytes = init.PartSizeBytes
	} else {
		s.URLExpiresAt = init.URLExpiresAt
	}

	if err := c.repo.Create(ctx, s); err != nil {
		return nil, err
	}

	c.logger.Info("upload session created",
		slog.String("session_id", s.ID),
		slog.String("user_id", s.UserID),
		slog.String("storage_key", s.StorageKey),
		slog.String("correlation_id", s.CorrelationID),
		slog.String("strategy", string(init.Strategy)),
		slog.Int64("size_bytes", in.SizeBytes),
	)

	return &InitiateResult{Session: s, Initiation: init}, nil
}

// replay returns an existing session for a repeated Initiate, regenerating
// the write capability for sessions that are still pending. Write URLs are
// never persisted, so the single-write capability is re-issued on every
// replay rather than only after expiry.
func (c *Coordinator) replay(ctx context.Context, s *Session) (*InitiateResult, error) {
	res := &InitiateResult{Session: s}
	if !s.Status.IsPending() {
		return res, nil
	}

	if s.UploadID != "" {
		// The backend may have raised the configured chunk size to its
		// own floor at initiation, so the persisted value wins.
		chunk := s.PartSizeBytes
		if chunk <= 0 {
			chunk = c.chunkSize
		}
		partSize, totalParts := blob.PartLayout(s.SizeBytes, chunk, 0)
		res.Initiation = blob.Initiation{
			Strategy:      blob.StrategyMultipart,
			UploadID:      s.UploadID,
			PartSizeBytes: partSize,
			TotalParts:    totalParts,
		}
		return res, nil
	}

	init, err := c.backend.BeginSingleWrite(ctx, s.StorageKey, s.DeclaredContentType, s.SizeBytes)
	if err != nil {
		return nil, err
	}
	s.URLExpiresAt = init.URLExpiresAt
	if err := c.repo.Update(ctx, s); err != nil && !errors.Is(err, ErrConflict) {
		return nil, err
	}
	res.Initiation = init

	c.logger.Info("upload session replayed",
		slog.String("session_id", s.ID),
		slog.String("user_id", s.UserID),
	)
	return res, nil
}

// PartWriteURL issues a time-limited capability to write one part of a
// multipart session, and moves a CREATED session to UPLOADING on the first
// request.
func (c *Coordinator) PartWriteURL(ctx context.Context, sessionID, userID string, partNumber int) (string, error) {
	if partNumber < 1 {
		return "", ErrBadPartNumber
	}
	s, err := c.load(ctx, sessionID, userID)
	if err != nil {
		return "", err
	}
	if s.Expired(time.Now().UTC()) {
		c.expire(ctx, s)
		return "", fmt.Errorf("%w: session expired", ErrInvalidState)
	}
	if !s.Status.IsPending() {
		return "", ErrInvalidState
	}
	if s.UploadID == "" {
		return "", fmt.Errorf("%w: session uses the single-write strategy", ErrInvalidState)
	}

	u, err := c.backend.PartWriteURL(ctx, s.StorageKey, s.UploadID, partNumber)
	if err != nil {
		return "", err
	}

	if s.Status == StatusCreated {
		_ = s.TransitionTo(StatusUploading)
		if err := c.repo.Update(ctx, s); err != nil && !errors.Is(err, ErrConflict) {
			c.logger.Warn("failed to mark session uploading",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return u, nil
}

// Complete finalizes an upload exactly once. Retried calls after a prior
// success return the current status unchanged; concurrent calls converge
// on one terminal outcome via the row's concurrency token.
func (c *Coordinator) Complete(ctx context.Context, sessionID, userID string, parts []blob.CompletedPart) (*Session, error) {
	s, err := c.load(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if s.Expired(time.Now().UTC()) {
		c.expire(ctx, s)
		return nil, fmt.Errorf("%w: session expired", ErrInvalidState)
	}
	if s.Status.IsFinalized() {
		// Idempotent no-op: the object is already committed.
		return s, nil
	}
	if !s.Status.IsPending() {
		return nil, ErrInvalidState
	}
	return c.finalize(ctx, s, parts, true)
}

// finalize is the idempotent-finalize combinator: probe storage before
// committing, and on a concurrency conflict reload and accept the other
// writer's outcome when it already finalized. retry allows one recursive
// re-attempt after a conflict against a still-pending reload.
func (c *Coordinator) finalize(ctx context.Context, s *Session, parts []blob.CompletedPart, retry bool) (*Session, error) {
	etag, size, err := c.ensureCommitted(ctx, s, parts)
	if err != nil {
		return nil, err
	}

	// Re-verify the committed size against the caller's ceiling; the
	// declared size at Initiate is not trusted.
	if err := c.gate.CheckSize(ctx, s.UserID, size); err != nil {
		return nil, err
	}

	if s.Status == StatusCreated {
		_ = s.TransitionTo(StatusUploading)
	}
	if err := s.TransitionTo(StatusUploaded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	s.ETag = etag
	s.SizeBytes = size

	if err := c.repo.Update(ctx, s); err != nil {
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		reloaded, rerr := c.repo.FindByID(ctx, s.ID)
		if rerr != nil {
			return nil, rerr
		}
		if reloaded.Status.IsFinalized() {
			// The concurrent completer won; its commit and validation
			// enqueue stand.
			return reloaded, nil
		}
		if retry {
			return c.finalize(ctx, reloaded, parts, false)
		}
		return nil, err
	}

	c.logger.Info("upload finalized",
		slog.String("session_id", s.ID),
		slog.String("storage_key", s.StorageKey),
		slog.String("etag", etag),
		slog.Int64("size_bytes", size),
	)

	c.enqueueValidation(s.ID)
	return s, nil
}

// ensureCommitted makes sure the object exists in storage, committing the
// pending multipart upload if needed, and returns its etag and size. When
// the object is already present (a retried Complete after a successful
// commit, or a race with another completer) it short-circuits to the
// existing object's metadata.
func (c *Coordinator) ensureCommitted(ctx context.Context, s *Session, parts []blob.CompletedPart) (string, int64, error) {
	info, err := c.backend.Probe(ctx, s.StorageKey)
	if err == nil {
		return info.ETag, info.SizeBytes, nil
	}
	if !errors.Is(err, blob.ErrNotFound) {
		return "", 0, err
	}

	if s.UploadID == "" {
		return "", 0, fmt.Errorf("%w: object %s was never written", ErrNotFound, s.StorageKey)
	}
	if len(parts) == 0 {
		return "", 0, ErrMissingParts
	}

	etag, err := c.backend.Commit(ctx, s.StorageKey, s.UploadID, parts)
	if err != nil {
		return "", 0, err
	}

	info, err = c.backend.Probe(ctx, s.StorageKey)
	if err != nil {
		// Commit succeeded; fall back to the declared size rather than
		// failing the whole completion.
		c.logger.Warn("post-commit probe failed",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
		)
		return etag, s.SizeBytes, nil
	}
	return etag, info.SizeBytes, nil
}

// Abort cancels an upload. It is a no-op for unknown or foreign sessions,
// releases whatever storage the session holds best-effort, and always
// lands the session in ABORTED unless it already reached a terminal
// failure state.
func (c *Coordinator) Abort(ctx context.Context, sessionID, userID string) error {
	s, err := c.repo.FindByID(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.UserID != userID || s.Status == StatusAborted {
		return nil
	}

	if s.Status.IsFinalized() {
		if err := c.backend.Delete(ctx, s.StorageKey); err != nil && !errors.Is(err, blob.ErrNotFound) {
			c.logger.Warn("abort cleanup failed",
				slog.String("session_id", s.ID),
				slog.String("storage_key", s.StorageKey),
				slog.String("error", err.Error()),
			)
		}
	} else if s.UploadID != "" {
		if err := c.backend.Abort(ctx, s.StorageKey, s.UploadID); err != nil && !errors.Is(err, blob.ErrNotFound) {
			c.logger.Warn("abort of pending upload failed",
				slog.String("session_id", s.ID),
				slog.String("storage_key", s.StorageKey),
				slog.String("error", err.Error()),
			)
		}
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := s.TransitionTo(StatusAborted); err != nil {
			// Already in a terminal failure state; nothing left to abort.
			return nil
		}
		err := c.repo.Update(ctx, s)
		if err == nil {
			c.logger.Info("upload session aborted",
				slog.String("session_id", s.ID),
				slog.String("user_id", s.UserID),
			)
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		s, err = c.repo.FindByID(ctx, sessionID)
		if err != nil {
			return nil
		}
		if s.Status == StatusAborted {
			return nil
		}
	}
	return ErrConflict
}

// GetStatus returns a read-only projection of the session, detecting TTL
// expiry lazily on access.
func (c *Coordinator) GetStatus(ctx context.Context, sessionID, userID string) (*Session, error) {
	s, err := c.load(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if s.Expired(time.Now().UTC()) {
		c.expire(ctx, s)
	}
	return s, nil
}

// OnValidated is the callback invoked with the content validator's result.
// It transitions VALIDATING to READY or INVALID; results arriving in any
// other state are dropped.
func (c *Coordinator) OnValidated(ctx context.Context, sessionID string, res probe.Result) error {
	for attempt := 0; attempt < 2; attempt++ {
		s, err := c.repo.FindByID(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.Status != StatusValidating {
			c.logger.Debug("validation result for non-validating session dropped",
				slog.String("session_id", sessionID),
				slog.String("status", string(s.Status)),
			)
			return nil
		}

		if res.Valid {
			_ = s.TransitionTo(StatusReady)
			s.DetectedContainerType = res.ContainerType
			s.DetectedMediaType = MediaType(res.MediaType)
			s.DurationSeconds = res.DurationSeconds
		} else {
			_ = s.TransitionTo(StatusInvalid)
			s.ErrorMessage = res.Reason
		}

		err = c.repo.Update(ctx, s)
		if err == nil {
			c.logger.Info("upload validated",
				slog.String("session_id", s.ID),
				slog.String("status", string(s.Status)),
				slog.String("media_type", string(s.DetectedMediaType)),
				slog.Float64("duration_seconds", s.DurationSeconds),
			)
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return ErrConflict
}

// enqueueValidation moves the session into VALIDATING and runs the content
// validator, asynchronously unless configured otherwise. Only the caller
// that won the finalize write reaches this point, so validation is
// enqueued at most once per session.
func (c *Coordinator) enqueueValidation(sessionID string) {
	run := func() {
		ctx := context.Background()
		s, err := c.repo.FindByID(ctx, sessionID)
		if err != nil {
			c.logger.Error("validation load failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			return
		}
		if s.Status != StatusUploaded {
			return
		}
		_ = s.TransitionTo(StatusValidating)
		if err := c.repo.Update(ctx, s); err != nil {
			c.logger.Warn("failed to mark session validating",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			return
		}

		res, err := c.validator.Inspect(ctx, s.StorageKey)
		if err != nil {
			c.logger.Error("content validation errored",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			res = probe.Result{Valid: false, Reason: "validation failed: " + err.Error()}
		}
		if err := c.OnValidated(ctx, sessionID, res); err != nil {
			c.logger.Error("failed to record validation result",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}

	if c.syncValidation {
		run()
		return
	}
	go run()
}

// expire transitions a lazily detected stale session to EXPIRED and
// releases whatever uncommitted storage it holds, best-effort. The
// sweeper only lists pending sessions, so once EXPIRED is persisted the
// release can never happen anywhere else.
func (c *Coordinator) expire(ctx context.Context, s *Session) {
	var relErr error
	if s.UploadID != "" {
		relErr = c.backend.Abort(ctx, s.StorageKey, s.UploadID)
	} else {
		relErr = c.backend.Delete(ctx, s.StorageKey)
	}
	if relErr != nil && !errors.Is(relErr, blob.ErrNotFound) {
		c.logger.Warn("failed to release storage for expired session",
			slog.String("session_id", s.ID),
			slog.String("storage_key", s.StorageKey),
			slog.String("error", relErr.Error()),
		)
	}

	if err := s.TransitionTo(StatusExpired); err != nil {
		return
	}
	if err := c.repo.Update(ctx, s); err != nil && !errors.Is(err, ErrConflict) {
		c.logger.Warn("failed to expire session",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
		)
	}
}

// load fetches a session and enforces ownership, mapping foreign sessions
// to ErrNotFound so callers cannot tell them apart from missing ones.
func (c *Coordinator) load(ctx context.Context, sessionID, userID string) (*Session, error) {
	s, err := c.repo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, ErrNotFound
	}
	return s, nil
}
