package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/openscribe/upload-api/internal/blob"
)

// Static errors for orchestrator operations.
var (
	// ErrPollTimeout is returned when validation polling exceeds the
	// attempt ceiling.
	ErrPollTimeout = errors.New("uploader: validation polling timed out")
	// ErrUploadInvalid is returned when the server's validator rejected
	// the uploaded content.
	ErrUploadInvalid = errors.New("uploader: upload rejected by validation")
	// ErrUploadFailed is returned when the session lands in a terminal
	// failure state during polling.
	ErrUploadFailed = errors.New("uploader: upload failed")
)

// Upload describes one payload to push through the pipeline.
type Upload struct {
	FileName        string
	ContentType     string
	Payload         []byte
	ClientRequestID string
}

// Result is the outcome of a pipeline run.
type Result struct {
	SessionID string
	Stage     Stage
	Final     StatusResponse
}

// DownstreamFunc receives the validated session for job creation. It
// runs outside the caller's cancellation scope.
type DownstreamFunc func(ctx context.Context, final StatusResponse) error

// Orchestrator runs the upload pipeline: initiating, uploading,
// completing, validating, creating-downstream-job. One Run is a single
// sequential flow; run several Orchestrator.Run calls concurrently for
// independent uploads.
type Orchestrator struct {
	client *Client
	logger *slog.Logger

	retry           RetryPolicy
	pollInterval    time.Duration
	maxPollAttempts int
	normalizer      Normalizer
	status          StatusFunc
	downstream      DownstreamFunc
}

// OrchestratorOption is a function that configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithRetryPolicy overrides the chunk-write retry policy.
func WithRetryPolicy(p RetryPolicy) OrchestratorOption {
	return func(o *Orchestrator) {
		o.retry = p
	}
}

// WithPollInterval sets the delay between validation status polls.
func WithPollInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithMaxPollAttempts sets the validation polling attempt ceiling.
func WithMaxPollAttempts(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxPollAttempts = n
		}
	}
}

// WithNormalizer installs a payload pre-processing step that runs before
// the session is initiated.
func WithNormalizer(n Normalizer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.normalizer = n
	}
}

// WithStatusCallback installs an observer for stage and progress changes.
func WithStatusCallback(fn StatusFunc) OrchestratorOption {
	return func(o *Orchestrator) {
		o.status = fn
	}
}

// WithDownstream installs the job-creation handoff invoked after the
// upload reaches READY.
func WithDownstream(fn DownstreamFunc) OrchestratorOption {
	return func(o *Orchestrator) {
		o.downstream = fn
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOrchestrator creates an Orchestrator around an upload API client.
func NewOrchestrator(client *Client, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		client:          client,
		logger:          slog.Default(),
		retry:           DefaultRetryPolicy(),
		pollInterval:    2 * time.Second,
		maxPollAttempts: 30,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run pushes one payload through the full pipeline and blocks until a
// terminal stage. The returned Result always carries the terminal stage;
// err is nil only for StageDone.
func (o *Orchestrator) Run(ctx context.Context, up Upload) (*Result, error) {
	res := &Result{}
	err := o.run(ctx, up, res)
	if err == nil {
		res.Stage = StageDone
		o.setStage(StageDone, 100)
		return res, nil
	}

	if ctx.Err() != nil {
		// Caller-initiated cancellation; release the session best-effort
		// unless the pipeline already moved past the upload protocol.
		if res.SessionID != "" && res.Stage != StageCreatingJob {
			abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if aerr := o.client.Abort(abortCtx, res.SessionID); aerr != nil {
				o.logger.Warn("abort after cancellation failed",
					slog.String("session_id", res.SessionID),
					slog.String("error", aerr.Error()),
				)
			}
		}
		res.Stage = StageAborted
		o.setStage(StageAborted, 0)
		return res, err
	}

	res.Stage = StageError
	o.setStage(StageError, 0)
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, up Upload, res *Result) error {
	payload := up.Payload
	contentType := up.ContentType
	if o.normalizer != nil {
		var err error
		payload, contentType, err = o.normalizer.Normalize(ctx, payload, contentType)
		if err != nil {
			return fmt.Errorf("uploader: normalize payload: %w", err)
		}
	}

	res.Stage = StageInitiating
	o.setStage(StageInitiating, 0)
	if err := ctx.Err(); err != nil {
		return err
	}

	init, err := o.client.Initiate(ctx, InitiateRequest{
		FileName:        up.FileName,
		ContentType:     contentType,
		SizeBytes:       int64(len(payload)),
		ClientRequestID: up.ClientRequestID,
	})
	if err != nil {
		return err
	}
	res.SessionID = init.ID

	o.logger.Info("upload session initiated",
		slog.String("session_id", init.ID),
		slog.String("correlation_id", init.CorrelationID),
		slog.Bool("multipart", init.UploadID != ""),
	)

	res.Stage = StageUploading
	o.setStage(StageUploading, 0)

	var parts []CompletedPart
	if init.UploadID == "" {
		if err := o.writeWhole(ctx, init, contentType, payload); err != nil {
			return err
		}
		o.setStage(StageUploading, 100)
	} else {
		parts, err = o.writeParts(ctx, init, contentType, payload)
		if err != nil {
			return err
		}
	}

	res.Stage = StageCompleting
	o.setStage(StageCompleting, 100)
	if err := ctx.Err(); err != nil {
		return err
	}

	completed, err := o.client.Complete(ctx, init.ID, parts)
	if err != nil {
		return err
	}
	res.Final = completed

	res.Stage = StageValidating
	o.setStage(StageValidating, 100)

	final, err := o.pollValidation(ctx, init.ID)
	if err != nil {
		return err
	}
	res.Final = final

	res.Stage = StageCreatingJob
	o.setStage(StageCreatingJob, 100)

	if o.downstream != nil {
		// Past this point cancellation no longer applies; the upload is
		// validated and the handoff must run to completion.
		if err := o.downstream(context.WithoutCancel(ctx), final); err != nil {
			return fmt.Errorf("uploader: downstream job creation: %w", err)
		}
	}
	return nil
}

// writeWhole pushes the entire payload through the single write URL,
// applying whatever headers the store demanded at initiation.
func (o *Orchestrator) writeWhole(ctx context.Context, init InitiateResponse, contentType string, payload []byte) error {
	return o.retry.Do(ctx, func(ctx context.Context) error {
		_, err := o.client.WriteBlob(ctx, init.UploadURL, contentType, init.UploadHeaders, payload)
		return err
	})
}

// writeParts uploads the payload as sequential numbered parts, fetching
// each part's write capability just before the write. Parts are strictly
// sequential to bound concurrent load on the store.
func (o *Orchestrator) writeParts(ctx context.Context, init InitiateResponse, contentType string, payload []byte) ([]CompletedPart, error) {
	parts := make([]CompletedPart, 0, init.TotalParts)

	for i := 1; i <= init.TotalParts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := int64(i-1) * init.PartSizeBytes
		end := start + init.PartSizeBytes
		if end > int64(len(payload)) {
			end = int64(len(payload))
		}
		chunk := payload[start:end]

		writeURL, err := o.client.PartURL(ctx, init.ID, i)
		if err != nil {
			return nil, err
		}

		var etag string
		err = o.retry.Do(ctx, func(ctx context.Context) error {
			var werr error
			etag, werr = o.client.WriteBlob(ctx, writeURL, contentType, nil, chunk)
			return werr
		})
		if err != nil {
			return nil, err
		}
		if etag == "" {
			// Block-composition stores return no etag; the deterministic
			// block id stands in for it.
			etag = blob.BlockID(i)
		}
		parts = append(parts, CompletedPart{PartNumber: i, ETag: etag})

		o.setStage(StageUploading, transferProgress(i, init.TotalParts))
	}

	return parts, nil
}

// pollValidation polls the session status until a terminal validation
// outcome or the attempt ceiling.
func (o *Orchestrator) pollValidation(ctx context.Context, sessionID string) (StatusResponse, error) {
	var last StatusResponse
	for attempt := 0; attempt < o.maxPollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return last, ctx.Err()
			case <-time.After(o.pollInterval):
			}
		}

		status, err := o.client.Status(ctx, sessionID)
		if err != nil {
			return last, err
		}
		last = status

		switch status.Status {
		case statusReady:
			return status, nil
		case statusInvalid:
			return status, fmt.Errorf("%w: %s", ErrUploadInvalid, status.ErrorMessage)
		case statusAborted, statusExpired, statusFailed:
			return status, fmt.Errorf("%w: session is %s", ErrUploadFailed, status.Status)
		}
	}
	return last, fmt.Errorf("%w after %d attempts", ErrPollTimeout, o.maxPollAttempts)
}

// transferProgress reports the percentage after part i of n.
func transferProgress(i, n int) int {
	if n <= 0 {
		return 100
	}
	return int(math.Round(float64(i) / float64(n) * 100))
}

func (o *Orchestrator) setStage(stage Stage, progress int) {
	if o.status != nil {
		o.status(stage, progress)
	}
}
