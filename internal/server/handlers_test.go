package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openscribe/upload-api/internal/blob"
	"github.com/openscribe/upload-api/internal/plan"
	"github.com/openscribe/upload-api/internal/probe"
	"github.com/openscribe/upload-api/internal/session"
	"github.com/openscribe/upload-api/internal/uploader"
)

// stubValidator accepts everything with fixed media attributes.
type stubValidator struct {
	result probe.Result
}

func (v stubValidator) Inspect(context.Context, string) (probe.Result, error) {
	return v.result, nil
}

type testEnv struct {
	srv     *httptest.Server
	backend *blob.LocalBackend
	repo    *session.MemoryRepository
}

// newTestEnv wires the real coordinator, the local storage backend, and
// the router behind one httptest server, so requests exercise the whole
// stack including the signed blob endpoint. Sizes are tiny: multipart
// threshold 8 bytes, parts of 4.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	var router http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	backend, err := blob.NewLocalBackend(blob.LocalConfig{
		Root:          t.TempDir(),
		BaseURL:       srv.URL,
		SigningSecret: "test-secret",
		PartSizeBytes: 4,
		URLExpiry:     time.Minute,
	})
	require.NoError(t, err)

	repo := session.NewMemoryRepository()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	coord := session.NewCoordinator(repo, backend,
		&plan.StaticGate{MaxBytes: 1 << 20},
		stubValidator{result: probe.Result{
			Valid:           true,
			ContainerType:   "wav",
			MediaType:       probe.MediaTypeAudio,
			DurationSeconds: 3.2,
		}},
		logger,
		session.WithMultipartThreshold(8),
		session.WithChunkSize(4),
		session.WithSynchronousValidation(),
	)

	h := NewHandlers(coord, logger)
	blobDev := NewBlobDevHandler(backend, logger)
	router = NewRouter(h, blobDev, logger, DefaultConfig())

	return &testEnv{srv: srv, backend: backend, repo: repo}
}

// do issues a JSON request with the identity header set.
func (e *testEnv) do(t *testing.T, method, path, userID string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, respBody
}

func decodeAs[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v))
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeAs[HealthResponse](t, body).Status)
}

func TestInitiateUpload_RequiresUserHeader(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/uploads", "", InitiateUploadRequest{
		FileName: "a.wav", ContentType: "audio/wav", SizeBytes: 4,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "MISSING_USER_ID", decodeAs[ErrorResponse](t, body).Code)
}

func TestInitiateUpload_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/uploads", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "user-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInitiateUpload_ValidationError(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/uploads", "user-1", InitiateUploadRequest{
		FileName: "a.wav", ContentType: "audio/wav", SizeBytes: 0,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", decodeAs[ErrorResponse](t, body).Code)
}

func TestInitiateUpload_SingleWrite(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/uploads", "user-1", InitiateUploadRequest{
		FileName: "a.wav", ContentType: "audio/wav", SizeBytes: 5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decodeAs[InitiateUploadResponse](t, body)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "CREATED", got.Status)
	assert.NotEmpty(t, got.UploadURL)
	assert.Empty(t, got.UploadID)
	assert.NotEmpty(t, got.StorageKey)
	assert.NotEmpty(t, got.CorrelationID)
	assert.NotEmpty(t, got.ExpiresAtUTC)
}

func TestInitiateUpload_Multipart(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/uploads", "user-1", InitiateUploadRequest{
		FileName: "b.mp4", ContentType: "video/mp4", SizeBytes: 10,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decodeAs[InitiateUploadResponse](t, body)
	assert.Empty(t, got.UploadURL)
	assert.NotEmpty(t, got.UploadID)
	assert.Equal(t, int64(4), got.PartSizeBytes)
	assert.Equal(t, 3, got.TotalParts)
}

func TestInitiateUpload_PlanLimit(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/uploads", "user-1", InitiateUploadRequest{
		FileName: "huge.mp4", ContentType: "video/mp4", SizeBytes: 2 << 20,
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "PLAN_LIMIT_EXCEEDED", decodeAs[ErrorResponse](t, body).Code)
}

func TestGetUpload_NotFound(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/uploads/up-missing", "user-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", decodeAs[ErrorResponse](t, body).Code)
}

func TestGetUpload_ForeignSessionHidden(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/uploads", "user-1", InitiateUploadRequest{
		FileName: "a.wav", ContentType: "audio/wav", SizeBytes: 5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decodeAs[InitiateUploadResponse](t, body)

	resp, _ = env.do(t, http.MethodGet, "/uploads/"+created.ID, "user-2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCompleteUpload_ObjectNeverWritten(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/uploads", "user-1", InitiateUploadRequest{
		FileName: "a.wav", ContentType: "audio/wav", SizeBytes: 5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decodeAs[InitiateUploadResponse](t, body)

	resp, body = env.do(t, http.MethodPut, "/uploads/"+created.ID, "user-1", CompleteUploadRequest{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", decodeAs[ErrorResponse](t, body).Code)
}

func TestAbortUpload_UnknownSessionReturnsNoContent(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodDelete, "/uploads/up-missing", "user-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestGetPartURL_InvalidPartNumber(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/uploads/up-x/parts/zero/url", "user-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_PART_NUMBER", decodeAs[ErrorResponse](t, body).Code)
}

func TestPutBlob_RejectsBadToken(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPut,
		env.srv.URL+"/blobs/uploads/user-1/obj?expires=9999999999&token=forged&partNumber=0",
		bytes.NewBufferString("data"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSingleWriteFlow(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/uploads", "user-1", InitiateUploadRequest{
		FileName: "a.wav", ContentType: "audio/wav", SizeBytes: 5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decodeAs[InitiateUploadResponse](t, body)

	// Write the payload to the capability URL.
	req, err := http.NewRequest(http.MethodPut, created.UploadURL, bytes.NewBufferString("hello"))
	require.NoError(t, err)
	writeResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, writeResp.Body.Close())
	require.Equal(t, http.StatusOK, writeResp.StatusCode)
	assert.NotEmpty(t, writeResp.Header.Get("ETag"))

	resp, body = env.do(t, http.MethodPut, "/uploads/"+created.ID, "user-1", CompleteUploadRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	completed := decodeAs[UploadStatusResponse](t, body)
	assert.Equal(t, "UPLOADED", completed.Status)
	assert.NotEmpty(t, completed.UploadedAtUTC)

	// Validation ran synchronously; status has already advanced.
	resp, body = env.do(t, http.MethodGet, "/uploads/"+created.ID, "user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	final := decodeAs[UploadStatusResponse](t, body)
	assert.Equal(t, "READY", final.Status)
	assert.Equal(t, "audio", final.DetectedMediaType)
	assert.InDelta(t, 3.2, final.DurationSeconds, 0.001)
	assert.NotEmpty(t, final.ValidatedAtUTC)

	// Retrying the complete is a no-op on an already finalized session.
	resp, body = env.do(t, http.MethodPut, "/uploads/"+created.ID, "user-1", CompleteUploadRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "READY", decodeAs[UploadStatusResponse](t, body).Status)
}

func TestMultipartFlowThroughOrchestrator(t *testing.T) {
	env := newTestEnv(t)

	client, err := uploader.NewClient(env.srv.URL, "user-1")
	require.NoError(t, err)

	o := uploader.NewOrchestrator(client,
		uploader.WithPollInterval(time.Millisecond),
		uploader.WithRetryPolicy(uploader.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}),
	)

	res, err := o.Run(context.Background(), uploader.Upload{
		FileName:    "b.mp4",
		ContentType: "video/mp4",
		Payload:     []byte("helloworld"), // 10 bytes, parts 4/4/2
	})
	require.NoError(t, err)

	assert.Equal(t, uploader.StageDone, res.Stage)
	assert.Equal(t, "READY", res.Final.Status)

	// The committed object is the reassembled payload.
	stored, err := env.repo.FindByID(context.Background(), res.SessionID)
	require.NoError(t, err)
	rc, err := env.backend.OpenRead(context.Background(), stored.StorageKey)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "helloworld", string(data))
}

func TestAbortFlow(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/uploads", "user-1", InitiateUploadRequest{
		FileName: "b.mp4", ContentType: "video/mp4", SizeBytes: 10,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decodeAs[InitiateUploadResponse](t, body)

	resp, _ = env.do(t, http.MethodDelete, "/uploads/"+created.ID, "user-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/uploads/"+created.ID, "user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ABORTED", decodeAs[UploadStatusResponse](t, body).Status)

	// Completing after abort is rejected.
	resp, body = env.do(t, http.MethodPut, "/uploads/"+created.ID, "user-1", CompleteUploadRequest{
		Parts: []PartETag{{PartNumber: 1, ETag: "e1"}},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_STATE", decodeAs[ErrorResponse](t, body).Code)
}
