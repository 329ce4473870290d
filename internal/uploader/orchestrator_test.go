package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeService is an in-process upload API plus blob store for driving the
// orchestrator end to end.
type fakeService struct {
	srv *httptest.Server

	multipart  bool
	partSize   int64
	totalParts int
	// uploadHeaders are the store-required write headers the initiate
	// response carries for the single-write strategy.
	uploadHeaders map[string]string
	// failWritesPerPart makes the first N storage writes of every part
	// fail with a 500.
	failWritesPerPart int
	// statuses is the sequence GET /uploads/{id} walks through, sticking
	// at the last entry.
	statuses []StatusResponse
	// onPartWritten fires after a part write succeeds.
	onPartWritten func(part int)

	mu             sync.Mutex
	writeAttempts  map[string]int
	seenHeaders    map[string]http.Header
	completedParts []CompletedPart
	statusIdx      int
	initiates      int
	aborts         int
}

func (f *fakeService) start(t *testing.T) *Client {
	t.Helper()
	f.writeAttempts = make(map[string]int)
	f.seenHeaders = make(map[string]http.Header)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /uploads", func(w http.ResponseWriter, r *http.Request) {
		var req InitiateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.initiates++
		f.mu.Unlock()

		resp := InitiateResponse{
			ID:            "up-test",
			Status:        "CREATED",
			StorageKey:    "uploads/user-1/obj",
			SizeBytes:     req.SizeBytes,
			CorrelationID: "corr-1",
		}
		if f.multipart {
			resp.UploadID = "mp-1"
			resp.PartSizeBytes = f.partSize
			resp.TotalParts = f.totalParts
		} else {
			resp.UploadURL = f.srv.URL + "/blob/whole"
			resp.UploadHeaders = f.uploadHeaders
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("GET /uploads/up-test/parts/{n}/url", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, partURLResponse{URL: f.srv.URL + "/blob/part-" + r.PathValue("n")})
	})

	mux.HandleFunc("PUT /blob/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		_, _ = io.Copy(io.Discard, r.Body)

		f.mu.Lock()
		f.writeAttempts[name]++
		attempt := f.writeAttempts[name]
		f.seenHeaders[name] = r.Header.Clone()
		f.mu.Unlock()

		if attempt <= f.failWritesPerPart {
			http.Error(w, "transient storage failure", http.StatusInternalServerError)
			return
		}
		w.Header().Set("ETag", `"etag-`+name+`"`)
		w.WriteHeader(http.StatusOK)
		if f.onPartWritten != nil {
			if n, err := strconv.Atoi(strings.TrimPrefix(name, "part-")); err == nil {
				f.onPartWritten(n)
			}
		}
	})

	mux.HandleFunc("PUT /uploads/up-test", func(w http.ResponseWriter, r *http.Request) {
		var req CompleteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.completedParts = req.Parts
		f.mu.Unlock()
		writeJSON(w, StatusResponse{ID: "up-test", Status: statusUploaded})
	})

	mux.HandleFunc("GET /uploads/up-test", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		idx := f.statusIdx
		if idx >= len(f.statuses) {
			idx = len(f.statuses) - 1
		} else {
			f.statusIdx++
		}
		status := f.statuses[idx]
		f.mu.Unlock()
		writeJSON(w, status)
	})

	mux.HandleFunc("DELETE /uploads/up-test", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.aborts++
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	client, err := NewClient(f.srv.URL, "user-1")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func readyAfter(validating int) []StatusResponse {
	var seq []StatusResponse
	for i := 0; i < validating; i++ {
		seq = append(seq, StatusResponse{ID: "up-test", Status: "VALIDATING"})
	}
	return append(seq, StatusResponse{
		ID: "up-test", Status: statusReady,
		DetectedMediaType: "audio", DurationSeconds: 12.5,
	})
}

// stageRecorder collects the stage sequence for assertions.
type stageRecorder struct {
	mu       sync.Mutex
	stages   []Stage
	progress []int
}

func (r *stageRecorder) record(stage Stage, progress int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
	r.progress = append(r.progress, progress)
}

func (r *stageRecorder) sequence() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Stage(nil), r.stages...)
}

func TestOrchestrator_SingleWriteEndToEnd(t *testing.T) {
	svc := &fakeService{statuses: readyAfter(1)}
	client := svc.start(t)

	rec := &stageRecorder{}
	downstreamCalls := 0
	o := NewOrchestrator(client,
		WithPollInterval(time.Millisecond),
		WithStatusCallback(rec.record),
		WithDownstream(func(_ context.Context, final StatusResponse) error {
			downstreamCalls++
			if final.Status != statusReady {
				t.Errorf("downstream received status %q", final.Status)
			}
			return nil
		}),
	)

	res, err := o.Run(context.Background(), Upload{
		FileName:    "a.wav",
		ContentType: "audio/wav",
		Payload:     bytes.Repeat([]byte("x"), 64),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Stage != StageDone {
		t.Errorf("expected StageDone, got %q", res.Stage)
	}
	if res.SessionID != "up-test" {
		t.Errorf("expected session id up-test, got %q", res.SessionID)
	}
	if res.Final.Status != statusReady {
		t.Errorf("expected final status READY, got %q", res.Final.Status)
	}
	if downstreamCalls != 1 {
		t.Errorf("expected 1 downstream call, got %d", downstreamCalls)
	}
	if len(svc.completedParts) != 0 {
		t.Errorf("single-write path must complete without parts, got %v", svc.completedParts)
	}

	want := []Stage{StageInitiating, StageUploading, StageUploading, StageCompleting, StageValidating, StageCreatingJob, StageDone}
	got := rec.sequence()
	if len(got) != len(want) {
		t.Fatalf("stage sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stage[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestOrchestrator_SingleWriteAppliesUploadHeaders(t *testing.T) {
	// Azure's Put Blob refuses requests missing x-ms-blob-type; the
	// initiate response carries such headers for the writer to apply.
	svc := &fakeService{
		uploadHeaders: map[string]string{"x-ms-blob-type": "BlockBlob"},
		statuses:      readyAfter(0),
	}
	client := svc.start(t)

	o := NewOrchestrator(client, WithPollInterval(time.Millisecond))
	_, err := o.Run(context.Background(), Upload{
		FileName:    "a.wav",
		ContentType: "audio/wav",
		Payload:     bytes.Repeat([]byte("x"), 16),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	svc.mu.Lock()
	got := svc.seenHeaders["whole"]
	svc.mu.Unlock()
	if got == nil {
		t.Fatal("no write against the single-write URL was recorded")
	}
	if v := got.Get("x-ms-blob-type"); v != "BlockBlob" {
		t.Errorf("x-ms-blob-type = %q, want BlockBlob", v)
	}
	if v := got.Get("Content-Type"); v != "audio/wav" {
		t.Errorf("Content-Type = %q, want audio/wav", v)
	}
}

func TestOrchestrator_MultipartSequentialParts(t *testing.T) {
	svc := &fakeService{
		multipart:  true,
		partSize:   4,
		totalParts: 3,
		statuses:   readyAfter(0),
	}
	client := svc.start(t)

	rec := &stageRecorder{}
	o := NewOrchestrator(client,
		WithPollInterval(time.Millisecond),
		WithStatusCallback(rec.record),
	)

	res, err := o.Run(context.Background(), Upload{
		FileName:    "b.mp4",
		ContentType: "video/mp4",
		Payload:     []byte("helloworld"), // 10 bytes, parts of 4/4/2
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stage != StageDone {
		t.Errorf("expected StageDone, got %q", res.Stage)
	}

	want := []CompletedPart{
		{PartNumber: 1, ETag: "etag-part-1"},
		{PartNumber: 2, ETag: "etag-part-2"},
		{PartNumber: 3, ETag: "etag-part-3"},
	}
	if len(svc.completedParts) != len(want) {
		t.Fatalf("completed parts %v, want %v", svc.completedParts, want)
	}
	for i := range want {
		if svc.completedParts[i] != want[i] {
			t.Errorf("part[%d] = %v, want %v", i, svc.completedParts[i], want[i])
		}
	}

	// Transfer progress after parts 1, 2, 3 of 3.
	var transfer []int
	rec.mu.Lock()
	for i, s := range rec.stages {
		if s == StageUploading && rec.progress[i] > 0 {
			transfer = append(transfer, rec.progress[i])
		}
	}
	rec.mu.Unlock()
	wantProgress := []int{33, 67, 100}
	if len(transfer) != len(wantProgress) {
		t.Fatalf("transfer progress %v, want %v", transfer, wantProgress)
	}
	for i := range wantProgress {
		if transfer[i] != wantProgress[i] {
			t.Errorf("progress[%d] = %d, want %d", i, transfer[i], wantProgress[i])
		}
	}
}

func TestOrchestrator_ChunkWriteRetriesThenSucceeds(t *testing.T) {
	svc := &fakeService{
		multipart:         true,
		partSize:          4,
		totalParts:        2,
		failWritesPerPart: 2,
		statuses:          readyAfter(0),
	}
	client := svc.start(t)

	o := NewOrchestrator(client,
		WithPollInterval(time.Millisecond),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}),
	)

	_, err := o.Run(context.Background(), Upload{
		FileName:    "c.mp4",
		ContentType: "video/mp4",
		Payload:     []byte("12345678"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := svc.writeAttempts["part-1"]; got != 3 {
		t.Errorf("expected exactly 3 attempts for part 1, got %d", got)
	}
}

func TestOrchestrator_ExhaustedRetriesEndInErrorStage(t *testing.T) {
	svc := &fakeService{
		multipart:         true,
		partSize:          4,
		totalParts:        2,
		failWritesPerPart: 100,
		statuses:          readyAfter(0),
	}
	client := svc.start(t)

	o := NewOrchestrator(client,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}),
	)

	res, err := o.Run(context.Background(), Upload{
		FileName:    "d.mp4",
		ContentType: "video/mp4",
		Payload:     []byte("12345678"),
	})
	if err == nil {
		t.Fatal("expected error")
	}

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %T: %v", err, err)
	}
	if res.Stage != StageError {
		t.Errorf("expected StageError, got %q", res.Stage)
	}
}

func TestOrchestrator_InvalidContentSurfacesReason(t *testing.T) {
	svc := &fakeService{
		statuses: []StatusResponse{{
			ID: "up-test", Status: statusInvalid,
			ErrorMessage: "not a decodable media container",
		}},
	}
	client := svc.start(t)

	downstreamCalls := 0
	o := NewOrchestrator(client,
		WithPollInterval(time.Millisecond),
		WithDownstream(func(context.Context, StatusResponse) error {
			downstreamCalls++
			return nil
		}),
	)

	res, err := o.Run(context.Background(), Upload{
		FileName:    "junk.bin",
		ContentType: "video/mp4",
		Payload:     []byte("not media"),
	})
	if !errors.Is(err, ErrUploadInvalid) {
		t.Fatalf("expected ErrUploadInvalid, got %v", err)
	}
	if res.Stage != StageError {
		t.Errorf("expected StageError, got %q", res.Stage)
	}
	if downstreamCalls != 0 {
		t.Error("downstream must not run for invalid uploads")
	}
}

func TestOrchestrator_PollCeilingTimesOut(t *testing.T) {
	svc := &fakeService{
		statuses: []StatusResponse{{ID: "up-test", Status: "VALIDATING"}},
	}
	client := svc.start(t)

	o := NewOrchestrator(client,
		WithPollInterval(time.Millisecond),
		WithMaxPollAttempts(3),
	)

	_, err := o.Run(context.Background(), Upload{
		FileName:    "slow.wav",
		ContentType: "audio/wav",
		Payload:     []byte("audio"),
	})
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("expected ErrPollTimeout, got %v", err)
	}
}

func TestOrchestrator_CancellationAbortsSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	svc := &fakeService{
		multipart:  true,
		partSize:   4,
		totalParts: 3,
		statuses:   readyAfter(0),
	}
	svc.onPartWritten = func(part int) {
		if part == 1 {
			cancel()
		}
	}
	client := svc.start(t)

	o := NewOrchestrator(client, WithPollInterval(time.Millisecond))

	res, err := o.Run(ctx, Upload{
		FileName:    "e.mp4",
		ContentType: "video/mp4",
		Payload:     []byte("helloworld"),
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if res.Stage != StageAborted {
		t.Errorf("expected StageAborted, got %q", res.Stage)
	}
	if svc.aborts != 1 {
		t.Errorf("expected one server-side abort, got %d", svc.aborts)
	}
}

func TestOrchestrator_NormalizerFailureSkipsServer(t *testing.T) {
	svc := &fakeService{statuses: readyAfter(0)}
	client := svc.start(t)

	o := NewOrchestrator(client, WithNormalizer(failingNormalizer{}))

	res, err := o.Run(context.Background(), Upload{
		FileName:    "f.ogg",
		ContentType: "audio/ogg",
		Payload:     []byte("payload"),
	})
	if err == nil {
		t.Fatal("expected normalization error")
	}
	if res.Stage != StageError {
		t.Errorf("expected StageError, got %q", res.Stage)
	}
	if svc.initiates != 0 {
		t.Errorf("normalization failure must not reach the server, got %d initiates", svc.initiates)
	}
}

type failingNormalizer struct{}

func (failingNormalizer) Normalize(context.Context, []byte, string) ([]byte, string, error) {
	return nil, "", errors.New("unsupported codec")
}
