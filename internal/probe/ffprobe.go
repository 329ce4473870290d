package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/openscribe/upload-api/internal/blob"
)

// FFprobeValidator implements Validator by downloading the object to a
// temporary file and inspecting it with the ffprobe CLI.
type FFprobeValidator struct {
	backend     blob.Backend
	ffprobePath string
	tempDir     string
}

var _ Validator = (*FFprobeValidator)(nil)

// NewFFprobeValidator creates a new FFprobeValidator.
// If ffprobePath is empty, it defaults to "ffprobe" (found via PATH).
// If tempDir is empty, os.TempDir() is used.
func NewFFprobeValidator(backend blob.Backend, ffprobePath, tempDir string) *FFprobeValidator {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &FFprobeValidator{
		backend:     backend,
		ffprobePath: ffprobePath,
		tempDir:     tempDir,
	}
}

// Inspect implements Validator.
func (v *FFprobeValidator) Inspect(ctx context.Context, storageKey string) (Result, error) {
	rc, err := v.backend.OpenRead(ctx, storageKey)
	if err != nil {
		return Result{}, fmt.Errorf("probe: open object: %w", err)
	}
	defer func() { _ = rc.Close() }()

	f, err := os.CreateTemp(v.tempDir, "probe_*")
	if err != nil {
		return Result{}, fmt.Errorf("probe: create temp file: %w", err)
	}
	path := f.Name()
	defer func() { _ = os.Remove(path) }()

	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return Result{}, fmt.Errorf("probe: download object: %w", err)
	}
	if err := f.Close(); err != nil {
		return Result{}, fmt.Errorf("probe: close temp file: %w", err)
	}

	return v.run(ctx, path)
}

// run executes ffprobe against a local file. A non-zero exit means the
// container is not decodable, which is a rejection, not a probe error.
func (v *FFprobeValidator) run(ctx context.Context, path string) (Result, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, v.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("probe: ffprobe cancelled: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			reason := strings.TrimSpace(stderr.String())
			if reason == "" {
				reason = "not a decodable media container"
			}
			return Result{Valid: false, Reason: reason}, nil
		}
		return Result{}, fmt.Errorf("probe: run ffprobe: %w", err)
	}

	return parseReport(stdout.Bytes())
}

// ffprobeReport mirrors the subset of ffprobe's JSON output we consume.
type ffprobeReport struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
}

// parseReport converts ffprobe JSON output into a Result.
func parseReport(data []byte) (Result, error) {
	var report ffprobeReport
	if err := json.Unmarshal(data, &report); err != nil {
		return Result{}, fmt.Errorf("probe: parse ffprobe output: %w", err)
	}

	hasAudio := false
	hasVideo := false
	for _, s := range report.Streams {
		switch s.CodecType {
		case "audio":
			hasAudio = true
		case "video":
			hasVideo = true
		}
	}
	if !hasAudio && !hasVideo {
		return Result{Valid: false, Reason: "no audio or video streams found"}, nil
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(report.Format.Duration), 64)
	if err != nil || duration <= 0 {
		return Result{Valid: false, Reason: "media has no decodable duration"}, nil
	}

	mediaType := MediaTypeAudio
	if hasVideo {
		mediaType = MediaTypeVideo
	}

	return Result{
		Valid:           true,
		ContainerType:   report.Format.FormatName,
		MediaType:       mediaType,
		DurationSeconds: duration,
	}, nil
}
