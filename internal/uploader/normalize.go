package uploader

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Normalizer re-encodes a payload to a canonical format before upload.
// A failed normalization aborts the pipeline without contacting the
// server.
type Normalizer interface {
	// Normalize returns the converted payload and its content type.
	Normalize(ctx context.Context, payload []byte, contentType string) ([]byte, string, error)
}

// FFmpegNormalizer converts any decodable audio payload to 16 kHz mono
// WAV using the ffmpeg CLI.
type FFmpegNormalizer struct {
	ffmpegPath string
	tempDir    string
}

// NewFFmpegNormalizer creates a new FFmpegNormalizer.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found in PATH).
// If tempDir is empty, the system temp directory is used.
func NewFFmpegNormalizer(ffmpegPath, tempDir string) *FFmpegNormalizer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegNormalizer{ffmpegPath: ffmpegPath, tempDir: tempDir}
}

// Normalize implements Normalizer using ffmpeg resampling.
func (n *FFmpegNormalizer) Normalize(ctx context.Context, payload []byte, _ string) ([]byte, string, error) {
	dir, err := os.MkdirTemp(n.tempDir, "normalize-*")
	if err != nil {
		return nil, "", fmt.Errorf("uploader: create temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	inPath := filepath.Join(dir, "input")
	outPath := filepath.Join(dir, "output.wav")
	if err := os.WriteFile(inPath, payload, 0o600); err != nil {
		return nil, "", fmt.Errorf("uploader: write temp input: %w", err)
	}

	cmd := exec.CommandContext(ctx, n.ffmpegPath,
		"-y",
		"-i", inPath,
		"-ar", "16000",
		"-ac", "1",
		"-f", "wav",
		outPath,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, "", fmt.Errorf("uploader: ffmpeg error: %w, stderr: %s", err, stderr.String())
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, "", fmt.Errorf("uploader: read normalized output: %w", err)
	}
	return out, "audio/wav", nil
}

// Verify interface implementation at compile time.
var _ Normalizer = (*FFmpegNormalizer)(nil)
