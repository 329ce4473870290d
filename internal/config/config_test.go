package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, BackendLocal, cfg.StorageBackend)
	assert.Equal(t, int64(5242880), cfg.ChunkSizeBytes)
	assert.Equal(t, int64(5242880), cfg.MultipartThresholdBytes)
	assert.Equal(t, 15, cfg.URLExpiryMinutes)
	assert.Equal(t, 24, cfg.SessionTTLHours)
	assert.Equal(t, int64(524288000), cfg.MaxUploadBytes)
	assert.Equal(t, 10*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 30, cfg.MaxPollAttempts)
	assert.Equal(t, "ffprobe", cfg.FFprobePath)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PORT", "3000")
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Setenv("S3_BUCKET", "my-bucket")
	t.Setenv("S3_REGION", "us-east-1")
	t.Setenv("S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("AWS_ACCESS_KEY_ID", "access-key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret-key")
	t.Setenv("CHUNK_SIZE_BYTES", "1048576")
	t.Setenv("SESSION_TTL_HOURS", "48")
	t.Setenv("SWEEP_INTERVAL", "1m")
	t.Setenv("DATABASE_URL", "postgres://localhost/uploads")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, BackendS3, cfg.StorageBackend)
	assert.Equal(t, "my-bucket", cfg.S3Bucket)
	assert.Equal(t, "us-east-1", cfg.S3Region)
	assert.Equal(t, "http://localhost:9000", cfg.S3Endpoint)
	assert.Equal(t, "access-key", cfg.AWSAccessKeyID)
	assert.Equal(t, "secret-key", cfg.AWSSecretAccessKey)
	assert.Equal(t, int64(1048576), cfg.ChunkSizeBytes)
	assert.Equal(t, 48, cfg.SessionTTLHours)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, "postgres://localhost/uploads", cfg.DatabaseURL)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_InvalidInteger(t *testing.T) {
	t.Setenv("PORT", "not-a-number")

	// go-envconfig returns an error when parsing fails
	_, err := Load()
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	t.Run("local needs nothing extra", func(t *testing.T) {
		cfg := &Config{StorageBackend: BackendLocal}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("s3 requires bucket and region", func(t *testing.T) {
		cfg := &Config{StorageBackend: BackendS3, S3Bucket: "bucket"}
		assert.ErrorIs(t, cfg.Validate(), ErrS3ConfigIncomplete)

		cfg.S3Region = "us-east-1"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("azure requires account, key and container", func(t *testing.T) {
		cfg := &Config{StorageBackend: BackendAzure, AzureAccount: "acct", AzureKey: "key"}
		assert.ErrorIs(t, cfg.Validate(), ErrAzureConfigIncomplete)

		cfg.AzureContainer = "uploads"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unknown backend rejected", func(t *testing.T) {
		cfg := &Config{StorageBackend: "gcs"}
		assert.ErrorIs(t, cfg.Validate(), ErrUnknownBackend)
	})
}

func TestLoad_BackendValidationApplied(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "azure")

	_, err := Load()
	assert.ErrorIs(t, err, ErrAzureConfigIncomplete)
}

func TestConfig_DurationHelpers(t *testing.T) {
	cfg := &Config{URLExpiryMinutes: 15, SessionTTLHours: 24}
	assert.Equal(t, 15*time.Minute, cfg.URLExpiry())
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL())
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	cfg := &Config{
		Port:               8080,
		StorageBackend:     BackendS3,
		AWSSecretAccessKey: "secret-key",
		AzureKey:           "azure-secret",
		LocalSigningSecret: "signing-secret",
		LogFormat:          "json",
		LogLevel:           "info",
	}

	str := cfg.String()

	assert.Contains(t, str, "8080")
	assert.Contains(t, str, "s3")

	assert.NotContains(t, str, "secret-key")
	assert.NotContains(t, str, "azure-secret")
	assert.NotContains(t, str, "signing-secret")
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLogLevel(tt.input))
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	cfg := &Config{LogFormat: "json", LogLevel: "info"}
	require.NotNil(t, cfg.NewLogger())

	cfg = &Config{LogFormat: "text", LogLevel: "debug"}
	require.NotNil(t, cfg.NewLogger())
}
