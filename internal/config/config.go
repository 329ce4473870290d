// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrUnknownBackend is returned when STORAGE_BACKEND is not one of
	// s3, azure, or local.
	ErrUnknownBackend = errors.New("config: STORAGE_BACKEND must be one of s3, azure, local")
	// ErrS3ConfigIncomplete is returned when the s3 backend is selected
	// without bucket and region.
	ErrS3ConfigIncomplete = errors.New("config: S3_BUCKET and S3_REGION are required for the s3 backend")
	// ErrAzureConfigIncomplete is returned when the azure backend is
	// selected without account, key, and container.
	ErrAzureConfigIncomplete = errors.New("config: AZURE_STORAGE_ACCOUNT, AZURE_STORAGE_KEY and AZURE_CONTAINER are required for the azure backend")
)

// Storage backend identifiers accepted in STORAGE_BACKEND.
const (
	BackendS3    = "s3"
	BackendAzure = "azure"
	BackendLocal = "local"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Upload protocol settings
	ChunkSizeBytes          int64 `env:"CHUNK_SIZE_BYTES, default=5242880" json:"chunk_size_bytes"`
	MultipartThresholdBytes int64 `env:"MULTIPART_THRESHOLD_BYTES, default=5242880" json:"multipart_threshold_bytes"`
	URLExpiryMinutes        int   `env:"URL_EXPIRY_MINUTES, default=15" json:"url_expiry_minutes"`
	SessionTTLHours         int   `env:"SESSION_TTL_HOURS, default=24" json:"session_ttl_hours"`
	MaxUploadBytes          int64 `env:"MAX_UPLOAD_BYTES, default=524288000" json:"max_upload_bytes"`

	// Sweeper settings
	SweepInterval time.Duration `env:"SWEEP_INTERVAL, default=10m" json:"sweep_interval"`

	// Client orchestrator settings
	MaxRetries      int           `env:"MAX_RETRIES, default=3" json:"max_retries"`
	RetryBaseDelay  time.Duration `env:"RETRY_BASE_DELAY, default=500ms" json:"retry_base_delay"`
	PollInterval    time.Duration `env:"POLL_INTERVAL, default=2s" json:"poll_interval"`
	MaxPollAttempts int           `env:"MAX_POLL_ATTEMPTS, default=30" json:"max_poll_attempts"`

	// Storage backend selection
	StorageBackend string `env:"STORAGE_BACKEND, default=local" json:"storage_backend"`

	// S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Azure settings
	AzureAccount   string `env:"AZURE_STORAGE_ACCOUNT" json:"azure_storage_account,omitempty"`
	AzureKey       string `env:"AZURE_STORAGE_KEY" json:"-"` // Masked in JSON
	AzureContainer string `env:"AZURE_CONTAINER" json:"azure_container,omitempty"`

	// Local backend settings
	LocalRoot          string `env:"LOCAL_STORAGE_ROOT, default=/tmp/upload-api" json:"local_storage_root"`
	LocalSigningSecret string `env:"LOCAL_SIGNING_SECRET, default=dev-secret" json:"-"` // Masked in JSON
	PublicBaseURL      string `env:"PUBLIC_BASE_URL, default=http://localhost:8080" json:"public_base_url"`

	// Persistence settings. When DATABASE_URL is empty sessions are kept
	// in memory.
	DatabaseURL string `env:"DATABASE_URL" json:"-"` // Masked in JSON

	// Validation settings
	FFprobePath string `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`
	TempDir     string `env:"TEMP_DIR, default=/tmp/upload-api-probe" json:"temp_dir"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// Load reads configuration from environment variables using go-envconfig.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected storage backend is fully configured.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendS3:
		if c.S3Bucket == "" || c.S3Region == "" {
			return ErrS3ConfigIncomplete
		}
	case BackendAzure:
		if c.AzureAccount == "" || c.AzureKey == "" || c.AzureContainer == "" {
			return ErrAzureConfigIncomplete
		}
	case BackendLocal:
	default:
		return fmt.Errorf("%w: got %q", ErrUnknownBackend, c.StorageBackend)
	}
	return nil
}

// URLExpiry returns the presigned-URL lifetime as a duration.
func (c *Config) URLExpiry() time.Duration {
	return time.Duration(c.URLExpiryMinutes) * time.Minute
}

// SessionTTL returns the session lifetime as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, StorageBackend: %s, ChunkSizeBytes: %d, MultipartThresholdBytes: %d, URLExpiryMinutes: %d, SessionTTLHours: %d, MaxUploadBytes: %d, SweepInterval: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.StorageBackend,
		c.ChunkSizeBytes,
		c.MultipartThresholdBytes,
		c.URLExpiryMinutes,
		c.SessionTTLHours,
		c.MaxUploadBytes,
		c.SweepInterval,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
