// Package bootstrap provides dependency initialization for the upload
// service.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/openscribe/upload-api/internal/blob"
	"github.com/openscribe/upload-api/internal/config"
	"github.com/openscribe/upload-api/internal/plan"
	"github.com/openscribe/upload-api/internal/probe"
	"github.com/openscribe/upload-api/internal/session"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Coordinator *session.Coordinator
	Sweeper     *session.Sweeper
	// LocalBackend is non-nil only when the local storage backend is
	// selected; the server mounts the dev blob endpoint for it.
	LocalBackend *blob.LocalBackend
	// DB is non-nil when sessions are persisted in Postgres; the caller
	// owns closing it on shutdown.
	DB *sql.DB
}

// NewDependencies creates and initializes all dependencies for the
// application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{}

	backend, err := initBackend(ctx, cfg, logger, deps)
	if err != nil {
		return nil, err
	}

	repo, err := initRepository(ctx, cfg, logger, deps)
	if err != nil {
		return nil, err
	}

	gate := &plan.StaticGate{MaxBytes: cfg.MaxUploadBytes}
	validator := probe.NewFFprobeValidator(backend, cfg.FFprobePath, cfg.TempDir)

	deps.Coordinator = session.NewCoordinator(repo, backend, gate, validator, logger,
		session.WithMultipartThreshold(cfg.MultipartThresholdBytes),
		session.WithChunkSize(cfg.ChunkSizeBytes),
		session.WithSessionTTL(cfg.SessionTTL()),
	)
	deps.Sweeper = session.NewSweeper(repo, backend, logger, cfg.SweepInterval)

	return deps, nil
}

// initBackend creates the storage backend selected in configuration.
func initBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps *Dependencies) (blob.Backend, error) {
	switch cfg.StorageBackend {
	case config.BackendS3:
		backend, err := blob.NewS3Backend(ctx, blob.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			PartSizeBytes:   cfg.ChunkSizeBytes,
			URLExpiry:       cfg.URLExpiry(),
		})
		if err != nil {
			return nil, fmt.Errorf("create S3 backend: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return backend, nil

	case config.BackendAzure:
		backend, err := blob.NewAzureBackend(blob.AzureConfig{
			AccountName:   cfg.AzureAccount,
			AccountKey:    cfg.AzureKey,
			Container:     cfg.AzureContainer,
			PartSizeBytes: cfg.ChunkSizeBytes,
			URLExpiry:     cfg.URLExpiry(),
		})
		if err != nil {
			return nil, fmt.Errorf("create Azure backend: %w", err)
		}
		logger.Info("Azure storage configured",
			slog.String("account", cfg.AzureAccount),
			slog.String("container", cfg.AzureContainer),
		)
		return backend, nil

	default:
		backend, err := blob.NewLocalBackend(blob.LocalConfig{
			Root:          cfg.LocalRoot,
			BaseURL:       cfg.PublicBaseURL,
			SigningSecret: cfg.LocalSigningSecret,
			PartSizeBytes: cfg.ChunkSizeBytes,
			URLExpiry:     cfg.URLExpiry(),
		})
		if err != nil {
			return nil, fmt.Errorf("create local backend: %w", err)
		}
		deps.LocalBackend = backend
		logger.Info("local storage configured",
			slog.String("root", cfg.LocalRoot),
		)
		return backend, nil
	}
}

// initRepository opens the Postgres session store when DATABASE_URL is
// set, falling back to the in-memory store otherwise.
func initRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps *Dependencies) (session.Repository, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("in-memory session store configured")
		return session.NewMemoryRepository(), nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := session.NewPostgresRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	deps.DB = db
	logger.Info("postgres session store configured")
	return repo, nil
}
