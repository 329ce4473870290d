// Package main provides the entry point for the upload API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openscribe/upload-api/internal/bootstrap"
	"github.com/openscribe/upload-api/internal/config"
	"github.com/openscribe/upload-api/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting upload API",
		slog.Int("port", cfg.Port),
		slog.String("storage_backend", cfg.StorageBackend),
		slog.Int64("chunk_size_bytes", cfg.ChunkSizeBytes),
		slog.Int64("multipart_threshold_bytes", cfg.MultipartThresholdBytes),
		slog.Bool("postgres", cfg.DatabaseURL != ""),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
	)

	// Initialize dependencies using bootstrap
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	if deps.DB != nil {
		defer func() { _ = deps.DB.Close() }()
	}

	// Initialize HTTP handlers and router
	handlers := server.NewHandlers(deps.Coordinator, logger)
	var blobDev *server.BlobDevHandler
	if deps.LocalBackend != nil {
		blobDev = server.NewBlobDevHandler(deps.LocalBackend, logger)
	}
	router := server.NewRouter(handlers, blobDev, logger, server.DefaultConfig())

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Allow for slow direct-to-storage writes in dev
		IdleTimeout:  60 * time.Second,
	}

	// Run the expiry sweeper until shutdown
	go deps.Sweeper.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		return err
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
