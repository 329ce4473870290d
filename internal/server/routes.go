package server

import (
	"log/slog"
	"net/http"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing. blobDev is
// optional and mounts the dev blob store when the local backend is in
// use.
func NewRouter(h *Handlers, blobDev *BlobDevHandler, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	// Register routes with method-based patterns (Go 1.22+)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /uploads", h.InitiateUpload)
	mux.HandleFunc("PUT /uploads/{id}", h.CompleteUpload)
	mux.HandleFunc("GET /uploads/{id}", h.GetUpload)
	mux.HandleFunc("DELETE /uploads/{id}", h.AbortUpload)
	mux.HandleFunc("GET /uploads/{id}/parts/{partNumber}/url", h.GetPartURL)

	if blobDev != nil {
		mux.HandleFunc("PUT /blobs/{key...}", blobDev.PutBlob)
	}

	// Apply middleware chain
	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}
