// Package api provides the HTTP REST API for docfold.
//
// Endpoints:
//
//	GET  /health         liveness probe
//	GET  /ready          readiness probe (pings the database when present)
//	POST /api/ask        answer a question with source attribution
//	POST /api/documents  index a batch of documents
//
// File structure:
//   - server.go: HTTP server setup and lifecycle
//   - middleware.go: HTTP middleware (logging, recovery)
//   - health.go: health check endpoints
//   - ask.go: question answering endpoint
//   - documents.go: document indexing endpoint
//   - response.go: JSON response helpers
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docfold/docfold/internal/log"
)

const (
	// DefaultAddr is the default address for the HTTP server.
	DefaultAddr = "127.0.0.1:8080"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout is the timeout for reading request headers.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout is the maximum duration for writing the response.
	// Generation can take a while, so this stays generous.
	WriteTimeout = 120 * time.Second

	// IdleTimeout is the maximum keep-alive wait between requests.
	IdleTimeout = 120 * time.Second
)

// Server is the HTTP server for docfold's REST API.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger

	health    *HealthHandler
	ask       *AskHandler
	documents *DocumentsHandler
}

// NewServer creates a server with all routes registered. pool may be
// nil when the in-memory store is in use; asker and indexer may be nil
// in tests, in which case their routes are not registered.
func NewServer(pool *pgxpool.Pool, asker Asker, indexer Indexer, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	mux := http.NewServeMux()

	s := &Server{
		mux:    mux,
		logger: logger,
		health: NewHealthHandler(pool, logger),
	}
	s.health.RegisterRoutes(mux)

	if asker != nil {
		s.ask = NewAskHandler(asker, logger)
		s.ask.RegisterRoutes(mux)
	}
	if indexer != nil {
		s.documents = NewDocumentsHandler(indexer, logger)
		s.documents.RegisterRoutes(mux)
	}

	return s
}

// Handler returns the HTTP handler with middleware applied.
// Middleware order: recovery → logging → handler
func (s *Server) Handler() http.Handler {
	return chain(s.mux, recoveryMiddleware(s.logger), loggingMiddleware(s.logger))
}

// Run starts the HTTP server and blocks until the context is
// cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
