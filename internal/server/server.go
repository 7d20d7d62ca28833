// Package server wires the HTTP surface of the job-orchestration backend:
// routing, middleware, request validation and handler-to-driver dispatch.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/jukasdrj/bookstrack-backend/internal/config"
	"github.com/jukasdrj/bookstrack-backend/internal/pipeline"
	"github.com/jukasdrj/bookstrack-backend/internal/ratelimit"
	"github.com/jukasdrj/bookstrack-backend/internal/session"
)

// Server is the HTTP front of the service.
type Server struct {
	cfg      *config.Config
	db       *sql.DB
	registry *session.Registry
	limiter  *ratelimit.Limiter
	global   *rate.Limiter
	validate *validator.Validate

	enrichment *pipeline.Enrichment
	csvImport  *pipeline.CSVImport
	shelfScan  *pipeline.ShelfScan

	httpServer *http.Server
}

// New wires a Server from its collaborators.
func New(
	cfg *config.Config,
	db *sql.DB,
	registry *session.Registry,
	limiter *ratelimit.Limiter,
	enrichment *pipeline.Enrichment,
	csvImport *pipeline.CSVImport,
	shelfScan *pipeline.ShelfScan,
) *Server {
	s := &Server{
		cfg:        cfg,
		db:         db,
		registry:   registry,
		limiter:    limiter,
		global:     rate.NewLimiter(rate.Limit(cfg.GlobalQPS), cfg.GlobalBurst),
		validate:   validator.New(),
		enrichment: enrichment,
		csvImport:  csvImport,
		shelfScan:  shelfScan,
	}
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// routes builds the mux and wraps it with the middleware chain.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/jobs/enrich", perIPLimit(s.limiter, s.handleEnrich))
	mux.HandleFunc("POST /api/v1/jobs/csv", perIPLimit(s.limiter, s.handleCSV))
	mux.HandleFunc("POST /api/v1/jobs/scan", perIPLimit(s.limiter, s.handleScan))
	mux.HandleFunc("POST /api/v1/jobs/token/refresh", s.handleTokenRefresh)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", s.handleCancelJob)
	mux.HandleFunc("GET /ws/progress", s.handleProgressSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = mux
	h = globalLimitMiddleware(s.global)(h)
	h = corsMiddleware(h)
	h = loggingMiddleware(h)
	h = requestIDMiddleware(h)
	return h
}

// Start serves HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	log.WithField("addr", s.httpServer.Addr).Info("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the wired handler chain (tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
