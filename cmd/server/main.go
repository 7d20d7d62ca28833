// Command server runs the bookstrack job-orchestration backend.
package main

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/jukasdrj/bookstrack-backend/internal/blob"
	"github.com/jukasdrj/bookstrack-backend/internal/cache"
	"github.com/jukasdrj/bookstrack-backend/internal/catalog"
	"github.com/jukasdrj/bookstrack-backend/internal/config"
	"github.com/jukasdrj/bookstrack-backend/internal/database"
	"github.com/jukasdrj/bookstrack-backend/internal/llm"
	"github.com/jukasdrj/bookstrack-backend/internal/pipeline"
	"github.com/jukasdrj/bookstrack-backend/internal/ratelimit"
	"github.com/jukasdrj/bookstrack-backend/internal/server"
	"github.com/jukasdrj/bookstrack-backend/internal/session"
)

const (
	positiveCacheCap = 4096
	negativeCacheCap = 1024
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("configuration error")
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.JSONFormatter{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.InitDB(ctx, cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("database init failed")
	}
	defer db.Close()
	store := database.NewStore(db)

	c, err := cache.New(positiveCacheCap, negativeCacheCap)
	if err != nil {
		log.WithError(err).Fatal("cache init failed")
	}

	providers := []catalog.Provider{
		catalog.NewGoogleBooks(cfg.ProviderTimeout, ""),
		catalog.NewOpenLibrary(cfg.ProviderTimeout, ""),
	}
	fanout := catalog.NewFanout(providers, cfg.ProviderTimeout, c)

	var parser llm.CSVParser
	var scanner pipeline.Scanner
	if cfg.LLMAPIKey != "" {
		parser = llm.NewGeminiParser(cfg.LLMAPIKey, cfg.LLMModel, "")
		scanner = &geminiShelfScanner{inner: llm.NewGeminiScanner(cfg.LLMAPIKey, cfg.LLMModel, "")}
	} else {
		log.Warn("no LLM api key configured, using local csv parser and no-op scanner")
		parser = llm.EchoParser{}
		scanner = noopScanner{}
	}

	var blobs blob.Store
	if cfg.S3Bucket != "" {
		s3store, err := blob.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint)
		if err != nil {
			log.WithError(err).Fatal("s3 init failed")
		}
		blobs = s3store
	} else {
		log.Warn("no S3 bucket configured, shelf photos held in memory")
		blobs = blob.NewMemStore()
	}

	registry := session.NewRegistry(store)
	limiter := ratelimit.New(store, cfg.RateLimitMax, cfg.RateLimitWindow)

	enrichment := pipeline.NewEnrichment(fanout, c, cfg.EnrichConcurrency)
	csvImport := pipeline.NewCSVImport(parser, c)
	shelfScan := pipeline.NewShelfScan(blobs, scanner)

	registry.SetCSVRunner(csvImport.Run)
	if err := registry.RecoverAlarms(ctx); err != nil {
		log.WithError(err).Error("alarm recovery failed")
	}
	registry.StartSweeper(ctx, cfg.SweepInterval)

	srv := server.New(cfg, db, registry, limiter, enrichment, csvImport, shelfScan)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
	log.Info("server stopped")
}

// geminiShelfScanner adapts the Gemini vision client to the scan driver.
type geminiShelfScanner struct {
	inner *llm.GeminiScanner
}

func (g *geminiShelfScanner) Scan(ctx context.Context, photo []byte) ([]pipeline.ScannedBook, error) {
	books, err := g.inner.ScanShelf(ctx, photo)
	if err != nil {
		return nil, err
	}
	out := make([]pipeline.ScannedBook, len(books))
	for i, b := range books {
		out[i] = pipeline.ScannedBook{Title: b.Title, Author: b.Author, ISBN: b.ISBN, Confidence: b.Confidence}
	}
	return out, nil
}

// noopScanner recognizes nothing; local development without an API key.
type noopScanner struct{}

func (noopScanner) Scan(context.Context, []byte) ([]pipeline.ScannedBook, error) {
	return nil, nil
}
