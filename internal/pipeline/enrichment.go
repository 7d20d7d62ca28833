package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jukasdrj/bookstrack-backend/internal/cache"
	"github.com/jukasdrj/bookstrack-backend/internal/catalog"
	"github.com/jukasdrj/bookstrack-backend/internal/enrich"
	"github.com/jukasdrj/bookstrack-backend/internal/session"
)

const (
	isbnNS  = "isbn"
	isbnTTL = 24 * time.Hour
)

// Enrichment drives the batch_enrichment pipeline: a bounded worker pool
// mapping books through the cache and provider fan-out, streaming throttled
// progress through the Session.
type Enrichment struct {
	lookup      MetadataLookup
	cache       *cache.Cache
	concurrency int
	readyWait   time.Duration
	log         *log.Entry
}

// NewEnrichment builds the driver. concurrency <= 0 selects the default
// pool width.
func NewEnrichment(lookup MetadataLookup, c *cache.Cache, concurrency int) *Enrichment {
	return &Enrichment{
		lookup:      lookup,
		cache:       c,
		concurrency: concurrency,
		readyWait:   session.ReadyTimeout,
		log:         log.WithField("pipeline", session.PipelineBatchEnrichment),
	}
}

// Run executes the pipeline for books on sess. It is launched in the
// background after the HTTP handler's 202 and catches every fault at this
// frame, translating it to an error message plus a failed job.
func (e *Enrichment) Run(ctx context.Context, sess *session.Session, books []BookInput) {
	defer func() {
		if r := recover(); r != nil {
			e.fail(ctx, sess, fmt.Sprintf("enrichment driver panicked: %v", r))
		}
	}()

	start := time.Now()
	lg := e.log.WithField("jobId", sess.JobID())

	// Give the client a moment to attach its socket; proceeding without it
	// is fine, messages buffer in the outbound queue.
	if res := sess.WaitForReady(e.readyWait); res != session.ReadyOK {
		lg.Debug("proceeding without client ready signal")
	}

	total := len(books)
	sess.SendStarted(session.StartedPayload{TotalCount: int64(total), Status: "processing"})

	outcomes := enrich.All(ctx, books, e.concurrency, e.enrichSingle,
		func(b BookInput) string { return b.Title },
		func(completed, totalItems int, label string, hasError bool) {
			pc := int64(completed)
			if err := sess.UpdateJobState(ctx, session.Patch{ProcessedCount: &pc}); err != nil {
				lg.WithError(err).Warn("progress checkpoint failed")
			}
			sess.SendProgress(session.ProgressPayload{
				Progress:       float64(completed) / float64(totalItems),
				Status:         "Enriching books...",
				ProcessedCount: &pc,
				CurrentItem:    label,
			})
		})

	enriched := make([]EnrichedBook, total)
	success, failure := 0, 0
	for i, out := range outcomes {
		if out.Err == nil {
			enriched[i] = out.Value
			success++
			continue
		}
		failure++
		enriched[i] = failedRecord(books[i], out.Err)
	}

	payload := EnrichCompletePayload{
		TotalProcessed: total,
		SuccessCount:   success,
		FailureCount:   failure,
		Duration:       time.Since(start).Milliseconds(),
		EnrichedBooks:  enriched,
	}
	sess.SendComplete(payload)

	results, err := json.Marshal(payload)
	if err != nil {
		lg.WithError(err).Error("encode results failed")
		results = []byte("{}")
	}
	if err := sess.CompleteJobState(ctx, string(results)); err != nil {
		lg.WithError(err).Error("terminal checkpoint failed")
	}
	lg.WithField("success", success).WithField("failure", failure).Info("enrichment finished")
}

// enrichSingle resolves one book: ISBN cache first, then the provider
// fan-out on title+author.
func (e *Enrichment) enrichSingle(ctx context.Context, b BookInput) (EnrichedBook, error) {
	if b.ISBN != "" {
		if entry, ok := e.cache.Get(isbnNS, b.ISBN); ok && !entry.Negative {
			if meta, ok := entry.Value.(*catalog.Metadata); ok {
				return enrichedRecord(b, meta), nil
			}
		}
	}

	query := strings.TrimSpace(b.Title + " " + b.Author)
	meta, err := e.lookup.Lookup(ctx, query)
	if err != nil {
		return EnrichedBook{}, err
	}

	if b.ISBN != "" {
		e.cache.Put(isbnNS, b.ISBN, meta, isbnTTL)
	}
	return enrichedRecord(b, meta), nil
}

func enrichedRecord(b BookInput, meta *catalog.Metadata) EnrichedBook {
	return EnrichedBook{
		Title:            b.Title,
		Author:           b.Author,
		ISBN:             b.ISBN,
		EnrichmentStatus: StatusEnriched,
		Work:             &meta.Work,
		Editions:         meta.Editions,
		Authors:          meta.Authors,
		Provider:         meta.Provider,
	}
}

// failedRecord maps a per-item failure onto the output shape: definitive
// empty answers become not_found, everything else error.
func failedRecord(b BookInput, err error) EnrichedBook {
	status := StatusError
	var neg *cache.NegativeError
	if errors.Is(err, catalog.ErrNoResults) || (errors.As(err, &neg) && neg.Kind == cache.KindNoResults) {
		status = StatusNotFound
	}
	return EnrichedBook{
		Title:            b.Title,
		Author:           b.Author,
		ISBN:             b.ISBN,
		EnrichmentStatus: status,
		Error:            err.Error(),
	}
}

func (e *Enrichment) fail(ctx context.Context, sess *session.Session, msg string) {
	e.log.WithField("jobId", sess.JobID()).Error(msg)
	sess.SendError(session.ErrorPayload{
		Code:      "E_BATCH_PROCESSING_FAILED",
		Message:   msg,
		Retryable: true,
	})
	if err := sess.FailJobState(ctx, msg); err != nil {
		e.log.WithError(err).Error("failed-state checkpoint failed")
	}
}
