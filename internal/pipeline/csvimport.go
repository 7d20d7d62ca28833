package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jukasdrj/bookstrack-backend/internal/cache"
	"github.com/jukasdrj/bookstrack-backend/internal/llm"
	"github.com/jukasdrj/bookstrack-backend/internal/session"
)

const (
	csvNS  = "csv"
	csvTTL = 7 * 24 * time.Hour

	// csvReadyWait gives the client longer than the default to attach:
	// the parse was deferred behind an alarm, so the socket may still be
	// connecting. A timeout is non-fatal.
	csvReadyWait = 10 * time.Second
)

// CSVRowError reports one row the parse could not use.
type CSVRowError struct {
	Title string `json:"title"`
	Error string `json:"error"`
}

// CSVCompletePayload is the job_complete payload for csv_import.
type CSVCompletePayload struct {
	Books       []llm.ParsedBook `json:"books"`
	Errors      []CSVRowError    `json:"errors"`
	SuccessRate string           `json:"successRate"`
}

// CSVImport drives the delayed csv_import pipeline. Its Run method is the
// CSVRunner the Registry dispatches alarm firings to.
type CSVImport struct {
	parser    llm.CSVParser
	cache     *cache.Cache
	readyWait time.Duration
	log       *log.Entry
}

// NewCSVImport builds the driver.
func NewCSVImport(parser llm.CSVParser, c *cache.Cache) *CSVImport {
	return &CSVImport{
		parser:    parser,
		cache:     c,
		readyWait: csvReadyWait,
		log:       log.WithField("pipeline", session.PipelineCSVImport),
	}
}

// Run parses the persisted CSV body through the LLM provider, coalescing
// identical uploads on a body digest, and completes the job.
func (c *CSVImport) Run(ctx context.Context, sess *session.Session) {
	lg := c.log.WithField("jobId", sess.JobID())
	defer func() {
		if r := recover(); r != nil {
			c.fail(ctx, sess, lg, fmt.Sprintf("csv driver panicked: %v", r))
		}
	}()

	if res := sess.WaitForReady(c.readyWait); res != session.ReadyOK {
		lg.Debug("proceeding without client ready signal")
	}

	body, err := sess.CSVData(ctx)
	if err != nil {
		c.fail(ctx, sess, lg, fmt.Sprintf("load csv body: %v", err))
		return
	}
	if len(body) == 0 {
		c.fail(ctx, sess, lg, "csv body is empty")
		return
	}

	c.progress(ctx, sess, lg, 0.1, "Validating CSV file...")
	c.progress(ctx, sess, lg, 0.3, "Uploading CSV to Gemini...")

	digest := sha256.Sum256(append([]byte(llm.PromptVersion), body...))
	key := hex.EncodeToString(digest[:])

	v, err := c.cache.Coalesce(ctx, csvNS, key, func(ctx context.Context) (any, error) {
		books, err := c.parser.Parse(ctx, body)
		if err != nil {
			return nil, err
		}
		if len(books) == 0 {
			return nil, fmt.Errorf("parser returned no books")
		}
		c.cache.Put(csvNS, key, books, csvTTL)
		return books, nil
	})
	if err != nil {
		c.fail(ctx, sess, lg, fmt.Sprintf("csv parse: %v", err))
		return
	}
	parsed := v.([]llm.ParsedBook)

	c.progress(ctx, sess, lg, 0.9, "Processing parsed books...")

	books := make([]llm.ParsedBook, 0, len(parsed))
	var rowErrs []CSVRowError
	for _, b := range parsed {
		b = b.Sanitize()
		if b.Title == "" || b.Author == "" {
			rowErrs = append(rowErrs, CSVRowError{Title: b.Title, Error: "missing title or author"})
			continue
		}
		books = append(books, b)
	}
	if len(books) == 0 {
		c.fail(ctx, sess, lg, "no usable books in csv")
		return
	}

	payload := CSVCompletePayload{
		Books:       books,
		Errors:      rowErrs,
		SuccessRate: fmt.Sprintf("%d/%d", len(books), len(parsed)),
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
	lg.WithField("books", len(books)).Info("csv import finished")
}

func (c *CSVImport) progress(ctx context.Context, sess *session.Session, lg *log.Entry, p float64, status string) {
	if err := sess.UpdateJobState(ctx, session.Patch{}); err != nil && err != session.ErrTerminal {
		lg.WithError(err).Warn("progress checkpoint failed")
	}
	sess.SendProgress(session.ProgressPayload{Progress: p, Status: status})
}

func (c *CSVImport) fail(ctx context.Context, sess *session.Session, lg *log.Entry, msg string) {
	lg.Error(msg)
	sess.SendError(session.ErrorPayload{
		Code:      "E_CSV_PROCESSING_FAILED",
		Message:   msg,
		Details:   map[string]any{"fallbackAvailable": true},
		Retryable: true,
	})
	if err := sess.FailJobState(ctx, msg); err != nil {
		lg.WithError(err).Error("failed-state checkpoint failed")
	}
}
