package pipeline

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jukasdrj/bookstrack-backend/internal/blob"
	"github.com/jukasdrj/bookstrack-backend/internal/session"
)

// Scanner recognizes books on one shelf photo.
type Scanner interface {
	Scan(ctx context.Context, photo []byte) ([]ScannedBook, error)
}

// BatchCompletePayload is the batch-complete payload for shelf_scan.
type BatchCompletePayload struct {
	Status       string               `json:"status"`
	TotalBooks   int                  `json:"totalBooks"`
	PhotoResults []session.PhotoState `json:"photoResults"`
	Books        []ScannedBook        `json:"books"`
}

// ShelfScan drives the shelf_scan pipeline: parallel photo upload, then
// sequential per-photo scanning with cancellation checks between photos.
type ShelfScan struct {
	blobs     blob.Store
	scanner   Scanner
	readyWait time.Duration
	log       *log.Entry
}

// NewShelfScan builds the driver.
func NewShelfScan(blobs blob.Store, scanner Scanner) *ShelfScan {
	return &ShelfScan{
		blobs:     blobs,
		scanner:   scanner,
		readyWait: session.ReadyTimeout,
		log:       log.WithField("pipeline", session.PipelineShelfScan),
	}
}

// PhotoKey is the blob key for photo i of a job.
func PhotoKey(jobID string, i int) string {
	return fmt.Sprintf("scans/%s/photo-%d", jobID, i)
}

// Upload stores all images in parallel before processing starts.
func (s *ShelfScan) Upload(ctx context.Context, jobID string, images [][]byte) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, img := range images {
		g.Go(func() error {
			return s.blobs.Put(gctx, PhotoKey(jobID, i), img, "image/jpeg")
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("upload photos: %w", err)
	}
	return nil
}

// Run processes the batch photo by photo. A cancel requested between photos
// marks the remainder skipped and completes with partial results. A failing
// photo does not abort its successors.
func (s *ShelfScan) Run(ctx context.Context, sess *session.Session, photoCount int) {
	lg := s.log.WithField("jobId", sess.JobID())
	defer func() {
		if r := recover(); r != nil {
			s.fail(ctx, sess, lg, fmt.Sprintf("scan driver panicked: %v", r))
		}
	}()

	if res := sess.WaitForReady(s.readyWait); res != session.ReadyOK {
		lg.Debug("proceeding without client ready signal")
	}

	var books []ScannedBook
	canceled := false

	for i := 0; i < photoCount; i++ {
		if sess.IsBatchCanceled() {
			canceled = true
			for j := i; j < photoCount; j++ {
				if err := sess.UpdatePhoto(ctx, j, session.PhotoSkipped, 0, ""); err != nil {
					lg.WithError(err).Warn("skip marker failed")
				}
			}
			break
		}

		if err := sess.UpdatePhoto(ctx, i, session.PhotoProcessing, 0, ""); err != nil {
			lg.WithError(err).Warn("photo state update failed")
		}

		found, err := s.scanPhoto(ctx, sess.JobID(), i)
		if err != nil {
			lg.WithField("photo", i).WithError(err).Warn("photo scan failed")
			if uerr := sess.UpdatePhoto(ctx, i, session.PhotoError, 0, err.Error()); uerr != nil {
				lg.WithError(uerr).Warn("photo state update failed")
			}
		} else {
			books = append(books, found...)
			if uerr := sess.UpdatePhoto(ctx, i, session.PhotoComplete, len(found), ""); uerr != nil {
				lg.WithError(uerr).Warn("photo state update failed")
			}
		}

		pc := int64(i + 1)
		if err := sess.UpdateJobState(ctx, session.Patch{ProcessedCount: &pc}); err != nil && err != session.ErrTerminal {
			lg.WithError(err).Warn("progress checkpoint failed")
		}
	}

	deduped := Dedupe(books)
	var photoResults []session.PhotoState
	if b := sess.BatchSnapshot(); b != nil {
		photoResults = b.Photos
	}

	status := "complete"
	if canceled {
		status = "canceled"
	}
	payload := BatchCompletePayload{
		Status:       status,
		TotalBooks:   len(deduped),
		PhotoResults: photoResults,
		Books:        deduped,
	}
	if err := sess.CompleteBatch(ctx, payload); err != nil {
		lg.WithError(err).Error("batch completion failed")
	}
	lg.WithField("books", len(deduped)).WithField("canceled", canceled).Info("shelf scan finished")
}

func (s *ShelfScan) scanPhoto(ctx context.Context, jobID string, i int) ([]ScannedBook, error) {
	data, err := s.blobs.Get(ctx, PhotoKey(jobID, i))
	if err != nil {
		return nil, fmt.Errorf("fetch photo: %w", err)
	}
	return s.scanner.Scan(ctx, data)
}

func (s *ShelfScan) fail(ctx context.Context, sess *session.Session, lg *log.Entry, msg string) {
	lg.Error(msg)
	sess.SendError(session.ErrorPayload{
		Code:      "E_BATCH_PROCESSING_FAILED",
		Message:   msg,
		Retryable: true,
	})
	if err := sess.FailJobState(ctx, msg); err != nil {
		lg.WithError(err).Error("failed-state checkpoint failed")
	}
}
