package session

import (
	"context"
	"encoding/json"
	"fmt"
)

// Photo statuses within a shelf-scan batch.
const (
	PhotoQueued     = "queued"
	PhotoProcessing = "processing"
	PhotoComplete   = "complete"
	PhotoError      = "error"
	PhotoSkipped    = "skipped"
)

// MaxBatchPhotos bounds a shelf-scan batch.
const MaxBatchPhotos = 5

// PhotoState tracks one photo in a shelf-scan batch.
type PhotoState struct {
	Status     string `json:"status"`
	BooksFound int    `json:"booksFound"`
	Error      string `json:"error,omitempty"`
}

// BatchState is the shelf-scan extension of the job state.
type BatchState struct {
	Photos          []PhotoState `json:"photos"`
	TotalBooksFound int          `json:"totalBooksFound"`
	CancelRequested bool         `json:"cancelRequested"`
	CurrentPhoto    int          `json:"currentPhoto"`
}

// BatchInitPayload announces a new shelf-scan batch on the socket.
type BatchInitPayload struct {
	TotalPhotos int          `json:"totalPhotos"`
	Photos      []PhotoState `json:"photos"`
}

// BatchProgressPayload reports one photo transition.
type BatchProgressPayload struct {
	PhotoIndex      int          `json:"photoIndex"`
	Status          string       `json:"status"`
	BooksFound      int          `json:"booksFound"`
	TotalBooksFound int          `json:"totalBooksFound"`
	Photos          []PhotoState `json:"photos"`
}

// InitBatch creates the batch state for n photos, persists it and emits the
// batch-init message.
func (s *Session) InitBatch(ctx context.Context, n int) error {
	if n < 1 || n > MaxBatchPhotos {
		return fmt.Errorf("batch size %d out of range [1,%d]", n, MaxBatchPhotos)
	}

	s.mu.Lock()
	b := &BatchState{Photos: make([]PhotoState, n), CurrentPhoto: -1}
	for i := range b.Photos {
		b.Photos[i] = PhotoState{Status: PhotoQueued}
	}
	s.batch = b
	err := s.persistBatchLocked(ctx)
	if err == nil {
		s.enqueueLocked(TypeBatchInit, BatchInitPayload{TotalPhotos: n, Photos: b.photosCopy()})
	}
	s.mu.Unlock()
	return err
}

// UpdatePhoto rewrites one photo slot, recomputes the total and broadcasts
// batch progress.
func (s *Session) UpdatePhoto(ctx context.Context, index int, status string, booksFound int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.batch == nil {
		return fmt.Errorf("no batch state for job %s", s.jobID)
	}
	if index < 0 || index >= len(s.batch.Photos) {
		return fmt.Errorf("photo index %d out of range [0,%d)", index, len(s.batch.Photos))
	}

	s.batch.Photos[index] = PhotoState{Status: status, BooksFound: booksFound, Error: errMsg}
	if status == PhotoProcessing {
		s.batch.CurrentPhoto = index
	}
	total := 0
	for _, p := range s.batch.Photos {
		total += p.BooksFound
	}
	s.batch.TotalBooksFound = total

	if err := s.persistBatchLocked(ctx); err != nil {
		return err
	}
	s.enqueueLocked(TypeBatchProgress, BatchProgressPayload{
		PhotoIndex:      index,
		Status:          status,
		BooksFound:      booksFound,
		TotalBooksFound: total,
		Photos:          s.batch.photosCopy(),
	})
	return nil
}

// CompleteBatch emits the terminal batch-complete message and marks the job
// complete.
func (s *Session) CompleteBatch(ctx context.Context, payload any) error {
	results, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode batch results: %w", err)
	}

	s.mu.Lock()
	if !s.terminalSent {
		s.terminalSent = true
		s.enqueueLocked(TypeBatchComplete, payload)
		s.scheduleCloseLocked()
	}
	s.mu.Unlock()

	return s.CompleteJobState(ctx, string(results))
}

// IsBatchCanceled reports whether a batch cancel was requested.
func (s *Session) IsBatchCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batch != nil && s.batch.CancelRequested
}

// CancelBatch flags the batch for cancellation and notifies the client. The
// scan driver observes the flag between photos.
func (s *Session) CancelBatch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.batch == nil {
		return fmt.Errorf("no batch state for job %s", s.jobID)
	}
	if s.batch.CancelRequested {
		return nil
	}
	s.batch.CancelRequested = true
	if err := s.persistBatchLocked(ctx); err != nil {
		return err
	}
	s.enqueueLocked(TypeBatchCanceling, map[string]any{"status": "canceling"})
	return nil
}

// BatchSnapshot returns a copy of the batch state, or nil if none exists.
func (s *Session) BatchSnapshot() *BatchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return nil
	}
	cp := *s.batch
	cp.Photos = s.batch.photosCopy()
	return &cp
}

func (b *BatchState) photosCopy() []PhotoState {
	cp := make([]PhotoState, len(b.Photos))
	copy(cp, b.Photos)
	return cp
}

// persistBatchLocked writes the batch state JSON. Callers hold s.mu.
func (s *Session) persistBatchLocked(ctx context.Context) error {
	raw, err := json.Marshal(s.batch)
	if err != nil {
		return fmt.Errorf("encode batch state: %w", err)
	}
	return s.store.SetBatchState(ctx, s.jobID, string(raw))
}
