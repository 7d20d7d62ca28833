package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jukasdrj/bookstrack-backend/internal/pipeline"
	"github.com/jukasdrj/bookstrack-backend/internal/session"
)

type enrichRequest struct {
	JobID string               `json:"jobId" validate:"required,max=128"`
	Books []pipeline.BookInput `json:"books"`
}

type enrichAccepted struct {
	JobID          string `json:"jobId"`
	Token          string `json:"token"`
	Success        bool   `json:"success"`
	ProcessedCount int    `json:"processedCount"`
	TotalCount     int    `json:"totalCount"`
}

// handleEnrich accepts a batch-enrichment job and schedules the driver in
// the background.
func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	var req enrichRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "E_INVALID_REQUEST", "malformed request body", nil)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "E_INVALID_REQUEST", "invalid request", nil)
		return
	}
	if len(req.Books) == 0 {
		respondError(w, http.StatusBadRequest, "E_EMPTY_BATCH", "books must not be empty", nil)
		return
	}
	if len(req.Books) > pipeline.MaxBatchBooks {
		respondError(w, http.StatusBadRequest, "E_BATCH_TOO_LARGE", "too many books in one batch", map[string]any{
			"max": pipeline.MaxBatchBooks,
		})
		return
	}
	for i := range req.Books {
		b := &req.Books[i]
		b.Title = strings.TrimSpace(b.Title)
		b.Author = strings.TrimSpace(b.Author)
		b.ISBN = strings.TrimSpace(b.ISBN)
		switch {
		case b.Title == "":
			respondError(w, http.StatusBadRequest, "E_INVALID_REQUEST", "book title is required", map[string]any{"index": i})
			return
		case len(b.Title) > pipeline.MaxTitleLen:
			respondError(w, http.StatusBadRequest, "E_TITLE_TOO_LONG", "book title too long", map[string]any{"index": i})
			return
		case len(b.Author) > pipeline.MaxAuthorLen:
			respondError(w, http.StatusBadRequest, "E_AUTHOR_TOO_LONG", "book author too long", map[string]any{"index": i})
			return
		case len(b.ISBN) > pipeline.MaxISBNLen:
			respondError(w, http.StatusBadRequest, "E_ISBN_TOO_LONG", "book isbn too long", map[string]any{"index": i})
			return
		}
	}

	sess, token, ok := s.startJob(w, r, req.JobID, session.PipelineBatchEnrichment, int64(len(req.Books)))
	if !ok {
		return
	}
	go s.enrichment.Run(context.Background(), sess, req.Books)

	respond(w, http.StatusAccepted, enrichAccepted{
		JobID:          req.JobID,
		Token:          token,
		Success:        true,
		ProcessedCount: 0,
		TotalCount:     len(req.Books),
	})
}

type csvAccepted struct {
	JobID string `json:"jobId"`
	Token string `json:"token"`
}

// handleCSV accepts a CSV upload, persists it and defers the parse behind
// the Session's alarm so the client can attach its socket first.
func (s *Server) handleCSV(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "E_MISSING_FILE", "multipart field 'file' is required", nil)
		return
	}
	defer file.Close()

	body, err := io.ReadAll(io.LimitReader(file, pipeline.MaxCSVBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "E_INVALID_REQUEST", "could not read upload", nil)
		return
	}
	if len(body) > pipeline.MaxCSVBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "E_FILE_TOO_LARGE", "csv exceeds 10 MiB", nil)
		return
	}
	if len(body) == 0 {
		respondError(w, http.StatusBadRequest, "E_MISSING_FILE", "uploaded file is empty", nil)
		return
	}

	jobID := strings.TrimSpace(r.FormValue("jobId"))
	if jobID == "" {
		jobID = uuid.NewString()
	}

	sess, token, ok := s.startJob(w, r, jobID, session.PipelineCSVImport, 0)
	if !ok {
		return
	}
	if err := sess.SetCSVData(r.Context(), body); err != nil {
		log.WithError(err).Error("persist csv body failed")
		s.abortJob(r.Context(), sess, "could not persist upload")
		respondError(w, http.StatusInternalServerError, "E_INTERNAL", "could not persist upload", nil)
		return
	}
	if err := sess.ScheduleDelayed(r.Context(), session.AlarmCSV, session.CSVDelay); err != nil {
		log.WithError(err).Error("schedule csv parse failed")
		s.abortJob(r.Context(), sess, "could not schedule parse")
		respondError(w, http.StatusInternalServerError, "E_INTERNAL", "could not schedule parse", nil)
		return
	}

	respond(w, http.StatusAccepted, csvAccepted{JobID: jobID, Token: token})
}

type scanImage struct {
	Index int    `json:"index"`
	Data  string `json:"data" validate:"required"`
}

type scanRequest struct {
	JobID  string      `json:"jobId" validate:"required,max=128"`
	Images []scanImage `json:"images"`
}

type scanAccepted struct {
	JobID       string `json:"jobId"`
	Token       string `json:"token"`
	TotalPhotos int    `json:"totalPhotos"`
	Status      string `json:"status"`
}

// handleScan accepts a shelf-scan batch: uploads the photos, initializes
// the batch state and schedules sequential processing.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "E_INVALID_REQUEST", "malformed request body", nil)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "E_INVALID_REQUEST", "invalid request", nil)
		return
	}
	n := len(req.Images)
	if n < 1 || n > pipeline.MaxScanImages {
		respondError(w, http.StatusBadRequest, "E_INVALID_IMAGES", "between 1 and 5 images required", map[string]any{
			"count": n,
		})
		return
	}

	images := make([][]byte, n)
	for _, img := range req.Images {
		if img.Index < 0 || img.Index >= n || images[img.Index] != nil {
			respondError(w, http.StatusBadRequest, "E_INVALID_IMAGES", "image indexes must be unique and in range", nil)
			return
		}
		// Estimate the decoded size before paying for the decode.
		if len(img.Data)/4*3 > pipeline.MaxImageBytes {
			respondError(w, http.StatusRequestEntityTooLarge, "E_FILE_TOO_LARGE", "image exceeds 10 MB", map[string]any{
				"index": img.Index,
			})
			return
		}
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			respondError(w, http.StatusBadRequest, "E_INVALID_IMAGES", "image data is not valid base64", map[string]any{
				"index": img.Index,
			})
			return
		}
		if len(data) > pipeline.MaxImageBytes {
			respondError(w, http.StatusRequestEntityTooLarge, "E_FILE_TOO_LARGE", "image exceeds 10 MB", map[string]any{
				"index": img.Index,
			})
			return
		}
		images[img.Index] = data
	}

	sess, token, ok := s.startJob(w, r, req.JobID, session.PipelineShelfScan, int64(n))
	if !ok {
		return
	}
	if err := sess.InitBatch(r.Context(), n); err != nil {
		log.WithError(err).Error("init batch failed")
		s.abortJob(r.Context(), sess, "could not initialize batch")
		respondError(w, http.StatusInternalServerError, "E_INTERNAL", "could not initialize batch", nil)
		return
	}
	if err := s.shelfScan.Upload(r.Context(), req.JobID, images); err != nil {
		log.WithError(err).Error("photo upload failed")
		s.abortJob(r.Context(), sess, "could not store photos")
		respondError(w, http.StatusInternalServerError, "E_INTERNAL", "could not store photos", nil)
		return
	}
	go s.shelfScan.Run(context.Background(), sess, n)

	respond(w, http.StatusAccepted, scanAccepted{
		JobID:       req.JobID,
		Token:       token,
		TotalPhotos: n,
		Status:      "processing",
	})
}

type refreshRequest struct {
	JobID    string `json:"jobId" validate:"required"`
	OldToken string `json:"oldToken" validate:"required"`
}

type refreshResponse struct {
	JobID     string `json:"jobId"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

// handleTokenRefresh rotates a job's auth token inside the refresh window.
func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "E_INVALID_REQUEST", "malformed request body", nil)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "E_INVALID_REQUEST", "jobId and oldToken are required", nil)
		return
	}

	sess, err := s.registry.Get(r.Context(), req.JobID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "E_INTERNAL", "session lookup failed", nil)
		return
	}

	token, expiresIn, err := sess.RefreshAuthToken(r.Context(), req.OldToken)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRefreshInProgress),
			errors.Is(err, session.ErrTokenInvalid),
			errors.Is(err, session.ErrTokenExpired),
			errors.Is(err, session.ErrRefreshTooEarly):
			respondError(w, http.StatusUnauthorized, err.Error(), "token refresh rejected", nil)
		default:
			respondError(w, http.StatusInternalServerError, "E_INTERNAL", "token refresh failed", nil)
		}
		return
	}

	respond(w, http.StatusOK, refreshResponse{JobID: req.JobID, Token: token, ExpiresIn: expiresIn})
}

type jobStatusResponse struct {
	JobID          string `json:"jobId"`
	Pipeline       string `json:"pipeline"`
	Status         string `json:"status"`
	TotalCount     int64  `json:"totalCount"`
	ProcessedCount int64  `json:"processedCount"`
	Version        int64  `json:"version"`
	StartTime      string `json:"startTime,omitempty"`
	EndTime        string `json:"endTime,omitempty"`
	Error          string `json:"error,omitempty"`
}

// handleGetJob returns the persisted checkpoint for a job, authenticated
// with the same bearer token the socket uses.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		respondError(w, http.StatusBadRequest, "E_INVALID_REQUEST", "job id is required", nil)
		return
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	sess, err := s.registry.Get(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "E_INTERNAL", "session lookup failed", nil)
		return
	}
	if err := sess.ValidateToken(token); err != nil {
		respondError(w, http.StatusUnauthorized, err.Error(), "invalid auth token", nil)
		return
	}

	st := sess.GetJobState()
	resp := jobStatusResponse{
		JobID:          st.JobID,
		Pipeline:       st.Pipeline,
		Status:         st.Status,
		TotalCount:     st.TotalCount,
		ProcessedCount: st.ProcessedCount,
		Version:        st.Version,
		Error:          st.Error,
	}
	if !st.StartTime.IsZero() {
		resp.StartTime = st.StartTime.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	if !st.EndTime.IsZero() {
		resp.EndTime = st.EndTime.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	respond(w, http.StatusOK, resp)
}

type cancelResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// handleCancelJob cancels a running job. Shelf-scan batches are canceled
// softly so the driver can finish the current photo and deliver partial
// results; other pipelines stop at the driver's next checkpoint.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		respondError(w, http.StatusBadRequest, "E_INVALID_REQUEST", "job id is required", nil)
		return
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	sess, err := s.registry.Get(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "E_INTERNAL", "session lookup failed", nil)
		return
	}
	if err := sess.ValidateToken(token); err != nil {
		respondError(w, http.StatusUnauthorized, err.Error(), "invalid auth token", nil)
		return
	}

	if sess.BatchSnapshot() != nil {
		if err := sess.CancelBatch(r.Context()); err != nil {
			log.WithError(err).Error("batch cancel failed")
			respondError(w, http.StatusInternalServerError, "E_INTERNAL", "could not cancel batch", nil)
			return
		}
		respond(w, http.StatusAccepted, cancelResponse{JobID: jobID, Status: "canceling"})
		return
	}

	if err := sess.Cancel(r.Context(), "canceled by client"); err != nil {
		log.WithError(err).Error("cancel failed")
		respondError(w, http.StatusInternalServerError, "E_INTERNAL", "could not cancel job", nil)
		return
	}
	respond(w, http.StatusOK, cancelResponse{JobID: jobID, Status: "canceled"})
}

// abortJob drives a job that failed before its driver could start into the
// failed state, so the terminal checkpoint and cleanup alarm still happen.
func (s *Server) abortJob(ctx context.Context, sess *session.Session, reason string) {
	if err := sess.FailJobState(ctx, reason); err != nil {
		log.WithError(err).Error("failed-state checkpoint failed")
	}
}

// startJob resolves the Session, mints its auth token and initializes the
// running job. On failure it has already written the error response.
func (s *Server) startJob(w http.ResponseWriter, r *http.Request, jobID, pipelineName string, total int64) (*session.Session, string, bool) {
	sess, err := s.registry.Get(r.Context(), jobID)
	if err != nil {
		log.WithError(err).Error("session lookup failed")
		respondError(w, http.StatusInternalServerError, "E_INTERNAL", "session lookup failed", nil)
		return nil, "", false
	}
	token, err := sess.SetAuthToken(r.Context())
	if err != nil {
		log.WithError(err).Error("auth token persist failed")
		respondError(w, http.StatusInternalServerError, "E_INTERNAL", "could not issue auth token", nil)
		return nil, "", false
	}
	if err := sess.InitJobState(r.Context(), pipelineName, total); err != nil {
		log.WithError(err).Error("job init failed")
		respondError(w, http.StatusInternalServerError, "E_INTERNAL", "could not initialize job", nil)
		return nil, "", false
	}
	return sess, token, true
}
