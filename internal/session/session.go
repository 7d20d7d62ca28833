// Package session implements the per-job state machine: one Session per
// jobId owning the job's persisted state, auth token, outbound socket and
// delayed-execution alarm. All mutation of a Session is serialized by its
// mutex; Sessions run fully in parallel with respect to each other.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/jukasdrj/bookstrack-backend/internal/database"
	"github.com/jukasdrj/bookstrack-backend/internal/metrics"
)

const (
	// TokenLifetime is how long a fresh auth token stays valid.
	TokenLifetime = 2 * time.Hour
	// RefreshWindow is the trailing span of a token's lifetime within which
	// it may be refreshed.
	RefreshWindow = 30 * time.Minute
	// ReadyTimeout is the default wait for the client's ready message.
	ReadyTimeout = 5 * time.Second
	// CSVDelay is how long a CSV parse is deferred so the client can attach
	// its socket first.
	CSVDelay = 2 * time.Second
	// CleanupDelay is how long a terminal job's state is retained.
	CleanupDelay = 24 * time.Hour

	// closeFlushDelay gives the writer time to drain the terminal message
	// before the socket is closed.
	closeFlushDelay = time.Second
)

// Alarm kinds. At most one alarm is armed per Session; arming a new one
// replaces the old.
const (
	AlarmCSV     = "csv"
	AlarmCleanup = "cleanup"
)

// Auth errors. The string values double as the wire-level error codes.
var (
	ErrRefreshInProgress = errors.New("refresh_in_progress")
	ErrTokenInvalid      = errors.New("unauthorized")
	ErrTokenExpired      = errors.New("token_expired")
	ErrRefreshTooEarly   = errors.New("refresh_too_early")
)

// ErrTerminal is returned by mutating operations on a job that already
// reached a terminal status.
var ErrTerminal = errors.New("job is in a terminal state")

// JobState is a point-in-time snapshot of a Session's job.
type JobState struct {
	JobID          string
	Pipeline       string
	Status         string
	TotalCount     int64
	ProcessedCount int64
	Version        int64
	StartTime      time.Time
	EndTime        time.Time
	Results        string
	Error          string
}

// Session is the single-writer actor for one jobId.
type Session struct {
	jobID string
	store *database.Store
	log   *log.Entry

	// onAlarm dispatches a fired alarm; installed by the Registry.
	onAlarm func(kind string)

	// now is swappable for tests.
	now func() time.Time

	mu sync.Mutex

	pipeline       string
	status         string
	totalCount     int64
	processedCount int64
	version        int64
	startTime      time.Time
	endTime        time.Time
	results        string
	jobErr         string

	authToken     string
	authExpiresAt time.Time
	refreshing    bool

	throttleUpdates int64
	lastPersist     time.Time

	batch *BatchState

	conn         *websocket.Conn
	sockPending  bool
	pendingClose *closeIntent
	queue        []Envelope
	wake         chan struct{}
	sockDown     chan struct{}
	readyCh      chan struct{}
	readySignal  bool
	terminalSent bool
	lastProgress float64

	alarmTimer *time.Timer
	alarmKind  string
	closeTimer *time.Timer
}

func newSession(jobID string, store *database.Store, onAlarm func(kind string)) *Session {
	return &Session{
		jobID:   jobID,
		store:   store,
		log:     log.WithField("jobId", jobID),
		onAlarm: onAlarm,
		now:     time.Now,
		status:  StatusPending,
		wake:    make(chan struct{}, 1),
		readyCh: make(chan struct{}),
	}
}

// restore loads a persisted checkpoint into a fresh Session.
func (s *Session) restore(j database.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pipeline = j.Pipeline
	s.status = j.Status
	s.totalCount = j.TotalCount
	s.processedCount = j.ProcessedCount
	s.version = j.Version
	s.startTime = j.StartTime
	if j.EndTime.Valid {
		s.endTime = j.EndTime.Time
	}
	if j.Results.Valid {
		s.results = j.Results.String
	}
	if j.Error.Valid {
		s.jobErr = j.Error.String
	}
	if j.AuthToken.Valid {
		s.authToken = j.AuthToken.String
	}
	if j.AuthExpiresAt.Valid {
		s.authExpiresAt = j.AuthExpiresAt.Time
	}
	s.throttleUpdates = j.ThrottleUpdates
	if j.ThrottleLastPersist.Valid {
		s.lastPersist = j.ThrottleLastPersist.Time
	}
	if j.BatchState.Valid && j.BatchState.String != "" {
		var b BatchState
		if err := json.Unmarshal([]byte(j.BatchState.String), &b); err != nil {
			s.log.WithError(err).Warn("discarding unreadable batch state")
		} else {
			s.batch = &b
		}
	}
	if s.terminalLocked() {
		s.terminalSent = true
	}
}

// JobID returns the Session's job identifier.
func (s *Session) JobID() string { return s.jobID }

// SetAuthToken mints a fresh token with the full lifetime and persists it.
func (s *Session) SetAuthToken(ctx context.Context) (string, error) {
	token := uuid.NewString()
	expiresAt := s.now().Add(TokenLifetime)

	if err := s.store.SetAuthToken(ctx, s.jobID, token, expiresAt); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.authToken = token
	s.authExpiresAt = expiresAt
	s.mu.Unlock()
	return token, nil
}

// RefreshAuthToken replaces the token, allowed only inside the refresh
// window. The loser of a concurrent refresh gets ErrRefreshInProgress and
// the stored token is untouched.
func (s *Session) RefreshAuthToken(ctx context.Context, oldToken string) (string, int64, error) {
	s.mu.Lock()
	if s.refreshing {
		s.mu.Unlock()
		return "", 0, ErrRefreshInProgress
	}
	if s.authToken == "" || oldToken != s.authToken {
		s.mu.Unlock()
		return "", 0, ErrTokenInvalid
	}
	now := s.now()
	if !now.Before(s.authExpiresAt) {
		s.mu.Unlock()
		return "", 0, ErrTokenExpired
	}
	if s.authExpiresAt.Sub(now) > RefreshWindow {
		s.mu.Unlock()
		return "", 0, ErrRefreshTooEarly
	}
	s.refreshing = true
	s.mu.Unlock()

	token := uuid.NewString()
	expiresAt := now.Add(TokenLifetime)
	err := s.store.SetAuthToken(ctx, s.jobID, token, expiresAt)

	s.mu.Lock()
	s.refreshing = false
	if err == nil {
		s.authToken = token
		s.authExpiresAt = expiresAt
	}
	s.mu.Unlock()

	if err != nil {
		return "", 0, err
	}
	s.log.Info("auth token refreshed")
	return token, int64(TokenLifetime.Seconds()), nil
}

// ValidateToken checks a presented token strictly: present, equal to the
// stored value and not yet expired.
func (s *Session) ValidateToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" || s.authToken == "" || token != s.authToken {
		return ErrTokenInvalid
	}
	if !s.now().Before(s.authExpiresAt) {
		return ErrTokenExpired
	}
	return nil
}

// InitJobState creates the running job with version 1.
func (s *Session) InitJobState(ctx context.Context, pipeline string, totalCount int64) error {
	now := s.now()
	if err := s.store.InitJob(ctx, database.InitJobParams{
		JobID:      s.jobID,
		Pipeline:   pipeline,
		TotalCount: totalCount,
		StartTime:  now,
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.pipeline = pipeline
	s.status = StatusRunning
	s.totalCount = totalCount
	s.processedCount = 0
	s.version = 1
	s.startTime = now
	s.endTime = time.Time{}
	s.results = ""
	s.jobErr = ""
	s.throttleUpdates = 0
	s.lastPersist = now
	s.terminalSent = false
	s.mu.Unlock()

	metrics.JobsStarted.WithLabelValues(pipeline).Inc()
	s.log.WithField("pipeline", pipeline).WithField("total", totalCount).Info("job initialized")
	return nil
}

// Patch is a partial job-state mutation applied by UpdateJobState.
type Patch struct {
	ProcessedCount *int64
	TotalCount     *int64
}

// UpdateJobState applies patch and persists a checkpoint when the pipeline's
// throttle policy says so. Every persisted checkpoint increments the version.
func (s *Session) UpdateJobState(ctx context.Context, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminalLocked() {
		return ErrTerminal
	}

	if patch.TotalCount != nil {
		s.totalCount = *patch.TotalCount
	}
	if patch.ProcessedCount != nil {
		s.processedCount = *patch.ProcessedCount
		if s.totalCount > 0 && s.processedCount > s.totalCount {
			s.processedCount = s.totalCount
		}
	}
	s.throttleUpdates++

	pol := PolicyFor(s.pipeline)
	now := s.now()
	if s.throttleUpdates < pol.UpdatesThreshold && now.Sub(s.lastPersist) < pol.TimeThreshold {
		return nil
	}
	return s.persistLocked(ctx)
}

// persistLocked writes a checkpoint with version+1 and resets the throttle
// counters. Callers hold s.mu.
func (s *Session) persistLocked(ctx context.Context) error {
	now := s.now()
	next := s.version + 1

	p := database.CheckpointParams{
		JobID:               s.jobID,
		Status:              s.status,
		TotalCount:          s.totalCount,
		ProcessedCount:      s.processedCount,
		Version:             next,
		LastUpdate:          now,
		ThrottleUpdates:     0,
		ThrottleLastPersist: sql.NullTime{Time: now, Valid: true},
	}
	if !s.endTime.IsZero() {
		p.EndTime = sql.NullTime{Time: s.endTime, Valid: true}
	}
	if s.results != "" {
		p.Results = sql.NullString{String: s.results, Valid: true}
	}
	if s.jobErr != "" {
		p.Error = sql.NullString{String: s.jobErr, Valid: true}
	}

	if err := s.store.SaveCheckpoint(ctx, p); err != nil {
		return err
	}
	s.version = next
	s.throttleUpdates = 0
	s.lastPersist = now
	return nil
}

// CompleteJobState marks the job complete, persists the terminal checkpoint
// and arms the cleanup alarm. Idempotent once terminal.
func (s *Session) CompleteJobState(ctx context.Context, results string) error {
	return s.finish(ctx, StatusComplete, results, "")
}

// FailJobState marks the job failed, persists the terminal checkpoint and
// arms the cleanup alarm. Idempotent once terminal.
func (s *Session) FailJobState(ctx context.Context, errMsg string) error {
	return s.finish(ctx, StatusFailed, "", errMsg)
}

func (s *Session) finish(ctx context.Context, status, results, errMsg string) error {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return nil
	}
	s.status = status
	s.endTime = s.now()
	if results != "" {
		s.results = results
	}
	if errMsg != "" {
		s.jobErr = errMsg
	}
	err := s.persistLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	metrics.JobsFinished.WithLabelValues(s.pipelineSnapshot(), status).Inc()
	s.log.WithField("status", status).Info("job reached terminal state")
	return s.ScheduleDelayed(ctx, AlarmCleanup, CleanupDelay)
}

// Cancel marks the job canceled, closes the socket with 1001 and arms the
// cleanup alarm. Idempotent; a running driver observes the flag at its next
// loop boundary.
func (s *Session) Cancel(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusCanceled
	s.endTime = s.now()
	s.jobErr = reason
	if s.batch != nil {
		s.batch.CancelRequested = true
	}
	err := s.persistLocked(ctx)
	s.closeSocketLocked(websocket.CloseGoingAway, reason)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	metrics.JobsFinished.WithLabelValues(s.pipelineSnapshot(), StatusCanceled).Inc()
	s.log.WithField("reason", reason).Info("job canceled")
	return s.ScheduleDelayed(ctx, AlarmCleanup, CleanupDelay)
}

// IsCanceled reports whether the job was canceled.
func (s *Session) IsCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusCanceled
}

// GetJobState returns a snapshot of the job.
func (s *Session) GetJobState() JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// GetJobStateAndAuth returns the job snapshot together with the stored auth
// token and its expiry.
func (s *Session) GetJobStateAndAuth() (JobState, string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), s.authToken, s.authExpiresAt
}

func (s *Session) snapshotLocked() JobState {
	return JobState{
		JobID:          s.jobID,
		Pipeline:       s.pipeline,
		Status:         s.status,
		TotalCount:     s.totalCount,
		ProcessedCount: s.processedCount,
		Version:        s.version,
		StartTime:      s.startTime,
		EndTime:        s.endTime,
		Results:        s.results,
		Error:          s.jobErr,
	}
}

func (s *Session) terminalLocked() bool { return terminalStatus(s.status) }

func (s *Session) pipelineSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipeline
}

// SetCSVData persists the uploaded CSV body awaiting the delayed parse.
func (s *Session) SetCSVData(ctx context.Context, body []byte) error {
	return s.store.SetCSVData(ctx, s.jobID, body)
}

// CSVData returns the persisted CSV body.
func (s *Session) CSVData(ctx context.Context) ([]byte, error) {
	j, err := s.store.GetJob(ctx, s.jobID)
	if err != nil {
		return nil, err
	}
	return j.CSVData, nil
}

// ScheduleDelayed persists and arms the Session's alarm. A second call
// replaces any armed alarm: only one exists at a time.
func (s *Session) ScheduleDelayed(ctx context.Context, kind string, delay time.Duration) error {
	at := s.now().Add(delay)
	if err := s.store.SetAlarm(ctx, s.jobID, kind, at); err != nil {
		return err
	}
	s.armTimer(kind, delay)
	return nil
}

// armTimer (re)arms the in-process timer backing the persisted alarm.
func (s *Session) armTimer(kind string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alarmTimer != nil {
		s.alarmTimer.Stop()
	}
	if delay < 0 {
		delay = 0
	}
	s.alarmKind = kind
	s.alarmTimer = time.AfterFunc(delay, func() { s.fireAlarm(kind) })
}

func (s *Session) fireAlarm(kind string) {
	s.log.WithField("kind", kind).Debug("alarm fired")
	if s.onAlarm != nil {
		s.onAlarm(kind)
	}
}

// shutdown stops timers and closes the socket. Called on eviction.
func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alarmTimer != nil {
		s.alarmTimer.Stop()
		s.alarmTimer = nil
	}
	if s.closeTimer != nil {
		s.closeTimer.Stop()
		s.closeTimer = nil
	}
	s.closeSocketLocked(websocket.CloseNormalClosure, "session evicted")
}
