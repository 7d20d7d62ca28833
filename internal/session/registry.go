package session

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jukasdrj/bookstrack-backend/internal/database"
	"github.com/jukasdrj/bookstrack-backend/internal/metrics"
)

// alarmTimeout bounds the work dispatched by a fired alarm.
const alarmTimeout = 5 * time.Minute

// CSVRunner executes the delayed CSV pipeline for a Session. Installed by
// the server wiring to avoid a dependency cycle with the pipeline package.
type CSVRunner func(ctx context.Context, s *Session)

// Registry maps jobId to its single live Session. Concurrent Get calls for
// one id always yield the same Session; restoration reads the persisted
// checkpoint so resumed Sessions observe their last state.
type Registry struct {
	store  *database.Store
	log    *log.Entry
	csvRun CSVRunner

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty Registry over store.
func NewRegistry(store *database.Store) *Registry {
	return &Registry{
		store:    store,
		log:      log.WithField("component", "registry"),
		sessions: make(map[string]*Session),
	}
}

// SetCSVRunner installs the delayed CSV pipeline executor.
func (r *Registry) SetCSVRunner(run CSVRunner) {
	r.csvRun = run
}

// Get returns the live Session for jobID, constructing or restoring it on
// first use.
func (r *Registry) Get(ctx context.Context, jobID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[jobID]; ok {
		return s, nil
	}

	s := newSession(jobID, r.store, func(kind string) { r.handleAlarm(jobID, kind) })
	j, err := r.store.GetJob(ctx, jobID)
	switch {
	case err == nil:
		s.restore(j)
	case errors.Is(err, sql.ErrNoRows):
		// Fresh job, nothing to restore.
	default:
		return nil, err
	}

	r.sessions[jobID] = s
	metrics.ActiveSessions.Inc()
	return s, nil
}

// Peek returns the live Session for jobID without constructing one.
func (r *Registry) Peek(jobID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[jobID]
	return s, ok
}

// handleAlarm dispatches a fired Session alarm: csv alarms run the delayed
// CSV pipeline, cleanup alarms delete the job's state and evict the Session.
func (r *Registry) handleAlarm(jobID, kind string) {
	ctx, cancel := context.WithTimeout(context.Background(), alarmTimeout)
	defer cancel()

	lg := r.log.WithField("jobId", jobID).WithField("kind", kind)

	switch kind {
	case AlarmCSV:
		s, err := r.Get(ctx, jobID)
		if err != nil {
			lg.WithError(err).Error("csv alarm: session lookup failed")
			return
		}
		if err := r.store.ClearAlarm(ctx, jobID); err != nil {
			lg.WithError(err).Warn("csv alarm: clear failed")
		}
		if r.csvRun == nil {
			lg.Error("csv alarm fired with no runner installed")
			return
		}
		r.csvRun(ctx, s)

	case AlarmCleanup:
		if err := r.store.DeleteJob(ctx, jobID); err != nil {
			lg.WithError(err).Error("cleanup alarm: delete failed")
			return
		}
		r.Evict(jobID)
		lg.Info("job state cleaned up")

	default:
		lg.Warn("unknown alarm kind ignored")
	}
}

// Evict removes the Session for jobID, stopping its timers and socket.
// Anything persisted before eviction stays readable by a later Get.
func (r *Registry) Evict(jobID string) {
	r.mu.Lock()
	s, ok := r.sessions[jobID]
	if ok {
		delete(r.sessions, jobID)
	}
	r.mu.Unlock()

	if ok {
		s.shutdown()
		metrics.ActiveSessions.Dec()
	}
}

// RecoverAlarms re-arms the in-process timers for every alarm persisted
// before a restart. Past-due alarms fire immediately.
func (r *Registry) RecoverAlarms(ctx context.Context) error {
	alarms, err := r.store.ListArmedAlarms(ctx)
	if err != nil {
		return err
	}
	for _, a := range alarms {
		s, err := r.Get(ctx, a.JobID)
		if err != nil {
			r.log.WithField("jobId", a.JobID).WithError(err).Error("alarm recovery: session lookup failed")
			continue
		}
		s.armTimer(a.Kind, time.Until(a.At))
		r.log.WithField("jobId", a.JobID).WithField("kind", a.Kind).Info("alarm re-armed")
	}
	return nil
}

// StartSweeper periodically deletes terminal jobs whose cleanup alarm was
// lost (e.g. a crash between the terminal transition and the alarm firing).
// It runs until ctx is canceled.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-CleanupDelay)
				n, err := r.store.DeleteStaleTerminal(ctx, cutoff)
				if err != nil {
					r.log.WithError(err).Error("stale job sweep failed")
					continue
				}
				if n > 0 {
					r.log.WithField("deleted", n).Info("swept stale terminal jobs")
				}
			}
		}
	}()
}
