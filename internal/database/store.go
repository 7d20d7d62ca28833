package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Job is the persisted checkpoint for one orchestrated job. A single row
// carries everything a Session needs to resume: job state, auth token,
// throttle counters, batch state, pending CSV payload and the armed alarm.
type Job struct {
	JobID               string
	Pipeline            string
	Status              string
	TotalCount          int64
	ProcessedCount      int64
	Version             int64
	StartTime           time.Time
	EndTime             sql.NullTime
	LastUpdate          sql.NullTime
	Results             sql.NullString
	Error               sql.NullString
	AuthToken           sql.NullString
	AuthExpiresAt       sql.NullTime
	ThrottleUpdates     int64
	ThrottleLastPersist sql.NullTime
	BatchState          sql.NullString
	CSVData             []byte
	AlarmKind           sql.NullString
	AlarmAt             sql.NullTime
}

// RateBucket is one fixed-window rate-limit bucket.
type RateBucket struct {
	BucketKey string
	Count     int64
	ResetAt   time.Time
}

// Alarm is an armed delayed execution owned by a job.
type Alarm struct {
	JobID    string
	Pipeline string
	Kind     string
	At       time.Time
}

// Store wraps the single-writer database connection with typed queries.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store from a database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `job_id, pipeline, status, total_count, processed_count, version,
	start_time, end_time, last_update, results, error,
	auth_token, auth_expires_at, throttle_updates, throttle_last_persist,
	batch_state, csv_data, alarm_kind, alarm_at`

func scanJob(row *sql.Row) (Job, error) {
	var j Job
	err := row.Scan(
		&j.JobID, &j.Pipeline, &j.Status, &j.TotalCount, &j.ProcessedCount, &j.Version,
		&j.StartTime, &j.EndTime, &j.LastUpdate, &j.Results, &j.Error,
		&j.AuthToken, &j.AuthExpiresAt, &j.ThrottleUpdates, &j.ThrottleLastPersist,
		&j.BatchState, &j.CSVData, &j.AlarmKind, &j.AlarmAt,
	)
	return j, err
}

// GetJob returns the persisted row for jobID. sql.ErrNoRows when absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	j, err := scanJob(row)
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// EnsureJob inserts an empty row for jobID if none exists yet. Auth tokens
// may be persisted before InitJobState runs, so the row must be creatable
// from either side.
func (s *Store) EnsureJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, pipeline, status) VALUES (?, '', 'pending')
		 ON CONFLICT(job_id) DO NOTHING`, jobID)
	if err != nil {
		return fmt.Errorf("ensure job: %w", err)
	}
	return nil
}

// InitJobParams are the fields set when a job transitions into running.
type InitJobParams struct {
	JobID      string
	Pipeline   string
	TotalCount int64
	StartTime  time.Time
}

// InitJob creates (or re-initializes) the running job row with version 1.
func (s *Store) InitJob(ctx context.Context, p InitJobParams) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, pipeline, status, total_count, processed_count, version, start_time)
		 VALUES (?, ?, 'running', ?, 0, 1, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			pipeline = excluded.pipeline,
			status = 'running',
			total_count = excluded.total_count,
			processed_count = 0,
			version = 1,
			start_time = excluded.start_time,
			end_time = NULL,
			results = NULL,
			error = NULL,
			throttle_updates = 0,
			throttle_last_persist = NULL`,
		p.JobID, p.Pipeline, p.TotalCount, p.StartTime.UTC())
	if err != nil {
		return fmt.Errorf("init job: %w", err)
	}
	return nil
}

// CheckpointParams carries one throttled job-state persist.
type CheckpointParams struct {
	JobID               string
	Status              string
	TotalCount          int64
	ProcessedCount      int64
	Version             int64
	LastUpdate          time.Time
	EndTime             sql.NullTime
	Results             sql.NullString
	Error               sql.NullString
	ThrottleUpdates     int64
	ThrottleLastPersist sql.NullTime
}

// SaveCheckpoint persists a job mutation together with the throttle reset.
// The version is written as provided; callers must have incremented it.
func (s *Store) SaveCheckpoint(ctx context.Context, p CheckpointParams) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
			status = ?,
			total_count = ?,
			processed_count = ?,
			version = ?,
			last_update = ?,
			end_time = ?,
			results = ?,
			error = ?,
			throttle_updates = ?,
			throttle_last_persist = ?
		 WHERE job_id = ?`,
		p.Status, p.TotalCount, p.ProcessedCount, p.Version, p.LastUpdate.UTC(),
		p.EndTime, p.Results, p.Error, p.ThrottleUpdates, p.ThrottleLastPersist, p.JobID)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save checkpoint rows: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetAuthToken persists the token and its expiry for jobID, creating the
// row if needed.
func (s *Store) SetAuthToken(ctx context.Context, jobID, token string, expiresAt time.Time) error {
	if err := s.EnsureJob(ctx, jobID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET auth_token = ?, auth_expires_at = ? WHERE job_id = ?`,
		token, expiresAt.UTC(), jobID)
	if err != nil {
		return fmt.Errorf("set auth token: %w", err)
	}
	return nil
}

// SetCSVData persists the uploaded CSV body awaiting delayed execution.
func (s *Store) SetCSVData(ctx context.Context, jobID string, data []byte) error {
	if err := s.EnsureJob(ctx, jobID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET csv_data = ? WHERE job_id = ?`, data, jobID)
	if err != nil {
		return fmt.Errorf("set csv data: %w", err)
	}
	return nil
}

// SetBatchState persists the shelf-scan batch state as JSON.
func (s *Store) SetBatchState(ctx context.Context, jobID, stateJSON string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET batch_state = ? WHERE job_id = ?`, stateJSON, jobID)
	if err != nil {
		return fmt.Errorf("set batch state: %w", err)
	}
	return nil
}

// SetAlarm arms (or replaces) the single alarm for jobID.
func (s *Store) SetAlarm(ctx context.Context, jobID, kind string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET alarm_kind = ?, alarm_at = ? WHERE job_id = ?`,
		kind, at.UTC(), jobID)
	if err != nil {
		return fmt.Errorf("set alarm: %w", err)
	}
	return nil
}

// ClearAlarm disarms any alarm for jobID.
func (s *Store) ClearAlarm(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET alarm_kind = NULL, alarm_at = NULL WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("clear alarm: %w", err)
	}
	return nil
}

// DeleteJob removes the job row and everything persisted with it.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// ListArmedAlarms returns every job with an armed alarm, due or not.
// Used at startup to re-arm timers lost to a process restart.
func (s *Store) ListArmedAlarms(ctx context.Context) ([]Alarm, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, pipeline, alarm_kind, alarm_at FROM jobs WHERE alarm_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list armed alarms: %w", err)
	}
	defer rows.Close()

	var out []Alarm
	for rows.Next() {
		var a Alarm
		if err := rows.Scan(&a.JobID, &a.Pipeline, &a.Kind, &a.At); err != nil {
			return nil, fmt.Errorf("scan alarm: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("alarm rows: %w", err)
	}
	return out, nil
}

// DeleteStaleTerminal removes terminal jobs whose end time predates cutoff.
// Backstop for cleanup alarms lost before firing.
func (s *Store) DeleteStaleTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN ('complete','failed','canceled') AND end_time IS NOT NULL AND end_time < ?`,
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete stale terminal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete stale rows: %w", err)
	}
	return n, nil
}

// GetBucket returns the rate bucket for key. sql.ErrNoRows when absent.
func (s *Store) GetBucket(ctx context.Context, key string) (RateBucket, error) {
	var b RateBucket
	err := s.db.QueryRowContext(ctx,
		`SELECT bucket_key, count, reset_at FROM rate_buckets WHERE bucket_key = ?`, key).
		Scan(&b.BucketKey, &b.Count, &b.ResetAt)
	if err != nil {
		return RateBucket{}, fmt.Errorf("get bucket: %w", err)
	}
	return b, nil
}

// PutBucket writes the bucket for key in a single round trip.
func (s *Store) PutBucket(ctx context.Context, key string, count int64, resetAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_buckets (bucket_key, count, reset_at) VALUES (?, ?, ?)
		 ON CONFLICT(bucket_key) DO UPDATE SET count = excluded.count, reset_at = excluded.reset_at`,
		key, count, resetAt.UTC())
	if err != nil {
		return fmt.Errorf("put bucket: %w", err)
	}
	return nil
}

// DeleteBucket removes the bucket for key (test hook).
func (s *Store) DeleteBucket(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_buckets WHERE bucket_key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete bucket: %w", err)
	}
	return nil
}
