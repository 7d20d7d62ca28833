package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func setupInMemoryDB(t *testing.T) (*sql.DB, *Store) {
	t.Helper()
	ctx := context.Background()
	db, err := InitDB(ctx, ":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
	})
	return db, NewStore(db)
}

func TestInitAndGetJob(t *testing.T) {
	_, st := setupInMemoryDB(t)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Second)
	if err := st.InitJob(ctx, InitJobParams{JobID: "J1", Pipeline: "batch_enrichment", TotalCount: 2, StartTime: start}); err != nil {
		t.Fatalf("InitJob: %v", err)
	}

	j, err := st.GetJob(ctx, "J1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Pipeline != "batch_enrichment" || j.Status != "running" {
		t.Fatalf("unexpected job: %+v", j)
	}
	if j.TotalCount != 2 || j.ProcessedCount != 0 || j.Version != 1 {
		t.Fatalf("unexpected counters: %+v", j)
	}
}

func TestGetJobMissing(t *testing.T) {
	_, st := setupInMemoryDB(t)

	_, err := st.GetJob(context.Background(), "nope")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestAuthBeforeInit(t *testing.T) {
	_, st := setupInMemoryDB(t)
	ctx := context.Background()

	exp := time.Now().Add(2 * time.Hour)
	if err := st.SetAuthToken(ctx, "J2", "tok-1", exp); err != nil {
		t.Fatalf("SetAuthToken: %v", err)
	}

	// Row was created by the auth write; init must not clobber the token.
	if err := st.InitJob(ctx, InitJobParams{JobID: "J2", Pipeline: "csv_import", StartTime: time.Now()}); err != nil {
		t.Fatalf("InitJob: %v", err)
	}

	j, err := st.GetJob(ctx, "J2")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !j.AuthToken.Valid || j.AuthToken.String != "tok-1" {
		t.Fatalf("expected auth token to survive init, got %+v", j.AuthToken)
	}
}

func TestSaveCheckpoint(t *testing.T) {
	_, st := setupInMemoryDB(t)
	ctx := context.Background()

	if err := st.InitJob(ctx, InitJobParams{JobID: "J3", Pipeline: "batch_enrichment", TotalCount: 10, StartTime: time.Now()}); err != nil {
		t.Fatalf("InitJob: %v", err)
	}

	now := time.Now().UTC()
	p := CheckpointParams{
		JobID:               "J3",
		Status:              "running",
		TotalCount:          10,
		ProcessedCount:      4,
		Version:             2,
		LastUpdate:          now,
		ThrottleUpdates:     0,
		ThrottleLastPersist: sql.NullTime{Time: now, Valid: true},
	}
	if err := st.SaveCheckpoint(ctx, p); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	j, err := st.GetJob(ctx, "J3")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.ProcessedCount != 4 || j.Version != 2 {
		t.Fatalf("checkpoint not applied: %+v", j)
	}
}

func TestSaveCheckpointMissingJob(t *testing.T) {
	_, st := setupInMemoryDB(t)

	err := st.SaveCheckpoint(context.Background(), CheckpointParams{JobID: "missing", Status: "running", Version: 2, LastUpdate: time.Now()})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestAlarmLifecycle(t *testing.T) {
	_, st := setupInMemoryDB(t)
	ctx := context.Background()

	if err := st.InitJob(ctx, InitJobParams{JobID: "J4", Pipeline: "csv_import", StartTime: time.Now()}); err != nil {
		t.Fatalf("InitJob: %v", err)
	}

	at := time.Now().Add(2 * time.Second)
	if err := st.SetAlarm(ctx, "J4", "csv", at); err != nil {
		t.Fatalf("SetAlarm: %v", err)
	}

	alarms, err := st.ListArmedAlarms(ctx)
	if err != nil {
		t.Fatalf("ListArmedAlarms: %v", err)
	}
	if len(alarms) != 1 || alarms[0].JobID != "J4" || alarms[0].Kind != "csv" {
		t.Fatalf("unexpected alarms: %+v", alarms)
	}

	// Re-arming replaces, never stacks.
	if err := st.SetAlarm(ctx, "J4", "cleanup", at.Add(24*time.Hour)); err != nil {
		t.Fatalf("SetAlarm replace: %v", err)
	}
	alarms, err = st.ListArmedAlarms(ctx)
	if err != nil {
		t.Fatalf("ListArmedAlarms: %v", err)
	}
	if len(alarms) != 1 || alarms[0].Kind != "cleanup" {
		t.Fatalf("expected single replaced alarm, got %+v", alarms)
	}

	if err := st.ClearAlarm(ctx, "J4"); err != nil {
		t.Fatalf("ClearAlarm: %v", err)
	}
	alarms, err = st.ListArmedAlarms(ctx)
	if err != nil {
		t.Fatalf("ListArmedAlarms: %v", err)
	}
	if len(alarms) != 0 {
		t.Fatalf("expected no alarms, got %+v", alarms)
	}
}

func TestDeleteStaleTerminal(t *testing.T) {
	_, st := setupInMemoryDB(t)
	ctx := context.Background()

	if err := st.InitJob(ctx, InitJobParams{JobID: "old", Pipeline: "batch_enrichment", StartTime: time.Now()}); err != nil {
		t.Fatalf("InitJob: %v", err)
	}
	end := time.Now().Add(-48 * time.Hour).UTC()
	p := CheckpointParams{
		JobID:      "old",
		Status:     "complete",
		Version:    2,
		LastUpdate: end,
		EndTime:    sql.NullTime{Time: end, Valid: true},
	}
	if err := st.SaveCheckpoint(ctx, p); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	n, err := st.DeleteStaleTerminal(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteStaleTerminal: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
	if _, err := st.GetJob(ctx, "old"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected job gone, got %v", err)
	}
}

func TestRateBuckets(t *testing.T) {
	_, st := setupInMemoryDB(t)
	ctx := context.Background()

	if _, err := st.GetBucket(ctx, "1.2.3.4"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for new key, got %v", err)
	}

	reset := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	if err := st.PutBucket(ctx, "1.2.3.4", 1, reset); err != nil {
		t.Fatalf("PutBucket: %v", err)
	}
	b, err := st.GetBucket(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("GetBucket: %v", err)
	}
	if b.Count != 1 {
		t.Fatalf("expected count 1, got %d", b.Count)
	}

	if err := st.PutBucket(ctx, "1.2.3.4", 2, reset); err != nil {
		t.Fatalf("PutBucket update: %v", err)
	}
	b, err = st.GetBucket(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("GetBucket: %v", err)
	}
	if b.Count != 2 {
		t.Fatalf("expected count 2, got %d", b.Count)
	}

	if err := st.DeleteBucket(ctx, "1.2.3.4"); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
	if _, err := st.GetBucket(ctx, "1.2.3.4"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected bucket gone, got %v", err)
	}
}
