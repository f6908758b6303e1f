package evidence

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vorch/internal/ir"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evidence.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	for _, table := range []string{"runs", "events"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %q", table)
	}
}

func TestOpenInvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "evidence.db"))
	assert.Error(t, err)
}

func TestWriteAndReadEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.BeginRun(ctx, Run{ID: "run-1", Name: "Driving", PlanHash: "abc", StartedAt: started, ToolVersion: "0.1.0"}))
	require.NoError(t, s.BeginRun(ctx, Run{ID: "run-1", Name: "ignored", StartedAt: started}), "re-begin is a no-op")

	events := []Event{
		{Seq: 2, At: started.Add(2 * time.Millisecond), Kind: KindOutcome, CorrelationID: "c1", To: "acked"},
		{
			Seq: 1, At: started.Add(time.Millisecond), Kind: KindTransition, CorrelationID: "c1",
			Lane: "body", Capability: ir.CapabilitySignal, Action: ir.ActionSet, Target: "ignition",
			From: "created", To: "sent", Attempt: 1, Value: "OFF",
			Details: map[string]string{"payload": "0"},
		},
	}
	for _, e := range events {
		require.NoError(t, s.WriteEvent(ctx, "run-1", e))
	}

	got, err := s.ReadEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, ir.CapabilitySignal, got[0].Capability)
	assert.Equal(t, ir.ActionSet, got[0].Action)
	assert.Equal(t, "body", got[0].Lane)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, map[string]string{"payload": "0"}, got[0].Details)
	assert.True(t, got[0].At.Equal(started.Add(time.Millisecond)))
	assert.Nil(t, got[1].Details)

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "Driving", runs[0].Name)
	assert.Equal(t, "abc", runs[0].PlanHash)
}

func TestWriteEventDuplicateSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.BeginRun(ctx, Run{ID: "r", Name: "n", StartedAt: time.Now()}))
	require.NoError(t, s.WriteEvent(ctx, "r", Event{Seq: 1, At: time.Now(), Kind: KindRetry}))
	assert.Error(t, s.WriteEvent(ctx, "r", Event{Seq: 1, At: time.Now(), Kind: KindRetry}))
}

func TestStoreRecorderThroughSequencer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.BeginRun(ctx, Run{ID: "r", Name: "n", StartedAt: time.Now()}))

	rec := s.Recorder("r", nil)
	seq := NewSequencer(rec, nil, nil)
	seq.Record(Event{Kind: KindPlanStarted})
	seq.Record(Event{Kind: KindPlanFinished})

	got, err := s.ReadEvents(ctx, "r")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, KindPlanStarted, got[0].Kind)
	assert.Equal(t, int64(0), rec.Failures())
}

func TestStoreRecorderCountsFailures(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events")).WillReturnError(errors.New("disk full"))

	rec := NewFromDB(db).Recorder("r", nil)
	rec.Record(Event{Seq: 1, At: time.Now(), Kind: KindOutcome})

	assert.Equal(t, int64(1), rec.Failures())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadEventsQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM events")).WithArgs("r").WillReturnError(errors.New("locked"))

	_, err = NewFromDB(db).ReadEvents(context.Background(), "r")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read events")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadEventsBadTimestamp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := []string{"seq", "at", "kind", "correlation_id", "lane", "capability", "action", "target",
		"from_state", "to_state", "attempt", "value", "code", "error", "details"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM events")).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(1, "yesterday", "outcome", "", "", "", "", "", "", "", 0, "", "", "", "{}"))

	_, err = NewFromDB(db).ReadEvents(context.Background(), "r")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse event time")
}

func TestBeginRunError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO runs")).WillReturnError(errors.New("readonly"))
	err = NewFromDB(db).BeginRun(context.Background(), Run{ID: "r", StartedAt: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin run")
}
