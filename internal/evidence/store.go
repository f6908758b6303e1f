package evidence

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/vorch/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on events.kind
const currentSchemaVersion = 1

// Run identifies one recorded execution.
type Run struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	PlanHash    string    `json:"plan_hash,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	ToolVersion string    `json:"tool_version"`
}

// Store persists evidence events in SQLite for later inspection with
// `vorch trace`. It is a trace of one run, not a results history.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
// Applies pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// NewFromDB wraps an already-configured database handle. No pragmas or
// migrations are applied.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(run_id, kind)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// BeginRun records a new run. Re-recording the same id is a no-op.
func (s *Store) BeginRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, name, plan_hash, started_at, tool_version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.Name,
		run.PlanHash,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.ToolVersion,
	)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// WriteEvent appends one event to a run.
func (s *Store) WriteEvent(ctx context.Context, runID string, e Event) error {
	details := "{}"
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		details = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events
		(run_id, seq, at, kind, correlation_id, lane, capability, action, target,
		 from_state, to_state, attempt, value, code, error, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID,
		e.Seq,
		e.At.UTC().Format(time.RFC3339Nano),
		string(e.Kind),
		e.CorrelationID,
		e.Lane,
		string(e.Capability),
		string(e.Action),
		e.Target,
		e.From,
		e.To,
		e.Attempt,
		e.Value,
		e.Code,
		e.Error,
		details,
	)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// ReadEvents returns a run's events ordered by sequence number.
func (s *Store) ReadEvents(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, at, kind, correlation_id, lane, capability, action, target,
		       from_state, to_state, attempt, value, code, error, details
		FROM events
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                         Event
			at, kind, capability, act string
			details                   string
		)
		if err := rows.Scan(&e.Seq, &at, &kind, &e.CorrelationID, &e.Lane, &capability, &act, &e.Target,
			&e.From, &e.To, &e.Attempt, &e.Value, &e.Code, &e.Error, &details); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		e.Kind = Kind(kind)
		e.Capability = ir.CapabilityKind(capability)
		e.Action = ir.ActionKind(act)
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("decode event details: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

// Runs lists recorded runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, plan_hash, started_at, tool_version
		FROM runs
		ORDER BY started_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r       Run
			started string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.PlanHash, &started, &r.ToolVersion); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse run time: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Recorder returns a Recorder that appends to runID. Write failures are
// logged and counted, never propagated: evidence capture must not change
// the outcome of a run.
func (s *Store) Recorder(runID string, logger *slog.Logger) *StoreRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreRecorder{store: s, runID: runID, logger: logger}
}

// StoreRecorder adapts a Store to the Recorder interface.
type StoreRecorder struct {
	store  *Store
	runID  string
	logger *slog.Logger

	failures atomic.Int64
}

// Record implements Recorder.
func (r *StoreRecorder) Record(e Event) {
	if err := r.store.WriteEvent(context.Background(), r.runID, e); err != nil {
		r.failures.Add(1)
		r.logger.Error("evidence write failed", "run_id", r.runID, "seq", e.Seq, "error", err)
	}
}

// Failures returns how many events could not be written.
func (r *StoreRecorder) Failures() int64 {
	return r.failures.Load()
}
