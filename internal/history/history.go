// Package history keeps a sqlite audit trail of completed jobs. The
// response itself is not persisted beyond the handoff to the scheduler;
// this table exists for operators, not for correlation.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opsgrid/checkfarm/internal/jobtable"
	"github.com/opsgrid/checkfarm/internal/protocol"
)

type Status string

const (
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
	StatusWorkerLost Status = "worker_lost"
)

// Open opens (and creates if needed) the history database at path and
// ensures the schema exists.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if err := validateLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_history (
  seq          INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id       INTEGER NOT NULL,
  worker       TEXT NOT NULL,
  plugin       TEXT,
  command      TEXT NOT NULL,
  status       TEXT NOT NULL,
  error_code   INTEGER NOT NULL DEFAULT 0,
  error_msg    TEXT,
  runtime      REAL,
  exited_ok    INTEGER,
  wait_status  INTEGER,
  submitted_at TEXT NOT NULL,
  completed_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_job_history_completed_at ON job_history(completed_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap history schema: %w", err)
		}
	}
	return nil
}

// Entry is one recorded completion.
type Entry struct {
	JobID       int       `json:"job_id"`
	Worker      string    `json:"worker"`
	Plugin      string    `json:"plugin,omitempty"`
	Command     string    `json:"command"`
	Status      Status    `json:"status"`
	ErrorCode   int       `json:"error_code,omitempty"`
	ErrorMsg    string    `json:"error_msg,omitempty"`
	Runtime     float64   `json:"runtime"`
	ExitedOK    bool      `json:"exited_ok"`
	WaitStatus  int       `json:"wait_status"`
	SubmittedAt time.Time `json:"submitted_at"`
	CompletedAt time.Time `json:"completed_at"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record appends one completed job to the audit trail.
func (s *Store) Record(ctx context.Context, o *jobtable.Outcome) error {
	if o == nil || o.Result == nil {
		return fmt.Errorf("outcome is empty")
	}
	res := o.Result

	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_history(
  job_id, worker, plugin, command, status, error_code, error_msg,
  runtime, exited_ok, wait_status, submitted_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		o.JobID, o.WorkerName, o.Plugin, o.Command, string(statusOf(res)),
		res.ErrorCode, res.ErrorMsg, res.Runtime, boolInt(res.ExitedOK), res.WaitStatus,
		o.SubmittedAt.UTC().Format(time.RFC3339Nano),
		o.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record job history: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT job_id, worker, plugin, command, status, error_code, error_msg,
       runtime, exited_ok, wait_status, submitted_at, completed_at
FROM job_history
ORDER BY seq DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query job history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e            Entry
			plugin       sql.NullString
			errorMsg     sql.NullString
			statusS      string
			exitedOK     int
			submittedAtS string
			completedAtS string
		)
		if err := rows.Scan(
			&e.JobID, &e.Worker, &plugin, &e.Command, &statusS, &e.ErrorCode, &errorMsg,
			&e.Runtime, &exitedOK, &e.WaitStatus, &submittedAtS, &completedAtS,
		); err != nil {
			return nil, fmt.Errorf("scan job history: %w", err)
		}
		e.Status = Status(statusS)
		e.Plugin = plugin.String
		e.ErrorMsg = errorMsg.String
		e.ExitedOK = exitedOK != 0
		if ts, err := time.Parse(time.RFC3339Nano, submittedAtS); err == nil {
			e.SubmittedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, completedAtS); err == nil {
			e.CompletedAt = ts
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries completed before now - retention.
func (s *Store) Prune(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_history WHERE completed_at < ?;`, cutoff); err != nil {
		return fmt.Errorf("prune job history: %w", err)
	}
	return nil
}

func statusOf(res *protocol.Result) Status {
	switch {
	case !res.IsError():
		return StatusSucceeded
	case res.ErrorCode == protocol.CodeTimeout:
		return StatusTimedOut
	case res.ErrorCode == protocol.CodeWorkerLost:
		return StatusWorkerLost
	default:
		return StatusFailed
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
