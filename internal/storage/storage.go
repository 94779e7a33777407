// Package storage is the task/session persistence collaborator (spec.md
// §6 "Persistent task records" / §4.6 session-state snapshot history):
// a pure-Go SQLite store the engine writes to best-effort on every
// transition.
//
// Grounded on config/auditlog/sqlite.go's schema-on-open pattern, adapted
// from the dashboard's audit-event trail to a Task-record table plus a
// session-snapshot history table.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ryanashbaugh/openhive/internal/orchestrator/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	prompt          TEXT NOT NULL DEFAULT '',
	agent           TEXT NOT NULL DEFAULT '',
	depends_on      TEXT NOT NULL DEFAULT '[]',
	status          TEXT NOT NULL DEFAULT 'pending',
	created_at      TEXT NOT NULL DEFAULT '',
	started_at      TEXT NOT NULL DEFAULT '',
	completed_at    TEXT NOT NULL DEFAULT '',
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	worker_state    TEXT NOT NULL DEFAULT '',
	worktree_path   TEXT NOT NULL DEFAULT '',
	worktree_branch TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	worker_id       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS session_snapshots (
	id         INTEGER PRIMARY KEY,
	taken_at   TEXT NOT NULL,
	snapshot   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_taken_at ON session_snapshots(taken_at DESC);
`

// Store persists Task records and periodic session-state snapshots.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at dbPath and runs the schema.
// Use ":memory:" for an in-memory database, useful in tests.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running storage schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTask upserts t's current snapshot. Callers treat failures as
// best-effort and log rather than propagate, per spec.md §6.
func (s *Store) SaveTask(t task.Task) error {
	dependsOn, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("marshaling dependsOn for task %s: %w", t.ID, err)
	}

	const q = `
		INSERT INTO tasks
			(id, prompt, agent, depends_on, status, created_at, started_at,
			 completed_at, duration_ms, worker_state, worktree_path,
			 worktree_branch, error, worker_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			prompt=excluded.prompt, agent=excluded.agent, depends_on=excluded.depends_on,
			status=excluded.status, started_at=excluded.started_at,
			completed_at=excluded.completed_at, duration_ms=excluded.duration_ms,
			worker_state=excluded.worker_state, worktree_path=excluded.worktree_path,
			worktree_branch=excluded.worktree_branch, error=excluded.error,
			worker_id=excluded.worker_id
	`
	_, err = s.db.Exec(q,
		t.ID, t.Prompt, t.Agent, string(dependsOn), string(t.Status),
		formatTime(t.CreatedAt), formatTime(t.StartedAt), formatTime(t.CompletedAt),
		t.DurationMs, string(t.WorkerState), t.WorktreePath, t.WorktreeBranch,
		t.Error, t.WorkerID,
	)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(id string) (task.Task, bool, error) {
	const q = `
		SELECT id, prompt, agent, depends_on, status, created_at, started_at,
		       completed_at, duration_ms, worker_state, worktree_path,
		       worktree_branch, error, worker_id
		FROM tasks WHERE id = ?
	`
	row := s.db.QueryRow(q, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return task.Task{}, false, nil
	}
	if err != nil {
		return task.Task{}, false, fmt.Errorf("loading task %s: %w", id, err)
	}
	return t, true, nil
}

// ListTasks returns every persisted task.
func (s *Store) ListTasks() ([]task.Task, error) {
	const q = `
		SELECT id, prompt, agent, depends_on, status, created_at, started_at,
		       completed_at, duration_ms, worker_state, worktree_path,
		       worktree_branch, error, worker_id
		FROM tasks ORDER BY created_at
	`
	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (task.Task, error) {
	var t task.Task
	var dependsOn, createdAt, startedAt, completedAt, status, workerState string
	err := row.Scan(&t.ID, &t.Prompt, &t.Agent, &dependsOn, &status, &createdAt,
		&startedAt, &completedAt, &t.DurationMs, &workerState, &t.WorktreePath,
		&t.WorktreeBranch, &t.Error, &t.WorkerID)
	if err != nil {
		return task.Task{}, err
	}

	t.Status = task.Status(status)
	t.WorkerState = task.WorkerState(workerState)
	t.CreatedAt = parseTime(createdAt)
	t.StartedAt = parseTime(startedAt)
	t.CompletedAt = parseTime(completedAt)
	if err := json.Unmarshal([]byte(dependsOn), &t.DependsOn); err != nil {
		return task.Task{}, fmt.Errorf("unmarshaling dependsOn: %w", err)
	}
	return t, nil
}

// SaveSnapshot appends a session-state snapshot (already JSON-encoded by
// the caller) to history.
func (s *Store) SaveSnapshot(snapshotJSON string) error {
	_, err := s.db.Exec(`INSERT INTO session_snapshots (taken_at, snapshot) VALUES (?, ?)`,
		formatTime(time.Now()), snapshotJSON)
	if err != nil {
		return fmt.Errorf("saving session snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recently saved snapshot, or "" if none.
func (s *Store) LatestSnapshot() (string, error) {
	var snapshot string
	err := s.db.QueryRow(`SELECT snapshot FROM session_snapshots ORDER BY id DESC LIMIT 1`).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading latest snapshot: %w", err)
	}
	return snapshot, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
