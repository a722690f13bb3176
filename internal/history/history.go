// Package history keeps an optional SQLite journal of completed compute
// tasks for the /v1/tasks API.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sandpool/sandpool/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    module_url TEXT NOT NULL,
    status TEXT NOT NULL,
    duration_ms INTEGER,
    worker_id TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_task_log_created ON task_log(created_at);
`

// Journal records task outcomes in a SQLite database under dataDir.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal database.
func Open(dataDir string) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "tasks.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record logs one completed task. status is "ok" or the error name.
func (j *Journal) Record(moduleURL, status, workerID string, durationMs int64) error {
	_, err := j.db.Exec(
		`INSERT INTO task_log (module_url, status, duration_ms, worker_id) VALUES (?, ?, ?, ?)`,
		moduleURL, status, durationMs, workerID)
	if err != nil {
		return fmt.Errorf("log task: %w", err)
	}
	return nil
}

// Recent returns the most recent task records, newest first.
func (j *Journal) Recent(limit int) ([]types.TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(
		`SELECT id, module_url, status, duration_ms, worker_id, created_at
		 FROM task_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query task log: %w", err)
	}
	defer rows.Close()

	records := make([]types.TaskRecord, 0, limit)
	for rows.Next() {
		var r types.TaskRecord
		if err := rows.Scan(&r.ID, &r.ModuleURL, &r.Status, &r.DurationMs, &r.WorkerID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
