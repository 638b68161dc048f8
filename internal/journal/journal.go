// Package journal records per-turn metadata in SQLite. Message content is never
// stored.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Turn represents one finished turn
type Turn struct {
	ID               string
	SessionID        string
	Backend          string
	Model            string
	Outcome          string // complete, failed, canceled
	ErrorKind        string
	Fragments        int
	DecodeErrors     int
	PromptTokens     int
	CompletionTokens int
	Cached           bool
	StartedAt        time.Time
	Duration         time.Duration
}

// Journal is an append-only table of turns
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal database at path
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: empty path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; the pump and the REPL share the handle
	db.SetMaxOpenConns(1)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	createTurnsTable := `
	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		backend TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		fragments INTEGER NOT NULL DEFAULT 0,
		decode_errors INTEGER NOT NULL DEFAULT 0,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		cached INTEGER NOT NULL DEFAULT 0,
		started_at_ms INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL
	);`

	createIndex := `CREATE INDEX IF NOT EXISTS turns_by_started ON turns(started_at_ms DESC);`

	if _, err := j.db.Exec(createTurnsTable); err != nil {
		return fmt.Errorf("failed to create turns table: %w", err)
	}
	if _, err := j.db.Exec(createIndex); err != nil {
		return fmt.Errorf("failed to create turns index: %w", err)
	}
	return nil
}

// Record appends a turn
func (j *Journal) Record(ctx context.Context, t Turn) error {
	if t.ID == "" || t.SessionID == "" {
		return errors.New("journal: turn id and session id are required")
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO turns(id, session_id, backend, model, outcome, error_kind, fragments,
			decode_errors, prompt_tokens, completion_tokens, cached, started_at_ms, duration_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Backend, t.Model, t.Outcome, t.ErrorKind, t.Fragments,
		t.DecodeErrors, t.PromptTokens, t.CompletionTokens, t.Cached,
		t.StartedAt.UnixMilli(), t.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record turn: %w", err)
	}
	return nil
}

// Recent returns up to n turns, newest first
func (j *Journal) Recent(ctx context.Context, n int) ([]Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, session_id, backend, model, outcome, error_kind, fragments,
			decode_errors, prompt_tokens, completion_tokens, cached, started_at_ms, duration_ms
		FROM turns
		ORDER BY started_at_ms DESC, rowid DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var startedMs, durationMs int64
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Backend, &t.Model, &t.Outcome, &t.ErrorKind,
			&t.Fragments, &t.DecodeErrors, &t.PromptTokens, &t.CompletionTokens, &t.Cached,
			&startedMs, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.StartedAt = time.UnixMilli(startedMs)
		t.Duration = time.Duration(durationMs) * time.Millisecond
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read turns: %w", err)
	}
	return turns, nil
}

// Close closes the database
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
