// Package checkpoint persists download progress so an interrupted bulk
// read resumes across process restarts instead of refetching delivered
// rows. One journal row per (session, start offset).
package checkpoint

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS download_progress (
	session_id TEXT    NOT NULL,
	start      INTEGER NOT NULL,
	delivered  INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, start)
);`

// Journal is a sqlite-backed progress store. Safe for concurrent use by a
// single process.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal at path, initializing the schema.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: init schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Save records that delivered rows of the range starting at start have been
// handed to the caller.
func (j *Journal) Save(sessionID string, start, delivered int64) error {
	_, err := j.db.Exec(`
		INSERT INTO download_progress (session_id, start, delivered, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, start) DO UPDATE SET
			delivered = excluded.delivered,
			updated_at = excluded.updated_at`,
		sessionID, start, delivered, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("checkpoint: save %s/%d: %w", sessionID, start, err)
	}
	return nil
}

// Load returns the delivered count for a range, or ok=false when no
// progress was recorded.
func (j *Journal) Load(sessionID string, start int64) (delivered int64, ok bool, err error) {
	row := j.db.QueryRow(`
		SELECT delivered FROM download_progress
		WHERE session_id = ? AND start = ?`, sessionID, start)
	switch err := row.Scan(&delivered); err {
	case nil:
		return delivered, true, nil
	case sql.ErrNoRows:
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("checkpoint: load %s/%d: %w", sessionID, start, err)
	}
}

// Clear removes all progress rows for a session, typically after the full
// range has been delivered.
func (j *Journal) Clear(sessionID string) error {
	if _, err := j.db.Exec(`DELETE FROM download_progress WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("checkpoint: clear %s: %w", sessionID, err)
	}
	return nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
