// Package journal is the audit journal of the gateway. Every message that
// passes the crypto pipeline leaves one row recording its direction, the
// TelematikId of the card used, and the outcome.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openkim/kimgate/logger"
)

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Entry is one journal row.
type Entry struct {
	ID          int64
	TS          time.Time
	Direction   string
	User        string
	MessageID   string
	TelematikID string
	Outcome     string // "ok", "degraded", or a pipeline error code
	Detail      string
}

// Journal is safe for concurrent use.
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal DB: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("failed to set journal journal_mode WAL", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TIMESTAMP NOT NULL,
		direction TEXT NOT NULL,
		user TEXT NOT NULL,
		message_id TEXT NOT NULL,
		telematik_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_journal_ts ON journal(ts);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal DB ping failed: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Record appends one entry. A zero TS is filled with the current time.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.TS.IsZero() {
		e.TS = time.Now()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO journal (ts, direction, user, message_id, telematik_id, outcome, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TS, e.Direction, e.User, e.MessageID, e.TelematikID, e.Outcome, e.Detail)
	if err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, ts, direction, user, message_id, telematik_id, outcome, detail
		 FROM journal ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TS, &e.Direction, &e.User, &e.MessageID, &e.TelematikID, &e.Outcome, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
