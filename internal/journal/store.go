// Package journal records run history and per-message processing
// events in a local SQLite database, with a transactional outbox for
// downstream event publishing. The journal is observability: the CSV
// record store stays the pipeline's durable output.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the journal database.
type Store struct {
	DB *sql.DB
}

// Run is one pipeline pass as recorded in the journal.
type Run struct {
	RunID      string `json:"run_id"`
	Provider   string `json:"provider"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at,omitempty"`
	Processed  int    `json:"processed"`
	Skipped    int    `json:"skipped"`
	Status     string `json:"status"`
	LastError  string `json:"last_error,omitempty"`
}

// MessageEvent is the journal entry for one message in one run.
type MessageEvent struct {
	RunID     string
	Provider  string
	MessageID string
	Subject   string
	Sender    string
	CcAddr    string
	BccAddr   string
	Section   string
	Category  string
	Outcome   string
	Detail    string
}

// OutboxMessage is one pending event waiting for publication.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Open opens or creates the journal database at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying journal schema: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// BeginRun records the start of a pipeline pass.
func (s *Store) BeginRun(ctx context.Context, runID, provider string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (run_id, provider, started_at, status)
		VALUES (?, ?, ?, 'RUNNING')
	`, runID, provider, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a pipeline pass.
func (s *Store) FinishRun(ctx context.Context, runID, status, lastError string, processed, skipped int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET finished_at = ?, processed = ?, skipped = ?, status = ?, last_error = ?
		WHERE run_id = ?
	`, time.Now().Unix(), processed, skipped, status, lastError, runID)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT run_id, provider, started_at, COALESCE(finished_at, 0),
		       processed, skipped, status, COALESCE(last_error, '')
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.Provider, &r.StartedAt, &r.FinishedAt,
			&r.Processed, &r.Skipped, &r.Status, &r.LastError); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// AppendEvent writes a message event and its outbox entry in one
// transaction. A duplicate (run, provider, message) event is ignored
// and enqueues nothing. A nil payload records the event without an
// outbox entry.
func (s *Store) AppendEvent(ctx context.Context, ev MessageEvent, natsSubject, eventType string, payload []byte, msgID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning journal transaction: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_events
		(run_id, provider, message_id, subject, sender, cc_addr, bcc_addr,
		 section, category, outcome, detail, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.RunID, ev.Provider, ev.MessageID, ev.Subject, ev.Sender, ev.CcAddr,
		ev.BccAddr, ev.Section, ev.Category, ev.Outcome, ev.Detail, time.Now().Unix())
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("inserting message event: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Already journaled for this run.
		tx.Rollback()
		return nil
	}

	if payload == nil {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing journal transaction: %w", err)
		}
		return nil
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, natsSubject, eventType, payload, msgID, now)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("inserting outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing journal transaction: %w", err)
	}
	return nil
}

// DequeueOutbox fetches up to limit unpublished events whose next
// attempt is due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("scanning outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox event as delivered.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("marking outbox published: %w", err)
	}
	return nil
}

// MarkRetry bumps the retry count and schedules the next attempt.
func (s *Store) MarkRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("marking outbox retry: %w", err)
	}
	return nil
}
