package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/config"
	_ "modernc.org/sqlite"
)

// Event types written by the recorder.
const (
	TypeItemFetched       = "item.fetched"
	TypeFetchFailed       = "item.fetch_failed"
	TypeRecordingStarted  = "recording.started"
	TypeRecordingStopped  = "recording.stopped"
	TypeRecordingReset    = "recording.reset"
	TypeSubmitted         = "recording.submitted"
	TypeSubmissionFailed  = "recording.submit_failed"
	TypeWorkComplete      = "work.complete"
	TypeCaptureFailed     = "capture.failed"
)

// Event is one journal entry. SessionID groups the events of one work item.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	FileName  string    `json:"file_name,omitempty"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the session journal. In session mode it lives in an in-memory
// SQLite database that disappears with the process; ephemeral mode keeps
// nothing.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "journal"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    file_name TEXT,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// AppendEvent writes an event and applies the size cap.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, file_name, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.FileName, evt.Type, evt.Payload, evt.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return s.Prune(ctx)
}

// ListEvents returns the newest limit events, oldest first.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT id, session_id, file_name, event_type, payload, created_at FROM (
		   SELECT * FROM events ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`, limit)
}

// ListSessionEvents retrieves up to limit events for a session in the order
// they were written.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT id, session_id, file_name, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e        Event
			fileName sql.NullString
			created  int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &fileName, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.FileName = fileName.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune drops the oldest events beyond MaxEvents.
func (s *Store) Prune(ctx context.Context) error {
	if !s.enabled() || s.cfg.MaxEvents <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE id IN (
			SELECT id FROM events ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEvents)
	if err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	return nil
}

// Ensure checks the store is consistent with its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral journal should not have database connection")
	}
	return nil
}
