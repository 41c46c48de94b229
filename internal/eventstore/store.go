// Package eventstore archives finished dictation sessions and their state
// timelines in SQLite.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Event is one timeline entry of a session.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Session is the archived summary of a finished session. Dictated text is
// not stored; only its length.
type Session struct {
	SessionID           string    `json:"session_id"`
	State               string    `json:"state"`
	ErrorKind           string    `json:"error_kind,omitempty"`
	ContextType         string    `json:"context_type,omitempty"`
	InsertMethod        string    `json:"insert_method,omitempty"`
	RecognitionAttempts int       `json:"recognition_attempts"`
	EnhancementAttempts int       `json:"enhancement_attempts"`
	Degraded            bool      `json:"degraded"`
	TextLength          int       `json:"text_length"`
	TotalMS             int64     `json:"total_ms"`
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at"`
}

// Store wraps the SQLite database. With retention_mode "ephemeral" it holds
// no database and every method is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    error_kind TEXT,
    context_type TEXT,
    insert_method TEXT,
    recognition_attempts INTEGER NOT NULL DEFAULT 0,
    enhancement_attempts INTEGER NOT NULL DEFAULT 0,
    degraded INTEGER NOT NULL DEFAULT 0,
    text_length INTEGER NOT NULL DEFAULT 0,
    total_ms INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_finished ON sessions(finished_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether sessions are persisted.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

// ArchiveSession writes the session summary and its timeline in one
// transaction. Archiving the same session twice replaces the summary and
// appends nothing new to the timeline that was already recorded.
func (s *Store) ArchiveSession(ctx context.Context, sess Session, timeline []Event) (err error) {
	if !s.Enabled() {
		return nil
	}
	if sess.FinishedAt.IsZero() {
		sess.FinishedAt = s.clock()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = sess.FinishedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, state, error_kind, context_type, insert_method,
		     recognition_attempts, enhancement_attempts, degraded, text_length, total_ms, started_at, finished_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sess.SessionID, sess.State, sess.ErrorKind, sess.ContextType, sess.InsertMethod,
		sess.RecognitionAttempts, sess.EnhancementAttempts, boolInt(sess.Degraded), sess.TextLength,
		sess.TotalMS, sess.StartedAt.UnixMilli(), sess.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	for _, evt := range timeline {
		if evt.CreatedAt.IsZero() {
			evt.CreatedAt = s.clock()
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO events(session_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
			sess.SessionID, evt.Type, []byte(evt.Payload), evt.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}

// ListSessions returns up to limit archived sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, state, error_kind, context_type, insert_method, recognition_attempts,
		        enhancement_attempts, degraded, text_length, total_ms, started_at, finished_at
		 FROM sessions ORDER BY finished_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess              Session
			errKind, ctxType  sql.NullString
			method            sql.NullString
			degraded          int
			started, finished int64
		)
		if err := rows.Scan(&sess.SessionID, &sess.State, &errKind, &ctxType, &method,
			&sess.RecognitionAttempts, &sess.EnhancementAttempts, &degraded, &sess.TextLength,
			&sess.TotalMS, &started, &finished); err != nil {
			return nil, err
		}
		sess.ErrorKind = errKind.String
		sess.ContextType = ctxType.String
		sess.InsertMethod = method.String
		sess.Degraded = degraded != 0
		sess.StartedAt = time.UnixMilli(started).UTC()
		sess.FinishedAt = time.UnixMilli(finished).UTC()
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			payload []byte
			created int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &payload, &created); err != nil {
			return nil, err
		}
		e.Payload = payload
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention. "session" mode keeps nothing beyond
// the configured limits; "persistent" keeps everything unless limits are
// set.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE finished_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY finished_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Run prunes on every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if !s.Enabled() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
