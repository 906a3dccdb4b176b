// Package eventstore keeps the timeline of streaming sessions in SQLite: the
// chunks handed to synthesis, the segmentation adjustments made along the
// way, and how each session ended.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	_ "modernc.org/sqlite"
)

// Timeline event kinds.
const (
	KindChunk        = "chunk"
	KindAdjustment   = "adjustment"
	KindSessionEnded = "session.ended"
)

// Session describes one streaming session.
type Session struct {
	ID     string
	Voice  string
	Target string
}

// SessionSummary is a finished or running session with its counters.
type SessionSummary struct {
	ID          string     `json:"id"`
	Voice       string     `json:"voice,omitempty"`
	Target      string     `json:"target,omitempty"`
	Chunks      int        `json:"chunks"`
	Adjustments int        `json:"adjustments"`
	EndReason   string     `json:"end_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

type Event struct {
	ID        int64
	SessionID string
	Kind      string
	ChunkID   string
	Payload   []byte
	CreatedAt time.Time
}

// EventQuery selects timeline entries of one session. An empty Kind matches
// every kind.
type EventQuery struct {
	SessionID string
	Kind      string
	Limit     int
}

type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open prepares the store. In ephemeral mode nothing is written and every
// call is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Chunk events arrive from many sessions at once; one writer avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.migrate(ctx); err != nil {
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

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    voice TEXT,
    target TEXT,
    chunks INTEGER NOT NULL DEFAULT 0,
    adjustments INTEGER NOT NULL DEFAULT 0,
    end_reason TEXT,
    created_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    chunk_id TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_kind ON events(session_id, kind, id);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) disabled() bool {
	return s == nil || s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartSession creates the session row, or refreshes voice and target when
// the session already exists.
func (s *Store) StartSession(ctx context.Context, sess Session) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, voice, target, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET voice=excluded.voice, target=excluded.target`,
		sess.ID, sess.Voice, sess.Target, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("start session %s: %w", sess.ID, err)
	}
	return nil
}

// EndSession records why the session ended and appends the closing event.
func (s *Store) EndSession(ctx context.Context, sessionID, reason string) error {
	if s.disabled() {
		return nil
	}
	now := s.clock().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ? WHERE session_id = ?`,
		now, reason, sessionID); err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	return s.AppendEvent(ctx, Event{SessionID: sessionID, Kind: KindSessionEnded, Payload: []byte(reason), CreatedAt: now})
}

// AppendEvent writes evt and bumps the session's counter for its kind.
func (s *Store) AppendEvent(ctx context.Context, evt Event) (err error) {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
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

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO events(session_id, kind, chunk_id, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Kind, evt.ChunkID, evt.Payload, evt.CreatedAt); err != nil {
		return fmt.Errorf("append %s event: %w", evt.Kind, err)
	}
	var counter string
	switch evt.Kind {
	case KindChunk:
		counter = `UPDATE sessions SET chunks = chunks + 1 WHERE session_id = ?`
	case KindAdjustment:
		counter = `UPDATE sessions SET adjustments = adjustments + 1 WHERE session_id = ?`
	}
	if counter != "" {
		if _, err = tx.ExecContext(ctx, counter, evt.SessionID); err != nil {
			return fmt.Errorf("count %s event: %w", evt.Kind, err)
		}
	}
	return tx.Commit()
}

// ListSessionEvents returns up to q.Limit events in insertion order.
func (s *Store) ListSessionEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, chunk_id, payload, created_at
		 FROM events WHERE session_id = ? AND (? = '' OR kind = ?)
		 ORDER BY id ASC LIMIT ?`, q.SessionID, q.Kind, q.Kind, q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			chunkID sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &chunkID, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.ChunkID = chunkID.String
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, voice, target, chunks, adjustments, end_reason, created_at, ended_at
		 FROM sessions ORDER BY created_at DESC, session_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum                   SessionSummary
			voice, target, reason sql.NullString
			created               string
			ended                 sql.NullString
		)
		if err := rows.Scan(&sum.ID, &voice, &target, &sum.Chunks, &sum.Adjustments, &reason, &created, &ended); err != nil {
			return nil, err
		}
		sum.Voice, sum.Target, sum.EndReason = voice.String, target.String, reason.String
		sum.CreatedAt = parseTime(created)
		if ended.Valid {
			t := parseTime(ended.String)
			sum.EndedAt = &t
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Prune applies retention_days and max_sessions. Events go with their
// session.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
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
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func parseTime(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}
