package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS active_sessions (
	session_id               TEXT PRIMARY KEY,
	mode                     TEXT NOT NULL,
	consecutive_stable_count INTEGER NOT NULL,
	last_decision_at         TEXT,
	registered_at            TEXT NOT NULL,
	updated_at               TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_archive (
	id                       INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id               TEXT NOT NULL,
	mode                     TEXT NOT NULL,
	consecutive_stable_count INTEGER NOT NULL,
	last_decision_at         TEXT,
	registered_at            TEXT NOT NULL,
	ended_at                 TEXT NOT NULL,
	decisions                INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS decision_log (
	sequence_id     INTEGER PRIMARY KEY,
	decision_id     TEXT NOT NULL UNIQUE,
	session_id      TEXT NOT NULL,
	timestamp       TEXT NOT NULL,
	system_mode     TEXT NOT NULL,
	pacing_mode     TEXT NOT NULL,
	pacing_enabled  INTEGER NOT NULL,
	target_rate_bpm REAL NOT NULL,
	rule            INTEGER NOT NULL,
	key_id          TEXT NOT NULL,
	rhythm_class    BLOB NOT NULL,
	hsi_score       BLOB NOT NULL,
	rationale       BLOB NOT NULL,
	full_payload    BLOB NOT NULL,
	prev_hash       TEXT NOT NULL,
	chain_hash      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decision_log_session ON decision_log(session_id, sequence_id);

CREATE TRIGGER IF NOT EXISTS decision_log_no_update
BEFORE UPDATE ON decision_log
BEGIN
	SELECT RAISE(ABORT, 'decision_log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS decision_log_no_delete
BEFORE DELETE ON decision_log
BEGIN
	SELECT RAISE(ABORT, 'decision_log is append-only');
END;
`

// #endregion schema

// #region store-struct
// Store persists session state checkpoints, archived sessions and the
// decision log in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// dsnPragmas apply to every pooled connection, not just the first, so
// concurrent writers wait for the lock instead of failing with SQLITE_BUSY.
const dsnPragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"

// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion constructor

// #region checkpoint
// Checkpoint upserts the live state of a session so it survives a restart.
// ctx bounds how long it may wait for the write lock.
func (s *Store) Checkpoint(ctx context.Context, sessionID string, st SystemState, registeredAt time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO active_sessions (session_id, mode, consecutive_stable_count, last_decision_at, registered_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			mode = excluded.mode,
			consecutive_stable_count = excluded.consecutive_stable_count,
			last_decision_at = excluded.last_decision_at,
			updated_at = excluded.updated_at`,
		sessionID, string(st.Mode), st.ConsecutiveStableCount, formatTime(st.LastDecisionAt),
		registeredAt.UTC().Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", sessionID, err)
	}
	return nil
}

// ActiveSessions returns every checkpointed live session, keyed by id.
func (s *Store) ActiveSessions() (map[string]SystemState, error) {
	rows, err := s.db.Query(
		`SELECT session_id, mode, consecutive_stable_count, last_decision_at FROM active_sessions`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]SystemState)
	for rows.Next() {
		var id, mode string
		var count int
		var last sql.NullString
		if err := rows.Scan(&id, &mode, &count, &last); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out[id] = SystemState{
			Mode:                   Mode(mode),
			ConsecutiveStableCount: count,
			LastDecisionAt:         parseTime(last),
		}
	}
	return out, rows.Err()
}

// #endregion checkpoint

// #region archive
// Archive records an ended session and drops its live checkpoint atomically.
func (s *Store) Archive(a ArchivedSession) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO session_archive (session_id, mode, consecutive_stable_count, last_decision_at, registered_at, ended_at, decisions)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.SessionID, string(a.State.Mode), a.State.ConsecutiveStableCount, formatTime(a.State.LastDecisionAt),
		a.RegisteredAt.UTC().Format(time.RFC3339Nano), a.EndedAt.UTC().Format(time.RFC3339Nano), a.Decisions,
	)
	if err != nil {
		return fmt.Errorf("insert archive: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM active_sessions WHERE session_id = ?`, a.SessionID); err != nil {
		return fmt.Errorf("drop checkpoint: %w", err)
	}
	return tx.Commit()
}

// ListArchived returns the most recently ended sessions.
func (s *Store) ListArchived(limit int) ([]ArchivedSession, error) {
	rows, err := s.db.Query(
		`SELECT session_id, mode, consecutive_stable_count, last_decision_at, registered_at, ended_at, decisions
		 FROM session_archive ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	defer rows.Close()

	var out []ArchivedSession
	for rows.Next() {
		var a ArchivedSession
		var mode, registered, ended string
		var last sql.NullString
		if err := rows.Scan(&a.SessionID, &mode, &a.State.ConsecutiveStableCount, &last, &registered, &ended, &a.Decisions); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		a.State.Mode = Mode(mode)
		a.State.LastDecisionAt = parseTime(last)
		a.RegisteredAt, _ = time.Parse(time.RFC3339Nano, registered)
		a.EndedAt, _ = time.Parse(time.RFC3339Nano, ended)
		out = append(out, a)
	}
	return out, rows.Err()
}

// #endregion archive

// #region helpers
func formatTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s.String)
	return t
}

// #endregion helpers
