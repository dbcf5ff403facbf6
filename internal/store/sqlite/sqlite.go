// Package sqlite is an embedded [store.Store] on modernc.org/sqlite. It uses
// the same tables as the postgres backend in the SQLite dialect, with JSON as
// TEXT and timestamps as Unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/linguavox/internal/store"
	"github.com/MrWong99/linguavox/internal/tutor"
)

// Schema is the SQLite DDL for the session tables.
const Schema = `
PRAGMA busy_timeout = 5000;
PRAGMA foreign_keys = ON;
CREATE TABLE IF NOT EXISTS linguavox_sessions (
	id                  TEXT    PRIMARY KEY,
	user_id             TEXT    NOT NULL,
	mode                TEXT    NOT NULL,
	state               TEXT    NOT NULL,
	profile             TEXT    NOT NULL DEFAULT '{}',
	subject             TEXT    NOT NULL DEFAULT '{}',
	instructions        TEXT    NOT NULL DEFAULT '',
	pending_action      TEXT,
	vocabulary          TEXT    NOT NULL DEFAULT '[]',
	report              TEXT,
	duration_ns         INTEGER NOT NULL DEFAULT 0,
	learner_duration_ns INTEGER NOT NULL DEFAULT 0,
	tutor_duration_ns   INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	ended_at            INTEGER
);
CREATE INDEX IF NOT EXISTS idx_linguavox_sessions_user ON linguavox_sessions (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS linguavox_turns (
	session_id  TEXT    NOT NULL REFERENCES linguavox_sessions (id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	id          TEXT    NOT NULL,
	role        TEXT    NOT NULL,
	transcript  TEXT    NOT NULL,
	duration_ns INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	action      TEXT,
	feedback    TEXT,
	assessment  TEXT,
	attempt     TEXT,
	PRIMARY KEY (session_id, seq)
);
`

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a [store.Store] backed by a SQLite file.
type Store struct {
	db *sql.DB
	// writeMu serialises transactions to avoid SQLITE_BUSY.
	writeMu sync.Mutex
}

// Open opens (creating if needed) the database at path and applies [Schema].
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite store: create directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveSession implements [store.Store].
func (s *Store) SaveSession(ctx context.Context, sess *tutor.Session) error {
	row, turns, err := store.EncodeSession(sess)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var endedAt any
	if row.EndedAt != nil {
		endedAt = row.EndedAt.UnixNano()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO linguavox_sessions
		    (id, user_id, mode, state, profile, subject, instructions, pending_action, vocabulary, report,
		     duration_ns, learner_duration_ns, tutor_duration_ns, created_at, updated_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    state               = excluded.state,
		    profile             = excluded.profile,
		    subject             = excluded.subject,
		    instructions        = excluded.instructions,
		    pending_action      = excluded.pending_action,
		    vocabulary          = excluded.vocabulary,
		    report              = excluded.report,
		    duration_ns         = excluded.duration_ns,
		    learner_duration_ns = excluded.learner_duration_ns,
		    tutor_duration_ns   = excluded.tutor_duration_ns,
		    updated_at          = excluded.updated_at,
		    ended_at            = excluded.ended_at`,
		row.ID, row.UserID, row.Mode, row.State, text(row.Profile), text(row.Subject), row.Instructions,
		text(row.PendingAction), text(row.Vocabulary), text(row.Report),
		row.DurationNS, row.LearnerDurationNS, row.TutorDurationNS,
		row.CreatedAt.UnixNano(), row.UpdatedAt.UnixNano(), endedAt,
	); err != nil {
		return fmt.Errorf("sqlite store: upsert session %q: %w", row.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO linguavox_turns
		    (session_id, seq, id, role, transcript, duration_ns, created_at, action, feedback, assessment, attempt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, seq) DO UPDATE SET
		    action     = excluded.action,
		    feedback   = excluded.feedback,
		    assessment = excluded.assessment,
		    attempt    = excluded.attempt`)
	if err != nil {
		return fmt.Errorf("sqlite store: prepare turn upsert: %w", err)
	}
	defer stmt.Close()

	for _, t := range turns {
		if _, err := stmt.ExecContext(ctx, row.ID, t.Seq, t.ID, t.Role, t.Transcript, t.DurationNS, t.CreatedAt.UnixNano(),
			text(t.Action), text(t.Feedback), text(t.Assessment), text(t.Attempt)); err != nil {
			return fmt.Errorf("sqlite store: upsert turn %d of %q: %w", t.Seq, row.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}

const selectSession = `
	SELECT id, user_id, mode, state, profile, subject, instructions, pending_action, vocabulary, report,
	       duration_ns, learner_duration_ns, tutor_duration_ns, created_at, updated_at, ended_at
	FROM   linguavox_sessions`

// GetSession implements [store.Store].
func (s *Store) GetSession(ctx context.Context, id string) (*tutor.Session, error) {
	row, err := scanSession(s.db.QueryRowContext(ctx, selectSession+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: get session %q: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, role, transcript, duration_ns, created_at, action, feedback, assessment, attempt
		FROM   linguavox_turns
		WHERE  session_id = ?
		ORDER  BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: get turns of %q: %w", id, err)
	}
	defer rows.Close()

	var turns []store.TurnRow
	for rows.Next() {
		var (
			t                                     store.TurnRow
			created                               int64
			action, feedback, assessment, attempt sql.NullString
		)
		if err := rows.Scan(&t.Seq, &t.ID, &t.Role, &t.Transcript, &t.DurationNS, &created,
			&action, &feedback, &assessment, &attempt); err != nil {
			return nil, fmt.Errorf("sqlite store: scan turn: %w", err)
		}
		t.CreatedAt = fromNanos(created)
		t.Action, t.Feedback, t.Assessment, t.Attempt = bytes(action), bytes(feedback), bytes(assessment), bytes(attempt)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: iterate turns: %w", err)
	}
	return store.DecodeSession(row, turns)
}

// ListSessions implements [store.Store].
func (s *Store) ListSessions(ctx context.Context, userID string) ([]*tutor.Session, error) {
	rows, err := s.db.QueryContext(ctx, selectSession+` WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*tutor.Session
	for rows.Next() {
		row, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: scan session: %w", err)
		}
		sess, err := store.DecodeSession(row, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: iterate sessions: %w", err)
	}
	return out, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [store.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(r scanner) (store.SessionRow, error) {
	var (
		row                          store.SessionRow
		profile, subject, vocabulary string
		pending, report              sql.NullString
		created, updated             int64
		ended                        sql.NullInt64
	)
	if err := r.Scan(&row.ID, &row.UserID, &row.Mode, &row.State, &profile, &subject, &row.Instructions,
		&pending, &vocabulary, &report,
		&row.DurationNS, &row.LearnerDurationNS, &row.TutorDurationNS,
		&created, &updated, &ended); err != nil {
		return store.SessionRow{}, err
	}
	row.Profile, row.Subject, row.Vocabulary = []byte(profile), []byte(subject), []byte(vocabulary)
	row.PendingAction, row.Report = bytes(pending), bytes(report)
	row.CreatedAt, row.UpdatedAt = fromNanos(created), fromNanos(updated)
	if ended.Valid {
		t := fromNanos(ended.Int64)
		row.EndedAt = &t
	}
	return row, nil
}

// text converts a nullable JSON column to a driver value.
func text(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func bytes(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
