// Package postgres is a PostgreSQL-backed [store.Store].
//
// Sessions live in linguavox_sessions with structured sub-fields as JSONB;
// turns live in linguavox_turns keyed by (session_id, seq). [Store.SaveSession]
// upserts both in one transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/linguavox/internal/store"
	"github.com/MrWong99/linguavox/internal/tutor"
)

// Schema is the SQL DDL for the session tables. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS linguavox_sessions (
    id                  TEXT        PRIMARY KEY,
    user_id             TEXT        NOT NULL,
    mode                TEXT        NOT NULL,
    state               TEXT        NOT NULL,
    profile             JSONB       NOT NULL DEFAULT '{}',
    subject             JSONB       NOT NULL DEFAULT '{}',
    instructions        TEXT        NOT NULL DEFAULT '',
    pending_action      JSONB,
    vocabulary          JSONB       NOT NULL DEFAULT '[]',
    report              JSONB,
    duration_ns         BIGINT      NOT NULL DEFAULT 0,
    learner_duration_ns BIGINT      NOT NULL DEFAULT 0,
    tutor_duration_ns   BIGINT      NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_at            TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_linguavox_sessions_user
    ON linguavox_sessions (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS linguavox_turns (
    session_id  TEXT        NOT NULL REFERENCES linguavox_sessions (id) ON DELETE CASCADE,
    seq         INTEGER     NOT NULL,
    id          TEXT        NOT NULL,
    role        TEXT        NOT NULL,
    transcript  TEXT        NOT NULL,
    duration_ns BIGINT      NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    action      JSONB,
    feedback    JSONB,
    assessment  JSONB,
    attempt     JSONB,
    PRIMARY KEY (session_id, seq)
);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a [store.Store] backed by PostgreSQL. All methods are safe for
// concurrent use when db is a pool.
type Store struct {
	db    DB
	close func()
}

// New returns a Store using db. The caller owns db and is responsible for
// calling [Store.Migrate] before issuing queries.
func New(db DB) *Store {
	return &Store{db: db, close: func() {}}
}

// Open connects a pool to dsn, pings it and runs [Store.Migrate]. The pool is
// closed by [Store.Close].
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	s := &Store{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [Schema]. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	return nil
}

// SaveSession implements [store.Store].
func (s *Store) SaveSession(ctx context.Context, sess *tutor.Session) error {
	row, turns, err := store.EncodeSession(sess)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsertSession = `
		INSERT INTO linguavox_sessions
		    (id, user_id, mode, state, profile, subject, instructions, pending_action, vocabulary, report,
		     duration_ns, learner_duration_ns, tutor_duration_ns, created_at, updated_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
		    state               = EXCLUDED.state,
		    profile             = EXCLUDED.profile,
		    subject             = EXCLUDED.subject,
		    instructions        = EXCLUDED.instructions,
		    pending_action      = EXCLUDED.pending_action,
		    vocabulary          = EXCLUDED.vocabulary,
		    report              = EXCLUDED.report,
		    duration_ns         = EXCLUDED.duration_ns,
		    learner_duration_ns = EXCLUDED.learner_duration_ns,
		    tutor_duration_ns   = EXCLUDED.tutor_duration_ns,
		    updated_at          = EXCLUDED.updated_at,
		    ended_at            = EXCLUDED.ended_at`

	if _, err := tx.Exec(ctx, upsertSession,
		row.ID, row.UserID, row.Mode, row.State, row.Profile, row.Subject, row.Instructions,
		row.PendingAction, row.Vocabulary, row.Report,
		row.DurationNS, row.LearnerDurationNS, row.TutorDurationNS,
		row.CreatedAt, row.UpdatedAt, row.EndedAt,
	); err != nil {
		return fmt.Errorf("postgres store: upsert session %q: %w", row.ID, err)
	}

	const upsertTurn = `
		INSERT INTO linguavox_turns
		    (session_id, seq, id, role, transcript, duration_ns, created_at, action, feedback, assessment, attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id, seq) DO UPDATE SET
		    action     = EXCLUDED.action,
		    feedback   = EXCLUDED.feedback,
		    assessment = EXCLUDED.assessment,
		    attempt    = EXCLUDED.attempt`

	batch := &pgx.Batch{}
	for _, t := range turns {
		batch.Queue(upsertTurn, row.ID, t.Seq, t.ID, t.Role, t.Transcript, t.DurationNS, t.CreatedAt,
			t.Action, t.Feedback, t.Assessment, t.Attempt)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres store: upsert turns of %q: %w", row.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

const selectSession = `
	SELECT id, user_id, mode, state, profile, subject, instructions, pending_action, vocabulary, report,
	       duration_ns, learner_duration_ns, tutor_duration_ns, created_at, updated_at, ended_at
	FROM   linguavox_sessions`

// GetSession implements [store.Store].
func (s *Store) GetSession(ctx context.Context, id string) (*tutor.Session, error) {
	row, err := scanSession(s.db.QueryRow(ctx, selectSession+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get session %q: %w", id, err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT seq, id, role, transcript, duration_ns, created_at, action, feedback, assessment, attempt
		FROM   linguavox_turns
		WHERE  session_id = $1
		ORDER  BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get turns of %q: %w", id, err)
	}
	defer rows.Close()

	var turns []store.TurnRow
	for rows.Next() {
		var t store.TurnRow
		if err := rows.Scan(&t.Seq, &t.ID, &t.Role, &t.Transcript, &t.DurationNS, &t.CreatedAt,
			&t.Action, &t.Feedback, &t.Assessment, &t.Attempt); err != nil {
			return nil, fmt.Errorf("postgres store: scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate turns: %w", err)
	}
	return store.DecodeSession(row, turns)
}

// ListSessions implements [store.Store].
func (s *Store) ListSessions(ctx context.Context, userID string) ([]*tutor.Session, error) {
	rows, err := s.db.Query(ctx, selectSession+` WHERE user_id = $1 ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*tutor.Session
	for rows.Next() {
		row, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres store: scan session: %w", err)
		}
		sess, err := store.DecodeSession(row, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate sessions: %w", err)
	}
	return out, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close implements [store.Store]. It closes the pool opened by [Open].
func (s *Store) Close() error {
	s.close()
	return nil
}

func scanSession(r pgx.Row) (store.SessionRow, error) {
	var row store.SessionRow
	err := r.Scan(&row.ID, &row.UserID, &row.Mode, &row.State, &row.Profile, &row.Subject, &row.Instructions,
		&row.PendingAction, &row.Vocabulary, &row.Report,
		&row.DurationNS, &row.LearnerDurationNS, &row.TutorDurationNS,
		&row.CreatedAt, &row.UpdatedAt, &row.EndedAt)
	return row, err
}
