// Package store defines session persistence for Linguavox.
//
// A [Store] keeps the latest snapshot of every session together with its
// ordered turn log. The session controller is the only writer; it persists
// after every state mutation through a degradation-tolerant guard, so an
// unavailable backend never fails a turn.
//
// Backends live in sub-packages: memstore (in-process), postgres (pgx) and
// sqlite (modernc). The SQL backends share the row encoding in this package.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MrWong99/linguavox/internal/tutor"
)

// Store persists session snapshots. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveSession upserts the session and its turns. Turns are matched by
	// sequence number; previously saved turns are updated in place.
	SaveSession(ctx context.Context, s *tutor.Session) error

	// GetSession returns the session with its turns. Unknown IDs return an
	// error matching [tutor.ErrNotFound].
	GetSession(ctx context.Context, id string) (*tutor.Session, error)

	// ListSessions returns the sessions of userID, newest first. Turns are
	// not loaded.
	ListSessions(ctx context.Context, userID string) ([]*tutor.Session, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// NotFound returns an error matching [tutor.ErrNotFound] for session id.
func NotFound(id string) error {
	return fmt.Errorf("store: session %q: %w", id, tutor.ErrNotFound)
}

// SessionRow is the column form of a session used by the SQL backends.
// JSON columns are nil when the value is null.
type SessionRow struct {
	ID                string
	UserID            string
	Mode              string
	State             string
	Profile           []byte
	Subject           []byte
	Instructions      string
	PendingAction     []byte
	Vocabulary        []byte
	Report            []byte
	DurationNS        int64
	LearnerDurationNS int64
	TutorDurationNS   int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	EndedAt           *time.Time
}

// TurnRow is the column form of a turn used by the SQL backends.
type TurnRow struct {
	Seq        int
	ID         string
	Role       string
	Transcript string
	DurationNS int64
	CreatedAt  time.Time
	Action     []byte
	Feedback   []byte
	Assessment []byte
	Attempt    []byte
}

// subject holds whichever of lesson or scenario the session has.
type subject struct {
	Lesson   *tutor.Lesson   `json:"lesson,omitempty"`
	Scenario *tutor.Scenario `json:"scenario,omitempty"`
}

// EncodeSession converts s into rows.
func EncodeSession(s *tutor.Session) (SessionRow, []TurnRow, error) {
	row := SessionRow{
		ID:                s.ID,
		UserID:            s.Profile.UserID,
		Mode:              string(s.Mode),
		State:             string(s.State),
		Instructions:      s.Instructions,
		DurationNS:        int64(s.Duration),
		LearnerDurationNS: int64(s.LearnerDuration),
		TutorDurationNS:   int64(s.TutorDuration),
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
	if !s.EndedAt.IsZero() {
		ended := s.EndedAt
		row.EndedAt = &ended
	}

	var err error
	if row.Profile, err = json.Marshal(s.Profile); err != nil {
		return SessionRow{}, nil, fmt.Errorf("store: encode profile: %w", err)
	}
	if row.Subject, err = json.Marshal(subject{Lesson: s.Lesson, Scenario: s.Scenario}); err != nil {
		return SessionRow{}, nil, fmt.Errorf("store: encode subject: %w", err)
	}
	if row.PendingAction, err = marshalPtr(s.PendingAction); err != nil {
		return SessionRow{}, nil, fmt.Errorf("store: encode pending action: %w", err)
	}
	vocab := s.Vocabulary
	if vocab == nil {
		vocab = []tutor.VocabularyItem{}
	}
	if row.Vocabulary, err = json.Marshal(vocab); err != nil {
		return SessionRow{}, nil, fmt.Errorf("store: encode vocabulary: %w", err)
	}
	if row.Report, err = marshalPtr(s.Report); err != nil {
		return SessionRow{}, nil, fmt.Errorf("store: encode report: %w", err)
	}

	turns := make([]TurnRow, 0, len(s.Turns))
	for _, t := range s.Turns {
		tr := TurnRow{
			Seq:        t.Seq,
			ID:         t.ID,
			Role:       string(t.Role),
			Transcript: t.Transcript,
			DurationNS: int64(t.Duration),
			CreatedAt:  t.CreatedAt,
		}
		if tr.Action, err = marshalPtr(t.Action); err == nil {
			if tr.Feedback, err = marshalPtr(t.Feedback); err == nil {
				if tr.Assessment, err = marshalPtr(t.Assessment); err == nil {
					tr.Attempt, err = marshalPtr(t.Attempt)
				}
			}
		}
		if err != nil {
			return SessionRow{}, nil, fmt.Errorf("store: encode turn %d: %w", t.Seq, err)
		}
		turns = append(turns, tr)
	}
	return row, turns, nil
}

// DecodeSession converts rows back into a session. turns must be ordered by
// sequence number.
func DecodeSession(row SessionRow, turns []TurnRow) (*tutor.Session, error) {
	s := &tutor.Session{
		ID:              row.ID,
		Mode:            tutor.Mode(row.Mode),
		State:           tutor.State(row.State),
		Instructions:    row.Instructions,
		Duration:        time.Duration(row.DurationNS),
		LearnerDuration: time.Duration(row.LearnerDurationNS),
		TutorDuration:   time.Duration(row.TutorDurationNS),
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	if row.EndedAt != nil {
		s.EndedAt = *row.EndedAt
	}

	if err := json.Unmarshal(row.Profile, &s.Profile); err != nil {
		return nil, fmt.Errorf("store: decode profile: %w", err)
	}
	if len(row.Subject) > 0 {
		var sub subject
		if err := json.Unmarshal(row.Subject, &sub); err != nil {
			return nil, fmt.Errorf("store: decode subject: %w", err)
		}
		s.Lesson, s.Scenario = sub.Lesson, sub.Scenario
	}
	var err error
	if s.PendingAction, err = unmarshalPtr[tutor.Action](row.PendingAction); err != nil {
		return nil, fmt.Errorf("store: decode pending action: %w", err)
	}
	if len(row.Vocabulary) > 0 {
		if err := json.Unmarshal(row.Vocabulary, &s.Vocabulary); err != nil {
			return nil, fmt.Errorf("store: decode vocabulary: %w", err)
		}
		if len(s.Vocabulary) == 0 {
			s.Vocabulary = nil
		}
	}
	if s.Report, err = unmarshalPtr[tutor.SessionFeedback](row.Report); err != nil {
		return nil, fmt.Errorf("store: decode report: %w", err)
	}

	if len(turns) > 0 {
		s.Turns = make([]tutor.Turn, 0, len(turns))
	}
	for _, tr := range turns {
		t := tutor.Turn{
			ID:         tr.ID,
			Seq:        tr.Seq,
			Role:       tutor.Role(tr.Role),
			Transcript: tr.Transcript,
			Duration:   time.Duration(tr.DurationNS),
			CreatedAt:  tr.CreatedAt,
		}
		if t.Action, err = unmarshalPtr[tutor.Action](tr.Action); err == nil {
			if t.Feedback, err = unmarshalPtr[tutor.Feedback](tr.Feedback); err == nil {
				if t.Assessment, err = unmarshalPtr[tutor.PronunciationAssessment](tr.Assessment); err == nil {
					t.Attempt, err = unmarshalPtr[tutor.RepeatAttempt](tr.Attempt)
				}
			}
		}
		if err != nil {
			return nil, fmt.Errorf("store: decode turn %d: %w", tr.Seq, err)
		}
		s.Turns = append(s.Turns, t)
	}
	return s, nil
}

func marshalPtr[T any](p *T) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func unmarshalPtr[T any](b []byte) (*T, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	v := new(T)
	if err := json.Unmarshal(b, v); err != nil {
		return nil, err
	}
	return v, nil
}
