// Package storetest is a conformance suite for [store.Store] implementations.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/linguavox/internal/store"
	"github.com/MrWong99/linguavox/internal/tutor"
)

// base is whole seconds so every backend round-trips it exactly.
var base = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

// Session returns a roleplay session with one tutor and one learner turn.
func Session(id, userID string, created time.Time) *tutor.Session {
	return &tutor.Session{
		ID:   id,
		Mode: tutor.ModeRoleplay,
		Profile: tutor.Profile{
			UserID:           userID,
			NativeLanguage:   "en-US",
			LearningLanguage: "ja-JP",
			Level:            tutor.LevelBeginner,
		},
		Scenario: &tutor.Scenario{
			ID: "ramen", Title: "Ordering ramen", AssistantRole: "chef", UserRole: "guest", Difficulty: 2,
		},
		Instructions: "## Scenario\nOrdering ramen",
		State:        tutor.StateActive,
		Turns: []tutor.Turn{
			{
				ID: id + "-t1", Seq: 1, Role: tutor.RoleTutor, Transcript: "いらっしゃいませ！ご注文は？",
				Duration: 2 * time.Second, CreatedAt: created.Add(time.Second),
				Action: &tutor.Action{
					Type:                    tutor.ActionAnswer,
					TargetContent:           "ご注文は？",
					TargetContentTranslated: "What would you like to order?",
					TargetContentRomanized:  ptr("go-chūmon wa?"),
				},
			},
			{
				ID: id + "-t2", Seq: 2, Role: tutor.RoleLearner, Transcript: "ラーメンをください",
				Duration: 3 * time.Second, CreatedAt: created.Add(4 * time.Second),
				Assessment: &tutor.PronunciationAssessment{
					Language: "ja-JP", RecognizedText: "ラーメンをください",
					AccuracyScore: 88, FluencyScore: 75, CompletenessScore: 100, ProsodyScore: 70, PronunciationScore: 82,
					Words: []tutor.WordAssessment{{Word: "ラーメン", AccuracyScore: 90, Phonemes: []tutor.PhonemeAssessment{{Phoneme: "r", AccuracyScore: 80}}}},
				},
			},
		},
		Duration:        5 * time.Second,
		LearnerDuration: 3 * time.Second,
		TutorDuration:   2 * time.Second,
		CreatedAt:       created,
		UpdatedAt:       created.Add(4 * time.Second),
	}
}

// Run exercises s. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("SaveAndGet", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		want := Session("s-1", "u-1", base)

		if err := st.SaveSession(ctx, want); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
		got, err := st.GetSession(ctx, "s-1")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		assertSession(t, got, want)
	})

	t.Run("UpdateInPlace", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		s := Session("s-2", "u-1", base)
		if err := st.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}

		s.Turns[1].Feedback = &tutor.Feedback{IsCorrect: true}
		s.Turns = append(s.Turns, tutor.Turn{
			ID: "s-2-t3", Seq: 3, Role: tutor.RoleTutor, Transcript: "はい、少々お待ちください。",
			Duration: time.Second, CreatedAt: base.Add(8 * time.Second),
		})
		s.State = tutor.StateEnded
		s.EndedAt = base.Add(10 * time.Second)
		s.Report = &tutor.SessionFeedback{OverallScore: 72, Summary: "Good start."}
		s.Duration += time.Second
		s.TutorDuration += time.Second
		if err := st.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession (update): %v", err)
		}

		got, err := st.GetSession(ctx, "s-2")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		assertSession(t, got, s)
	})

	t.Run("NotFound", func(t *testing.T) {
		st := newStore(t)
		_, err := st.GetSession(context.Background(), "missing")
		if !errors.Is(err, tutor.ErrNotFound) {
			t.Fatalf("GetSession(missing) err = %v, want ErrNotFound", err)
		}
	})

	t.Run("ListSessions", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		for i, s := range []*tutor.Session{
			Session("old", "alice", base),
			Session("other", "bob", base.Add(time.Hour)),
			Session("new", "alice", base.Add(2*time.Hour)),
		} {
			if err := st.SaveSession(ctx, s); err != nil {
				t.Fatalf("SaveSession #%d: %v", i, err)
			}
		}

		got, err := st.ListSessions(ctx, "alice")
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(got) != 2 || got[0].ID != "new" || got[1].ID != "old" {
			ids := make([]string, len(got))
			for i, s := range got {
				ids[i] = s.ID
			}
			t.Fatalf("ListSessions(alice) = %v, want [new old]", ids)
		}
		if len(got[0].Turns) != 0 {
			t.Errorf("ListSessions loaded %d turns, want none", len(got[0].Turns))
		}
		if got[0].Scenario == nil || got[0].Scenario.Title != "Ordering ramen" {
			t.Errorf("ListSessions scenario = %+v", got[0].Scenario)
		}

		none, err := st.ListSessions(ctx, "carol")
		if err != nil || len(none) != 0 {
			t.Errorf("ListSessions(carol) = %v, %v; want empty", none, err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		st := newStore(t)
		if err := st.Ping(context.Background()); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}

func assertSession(t *testing.T, got, want *tutor.Session) {
	t.Helper()

	if got.ID != want.ID || got.Mode != want.Mode || got.State != want.State {
		t.Errorf("header = %s/%s/%s, want %s/%s/%s", got.ID, got.Mode, got.State, want.ID, want.Mode, want.State)
	}
	if got.Profile != want.Profile {
		t.Errorf("Profile = %+v, want %+v", got.Profile, want.Profile)
	}
	if got.Scenario == nil || *got.Scenario != *want.Scenario {
		t.Errorf("Scenario = %+v, want %+v", got.Scenario, want.Scenario)
	}
	if got.Instructions != want.Instructions {
		t.Errorf("Instructions = %q, want %q", got.Instructions, want.Instructions)
	}
	if got.Duration != want.Duration || got.LearnerDuration != want.LearnerDuration || got.TutorDuration != want.TutorDuration {
		t.Errorf("durations = %v/%v/%v, want %v/%v/%v",
			got.Duration, got.LearnerDuration, got.TutorDuration,
			want.Duration, want.LearnerDuration, want.TutorDuration)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) || !got.UpdatedAt.Equal(want.UpdatedAt) || !got.EndedAt.Equal(want.EndedAt) {
		t.Errorf("timestamps = %v/%v/%v, want %v/%v/%v",
			got.CreatedAt, got.UpdatedAt, got.EndedAt, want.CreatedAt, want.UpdatedAt, want.EndedAt)
	}
	if (got.Report == nil) != (want.Report == nil) {
		t.Errorf("Report = %+v, want %+v", got.Report, want.Report)
	} else if got.Report != nil && *got.Report != *want.Report {
		t.Errorf("Report = %+v, want %+v", *got.Report, *want.Report)
	}

	if len(got.Turns) != len(want.Turns) {
		t.Fatalf("len(Turns) = %d, want %d", len(got.Turns), len(want.Turns))
	}
	for i := range want.Turns {
		g, w := got.Turns[i], want.Turns[i]
		if g.ID != w.ID || g.Seq != w.Seq || g.Role != w.Role || g.Transcript != w.Transcript || g.Duration != w.Duration {
			t.Errorf("turn %d = %+v, want %+v", i, g, w)
		}
		if !g.CreatedAt.Equal(w.CreatedAt) {
			t.Errorf("turn %d CreatedAt = %v, want %v", i, g.CreatedAt, w.CreatedAt)
		}
		if (g.Action == nil) != (w.Action == nil) ||
			(g.Action != nil && (g.Action.TargetContent != w.Action.TargetContent || *g.Action.TargetContentRomanized != *w.Action.TargetContentRomanized)) {
			t.Errorf("turn %d Action = %+v, want %+v", i, g.Action, w.Action)
		}
		if (g.Feedback == nil) != (w.Feedback == nil) {
			t.Errorf("turn %d Feedback = %+v, want %+v", i, g.Feedback, w.Feedback)
		}
		if (g.Assessment == nil) != (w.Assessment == nil) {
			t.Errorf("turn %d Assessment = %+v, want %+v", i, g.Assessment, w.Assessment)
		} else if g.Assessment != nil {
			if g.Assessment.PronunciationScore != w.Assessment.PronunciationScore || len(g.Assessment.Words) != len(w.Assessment.Words) {
				t.Errorf("turn %d Assessment = %+v, want %+v", i, g.Assessment, w.Assessment)
			}
		}
	}
}
