package tutor_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/linguavox/internal/tutor"
)

func validProfile() tutor.Profile {
	return tutor.Profile{UserID: "u1", NativeLanguage: "fr-FR", LearningLanguage: "es-ES", Level: tutor.LevelBeginner}
}

func TestSessionValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		sess    tutor.Session
		wantErr bool
	}{
		{"lesson ok", tutor.Session{Mode: tutor.ModeLesson, Profile: validProfile(), Lesson: &tutor.Lesson{Title: "Greetings"}}, false},
		{"lesson missing", tutor.Session{Mode: tutor.ModeLesson, Profile: validProfile()}, true},
		{"roleplay ok", tutor.Session{Mode: tutor.ModeRoleplay, Profile: validProfile(), Scenario: &tutor.Scenario{Title: "Café", Difficulty: 2}}, false},
		{"roleplay bad difficulty", tutor.Session{Mode: tutor.ModeRoleplay, Profile: validProfile(), Scenario: &tutor.Scenario{Title: "Café", Difficulty: 5}}, true},
		{"unknown mode", tutor.Session{Mode: "chat", Profile: validProfile()}, true},
		{"bad language tag", tutor.Session{Mode: tutor.ModeLesson, Profile: tutor.Profile{UserID: "u1", NativeLanguage: "fr-FR", LearningLanguage: "not a tag!"}, Lesson: &tutor.Lesson{Title: "x"}}, true},
		{"bad level", tutor.Session{Mode: tutor.ModeLesson, Profile: tutor.Profile{UserID: "u1", NativeLanguage: "fr", LearningLanguage: "es", Level: "expert"}, Lesson: &tutor.Lesson{Title: "x"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.sess.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, tutor.ErrInvalidInput) {
				t.Errorf("error should match ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestSessionClone_DeepCopy(t *testing.T) {
	t.Parallel()
	fb := "Use the past participle."
	s := &tutor.Session{
		ID:    "s1",
		Turns: []tutor.Turn{{ID: "t1", Role: tutor.RoleLearner, Feedback: &tutor.Feedback{Feedback: &fb}}},
		Vocabulary: []tutor.VocabularyItem{
			{Content: "hola"},
		},
		PendingAction: &tutor.Action{Type: tutor.ActionAnswer, TargetContent: "x"},
		Report:        &tutor.SessionFeedback{OverallScore: 80},
	}
	c := s.Clone()
	c.Turns[0].Transcript = "changed"
	*c.Turns[0].Feedback.Feedback = "changed"
	c.Vocabulary[0].Content = "changed"
	c.PendingAction.TargetContent = "changed"
	c.Report.OverallScore = 1

	if s.Turns[0].Transcript != "" || fb != "Use the past participle." || s.Vocabulary[0].Content != "hola" ||
		s.PendingAction.TargetContent != "x" || s.Report.OverallScore != 80 {
		t.Error("clone shares state with original")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")
	perr := tutor.NewProviderError("openai", "classify", cause)
	if !errors.Is(perr, tutor.ErrProvider) || !errors.Is(perr, cause) {
		t.Errorf("provider error should match ErrProvider and its cause: %v", perr)
	}
	if tutor.NewProviderError("x", "y", nil) != nil {
		t.Error("nil cause should yield nil error")
	}

	sv := tutor.NewSchemaViolation("tutor_action", "missing field", "{}", nil)
	var target *tutor.SchemaViolation
	if !errors.As(error(sv), &target) || !errors.Is(sv, tutor.ErrSchemaViolation) {
		t.Error("schema violation should match its sentinel and type")
	}
	if errors.Is(sv, tutor.ErrProvider) {
		t.Error("schema violation must not match ErrProvider")
	}

	st := &tutor.StateViolation{SessionID: "s1", State: tutor.StateEnded, Op: "end", Reason: "already ended"}
	if !errors.Is(st, tutor.ErrStateViolation) {
		t.Error("state violation should match ErrStateViolation")
	}
}
