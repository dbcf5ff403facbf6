package tutor_test

import (
	"testing"

	"github.com/MrWong99/linguavox/internal/tutor"
)

func TestFeedbackCheck(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		fb      tutor.Feedback
		wantErr bool
	}{
		{"correct with nulls", tutor.Feedback{IsCorrect: true}, false},
		{"correct with blanks normalised", tutor.Feedback{IsCorrect: true, Feedback: strPtr(""), CorrectedPhrase: strPtr("  ")}, false},
		{"correct with text", tutor.Feedback{IsCorrect: true, Feedback: strPtr("Great job!")}, true},
		{"incorrect complete", tutor.Feedback{Feedback: strPtr("Use the past participle."), CorrectedPhrase: strPtr("I have eaten an apple")}, false},
		{"incorrect missing correction", tutor.Feedback{Feedback: strPtr("Almost.")}, true},
		{"incorrect missing feedback", tutor.Feedback{CorrectedPhrase: strPtr("I have eaten an apple")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fb := tt.fb
			err := fb.Check()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && fb.IsCorrect && (fb.Feedback != nil || fb.CorrectedPhrase != nil) {
				t.Error("correct feedback must have null feedback and correctedPhrase")
			}
		})
	}
}
