package tutor

import (
	"errors"
	"strings"
)

// Feedback is the correctness verdict on one learner utterance.
type Feedback struct {
	IsCorrect bool `json:"isCorrect"`
	// Feedback is a short encouraging explanation in the learner's native
	// language. Null when IsCorrect.
	Feedback *string `json:"feedback"`
	// CorrectedPhrase is the full corrected utterance, not a diff. Null when IsCorrect.
	CorrectedPhrase *string `json:"correctedPhrase"`
}

// Check normalises blank strings to null and enforces the verdict coupling:
// a correct utterance carries neither explanation nor correction, an
// incorrect one carries both.
func (f *Feedback) Check() error {
	f.Feedback = blankToNil(f.Feedback)
	f.CorrectedPhrase = blankToNil(f.CorrectedPhrase)

	if f.IsCorrect {
		if f.Feedback != nil || f.CorrectedPhrase != nil {
			return errors.New("isCorrect=true must not carry feedback or correctedPhrase")
		}
		return nil
	}
	if f.Feedback == nil {
		return errors.New("isCorrect=false requires feedback")
	}
	if f.CorrectedPhrase == nil {
		return errors.New("isCorrect=false requires correctedPhrase")
	}
	return nil
}

func blankToNil(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}
