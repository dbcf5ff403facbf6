package tutor

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ActionType is what a tutor turn asks of the learner.
type ActionType string

const (
	// ActionRepeat asks the learner to say the target content back.
	ActionRepeat ActionType = "REPEAT"
	// ActionAnswer asks the learner to respond to a question.
	ActionAnswer ActionType = "ANSWER"
)

// VocabularyType classifies the target content of a REPEAT action.
type VocabularyType string

const (
	VocabularyWord       VocabularyType = "WORD"
	VocabularyPhrase     VocabularyType = "PHRASE"
	VocabularyExpression VocabularyType = "EXPRESSION"
)

// IsValid reports whether v is a recognised vocabulary type.
func (v VocabularyType) IsValid() bool {
	switch v {
	case VocabularyWord, VocabularyPhrase, VocabularyExpression:
		return true
	}
	return false
}

// Action is the learner's next expected action, derived from a tutor turn.
type Action struct {
	Type                    ActionType      `json:"actionType"`
	TargetContent           string          `json:"targetContent"`
	TargetContentTranslated string          `json:"targetContentTranslated"`
	TargetContentRomanized  *string         `json:"targetContentRomanized"`
	VocabularyType          *VocabularyType `json:"vocabularyType,omitempty"`
}

// Check normalises a in place and reports the first structural problem.
//
// Rules: vocabularyType is present exactly when the action is REPEAT;
// targetContentRomanized is present exactly when targetContent uses a
// non-Latin script. A romanization of Latin-script content carries no
// information and is dropped; a missing romanization of non-Latin content is
// an error.
func (a *Action) Check() error {
	a.TargetContent = strings.TrimSpace(a.TargetContent)
	a.TargetContentTranslated = strings.TrimSpace(a.TargetContentTranslated)
	if a.TargetContentRomanized != nil {
		r := strings.TrimSpace(*a.TargetContentRomanized)
		if r == "" {
			a.TargetContentRomanized = nil
		} else {
			a.TargetContentRomanized = &r
		}
	}

	switch a.Type {
	case ActionRepeat:
		if a.VocabularyType == nil {
			return errors.New("vocabularyType is required for REPEAT")
		}
		if !a.VocabularyType.IsValid() {
			return fmt.Errorf("vocabularyType %q is invalid", *a.VocabularyType)
		}
	case ActionAnswer:
		if a.VocabularyType != nil {
			return errors.New("vocabularyType must be absent for ANSWER")
		}
	default:
		return fmt.Errorf("actionType %q is invalid", a.Type)
	}

	if a.TargetContent == "" {
		return errors.New("targetContent is empty")
	}
	if a.TargetContentTranslated == "" {
		return errors.New("targetContentTranslated is empty")
	}

	if IsLatinScript(a.TargetContent) {
		a.TargetContentRomanized = nil
	} else if a.TargetContentRomanized == nil {
		return errors.New("targetContentRomanized is required for non-Latin content")
	}
	return nil
}

// Clone returns a deep copy of a.
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	c := *a
	c.TargetContentRomanized = clonePtr(a.TargetContentRomanized)
	c.VocabularyType = clonePtr(a.VocabularyType)
	return &c
}

// IsLatinScript reports whether every letter in s belongs to the Latin
// script. Digits, punctuation, whitespace and combining marks are ignored, so
// "buenos días", "Ça va?" and "Straße 12" are Latin while "こんにちは",
// "Привет" and "안녕" are not.
func IsLatinScript(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) && !unicode.Is(unicode.Latin, r) {
			return false
		}
	}
	return true
}
