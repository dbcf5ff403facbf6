package tutor

import (
	"strings"
	"unicode/utf8"
)

// Score bounds for every rubric axis and the overall score.
const (
	MinScore = 1
	MaxScore = 100
)

// RubricScore is one axis of the session report.
type RubricScore struct {
	Score    int    `json:"score"`
	Feedback string `json:"feedback"`
}

// SessionFeedback is the end-of-session performance report of a roleplay.
type SessionFeedback struct {
	FillerWords  RubricScore `json:"fillerWords"`
	Vocabulary   RubricScore `json:"vocabulary"`
	Grammar      RubricScore `json:"grammar"`
	Fluency      RubricScore `json:"fluency"`
	Interaction  RubricScore `json:"interaction"`
	OverallScore int         `json:"overallScore"`
	Summary      string      `json:"summary"`
}

// Axis names one rubric block of a report.
type Axis struct {
	Name  string
	Score *RubricScore
}

// Axes returns the rubric axes keyed by their wire names, in report order.
func (f *SessionFeedback) Axes() []Axis {
	return []Axis{
		{"fillerWords", &f.FillerWords},
		{"vocabulary", &f.Vocabulary},
		{"grammar", &f.Grammar},
		{"fluency", &f.Fluency},
		{"interaction", &f.Interaction},
	}
}

// Normalize clamps every score into [MinScore, MaxScore] and bounds the
// summary to summaryMax runes. A non-positive summaryMax leaves it untouched.
func (f *SessionFeedback) Normalize(summaryMax int) {
	for _, axis := range f.Axes() {
		axis.Score.Score = ClampScore(axis.Score.Score)
		axis.Score.Feedback = strings.TrimSpace(axis.Score.Feedback)
	}
	f.OverallScore = ClampScore(f.OverallScore)
	f.Summary = Truncate(strings.TrimSpace(f.Summary), summaryMax)
}

// ClampScore bounds v to [MinScore, MaxScore].
func ClampScore(v int) int {
	return min(max(v, MinScore), MaxScore)
}

// Truncate shortens s to at most n runes, cutting at the last word boundary
// and appending an ellipsis when anything was removed.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	runes := []rune(s)[:n-1]
	cut := string(runes)
	if i := strings.LastIndexAny(cut, " \n\t"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \n\t,;:") + "…"
}
