package tutor

import (
	"slices"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// Mode selects the persona and the end-of-session behaviour.
type Mode string

const (
	// ModeLesson is the Tutor Mode: a teacher persona working through a lesson.
	// Lesson sessions accumulate vocabulary and produce no report.
	ModeLesson Mode = "lesson"

	// ModeRoleplay is the Roleplay Mode: an in-character scene partner.
	// Roleplay sessions produce one SessionFeedback report at close.
	ModeRoleplay Mode = "roleplay"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool { return m == ModeLesson || m == ModeRoleplay }

// State is the session lifecycle state. Transitions are CREATED -> ACTIVE on
// the first appended turn and (CREATED|ACTIVE) -> ENDED on close. ENDED is
// terminal.
type State string

const (
	StateCreated State = "CREATED"
	StateActive  State = "ACTIVE"
	StateEnded   State = "ENDED"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleTutor   Role = "tutor"
	RoleLearner Role = "learner"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool { return r == RoleTutor || r == RoleLearner }

// Level is the learner's self-reported proficiency.
type Level string

const (
	LevelBeginner     Level = "beginner"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
)

// IsValid reports whether l is a recognised level.
func (l Level) IsValid() bool {
	switch l {
	case LevelBeginner, LevelIntermediate, LevelAdvanced:
		return true
	}
	return false
}

// Profile describes the learner.
type Profile struct {
	UserID           string `json:"userId"`
	NativeLanguage   string `json:"nativeLanguage"`
	LearningLanguage string `json:"learningLanguage"`
	Level            Level  `json:"level"`
}

// Validate checks that both languages are well-formed BCP-47 tags and the
// level is known. An empty level is accepted and treated as beginner.
func (p Profile) Validate() error {
	if p.UserID == "" {
		return InvalidInput("profile.userId is required")
	}
	for _, f := range []struct{ name, tag string }{
		{"nativeLanguage", p.NativeLanguage},
		{"learningLanguage", p.LearningLanguage},
	} {
		name, tag := f.name, f.tag
		if tag == "" {
			return InvalidInput("profile.%s is required", name)
		}
		if _, err := language.Parse(tag); err != nil {
			return InvalidInput("profile.%s %q is not a BCP-47 tag", name, tag)
		}
	}
	if p.Level != "" && !p.Level.IsValid() {
		return InvalidInput("profile.level %q is invalid; valid values: beginner, intermediate, advanced", p.Level)
	}
	return nil
}

// Lesson is the subject of a Tutor Mode session.
type Lesson struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Scenario is the scene of a Roleplay Mode session.
type Scenario struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	AssistantRole string `json:"assistantRole"`
	UserRole      string `json:"userRole"`
	// Difficulty is 1 (gentle) to 3 (challenging).
	Difficulty int `json:"difficulty"`
}

// VocabularyItem is a word, phrase or expression the tutor asked the learner
// to repeat during a lesson.
type VocabularyItem struct {
	Content      string         `json:"content"`
	Translation  string         `json:"translation"`
	Romanization *string        `json:"romanization"`
	Type         VocabularyType `json:"type"`
	TurnID       string         `json:"turnId"`
	AddedAt      time.Time      `json:"addedAt"`
}

// RepeatAttempt records how closely a learner turn matched the target of the
// REPEAT action it answered.
type RepeatAttempt struct {
	Target     string  `json:"target"`
	Similarity float64 `json:"similarity"`
	Matched    bool    `json:"matched"`
}

// Turn is one entry in the session's append-only turn log.
type Turn struct {
	ID         string
	Seq        int
	Role       Role
	Transcript string
	Duration   time.Duration
	CreatedAt  time.Time

	// Action is the classification of a tutor turn.
	Action *Action
	// Feedback is attached at most once, asynchronously, to learner turns.
	Feedback *Feedback
	// Assessment is attached when the turn carried audio.
	Assessment *PronunciationAssessment
	// Attempt is set on learner turns that answered a pending REPEAT.
	Attempt *RepeatAttempt
}

// Session is one tutoring conversation.
type Session struct {
	ID           string
	Mode         Mode
	Profile      Profile
	Lesson       *Lesson
	Scenario     *Scenario
	Instructions string
	State        State

	Turns           []Turn
	Duration        time.Duration
	LearnerDuration time.Duration
	TutorDuration   time.Duration

	// Vocabulary accumulates in lesson mode only.
	Vocabulary []VocabularyItem
	// PendingAction is the most recent unanswered tutor action, if any.
	PendingAction *Action
	// Report is the roleplay performance report, computed at most once.
	Report *SessionFeedback

	CreatedAt time.Time
	UpdatedAt time.Time
	EndedAt   time.Time
}

// Validate checks the static parts of a new session.
func (s *Session) Validate() error {
	if !s.Mode.IsValid() {
		return InvalidInput("mode %q is invalid; valid values: lesson, roleplay", s.Mode)
	}
	if err := s.Profile.Validate(); err != nil {
		return err
	}
	switch s.Mode {
	case ModeLesson:
		if s.Lesson == nil || strings.TrimSpace(s.Lesson.Title) == "" {
			return InvalidInput("lesson sessions require a lesson with a title")
		}
	case ModeRoleplay:
		if s.Scenario == nil || strings.TrimSpace(s.Scenario.Title) == "" {
			return InvalidInput("roleplay sessions require a scenario with a title")
		}
		if s.Scenario.Difficulty < 1 || s.Scenario.Difficulty > 3 {
			return InvalidInput("scenario.difficulty %d is out of range [1, 3]", s.Scenario.Difficulty)
		}
	}
	return nil
}

// LearnerTurns returns the number of learner turns in the log.
func (s *Session) LearnerTurns() int {
	n := 0
	for _, t := range s.Turns {
		if t.Role == RoleLearner {
			n++
		}
	}
	return n
}

// TurnByID returns a pointer into s.Turns, or nil.
func (s *Session) TurnByID(id string) *Turn {
	for i := range s.Turns {
		if s.Turns[i].ID == id {
			return &s.Turns[i]
		}
	}
	return nil
}

// Clone returns a deep copy of s. Sessions handed out of the owning
// controller are always clones.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Lesson != nil {
		l := *s.Lesson
		c.Lesson = &l
	}
	if s.Scenario != nil {
		sc := *s.Scenario
		c.Scenario = &sc
	}
	c.Turns = make([]Turn, len(s.Turns))
	for i, t := range s.Turns {
		c.Turns[i] = t.Clone()
	}
	c.Vocabulary = slices.Clone(s.Vocabulary)
	for i, v := range c.Vocabulary {
		c.Vocabulary[i].Romanization = clonePtr(v.Romanization)
	}
	c.PendingAction = s.PendingAction.Clone()
	if s.Report != nil {
		r := *s.Report
		c.Report = &r
	}
	return &c
}

// Clone returns a deep copy of t.
func (t Turn) Clone() Turn {
	c := t
	c.Action = t.Action.Clone()
	if t.Feedback != nil {
		f := *t.Feedback
		f.Feedback = clonePtr(t.Feedback.Feedback)
		f.CorrectedPhrase = clonePtr(t.Feedback.CorrectedPhrase)
		c.Feedback = &f
	}
	if t.Assessment != nil {
		a := t.Assessment.Clone()
		c.Assessment = &a
	}
	if t.Attempt != nil {
		at := *t.Attempt
		c.Attempt = &at
	}
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
