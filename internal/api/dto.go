package api

import (
	"time"

	"github.com/MrWong99/linguavox/internal/feedback"
	"github.com/MrWong99/linguavox/internal/session"
	"github.com/MrWong99/linguavox/internal/tutor"
)

// createSessionRequest is the body of POST /v1/sessions.
type createSessionRequest struct {
	Mode     tutor.Mode      `json:"mode"`
	Profile  tutor.Profile   `json:"profile"`
	Lesson   *tutor.Lesson   `json:"lesson,omitempty"`
	Scenario *tutor.Scenario `json:"scenario,omitempty"`
}

func (r createSessionRequest) session() *tutor.Session {
	return &tutor.Session{
		Mode:     r.Mode,
		Profile:  r.Profile,
		Lesson:   r.Lesson,
		Scenario: r.Scenario,
	}
}

// audioPayload is recorded learner speech. PCMData is base64 in JSON.
type audioPayload struct {
	PCMData          []byte `json:"pcmData"`
	SampleRate       int    `json:"sampleRate"`
	Channels         int    `json:"channels,omitempty"`
	LearningLanguage string `json:"learningLanguage,omitempty"`
}

// turnRequest is the body of POST /v1/sessions/{id}/turns and the payload
// of a "turn" stream message.
type turnRequest struct {
	Role       tutor.Role    `json:"role"`
	Transcript string        `json:"transcript"`
	DurationMs int64         `json:"durationMs"`
	Audio      *audioPayload `json:"audio,omitempty"`
}

// input converts r to a turn. durationMs is range-checked here because the
// conversion to nanoseconds would wrap long before the controller sees it.
func (r turnRequest) input() (session.TurnInput, error) {
	if maxMs := session.MaxTurnDuration.Milliseconds(); r.DurationMs < 0 || r.DurationMs > maxMs {
		return session.TurnInput{}, tutor.InvalidInput("durationMs %d is outside [0, %d]", r.DurationMs, maxMs)
	}
	in := session.TurnInput{
		Role:       r.Role,
		Transcript: r.Transcript,
		Duration:   time.Duration(r.DurationMs) * time.Millisecond,
	}
	if r.Audio != nil {
		in.Audio = &session.Audio{
			PCM:        r.Audio.PCMData,
			SampleRate: r.Audio.SampleRate,
			Channels:   r.Audio.Channels,
		}
	}
	return in, nil
}

type turnResponse struct {
	ID         string                         `json:"id"`
	Seq        int                            `json:"seq"`
	Role       tutor.Role                     `json:"role"`
	Transcript string                         `json:"transcript"`
	DurationMs int64                          `json:"durationMs"`
	CreatedAt  time.Time                      `json:"createdAt"`
	Action     *tutor.Action                  `json:"action,omitempty"`
	Feedback   *tutor.Feedback                `json:"feedback,omitempty"`
	Assessment *tutor.PronunciationAssessment `json:"assessment,omitempty"`
	Attempt    *tutor.RepeatAttempt           `json:"attempt,omitempty"`
}

func newTurnResponse(t *tutor.Turn) *turnResponse {
	if t == nil {
		return nil
	}
	return &turnResponse{
		ID:         t.ID,
		Seq:        t.Seq,
		Role:       t.Role,
		Transcript: t.Transcript,
		DurationMs: t.Duration.Milliseconds(),
		CreatedAt:  t.CreatedAt,
		Action:     t.Action,
		Feedback:   t.Feedback,
		Assessment: t.Assessment,
		Attempt:    t.Attempt,
	}
}

type sessionResponse struct {
	ID                string                 `json:"id"`
	Mode              tutor.Mode             `json:"mode"`
	State             tutor.State            `json:"state"`
	Profile           tutor.Profile          `json:"profile"`
	Lesson            *tutor.Lesson          `json:"lesson,omitempty"`
	Scenario          *tutor.Scenario        `json:"scenario,omitempty"`
	Turns             []*turnResponse        `json:"turns"`
	DurationMs        int64                  `json:"durationMs"`
	LearnerDurationMs int64                  `json:"learnerDurationMs"`
	TutorDurationMs   int64                  `json:"tutorDurationMs"`
	Vocabulary        []tutor.VocabularyItem `json:"vocabulary"`
	PendingAction     *tutor.Action          `json:"pendingAction"`
	Report            *tutor.SessionFeedback `json:"report"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
	EndedAt           *time.Time             `json:"endedAt,omitempty"`
}

func newSessionResponse(s *tutor.Session) *sessionResponse {
	r := &sessionResponse{
		ID:                s.ID,
		Mode:              s.Mode,
		State:             s.State,
		Profile:           s.Profile,
		Lesson:            s.Lesson,
		Scenario:          s.Scenario,
		Turns:             make([]*turnResponse, len(s.Turns)),
		DurationMs:        s.Duration.Milliseconds(),
		LearnerDurationMs: s.LearnerDuration.Milliseconds(),
		TutorDurationMs:   s.TutorDuration.Milliseconds(),
		Vocabulary:        s.Vocabulary,
		PendingAction:     s.PendingAction,
		Report:            s.Report,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
	for i := range s.Turns {
		r.Turns[i] = newTurnResponse(&s.Turns[i])
	}
	if r.Vocabulary == nil {
		r.Vocabulary = []tutor.VocabularyItem{}
	}
	if !s.EndedAt.IsZero() {
		ended := s.EndedAt
		r.EndedAt = &ended
	}
	return r
}

// sessionSummary is a list entry; turns are omitted.
type sessionSummary struct {
	ID           string      `json:"id"`
	Mode         tutor.Mode  `json:"mode"`
	State        tutor.State `json:"state"`
	Title        string      `json:"title"`
	OverallScore *int        `json:"overallScore,omitempty"`
	DurationMs   int64       `json:"durationMs"`
	CreatedAt    time.Time   `json:"createdAt"`
}

func newSessionSummary(s *tutor.Session) sessionSummary {
	sum := sessionSummary{
		ID:         s.ID,
		Mode:       s.Mode,
		State:      s.State,
		DurationMs: s.Duration.Milliseconds(),
		CreatedAt:  s.CreatedAt,
	}
	switch {
	case s.Lesson != nil:
		sum.Title = s.Lesson.Title
	case s.Scenario != nil:
		sum.Title = s.Scenario.Title
	}
	if s.Report != nil {
		score := s.Report.OverallScore
		sum.OverallScore = &score
	}
	return sum
}

// reportRecord is an archived report entry.
type reportRecord struct {
	SessionID  string                `json:"sessionId"`
	ScenarioID string                `json:"scenarioId,omitempty"`
	Turns      int                   `json:"turns"`
	ArchivedAt time.Time             `json:"archivedAt"`
	Report     tutor.SessionFeedback `json:"report"`
}

func newReportRecord(r feedback.Record) reportRecord {
	return reportRecord{
		SessionID:  r.SessionID,
		ScenarioID: r.ScenarioID,
		Turns:      r.Turns,
		ArchivedAt: r.Timestamp,
		Report:     r.Report,
	}
}

type instructionsResponse struct {
	SessionID    string     `json:"sessionId"`
	Mode         tutor.Mode `json:"mode"`
	Instructions string     `json:"instructions"`
}

// streamMessage is a client-to-server stream frame.
type streamMessage struct {
	Type      string       `json:"type"`
	RequestID string       `json:"requestId,omitempty"`
	Turn      *turnRequest `json:"turn,omitempty"`
}

// streamEvent is a server-to-client stream frame. Controller events carry
// their type; turn submissions are answered with "turn.result" or
// "turn.error".
type streamEvent struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"sessionId,omitempty"`
	RequestID string                 `json:"requestId,omitempty"`
	TurnID    string                 `json:"turnId,omitempty"`
	Turn      *turnResponse          `json:"turn,omitempty"`
	Report    *tutor.SessionFeedback `json:"report,omitempty"`
	Error     *errorBody             `json:"error,omitempty"`
	At        time.Time              `json:"at"`
}

func newStreamEvent(e session.Event) streamEvent {
	out := streamEvent{
		Type:      string(e.Type),
		SessionID: e.SessionID,
		TurnID:    e.TurnID,
		Turn:      newTurnResponse(e.Turn),
		Report:    e.Report,
		At:        e.At,
	}
	if e.Err != "" {
		out.Error = &errorBody{Code: "event_failed", Message: e.Err}
	}
	return out
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}
