package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/linguavox/internal/classify"
	"github.com/MrWong99/linguavox/internal/feedback"
	"github.com/MrWong99/linguavox/internal/phonetic"
	"github.com/MrWong99/linguavox/internal/tutor"
	"github.com/MrWong99/linguavox/pkg/provider/llm"
	"github.com/MrWong99/linguavox/pkg/provider/llm/mock"
)

// pipeline wires the real model-backed components to scripted LLM mocks.
type pipeline struct {
	classifyLLM *mock.Provider
	feedbackLLM *mock.Provider
	reportLLM   *mock.Provider
}

func newPipeline(t *testing.T, classifyJSON, feedbackJSON, reportJSON string) (*pipeline, Deps) {
	t.Helper()
	m := testMetrics(t)
	p := &pipeline{
		classifyLLM: &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: classifyJSON}},
		feedbackLLM: &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: feedbackJSON}},
		reportLLM:   &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: reportJSON}},
	}
	deps := Deps{
		Classifier: classify.New(p.classifyLLM, classify.WithMetrics(m), classify.WithProviderName("mock")),
		Feedback:   feedback.NewGenerator(p.feedbackLLM, feedback.WithGeneratorMetrics(m)),
		Reports:    feedback.NewAggregator(p.reportLLM, feedback.WithAggregatorMetrics(m)),
		Matcher:    phonetic.New(),
	}
	return p, deps
}

const correctJSON = `{"isCorrect": true, "feedback": null, "correctedPhrase": null}`

func rubricJSON(score int) string {
	return fmt.Sprintf(`{"score": %d, "feedback": "Sigue así."}`, score)
}

func TestE2E_RepeatInstructionInLesson(t *testing.T) {
	t.Parallel()
	_, deps := newPipeline(t, `{
		"actionType": "REPEAT",
		"targetContent": "buenos días",
		"targetContentTranslated": "bonjour",
		"targetContentRomanized": null,
		"vocabularyType": "PHRASE"
	}`, correctJSON, "")
	c := newController(t, lessonSession(), deps)

	turn := mustIngest(t, c, tutorTurn("Répétez cette phrase: buenos días", 2*time.Second))

	a := turn.Action
	if a == nil {
		t.Fatal("tutor turn has no action")
	}
	if a.Type != tutor.ActionRepeat {
		t.Errorf("Type = %s, want REPEAT", a.Type)
	}
	if a.TargetContent != "buenos días" {
		t.Errorf("TargetContent = %q, want buenos días", a.TargetContent)
	}
	if a.TargetContentRomanized != nil {
		t.Errorf("TargetContentRomanized = %q, want null", *a.TargetContentRomanized)
	}
	if a.VocabularyType == nil || *a.VocabularyType != tutor.VocabularyPhrase {
		t.Errorf("VocabularyType = %v, want PHRASE", a.VocabularyType)
	}

	s := mustSnapshot(t, c)
	if len(s.Vocabulary) != 1 || s.Vocabulary[0].Content != "buenos días" || s.Vocabulary[0].Translation != "bonjour" {
		t.Errorf("vocabulary = %+v", s.Vocabulary)
	}

	lt := mustIngest(t, c, learnerTurn("buenos días", time.Second))
	if lt.Attempt == nil || !lt.Attempt.Matched {
		t.Errorf("Attempt = %+v, want matched", lt.Attempt)
	}
}

func TestE2E_IncorrectLearnerUtterance(t *testing.T) {
	t.Parallel()
	p, deps := newPipeline(t, `{
		"actionType": "ANSWER",
		"targetContent": "What did you have for breakfast?",
		"targetContentTranslated": "¿Qué desayunaste?",
		"targetContentRomanized": null,
		"vocabularyType": null
	}`, `{
		"isCorrect": false,
		"feedback": "¡Casi! Con \"have\" se usa el participio \"eaten\".",
		"correctedPhrase": "I have eaten an apple"
	}`, "")
	sess := lessonSession()
	sess.Profile = tutor.Profile{UserID: "u-2", NativeLanguage: "es-ES", LearningLanguage: "en-US", Level: tutor.LevelIntermediate}
	c := newController(t, sess, deps)
	events, cancel := c.Subscribe()
	defer cancel()

	mustIngest(t, c, tutorTurn("What did you have for breakfast?", time.Second))
	lt := mustIngest(t, c, learnerTurn("I have eat an apple", 2*time.Second))

	e := waitEvent(t, events, EventFeedback)
	if e.TurnID != lt.ID {
		t.Fatalf("feedback for %s, want %s", e.TurnID, lt.ID)
	}
	fb := e.Turn.Feedback
	if fb.IsCorrect {
		t.Error("IsCorrect = true, want false")
	}
	if fb.CorrectedPhrase == nil || *fb.CorrectedPhrase != "I have eaten an apple" {
		t.Errorf("CorrectedPhrase = %v, want I have eaten an apple", fb.CorrectedPhrase)
	}
	if fb.Feedback == nil || *fb.Feedback == "" {
		t.Error("Feedback is empty")
	}

	calls := p.feedbackLLM.Calls()
	if len(calls) != 1 {
		t.Fatalf("feedback LLM calls = %d, want 1", len(calls))
	}
	msg := calls[0].Req.Messages[len(calls[0].Req.Messages)-1].Content
	if !strings.Contains(msg, "What did you have for breakfast?") {
		t.Errorf("feedback prompt lacks the tutor's question:\n%s", msg)
	}
}

func TestE2E_RoleplayReportComputedOnce(t *testing.T) {
	t.Parallel()
	report := fmt.Sprintf(`{"fillerWords": %s, "vocabulary": %s, "grammar": %s, "fluency": %s, "interaction": %s, "overallScore": 76, "summary": "Buena conversación en la panadería."}`,
		rubricJSON(80), rubricJSON(72), rubricJSON(0), rubricJSON(78), rubricJSON(120))
	p, deps := newPipeline(t, `{
		"actionType": "ANSWER",
		"targetContent": "¿Qué más desea?",
		"targetContentTranslated": "Que désirez-vous d'autre ?",
		"targetContentRomanized": null,
		"vocabularyType": null
	}`, correctJSON, report)
	c := newController(t, roleplaySession(), deps)

	for i := range 10 {
		in := tutorTurn(fmt.Sprintf("Panadero %d", i), time.Second)
		if i%2 == 1 {
			in = learnerTurn(fmt.Sprintf("Cliente %d", i), time.Second)
		}
		mustIngest(t, c, in)
	}

	s, err := c.End(context.Background())
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if s.State != tutor.StateEnded || len(s.Turns) != 10 || s.Duration != 10*time.Second {
		t.Errorf("ended session = state %s, %d turns, duration %v", s.State, len(s.Turns), s.Duration)
	}
	r := s.Report
	if r == nil {
		t.Fatal("no report")
	}
	for _, axis := range r.Axes() {
		if axis.Score.Score < tutor.MinScore || axis.Score.Score > tutor.MaxScore {
			t.Errorf("%s = %d, out of range", axis.Name, axis.Score.Score)
		}
	}
	if r.Grammar.Score != 1 || r.Interaction.Score != 100 || r.OverallScore != 76 {
		t.Errorf("scores = grammar %d, interaction %d, overall %d", r.Grammar.Score, r.Interaction.Score, r.OverallScore)
	}

	if _, err := c.End(context.Background()); !errors.Is(err, tutor.ErrStateViolation) {
		t.Fatalf("second End = %v, want ErrStateViolation", err)
	}
	if n := len(p.reportLLM.Calls()); n != 1 {
		t.Errorf("report LLM calls = %d, want 1", n)
	}
	if _, err := c.Ingest(context.Background(), learnerTurn("Adiós", 0)); !errors.Is(err, tutor.ErrStateViolation) {
		t.Errorf("Ingest after End = %v, want ErrStateViolation", err)
	}
}
