package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/linguavox/internal/classify"
	"github.com/MrWong99/linguavox/internal/config"
	"github.com/MrWong99/linguavox/internal/feedback"
	"github.com/MrWong99/linguavox/internal/observe"
	"github.com/MrWong99/linguavox/internal/session"
	"github.com/MrWong99/linguavox/internal/store/memstore"
	"github.com/MrWong99/linguavox/internal/tutor"
	"github.com/MrWong99/linguavox/pkg/provider/llm"
	llmmock "github.com/MrWong99/linguavox/pkg/provider/llm/mock"
)

const (
	answerJSON  = `{"actionType":"ANSWER","targetContent":"¿Qué desea?","targetContentTranslated":"Que désirez-vous ?","targetContentRomanized":null}`
	correctJSON = `{"isCorrect":true,"feedback":null,"correctedPhrase":null}`
)

func reportJSON(overall int) string {
	axis := `{"score": 60, "feedback": "Bien."}`
	return fmt.Sprintf(`{"fillerWords":%s,"vocabulary":%s,"grammar":%s,"fluency":%s,"interaction":%s,"overallScore":%d,"summary":"Buen trabajo."}`,
		axis, axis, axis, axis, axis, overall)
}

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// activeSessions reads the live-session gauge.
func activeSessions(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "linguavox.active_sessions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("active_sessions data is %T", m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

type managerFixture struct {
	sm        *SessionManager
	store     *memstore.Store
	reader    *sdkmetric.ManualReader
	reportLLM *llmmock.Provider
}

func newManager(t *testing.T, tunables config.SessionConfig) *managerFixture {
	t.Helper()
	m, reader := testMetrics(t)
	st := memstore.New()
	reportLLM := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: reportJSON(80)}}
	classifyLLM := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: answerJSON}}
	feedbackLLM := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: correctJSON}}

	sm := NewSessionManager(SessionManagerConfig{
		Deps: session.Deps{
			Classifier: classify.New(classifyLLM, classify.WithMetrics(m)),
			Feedback:   feedback.NewGenerator(feedbackLLM, feedback.WithGeneratorMetrics(m)),
		},
		ReportsFor: func(summaryMax int) session.ReportAggregator {
			return feedback.NewAggregator(reportLLM,
				feedback.WithAggregatorMetrics(m),
				feedback.WithSummaryMax(summaryMax),
			)
		},
		Store:           st,
		Session:         tunables,
		CallTimeout:     5 * time.Second,
		Metrics:         m,
		JanitorInterval: time.Hour,
	})
	t.Cleanup(func() { _ = sm.Close() })
	return &managerFixture{sm: sm, store: st, reader: reader, reportLLM: reportLLM}
}

var learner = tutor.Profile{
	UserID:           "u-1",
	NativeLanguage:   "fr-FR",
	LearningLanguage: "es-ES",
	Level:            tutor.LevelBeginner,
}

func lessonRequest(userID string) *tutor.Session {
	p := learner
	p.UserID = userID
	return &tutor.Session{
		Mode:    tutor.ModeLesson,
		Profile: p,
		Lesson:  &tutor.Lesson{ID: "greetings", Title: "Greetings"},
	}
}

func roleplayRequest(userID string) *tutor.Session {
	p := learner
	p.UserID = userID
	return &tutor.Session{
		Mode:    tutor.ModeRoleplay,
		Profile: p,
		Scenario: &tutor.Scenario{
			Title:         "At the bakery",
			AssistantRole: "baker",
			UserRole:      "customer",
			Difficulty:    2,
		},
	}
}

func TestSessionManager_StartComposesInstructions(t *testing.T) {
	t.Parallel()
	f := newManager(t, config.SessionConfig{})
	ctx := context.Background()

	s, err := f.sm.Start(ctx, lessonRequest("u-1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.ID == "" {
		t.Error("session ID not assigned")
	}
	if s.State != tutor.StateCreated {
		t.Errorf("State = %s, want CREATED", s.State)
	}
	if s.Instructions == "" {
		t.Error("instructions not composed")
	}

	stored, err := f.store.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("created session not persisted: %v", err)
	}
	if stored.Instructions != s.Instructions {
		t.Error("persisted instructions differ")
	}
	if got := activeSessions(t, f.reader); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestSessionManager_StartRejectsInvalid(t *testing.T) {
	t.Parallel()
	f := newManager(t, config.SessionConfig{})

	req := lessonRequest("u-1")
	req.Profile.LearningLanguage = "not a tag!"
	if _, err := f.sm.Start(context.Background(), req); !errors.Is(err, tutor.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if n := f.sm.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount = %d, want 0", n)
	}
}

func TestSessionManager_SessionLimit(t *testing.T) {
	t.Parallel()
	f := newManager(t, config.SessionConfig{MaxActiveSessions: 2})
	ctx := context.Background()

	first, err := f.sm.Start(ctx, lessonRequest("u-1"))
	if err != nil {
		t.Fatalf("Start 1: %v", err)
	}
	if _, err := f.sm.Start(ctx, lessonRequest("u-2")); err != nil {
		t.Fatalf("Start 2: %v", err)
	}
	if _, err := f.sm.Start(ctx, lessonRequest("u-3")); !errors.Is(err, session.ErrSessionLimit) {
		t.Fatalf("Start 3: err = %v, want ErrSessionLimit", err)
	}

	// An ended session frees its slot even while it stays resident.
	if _, err := f.sm.End(ctx, first.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := f.sm.Start(ctx, lessonRequest("u-3")); err != nil {
		t.Fatalf("Start after End: %v", err)
	}
	if got := activeSessions(t, f.reader); got != 2 {
		t.Errorf("active sessions = %d, want 2", got)
	}
}

func TestSessionManager_IngestAndEndRoleplay(t *testing.T) {
	t.Parallel()
	f := newManager(t, config.SessionConfig{SummaryMaxChars: 5})
	ctx := context.Background()

	s, err := f.sm.Start(ctx, roleplayRequest("u-1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.sm.Ingest(ctx, s.ID, session.TurnInput{Role: tutor.RoleTutor, Transcript: "¡Buenos días! ¿Qué desea?", Duration: time.Second}); err != nil {
		t.Fatalf("Ingest tutor: %v", err)
	}
	if _, err := f.sm.Ingest(ctx, s.ID, session.TurnInput{Role: tutor.RoleLearner, Transcript: "Una barra de pan, por favor.", Duration: 2 * time.Second}); err != nil {
		t.Fatalf("Ingest learner: %v", err)
	}

	ended, err := f.sm.End(ctx, s.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.State != tutor.StateEnded || ended.Report == nil {
		t.Fatalf("ended session: state=%s report=%v", ended.State, ended.Report)
	}
	if ended.Report.OverallScore != 80 {
		t.Errorf("OverallScore = %d, want 80", ended.Report.OverallScore)
	}
	if len([]rune(ended.Report.Summary)) > 5 {
		t.Errorf("summary %q exceeds the configured bound", ended.Report.Summary)
	}

	if _, err := f.sm.End(ctx, s.ID); !errors.Is(err, tutor.ErrStateViolation) {
		t.Errorf("second End: err = %v, want StateViolation", err)
	}
	if n := len(f.reportLLM.Calls()); n != 1 {
		t.Errorf("aggregator calls = %d, want 1", n)
	}
	if got := activeSessions(t, f.reader); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

func TestSessionManager_UnknownSession(t *testing.T) {
	t.Parallel()
	f := newManager(t, config.SessionConfig{})
	ctx := context.Background()

	if _, err := f.sm.Get(ctx, "missing"); !errors.Is(err, tutor.ErrNotFound) {
		t.Errorf("Get: err = %v, want ErrNotFound", err)
	}
	in := session.TurnInput{Role: tutor.RoleTutor, Transcript: "Hola"}
	if _, err := f.sm.Ingest(ctx, "missing", in); !errors.Is(err, tutor.ErrNotFound) {
		t.Errorf("Ingest: err = %v, want ErrNotFound", err)
	}
	if _, err := f.sm.End(ctx, "missing"); !errors.Is(err, tutor.ErrNotFound) {
		t.Errorf("End: err = %v, want ErrNotFound", err)
	}
}

func TestSessionManager_EvictionFallsBackToStore(t *testing.T) {
	t.Parallel()
	f := newManager(t, config.SessionConfig{EndedRetention: time.Minute})
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.sm.mu.Lock()
	f.sm.now = func() time.Time { return now }
	f.sm.mu.Unlock()

	s, err := f.sm.Start(ctx, lessonRequest("u-1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	live, err := f.sm.Start(ctx, lessonRequest("u-1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.sm.End(ctx, s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}

	if n := f.sm.evictExpired(); n != 0 {
		t.Fatalf("evicted %d sessions before retention elapsed", n)
	}

	f.sm.mu.Lock()
	now = now.Add(time.Minute)
	f.sm.mu.Unlock()
	if n := f.sm.evictExpired(); n != 1 {
		t.Fatalf("evicted %d sessions, want 1", n)
	}

	got, err := f.sm.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get evicted: %v", err)
	}
	if got.State != tutor.StateEnded {
		t.Errorf("evicted session state = %s, want ENDED", got.State)
	}
	if _, err := f.sm.Ingest(ctx, s.ID, session.TurnInput{Role: tutor.RoleTutor, Transcript: "Hola"}); !errors.Is(err, tutor.ErrStateViolation) {
		t.Errorf("Ingest evicted: err = %v, want StateViolation", err)
	}
	if _, err := f.sm.Get(ctx, live.ID); err != nil {
		t.Errorf("live session evicted: %v", err)
	}
}

func TestSessionManager_List(t *testing.T) {
	t.Parallel()
	f := newManager(t, config.SessionConfig{})
	ctx := context.Background()

	a, err := f.sm.Start(ctx, lessonRequest("u-1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	b, err := f.sm.Start(ctx, roleplayRequest("u-1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.sm.Start(ctx, lessonRequest("u-2")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.sm.Ingest(ctx, a.ID, session.TurnInput{Role: tutor.RoleTutor, Transcript: "Hola", Duration: time.Second}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	list, err := f.sm.List(ctx, "u-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List returned %d sessions, want 2", len(list))
	}
	ids := map[string]*tutor.Session{}
	for _, s := range list {
		ids[s.ID] = s
	}
	if ids[a.ID] == nil || ids[b.ID] == nil {
		t.Fatalf("List = %v, want %s and %s", list, a.ID, b.ID)
	}
	if ids[a.ID].State != tutor.StateActive {
		t.Errorf("listed state = %s, want ACTIVE (live view)", ids[a.ID].State)
	}
	for i := 1; i < len(list); i++ {
		if list[i].CreatedAt.After(list[i-1].CreatedAt) {
			t.Error("List is not ordered newest first")
		}
	}
}

func TestSessionManager_UpdateTunables(t *testing.T) {
	t.Parallel()
	f := newManager(t, config.SessionConfig{MaxActiveSessions: 3})

	f.sm.UpdateTunables(config.SessionConfig{
		MaxQueuedTurns:    2,
		HistoryMaxTokens:  100,
		SummaryMaxChars:   50,
		EndedRetention:    time.Second,
		MaxActiveSessions: 99,
	})

	f.sm.mu.Lock()
	defer f.sm.mu.Unlock()
	if f.sm.tunables.MaxQueuedTurns != 2 || f.sm.tunables.EndedRetention != time.Second {
		t.Errorf("tunables not applied: %+v", f.sm.tunables)
	}
	if f.sm.tunables.MaxActiveSessions != 3 || f.sm.maxActive != 3 {
		t.Errorf("session limit changed by hot reload: %+v", f.sm.tunables)
	}
}

func TestSessionManager_CloseRejectsStart(t *testing.T) {
	t.Parallel()
	f := newManager(t, config.SessionConfig{})
	ctx := context.Background()

	if _, err := f.sm.Start(ctx, lessonRequest("u-1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.sm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := f.sm.Start(ctx, lessonRequest("u-1")); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Start after Close: err = %v, want ErrClosed", err)
	}
	if got := activeSessions(t, f.reader); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}
