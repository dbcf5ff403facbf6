// Package session owns the lifecycle of tutoring sessions.
//
// A [Controller] is a single-writer actor: one goroutine owns the session
// state and serves every request through one inbox. Provider calls
// (pronunciation scoring, action classification, feedback, the session
// report) run on their own goroutines with a context detached from the
// caller, and hand their results back through the inbox, so a turn is either
// appended whole or not at all.
//
// Lifecycle:
//
//	CREATED --first appended turn--> ACTIVE --End--> ENDED
//	CREATED --End--> ENDED
//
// ENDED is terminal. Turns are processed strictly in arrival order; while one
// is in flight, later turns wait in a bounded FIFO queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/linguavox/internal/classify"
	"github.com/MrWong99/linguavox/internal/feedback"
	"github.com/MrWong99/linguavox/internal/observe"
	"github.com/MrWong99/linguavox/internal/phonetic"
	"github.com/MrWong99/linguavox/internal/pronunciation"
	"github.com/MrWong99/linguavox/internal/tutor"
	"github.com/MrWong99/linguavox/pkg/audio"
)

const (
	defaultMaxQueuedTurns = 8
	defaultCallTimeout    = 60 * time.Second
	persistTimeout        = 5 * time.Second

	// MaxTurnDuration is the longest speaking time accepted for one turn.
	// It keeps the cumulative counters far from overflow.
	MaxTurnDuration = 10 * time.Minute
)

var (
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("session: controller closed")

	// ErrQueueFull tags ingestion rejected because the turn queue is full.
	// Such errors also match [tutor.ErrStateViolation].
	ErrQueueFull = errors.New("session: turn queue full")

	// ErrSessionLimit is returned when no more sessions may be started
	// until live ones end.
	ErrSessionLimit = errors.New("session: active session limit reached")
)

// Scorer assesses learner audio.
type Scorer interface {
	Score(ctx context.Context, req pronunciation.Request) (*tutor.PronunciationAssessment, error)
}

// Classifier derives the learner's next action from a tutor turn.
type Classifier interface {
	Classify(ctx context.Context, req classify.Request) (*tutor.Action, error)
}

// FeedbackGenerator judges a learner turn.
type FeedbackGenerator interface {
	Generate(ctx context.Context, req feedback.TurnRequest) (*tutor.Feedback, error)
}

// ReportAggregator scores a finished roleplay.
type ReportAggregator interface {
	Aggregate(ctx context.Context, req feedback.ReportRequest) (*tutor.SessionFeedback, error)
}

// Saver persists session snapshots. [StoreGuard] is the production Saver.
type Saver interface {
	SaveSession(ctx context.Context, s *tutor.Session) error
}

// ReportArchive records finished reports. [feedback.FileStore] implements it.
type ReportArchive interface {
	SaveReport(s *tutor.Session) error
}

// Deps are the collaborators of a [Controller]. Classifier and Feedback are
// required; Reports is required for roleplay sessions. Without a Scorer,
// turns carrying audio are rejected. Store, Archive and Matcher are optional.
type Deps struct {
	Scorer     Scorer
	Classifier Classifier
	Feedback   FeedbackGenerator
	Reports    ReportAggregator
	Store      Saver
	Archive    ReportArchive
	Matcher    *phonetic.Matcher
}

// Audio is the recorded speech of a learner turn: 16-bit little-endian PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
	// Channels defaults to 1.
	Channels int
}

// TurnInput is one utterance submitted to a session.
type TurnInput struct {
	Role       tutor.Role
	Transcript string
	// Duration is the speaking time of the utterance.
	Duration time.Duration
	// Audio is optional and accepted on learner turns only.
	Audio *Audio
}

// TurnResult is the outcome of a submitted turn.
type TurnResult struct {
	Turn *tutor.Turn
	Err  error
}

// Option is a functional option for configuring a [Controller].
type Option func(*Controller)

// WithMaxQueuedTurns bounds the number of turns waiting behind the one in
// flight. Default: 8.
func WithMaxQueuedTurns(n int) Option {
	return func(c *Controller) {
		if n >= 0 {
			c.maxQueued = n
		}
	}
}

// WithHistoryMaxTokens bounds the conversation context passed to the
// classifier and the feedback generator. Default: 2000.
func WithHistoryMaxTokens(n int) Option {
	return func(c *Controller) { c.historyMaxTokens = n }
}

// WithCallTimeout bounds every provider call. Default: 60s.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithMaxAudio bounds the playback length of turn audio. Longer audio is
// rejected at submission. Default: [pronunciation.DefaultMaxAudio].
func WithMaxAudio(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.maxAudio = d
		}
	}
}

type reportState int

const (
	reportNone reportState = iota
	reportRunning
	reportDone
	reportFailed
)

// job is one submitted turn.
type job struct {
	ctx    context.Context
	in     TurnInput
	result chan TurnResult
}

// finish delivers the job's single result. Later calls are no-ops.
func (j *job) finish(t *tutor.Turn, err error) {
	select {
	case j.result <- TurnResult{Turn: t, Err: err}:
	default:
	}
}

// prepared is the off-actor outcome of a turn's provider calls.
type prepared struct {
	assessment *tutor.PronunciationAssessment
	action     *tutor.Action
}

type endResult struct {
	sess *tutor.Session
	err  error
}

// Controller is the actor owning one session. All exported methods are safe
// for concurrent use.
type Controller struct {
	id   string
	mode tutor.Mode
	deps Deps

	maxQueued        int
	historyMaxTokens int
	callTimeout      time.Duration
	maxAudio         time.Duration
	metrics          *observe.Metrics

	inbox     chan func()
	done      chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
	events    *hub

	// Owned by the actor goroutine.
	sess          *tutor.Session
	inFlight      *job
	queue         []*job
	report        reportState
	reportWaiters []chan endResult
}

// New validates sess, takes ownership of a copy and starts its actor. sess
// must be in state CREATED with an empty turn log; an empty ID is assigned.
func New(sess *tutor.Session, deps Deps, opts ...Option) (*Controller, error) {
	if sess == nil {
		return nil, tutor.InvalidInput("session: nil session")
	}
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if deps.Classifier == nil || deps.Feedback == nil {
		return nil, errors.New("session: classifier and feedback generator are required")
	}
	if sess.Mode == tutor.ModeRoleplay && deps.Reports == nil {
		return nil, errors.New("session: roleplay sessions require a report aggregator")
	}

	s := sess.Clone()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.State == "" {
		s.State = tutor.StateCreated
	}
	if s.State != tutor.StateCreated || len(s.Turns) > 0 {
		return nil, tutor.InvalidInput("session: new sessions start in state CREATED without turns")
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	c := &Controller{
		id:               s.ID,
		mode:             s.Mode,
		deps:             deps,
		maxQueued:        defaultMaxQueuedTurns,
		historyMaxTokens: defaultHistoryMaxTokens,
		callTimeout:      defaultCallTimeout,
		maxAudio:         pronunciation.DefaultMaxAudio,
		inbox:            make(chan func()),
		done:             make(chan struct{}),
		stopped:          make(chan struct{}),
		events:           newHub(),
		sess:             s,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	c.persist(context.Background())
	go c.run()
	return c, nil
}

// ID returns the session ID.
func (c *Controller) ID() string { return c.id }

// Mode returns the session mode.
func (c *Controller) Mode() tutor.Mode { return c.mode }

// Submit validates in and hands it to the actor. It returns an error
// immediately when the turn is rejected: malformed input, an ended session
// or a full queue. Otherwise the returned channel delivers exactly one
// result once the turn has been appended or has failed.
//
// Processing continues when ctx is cancelled after Submit returns; the
// result is then simply not observed.
func (c *Controller) Submit(ctx context.Context, in TurnInput) (<-chan TurnResult, error) {
	in, err := c.validate(in)
	if err != nil {
		return nil, err
	}
	j := &job{ctx: context.WithoutCancel(ctx), in: in, result: make(chan TurnResult, 1)}

	var rejected error
	if err := c.call(ctx, func() { rejected = c.accept(j) }); err != nil {
		return nil, err
	}
	if rejected != nil {
		return nil, rejected
	}
	return j.result, nil
}

// Ingest submits in and waits for its result. A tutor turn is classified
// and replaces the pending action; a learner turn consumes it and receives
// feedback asynchronously (see [Controller.Subscribe]).
func (c *Controller) Ingest(ctx context.Context, in TurnInput) (*tutor.Turn, error) {
	ch, err := c.Submit(ctx, in)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.Turn, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// End freezes the session. Queued turns are rejected and the result of a
// turn still in flight is discarded. A roleplay session with at least one
// learner turn is scored once; End waits for the report.
//
// The returned session is the ended snapshot. When the report fails, End
// returns the snapshot together with the error; the session stays ended and
// [Controller.RetryReport] may be used. Ending an ended session is a
// [tutor.StateViolation].
func (c *Controller) End(ctx context.Context) (*tutor.Session, error) {
	return c.await(ctx, func(reply chan endResult) error {
		return c.end(context.WithoutCancel(ctx), reply)
	})
}

// RetryReport re-runs a failed report aggregation. It is a
// [tutor.StateViolation] unless the session ended and its last report
// attempt failed.
func (c *Controller) RetryReport(ctx context.Context) (*tutor.Session, error) {
	return c.await(ctx, func(reply chan endResult) error {
		return c.retryReport(context.WithoutCancel(ctx), reply)
	})
}

// Snapshot returns a copy of the current session.
func (c *Controller) Snapshot(ctx context.Context) (*tutor.Session, error) {
	var s *tutor.Session
	if err := c.call(ctx, func() { s = c.sess.Clone() }); err != nil {
		return nil, err
	}
	return s, nil
}

// Subscribe returns a live event stream and a cancel func. Slow subscribers
// miss events rather than stalling the session. The channel is closed by
// cancel or by [Controller.Close].
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

// Close stops the actor. Waiting callers receive [ErrClosed]; provider calls
// still running complete and their results are dropped. Close is idempotent.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	<-c.stopped
	return nil
}

// run is the actor loop.
func (c *Controller) run() {
	defer close(c.stopped)
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.done:
			c.shutdown()
			return
		}
	}
}

func (c *Controller) shutdown() {
	if c.inFlight != nil {
		c.inFlight.finish(nil, ErrClosed)
		c.inFlight = nil
	}
	for _, j := range c.queue {
		j.finish(nil, ErrClosed)
	}
	c.queue = nil
	for _, w := range c.reportWaiters {
		w <- endResult{err: ErrClosed}
	}
	c.reportWaiters = nil
	c.events.close()
}

// call runs fn on the actor and waits for it.
func (c *Controller) call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case c.inbox <- func() { fn(); close(ran) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// post hands fn to the actor from a worker goroutine. It is dropped once
// the controller is closed.
func (c *Controller) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// await runs start on the actor and then waits for the report-bearing reply
// it registers.
func (c *Controller) await(ctx context.Context, start func(chan endResult) error) (*tutor.Session, error) {
	reply := make(chan endResult, 1)
	var rejected error
	if err := c.call(ctx, func() { rejected = start(reply) }); err != nil {
		return nil, err
	}
	if rejected != nil {
		return nil, rejected
	}
	select {
	case r := <-reply:
		return r.sess, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// validate checks the static shape of in. It runs off the actor and only
// reads immutable controller fields.
func (c *Controller) validate(in TurnInput) (TurnInput, error) {
	if !in.Role.IsValid() {
		return in, tutor.InvalidInput("turn role %q is invalid; valid values: tutor, learner", in.Role)
	}
	in.Transcript = strings.TrimSpace(in.Transcript)
	if in.Transcript == "" {
		return in, tutor.InvalidInput("turn transcript is empty")
	}
	if in.Duration < 0 {
		return in, tutor.InvalidInput("turn duration %v is negative", in.Duration)
	}
	if in.Duration > MaxTurnDuration {
		return in, tutor.InvalidInput("turn duration %v exceeds %v", in.Duration, MaxTurnDuration)
	}
	if in.Audio != nil {
		if in.Role != tutor.RoleLearner {
			return in, tutor.InvalidInput("audio is accepted on learner turns only")
		}
		if c.deps.Scorer == nil {
			return in, tutor.InvalidInput("pronunciation scoring is not configured")
		}
		a := *in.Audio
		if a.Channels == 0 {
			a.Channels = 1
		}
		if err := audio.ValidateRate(a.SampleRate); err != nil {
			return in, tutor.InvalidInput("turn audio: %v", err)
		}
		f := audio.Format{SampleRate: a.SampleRate, Channels: a.Channels}
		if d := audio.Duration(a.PCM, f); d > c.maxAudio {
			return in, tutor.InvalidInput("turn audio of %v exceeds %v", d, c.maxAudio)
		}
		in.Audio = &a
	}
	return in, nil
}

func (c *Controller) violation(op, reason string) *tutor.StateViolation {
	return &tutor.StateViolation{SessionID: c.id, State: c.sess.State, Op: op, Reason: reason}
}

func (c *Controller) logger(ctx context.Context) *slog.Logger {
	return observe.Logger(ctx).With("session_id", c.id)
}

// accept starts or queues j. Runs on the actor.
func (c *Controller) accept(j *job) error {
	if c.sess.State == tutor.StateEnded {
		return c.violation("ingest", "session has ended")
	}
	if c.inFlight == nil {
		c.start(j)
		return nil
	}
	if len(c.queue) >= c.maxQueued {
		return fmt.Errorf("%w: %w", ErrQueueFull,
			c.violation("ingest", fmt.Sprintf("%d turns already queued", len(c.queue))))
	}
	c.queue = append(c.queue, j)
	return nil
}

// start snapshots the context j needs and runs its provider calls off the
// actor. Runs on the actor.
func (c *Controller) start(j *job) {
	c.inFlight = j
	history := historyWindow(c.sess.Turns, c.historyMaxTokens)
	pending := c.sess.PendingAction.Clone()
	profile := c.sess.Profile
	instructions := c.sess.Instructions

	go func() {
		ctx, cancel := context.WithTimeout(j.ctx, c.callTimeout)
		defer cancel()
		ctx, span := observe.StartSpan(ctx, "session.PrepareTurn")
		span.SetAttributes(
			attribute.String("session.id", c.id),
			attribute.String("turn.role", string(j.in.Role)),
		)

		// A turn carries audio (learner) or needs classification (tutor),
		// never both; the group collects whichever call applies.
		var out prepared
		var g errgroup.Group
		if a := j.in.Audio; a != nil {
			g.Go(func() error {
				req := pronunciation.Request{
					PCM:        a.PCM,
					SampleRate: a.SampleRate,
					Channels:   a.Channels,
					Language:   profile.LearningLanguage,
				}
				if pending != nil && pending.Type == tutor.ActionRepeat {
					req.ReferenceText = pending.TargetContent
				}
				res, err := c.deps.Scorer.Score(ctx, req)
				if err != nil {
					return fmt.Errorf("session: score turn: %w", err)
				}
				out.assessment = res
				return nil
			})
		}
		if j.in.Role == tutor.RoleTutor {
			g.Go(func() error {
				action, err := c.deps.Classifier.Classify(ctx, classify.Request{
					TutorText:    j.in.Transcript,
					Profile:      profile,
					History:      history,
					Instructions: instructions,
				})
				if err != nil {
					return fmt.Errorf("session: classify turn: %w", err)
				}
				out.action = action
				return nil
			})
		}
		err := g.Wait()
		observe.EndSpan(span, err)

		c.post(func() { c.complete(j, out, err) })
	}()
}

// complete applies the outcome of the in-flight turn and starts the next
// queued one. Runs on the actor.
func (c *Controller) complete(j *job, out prepared, err error) {
	if c.inFlight != j {
		return
	}
	c.inFlight = nil

	switch {
	case c.sess.State == tutor.StateEnded:
		c.logger(j.ctx).Info("discarding turn finished after session end", "role", j.in.Role)
		j.finish(nil, c.violation("ingest", "session ended while the turn was processing"))
	case err != nil:
		c.logger(j.ctx).Warn("turn rejected", "role", j.in.Role, "err", err)
		c.events.publish(Event{Type: EventTurnRejected, SessionID: c.id, Err: err.Error(), At: time.Now()})
		j.finish(nil, err)
	default:
		j.finish(c.appendTurn(j, out), nil)
	}

	if c.sess.State != tutor.StateEnded && len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.start(next)
	}
}

// appendTurn appends a fully prepared turn and returns a copy of it. Runs on
// the actor.
func (c *Controller) appendTurn(j *job, out prepared) *tutor.Turn {
	now := time.Now()
	s := c.sess
	t := tutor.Turn{
		ID:         uuid.NewString(),
		Seq:        len(s.Turns) + 1,
		Role:       j.in.Role,
		Transcript: j.in.Transcript,
		Duration:   j.in.Duration,
		CreatedAt:  now,
	}
	if out.assessment != nil {
		out.assessment.TurnID = t.ID
		t.Assessment = out.assessment
	}

	expected := s.PendingAction
	switch t.Role {
	case tutor.RoleTutor:
		t.Action = out.action
		s.PendingAction = out.action.Clone()
		s.TutorDuration += t.Duration
		if s.Mode == tutor.ModeLesson && t.Action != nil && t.Action.Type == tutor.ActionRepeat {
			c.addVocabulary(t.Action, t.ID, now)
		}
	case tutor.RoleLearner:
		if expected != nil && expected.Type == tutor.ActionRepeat && c.deps.Matcher != nil {
			attempt := c.deps.Matcher.Compare(expected.TargetContent, t.Transcript)
			t.Attempt = &attempt
		}
		s.PendingAction = nil
		s.LearnerDuration += t.Duration
	}
	s.Duration += t.Duration
	s.Turns = append(s.Turns, t)
	if s.State == tutor.StateCreated {
		s.State = tutor.StateActive
	}
	s.UpdatedAt = now

	c.persist(j.ctx)
	c.metrics.RecordTurn(j.ctx, string(s.Mode), string(t.Role))
	c.events.publish(Event{Type: EventTurnAppended, SessionID: c.id, TurnID: t.ID, Turn: ptr(t.Clone()), At: now})

	if t.Role == tutor.RoleLearner {
		c.startFeedback(j.ctx, t, expected)
	}
	return ptr(t.Clone())
}

// addVocabulary records the target of a lesson REPEAT action unless an
// equivalent item exists. Runs on the actor.
func (c *Controller) addVocabulary(a *tutor.Action, turnID string, now time.Time) {
	key := phonetic.Normalize(a.TargetContent)
	for _, v := range c.sess.Vocabulary {
		if phonetic.Normalize(v.Content) == key {
			return
		}
	}
	item := tutor.VocabularyItem{
		Content:     a.TargetContent,
		Translation: a.TargetContentTranslated,
		TurnID:      turnID,
		AddedAt:     now,
	}
	if a.TargetContentRomanized != nil {
		r := *a.TargetContentRomanized
		item.Romanization = &r
	}
	if a.VocabularyType != nil {
		item.Type = *a.VocabularyType
	}
	c.sess.Vocabulary = append(c.sess.Vocabulary, item)
}

// startFeedback requests feedback for the learner turn t. Runs on the actor.
func (c *Controller) startFeedback(ctx context.Context, t tutor.Turn, expected *tutor.Action) {
	req := feedback.TurnRequest{
		Utterance: t.Transcript,
		Profile:   c.sess.Profile,
		Mode:      c.sess.Mode,
		Expected:  expected.Clone(),
		History:   historyWindow(c.sess.Turns[:len(c.sess.Turns)-1], c.historyMaxTokens),
	}
	go func() {
		ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		fb, err := c.deps.Feedback.Generate(ctx, req)
		c.post(func() { c.attachFeedback(ctx, t.ID, fb, err) })
	}()
}

// attachFeedback attaches fb to the turn at most once. Runs on the actor.
func (c *Controller) attachFeedback(ctx context.Context, turnID string, fb *tutor.Feedback, err error) {
	now := time.Now()
	if c.sess.State == tutor.StateEnded {
		c.logger(ctx).Debug("discarding feedback received after session end", "turn_id", turnID)
		c.events.publish(Event{Type: EventFeedbackDiscarded, SessionID: c.id, TurnID: turnID, At: now})
		return
	}
	t := c.sess.TurnByID(turnID)
	if t == nil || t.Feedback != nil {
		return
	}
	if err != nil {
		c.logger(ctx).Warn("feedback failed", "turn_id", turnID, "err", err)
		c.events.publish(Event{Type: EventFeedbackFailed, SessionID: c.id, TurnID: turnID, Err: err.Error(), At: now})
		return
	}
	t.Feedback = fb
	c.sess.UpdatedAt = now
	c.persist(ctx)
	c.events.publish(Event{Type: EventFeedback, SessionID: c.id, TurnID: turnID, Turn: ptr(t.Clone()), At: now})
}

// end freezes the session. Runs on the actor.
func (c *Controller) end(ctx context.Context, reply chan endResult) error {
	if c.sess.State == tutor.StateEnded {
		return c.violation("end", "session already ended")
	}
	now := time.Now()
	c.sess.State = tutor.StateEnded
	c.sess.EndedAt = now
	c.sess.UpdatedAt = now

	for _, j := range c.queue {
		j.finish(nil, c.violation("ingest", "session ended before the turn was processed"))
	}
	c.queue = nil

	c.persist(ctx)
	c.events.publish(Event{Type: EventSessionEnded, SessionID: c.id, At: now})
	c.logger(ctx).Info("session ended", "turns", len(c.sess.Turns), "duration", c.sess.Duration)

	if c.sess.Mode == tutor.ModeRoleplay && c.sess.LearnerTurns() > 0 {
		c.reportWaiters = append(c.reportWaiters, reply)
		c.startReport(ctx)
		return nil
	}
	reply <- endResult{sess: c.sess.Clone()}
	return nil
}

// retryReport re-runs a failed aggregation. Runs on the actor.
func (c *Controller) retryReport(ctx context.Context, reply chan endResult) error {
	if c.sess.State != tutor.StateEnded {
		return c.violation("retry report", "session has not ended")
	}
	switch c.report {
	case reportNone:
		return c.violation("retry report", "session has no report")
	case reportRunning:
		return c.violation("retry report", "report is being computed")
	case reportDone:
		return c.violation("retry report", "report was already computed")
	}
	c.reportWaiters = append(c.reportWaiters, reply)
	c.startReport(ctx)
	return nil
}

// startReport runs the aggregator over the frozen log. Runs on the actor.
func (c *Controller) startReport(ctx context.Context) {
	c.report = reportRunning
	req := feedback.ReportRequest{Profile: c.sess.Profile, Turns: c.sess.Clone().Turns}
	if c.sess.Scenario != nil {
		sc := *c.sess.Scenario
		req.Scenario = &sc
	}
	go func() {
		ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		report, err := c.deps.Reports.Aggregate(ctx, req)
		c.post(func() { c.finishReport(ctx, report, err) })
	}()
}

// finishReport stores the report and answers End / RetryReport callers.
// Runs on the actor.
func (c *Controller) finishReport(ctx context.Context, report *tutor.SessionFeedback, err error) {
	now := time.Now()
	if err != nil {
		c.report = reportFailed
		err = fmt.Errorf("session: report: %w", err)
		c.logger(ctx).Warn("session report failed", "err", err)
		c.events.publish(Event{Type: EventReportFailed, SessionID: c.id, Err: err.Error(), At: now})
	} else {
		c.report = reportDone
		c.sess.Report = report
		c.sess.UpdatedAt = now
		c.persist(ctx)
		if c.deps.Archive != nil {
			if aerr := c.deps.Archive.SaveReport(c.sess); aerr != nil {
				c.logger(ctx).Warn("archiving session report failed", "err", aerr)
			}
		}
		r := *report
		c.events.publish(Event{Type: EventReport, SessionID: c.id, Report: &r, At: now})
	}

	for _, w := range c.reportWaiters {
		w <- endResult{sess: c.sess.Clone(), err: err}
	}
	c.reportWaiters = nil
}

// persist saves the current state. Store errors are logged, never returned.
// Runs on the actor.
func (c *Controller) persist(ctx context.Context) {
	if c.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := c.deps.Store.SaveSession(ctx, c.sess); err != nil {
		c.logger(ctx).Warn("persisting session failed", "err", err)
	}
}

func ptr[T any](v T) *T { return &v }
