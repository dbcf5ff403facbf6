package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/linguavox/internal/config"
	"github.com/MrWong99/linguavox/internal/observe"
	"github.com/MrWong99/linguavox/internal/persona"
	"github.com/MrWong99/linguavox/internal/session"
	"github.com/MrWong99/linguavox/internal/store"
	"github.com/MrWong99/linguavox/internal/tutor"
)

// defaultJanitorInterval is how often ended sessions are checked for
// eviction.
const defaultJanitorInterval = 30 * time.Second

// live is one session actor held by the manager.
type live struct {
	ctrl    *session.Controller
	userID  string
	endedAt time.Time // zero while the session is live
}

// SessionManager owns the live session controllers. Any number of sessions
// may run concurrently, up to the configured limit; ended sessions stay
// resident for the retention period and are then evicted. Reads of evicted
// or unknown sessions fall back to the store.
//
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*live
	tunables config.SessionConfig
	closed   bool

	deps        session.Deps
	reportsFor  func(summaryMax int) session.ReportAggregator
	store       store.Store
	metrics     *observe.Metrics
	maxActive   int
	callTimeout time.Duration

	janitorInterval time.Duration
	now             func() time.Time
	done            chan struct{}
	wg              sync.WaitGroup
	stopOnce        sync.Once
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Deps are shared by every controller. Deps.Store is replaced by Store.
	Deps session.Deps

	// ReportsFor builds the report aggregator for a new session, bounded to
	// the current summary size. When nil, Deps.Reports is used as is.
	ReportsFor func(summaryMax int) session.ReportAggregator

	// Store backs reads of sessions that are no longer resident. Required.
	Store store.Store

	// Session carries the limits and tunables. Zero values take the config
	// defaults.
	Session config.SessionConfig

	// CallTimeout bounds every provider call made by a controller.
	CallTimeout time.Duration

	Metrics *observe.Metrics

	// JanitorInterval overrides the eviction period. Tests only.
	JanitorInterval time.Duration
}

// NewSessionManager creates a SessionManager and starts its janitor. Call
// [SessionManager.Close] to stop it.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	tunables := cfg.Session
	tmp := config.Config{Session: tunables}
	config.ApplyDefaults(&tmp)
	tunables = tmp.Session

	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	deps := cfg.Deps
	deps.Store = cfg.Store

	interval := cfg.JanitorInterval
	if interval <= 0 {
		interval = defaultJanitorInterval
	}

	sm := &SessionManager{
		sessions:        make(map[string]*live),
		tunables:        tunables,
		deps:            deps,
		reportsFor:      cfg.ReportsFor,
		store:           cfg.Store,
		metrics:         m,
		maxActive:       tunables.MaxActiveSessions,
		callTimeout:     cfg.CallTimeout,
		janitorInterval: interval,
		now:             time.Now,
		done:            make(chan struct{}),
	}
	sm.wg.Add(1)
	go sm.janitor()
	return sm
}

// Start creates a session from the static parts of req (mode, profile and
// lesson or scenario), composes its instructions and starts its controller.
// It returns the created session.
func (sm *SessionManager) Start(ctx context.Context, req *tutor.Session) (*tutor.Session, error) {
	if req == nil {
		return nil, tutor.InvalidInput("session: empty request")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return nil, session.ErrClosed
	}
	if sm.maxActive > 0 && sm.activeLocked() >= sm.maxActive {
		return nil, fmt.Errorf("%w (limit %d)", session.ErrSessionLimit, sm.maxActive)
	}

	sess := &tutor.Session{
		ID:       req.ID,
		Mode:     req.Mode,
		Profile:  req.Profile,
		Lesson:   req.Lesson,
		Scenario: req.Scenario,
		State:    tutor.StateCreated,
	}
	sess.Instructions = persona.Compose(sess)
	if sess.ID != "" {
		if _, ok := sm.sessions[sess.ID]; ok {
			return nil, tutor.InvalidInput("session %q already exists", sess.ID)
		}
	}

	deps := sm.deps
	if sm.reportsFor != nil {
		deps.Reports = sm.reportsFor(sm.tunables.SummaryMaxChars)
	}
	opts := []session.Option{
		session.WithMaxQueuedTurns(sm.tunables.MaxQueuedTurns),
		session.WithHistoryMaxTokens(sm.tunables.HistoryMaxTokens),
		session.WithMetrics(sm.metrics),
	}
	if sm.callTimeout > 0 {
		opts = append(opts, session.WithCallTimeout(sm.callTimeout))
	}

	ctrl, err := session.New(sess, deps, opts...)
	if err != nil {
		return nil, err
	}
	snap, err := ctrl.Snapshot(ctx)
	if err != nil {
		_ = ctrl.Close()
		return nil, err
	}

	sm.sessions[ctrl.ID()] = &live{ctrl: ctrl, userID: sess.Profile.UserID}
	sm.metrics.ActiveSessions.Add(ctx, 1)

	observe.Logger(ctx).Info("session started",
		"session_id", ctrl.ID(),
		"mode", string(sess.Mode),
		"user_id", sess.Profile.UserID,
		"learning_language", sess.Profile.LearningLanguage,
	)
	return snap, nil
}

// Get returns the current state of session id. Resident sessions answer
// from their controller; others are read from the store.
func (sm *SessionManager) Get(ctx context.Context, id string) (*tutor.Session, error) {
	if l := sm.lookup(id); l != nil {
		return l.ctrl.Snapshot(ctx)
	}
	return sm.store.GetSession(ctx, id)
}

// Controller returns the controller of a resident session. A session that
// only exists in the store can no longer accept turns: it is reported as a
// [tutor.StateViolation] for op. Unknown IDs match [tutor.ErrNotFound].
func (sm *SessionManager) Controller(ctx context.Context, id, op string) (*session.Controller, error) {
	if l := sm.lookup(id); l != nil {
		return l.ctrl, nil
	}
	s, err := sm.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &tutor.StateViolation{
		SessionID: id,
		State:     s.State,
		Op:        op,
		Reason:    "session is not resident on this server",
	}
}

// Ingest submits a turn to session id and waits for its result.
func (sm *SessionManager) Ingest(ctx context.Context, id string, in session.TurnInput) (*tutor.Turn, error) {
	ctrl, err := sm.Controller(ctx, id, "ingest")
	if err != nil {
		return nil, err
	}
	return ctrl.Ingest(ctx, in)
}

// End ends session id and waits for its report. The session stays resident
// for the retention period.
func (sm *SessionManager) End(ctx context.Context, id string) (*tutor.Session, error) {
	ctrl, err := sm.Controller(ctx, id, "end")
	if err != nil {
		return nil, err
	}
	snap, err := ctrl.End(ctx)
	ended := snap
	if ended == nil && ctx.Err() != nil {
		// The caller gave up waiting; the end may still have happened.
		ended, _ = ctrl.Snapshot(context.WithoutCancel(ctx))
	}
	if ended != nil && ended.State == tutor.StateEnded {
		sm.markEnded(ctx, id)
	}
	return snap, err
}

// RetryReport re-runs the failed report of session id.
func (sm *SessionManager) RetryReport(ctx context.Context, id string) (*tutor.Session, error) {
	ctrl, err := sm.Controller(ctx, id, "retry_report")
	if err != nil {
		return nil, err
	}
	return ctrl.RetryReport(ctx)
}

// List returns the sessions of userID, newest first. Resident sessions
// reflect their live state.
func (sm *SessionManager) List(ctx context.Context, userID string) ([]*tutor.Session, error) {
	stored, err := sm.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("app: list sessions: %w", err)
	}
	seen := make(map[string]bool, len(stored))
	for i, s := range stored {
		seen[s.ID] = true
		if l := sm.lookup(s.ID); l != nil {
			if snap, err := l.ctrl.Snapshot(ctx); err == nil {
				stored[i] = snap
			}
		}
	}

	// A resident session the store never saw (degraded store) is still listed.
	sm.mu.Lock()
	var missing []*session.Controller
	for id, l := range sm.sessions {
		if l.userID == userID && !seen[id] {
			missing = append(missing, l.ctrl)
		}
	}
	sm.mu.Unlock()
	for _, ctrl := range missing {
		if snap, err := ctrl.Snapshot(ctx); err == nil {
			stored = append(stored, snap)
		}
	}
	sortNewestFirst(stored)
	return stored, nil
}

// ActiveCount returns the number of sessions that have not ended.
func (sm *SessionManager) ActiveCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.activeLocked()
}

// UpdateTunables applies hot-reloaded session settings to sessions started
// afterwards. The session limit is fixed at construction.
func (sm *SessionManager) UpdateTunables(t config.SessionConfig) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	t.MaxActiveSessions = sm.maxActive
	sm.tunables = t
	slog.Info("session tunables updated",
		"max_queued_turns", t.MaxQueuedTurns,
		"history_max_tokens", t.HistoryMaxTokens,
		"summary_max_chars", t.SummaryMaxChars,
		"ended_retention", t.EndedRetention,
	)
}

// Close stops the janitor and every resident controller. Live sessions are
// left as last persisted.
func (sm *SessionManager) Close() error {
	sm.stopOnce.Do(func() { close(sm.done) })
	sm.wg.Wait()

	sm.mu.Lock()
	sm.closed = true
	sessions := sm.sessions
	sm.sessions = make(map[string]*live)
	sm.mu.Unlock()

	for id, l := range sessions {
		if l.endedAt.IsZero() {
			sm.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		if err := l.ctrl.Close(); err != nil {
			slog.Warn("session manager: close controller", "session_id", id, "err", err)
		}
	}
	return nil
}

func (sm *SessionManager) lookup(id string) *live {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.sessions[id]
}

func (sm *SessionManager) activeLocked() int {
	n := 0
	for _, l := range sm.sessions {
		if l.endedAt.IsZero() {
			n++
		}
	}
	return n
}

func (sm *SessionManager) markEnded(ctx context.Context, id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	l, ok := sm.sessions[id]
	if !ok || !l.endedAt.IsZero() {
		return
	}
	l.endedAt = sm.now()
	sm.metrics.ActiveSessions.Add(ctx, -1)
}

func (sm *SessionManager) janitor() {
	defer sm.wg.Done()
	ticker := time.NewTicker(sm.janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			sm.evictExpired()
		}
	}
}

// evictExpired closes and forgets ended sessions older than the retention
// period and returns how many were evicted.
func (sm *SessionManager) evictExpired() int {
	sm.mu.Lock()
	cutoff := sm.now().Add(-sm.tunables.EndedRetention)
	var expired []*session.Controller
	for id, l := range sm.sessions {
		if !l.endedAt.IsZero() && !l.endedAt.After(cutoff) {
			expired = append(expired, l.ctrl)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for _, ctrl := range expired {
		_ = ctrl.Close()
		slog.Debug("session evicted", "session_id", ctrl.ID())
	}
	return len(expired)
}

func sortNewestFirst(ss []*tutor.Session) {
	slices.SortStableFunc(ss, func(a, b *tutor.Session) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}
