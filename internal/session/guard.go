package session

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/MrWong99/linguavox/internal/observe"
	"github.com/MrWong99/linguavox/internal/store"
	"github.com/MrWong99/linguavox/internal/tutor"
)

// ErrStoreDegraded is reported by [StoreGuard.Check] while the most recent
// store operation failed.
var ErrStoreDegraded = errors.New("session store degraded")

// StoreGuard wraps a [store.Store] and makes writes non-fatal. If the
// underlying store fails, SaveSession logs a warning and returns nil so the
// controller, whose in-memory state stays authoritative, keeps serving turns.
// Reads propagate errors; a missing session is not a failure.
//
// IsDegraded reports whether the store is currently experiencing failures.
//
// StoreGuard implements [store.Store]. All methods are safe for concurrent use.
type StoreGuard struct {
	store    store.Store
	metrics  *observe.Metrics
	degraded atomic.Bool
}

// Compile-time check that StoreGuard satisfies store.Store.
var _ store.Store = (*StoreGuard)(nil)

// NewStoreGuard creates a new [StoreGuard] wrapping s. A nil m uses
// [observe.DefaultMetrics].
func NewStoreGuard(s store.Store, m *observe.Metrics) *StoreGuard {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &StoreGuard{store: s, metrics: m}
}

// SaveSession attempts to persist sess. On failure the error is logged and
// swallowed; the store is marked as degraded. On success the degraded flag
// is cleared.
func (g *StoreGuard) SaveSession(ctx context.Context, sess *tutor.Session) error {
	if err := g.store.SaveSession(ctx, sess); err != nil {
		g.degraded.Store(true)
		g.metrics.StoreFailures.Add(ctx, 1)
		observe.Logger(ctx).Warn("store guard: SaveSession failed, swallowing error",
			"session_id", sess.ID,
			"err", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// GetSession delegates to the underlying store.
func (g *StoreGuard) GetSession(ctx context.Context, id string) (*tutor.Session, error) {
	sess, err := g.store.GetSession(ctx, id)
	g.observe(err)
	return sess, err
}

// ListSessions delegates to the underlying store.
func (g *StoreGuard) ListSessions(ctx context.Context, userID string) ([]*tutor.Session, error) {
	sessions, err := g.store.ListSessions(ctx, userID)
	g.observe(err)
	return sessions, err
}

// Ping delegates to the underlying store and updates the degraded flag.
func (g *StoreGuard) Ping(ctx context.Context) error {
	err := g.store.Ping(ctx)
	g.observe(err)
	return err
}

// Close closes the underlying store.
func (g *StoreGuard) Close() error {
	return g.store.Close()
}

// IsDegraded reports whether the store is currently operating in degraded
// mode (i.e., the most recent operation on the underlying store failed).
func (g *StoreGuard) IsDegraded() bool {
	return g.degraded.Load()
}

// Check is a readiness checker. It fails while the guard is degraded.
func (g *StoreGuard) Check(context.Context) error {
	if g.IsDegraded() {
		return ErrStoreDegraded
	}
	return nil
}

func (g *StoreGuard) observe(err error) {
	if err == nil || errors.Is(err, tutor.ErrNotFound) {
		g.degraded.Store(false)
		return
	}
	g.degraded.Store(true)
}
