// Package memstore is an in-process [store.Store]. It is the default backend
// and the one used in tests.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/linguavox/internal/store"
	"github.com/MrWong99/linguavox/internal/tutor"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store keeps deep copies of sessions in memory. All methods are safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*tutor.Session
}

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]*tutor.Session)}
}

// SaveSession implements [store.Store].
func (s *Store) SaveSession(_ context.Context, sess *tutor.Session) error {
	c := sess.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[c.ID] = c
	return nil
}

// GetSession implements [store.Store].
func (s *Store) GetSession(_ context.Context, id string) (*tutor.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.NotFound(id)
	}
	return sess.Clone(), nil
}

// ListSessions implements [store.Store].
func (s *Store) ListSessions(_ context.Context, userID string) ([]*tutor.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*tutor.Session
	for _, sess := range s.sessions {
		if sess.Profile.UserID != userID {
			continue
		}
		c := sess.Clone()
		c.Turns = nil
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *tutor.Session) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Ping implements [store.Store]. It always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [store.Store].
func (s *Store) Close() error { return nil }
