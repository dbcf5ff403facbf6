package sqlite_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/linguavox/internal/store"
	"github.com/MrWong99/linguavox/internal/store/sqlite"
	"github.com/MrWong99/linguavox/internal/store/storetest"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "db", "linguavox.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	t.Parallel()
	storetest.Run(t, newTestStore)
}

func TestReopenKeepsData(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "linguavox.db")
	ctx := context.Background()

	s, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveSession(ctx, storetest.Session("s-1", "u-1", time.Now())); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(got.Turns) != 2 {
		t.Errorf("len(Turns) = %d, want 2", len(got.Turns))
	}
}

func TestConcurrentSaves(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	sess := storetest.Session("s-1", "u-1", time.Now())

	var wg sync.WaitGroup
	for range 10 {
		c := sess.Clone()
		wg.Go(func() {
			if err := s.SaveSession(ctx, c); err != nil {
				t.Errorf("SaveSession: %v", err)
			}
		})
	}
	wg.Wait()

	got, err := s.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(got.Turns) != 2 {
		t.Errorf("len(Turns) = %d, want 2", len(got.Turns))
	}
}
