package feedback

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/linguavox/internal/tutor"
)

func TestFileStore_SaveAndList(t *testing.T) {
	t.Parallel()
	fs := NewFileStore(filepath.Join(t.TempDir(), "reports.jsonl"))

	for i, user := range []string{"alice", "bob", "alice"} {
		s := &tutor.Session{
			ID:       "s-" + string(rune('a'+i)),
			Profile:  tutor.Profile{UserID: user},
			Scenario: &tutor.Scenario{ID: "bakery"},
			Turns:    make([]tutor.Turn, 10),
			Report:   &tutor.SessionFeedback{OverallScore: 60 + i, Summary: "ok"},
		}
		if err := fs.SaveReport(s); err != nil {
			t.Fatalf("SaveReport: %v", err)
		}
	}

	got, err := fs.Reports("alice")
	if err != nil {
		t.Fatalf("Reports: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("alice reports = %d, want 2", len(got))
	}
	if got[0].SessionID != "s-a" || got[1].Report.OverallScore != 62 {
		t.Errorf("records = %+v", got)
	}
	if got[0].ScenarioID != "bakery" || got[0].Turns != 10 {
		t.Errorf("record metadata = %+v", got[0])
	}

	all, err := fs.Reports("")
	if err != nil || len(all) != 3 {
		t.Fatalf("Reports(\"\") = %d, %v; want 3", len(all), err)
	}
}

func TestFileStore_SkipsSessionsWithoutReport(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "reports.jsonl")
	fs := NewFileStore(path)

	if err := fs.SaveReport(&tutor.Session{ID: "lesson"}); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file created for a session without report (stat err = %v)", err)
	}
	got, err := fs.Reports("")
	if err != nil || got != nil {
		t.Errorf("Reports on missing file = %v, %v; want nil, nil", got, err)
	}
}

func TestFileStore_ConcurrentWrites(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "reports.jsonl")
	fs := NewFileStore(path)

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			if err := fs.SaveReport(&tutor.Session{ID: "s", Report: &tutor.SessionFeedback{Summary: strings.Repeat("x", 500)}}); err != nil {
				t.Errorf("SaveReport: %v", err)
			}
		})
	}
	wg.Wait()

	got, err := fs.Reports("")
	if err != nil {
		t.Fatalf("Reports: %v", err)
	}
	if len(got) != 20 {
		t.Errorf("records = %d, want 20", len(got))
	}
}
