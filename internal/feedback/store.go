package feedback

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/linguavox/internal/tutor"
)

// Record is a single archived report.
type Record struct {
	Timestamp  time.Time             `json:"timestamp"`
	SessionID  string                `json:"session_id"`
	UserID     string                `json:"user_id"`
	ScenarioID string                `json:"scenario_id,omitempty"`
	Turns      int                   `json:"turns"`
	Report     tutor.SessionFeedback `json:"report"`
}

// FileStore archives session reports as JSON lines in a local file.
// Safe for concurrent use.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore that appends to path. The file is created
// on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// SaveReport appends the report of s. Sessions without a report are skipped.
func (fs *FileStore) SaveReport(s *tutor.Session) error {
	if s == nil || s.Report == nil {
		return nil
	}
	record := Record{
		Timestamp: time.Now().UTC(),
		SessionID: s.ID,
		UserID:    s.Profile.UserID,
		Turns:     len(s.Turns),
		Report:    *s.Report,
	}
	if s.Scenario != nil {
		record.ScenarioID = s.Scenario.ID
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("feedback: marshal: %w", err)
	}
	data = append(data, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("feedback: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("feedback: write: %w", err)
	}
	return nil
}

// Reports returns the archived records of userID, oldest first. An empty
// userID returns every record. A missing file yields no records.
func (fs *FileStore) Reports(userID string) ([]Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.Open(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("feedback: open file: %w", err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("feedback: line %d: %w", line, err)
		}
		if userID == "" || r.UserID == userID {
			out = append(out, r)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("feedback: read: %w", err)
	}
	return out, nil
}
