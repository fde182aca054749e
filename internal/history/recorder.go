// Package history records the outcome of every task the host agent runs.
// Records are held in memory newest-first, capped, and persisted to a JSON
// file via atomic replace so a crash mid-write never corrupts history.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"selfpatch/internal/logging"
)

// TaskRecord captures one completed task.
type TaskRecord struct {
	TaskID       string    `json:"task_id"`
	Request      string    `json:"request"`
	ToolsUsed    []string  `json:"tools_used"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// historyFile is the on-disk envelope.
type historyFile struct {
	Tasks []TaskRecord `json:"tasks"`
}

// Recorder is a capped, persistent task history. Newest records first.
type Recorder struct {
	mu      sync.RWMutex
	path    string
	limit   int
	records []TaskRecord
	log     *logging.Logger
}

// DefaultLimit is the number of task records retained.
const DefaultLimit = 1000

// NewRecorder opens (or creates) the history file at path. Existing records
// beyond limit are discarded oldest-first.
func NewRecorder(path string, limit int) (*Recorder, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	r := &Recorder{
		path:  path,
		limit: limit,
		log:   logging.Get(logging.CategoryHistory),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.records = nil
			return nil
		}
		return fmt.Errorf("read history: %w", err)
	}

	var hf historyFile
	if err := json.Unmarshal(data, &hf); err != nil {
		// A corrupt history file is not fatal: start fresh rather than
		// blocking the host agent.
		r.log.Error("history file corrupt, starting fresh: %v", err)
		r.records = nil
		return nil
	}

	r.records = hf.Tasks
	if len(r.records) > r.limit {
		r.records = r.records[:r.limit]
	}
	return nil
}

// Record appends a task record and persists the full history atomically.
func (r *Recorder) Record(rec TaskRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	// Newest first, evict oldest beyond the cap.
	r.records = append([]TaskRecord{rec}, r.records...)
	if len(r.records) > r.limit {
		r.records = r.records[:r.limit]
	}

	if err := r.persist(); err != nil {
		return err
	}

	r.log.Debug("recorded task %s (success=%v, tools=%v)", rec.TaskID, rec.Success, rec.ToolsUsed)
	return nil
}

// persist writes the history file via temp file + rename. Caller holds mu.
func (r *Recorder) persist() error {
	data, err := json.MarshalIndent(historyFile{Tasks: r.records}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write history temp: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}

// Recent returns records whose timestamp falls within the window, newest first.
func (r *Recorder) Recent(window time.Duration) []TaskRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	out := make([]TaskRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Timestamp.After(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

// All returns a copy of every retained record, newest first.
func (r *Recorder) All() []TaskRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TaskRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Len returns the number of retained records.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
