package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testRecord(id string, success bool) TaskRecord {
	return TaskRecord{
		TaskID:     id,
		Request:    "request " + id,
		ToolsUsed:  []string{"read_file"},
		Success:    success,
		DurationMS: 100,
		Timestamp:  time.Now(),
	}
}

func TestRecorderPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task_history.json")

	r, err := NewRecorder(path, 10)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := r.Record(testRecord(fmt.Sprintf("task-%d", i), true)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	// Reopen and check everything survived.
	r2, err := NewRecorder(path, 10)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if r2.Len() != 3 {
		t.Fatalf("expected 3 records after reload, got %d", r2.Len())
	}

	// Newest first.
	all := r2.All()
	if all[0].TaskID != "task-2" {
		t.Errorf("expected newest record first, got %s", all[0].TaskID)
	}
}

func TestRecorderCapEvictsOldest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task_history.json")

	r, err := NewRecorder(path, 5)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	for i := 0; i < 8; i++ {
		if err := r.Record(testRecord(fmt.Sprintf("task-%d", i), true)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	if r.Len() != 5 {
		t.Fatalf("expected cap of 5, got %d", r.Len())
	}
	all := r.All()
	if all[0].TaskID != "task-7" {
		t.Errorf("expected newest record task-7, got %s", all[0].TaskID)
	}
	if all[4].TaskID != "task-3" {
		t.Errorf("expected oldest retained record task-3, got %s", all[4].TaskID)
	}
}

func TestRecorderRecentWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task_history.json")

	r, err := NewRecorder(path, 10)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	old := testRecord("old", true)
	old.Timestamp = time.Now().Add(-10 * 24 * time.Hour)
	if err := r.Record(old); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := r.Record(testRecord("fresh", true)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	recent := r.Recent(7 * 24 * time.Hour)
	if len(recent) != 1 {
		t.Fatalf("expected 1 record in window, got %d", len(recent))
	}
	if recent[0].TaskID != "fresh" {
		t.Errorf("expected fresh record, got %s", recent[0].TaskID)
	}
}

func TestRecorderConcurrentRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task_history.json")

	r, err := NewRecorder(path, 100)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_ = r.Record(testRecord(fmt.Sprintf("task-%d-%d", n, j), true))
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != 50 {
		t.Fatalf("expected 50 records, got %d", r.Len())
	}

	// The file must still be parseable after concurrent writes.
	r2, err := NewRecorder(path, 100)
	if err != nil {
		t.Fatalf("reopen after concurrent writes: %v", err)
	}
	if r2.Len() != 50 {
		t.Fatalf("expected 50 records after reload, got %d", r2.Len())
	}
}

func TestRecorderCorruptFileStartsFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task_history.json")

	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	r, err := NewRecorder(path, 10)
	if err != nil {
		t.Fatalf("NewRecorder on corrupt file: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty history, got %d", r.Len())
	}
}
