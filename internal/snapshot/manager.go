// Package snapshot captures pre-change file state so any applied
// improvement can be rolled back byte-for-byte. The snapshot index is an
// append-only JSONL file; snapshot content lives in per-snapshot
// directories under the state dir.
package snapshot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"selfpatch/internal/generation"
	"selfpatch/internal/logging"
)

// entryType discriminates index lines.
const (
	entrySnapshot  = "snapshot"
	entryCommitted = "committed"
)

// fileEntry records one captured file within a snapshot.
type fileEntry struct {
	Path    string `json:"path"`              // absolute path in the working tree
	Existed bool   `json:"existed"`           // false: rollback removes the file
	Stored  string `json:"stored,omitempty"`  // file name under the snapshot dir
	Mode    uint32 `json:"mode,omitempty"`    // original permission bits
}

// indexEntry is one JSONL line in the snapshot index.
type indexEntry struct {
	Type      string      `json:"type"`
	ID        string      `json:"id"`
	Label     string      `json:"label,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	Files     []fileEntry `json:"files,omitempty"`
}

// Manager creates, restores, and retires snapshots.
type Manager struct {
	mu        sync.Mutex
	dir       string // e.g. .selfpatch/snapshots
	indexPath string
	log       *logging.Logger
}

// NewManager creates a snapshot manager rooted at dir.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Manager{
		dir:       dir,
		indexPath: filepath.Join(dir, "index.jsonl"),
		log:       logging.Get(logging.CategorySnapshot),
	}, nil
}

// Create captures the current state of the given paths (missing files are
// recorded as absent) and returns the snapshot id.
func (m *Manager) Create(label string, paths []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()[:8]
	snapDir := filepath.Join(m.dir, id)
	if err := os.MkdirAll(snapDir, 0755); err != nil {
		return "", fmt.Errorf("create snapshot %s: %w", id, err)
	}

	entry := indexEntry{
		Type:      entrySnapshot,
		ID:        id,
		Label:     label,
		CreatedAt: time.Now(),
	}

	for i, path := range paths {
		fe := fileEntry{Path: path}
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				os.RemoveAll(snapDir)
				return "", fmt.Errorf("snapshot %s: %w", path, err)
			}
			// Absent file: rollback will remove whatever gets created.
		} else {
			info, err := os.Stat(path)
			if err != nil {
				os.RemoveAll(snapDir)
				return "", fmt.Errorf("snapshot %s: %w", path, err)
			}
			fe.Existed = true
			fe.Mode = uint32(info.Mode().Perm())
			fe.Stored = fmt.Sprintf("%04d.dat", i)
			if err := os.WriteFile(filepath.Join(snapDir, fe.Stored), data, 0644); err != nil {
				os.RemoveAll(snapDir)
				return "", fmt.Errorf("store %s: %w", path, err)
			}
		}
		entry.Files = append(entry.Files, fe)
	}

	if err := m.appendEntry(entry); err != nil {
		os.RemoveAll(snapDir)
		return "", err
	}

	m.log.Info("created snapshot %s (%q, %d files)", id, label, len(entry.Files))
	return id, nil
}

// RollbackTo restores every file in the snapshot to its captured state.
// Files that did not exist at snapshot time are removed. The operation is
// idempotent: rolling back twice leaves the same state.
func (m *Manager) RollbackTo(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.find(id)
	if err != nil {
		return err
	}

	var errs []string
	for _, fe := range entry.Files {
		if !fe.Existed {
			if err := os.Remove(fe.Path); err != nil && !os.IsNotExist(err) {
				errs = append(errs, fmt.Sprintf("%s: %v", fe.Path, err))
			}
			continue
		}

		data, err := os.ReadFile(filepath.Join(m.dir, id, fe.Stored))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: read stored content: %v", fe.Path, err))
			continue
		}
		if err := os.MkdirAll(filepath.Dir(fe.Path), 0755); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", fe.Path, err))
			continue
		}
		mode := os.FileMode(fe.Mode)
		if mode == 0 {
			mode = 0644
		}
		if err := os.WriteFile(fe.Path, data, mode); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", fe.Path, err))
		}
	}

	if len(errs) > 0 {
		m.log.Error("rollback %s incomplete: %s", id, strings.Join(errs, "; "))
		return fmt.Errorf("rollback %s incomplete: %s", id, strings.Join(errs, "; "))
	}

	m.log.Info("rolled back to snapshot %s (%d files)", id, len(entry.Files))
	return nil
}

// Commit marks a snapshot as no longer needed for rollback. The content
// stays on disk until Prune retires it.
func (m *Manager) Commit(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.find(id); err != nil {
		return err
	}
	if err := m.appendEntry(indexEntry{
		Type:      entryCommitted,
		ID:        id,
		CreatedAt: time.Now(),
	}); err != nil {
		return err
	}
	m.log.Debug("committed snapshot %s", id)
	return nil
}

// Apply writes an improvement's changes to the working tree. It is the
// only place the pipeline mutates project files. Returns how many
// changes were applied before the first failure, if any.
func (m *Manager) Apply(imp *generation.Improvement) (int, error) {
	applied := 0
	for _, ch := range imp.Changes {
		switch ch.Kind {
		case generation.KindCreate, generation.KindModify:
			if err := os.MkdirAll(filepath.Dir(ch.Path), 0755); err != nil {
				return applied, fmt.Errorf("apply %s: %w", ch.Path, err)
			}
			if err := os.WriteFile(ch.Path, []byte(ch.NewContent), 0644); err != nil {
				return applied, fmt.Errorf("apply %s: %w", ch.Path, err)
			}
		case generation.KindDelete:
			if err := os.Remove(ch.Path); err != nil && !os.IsNotExist(err) {
				return applied, fmt.Errorf("delete %s: %w", ch.Path, err)
			}
		default:
			return applied, fmt.Errorf("apply %s: unknown kind %q", ch.Path, ch.Kind)
		}
		applied++
	}
	m.log.Info("applied %d changes for %q", applied, imp.Title)
	return applied, nil
}

// TouchedPaths returns the set of working-tree paths an improvement will
// touch, in change order.
func TouchedPaths(imp *generation.Improvement) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, ch := range imp.Changes {
		if !seen[ch.Path] {
			seen[ch.Path] = true
			paths = append(paths, ch.Path)
		}
	}
	return paths
}

// Prune removes stored content for committed snapshots beyond the keep
// newest. The index keeps its full record; only content dirs go.
func (m *Manager) Prune(keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshots, committed, err := m.replay()
	if err != nil {
		return err
	}

	var retired []indexEntry
	for _, e := range snapshots {
		if committed[e.ID] {
			retired = append(retired, e)
		}
	}
	sort.Slice(retired, func(i, j int) bool {
		return retired[i].CreatedAt.After(retired[j].CreatedAt)
	})

	if keep < 0 {
		keep = 0
	}
	for i := keep; i < len(retired); i++ {
		snapDir := filepath.Join(m.dir, retired[i].ID)
		if err := os.RemoveAll(snapDir); err != nil {
			m.log.Error("prune %s: %v", retired[i].ID, err)
			continue
		}
		m.log.Debug("pruned snapshot %s", retired[i].ID)
	}
	return nil
}

// List returns all snapshot entries, oldest first, with committed status.
func (m *Manager) List() ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshots, committed, err := m.replay()
	if err != nil {
		return nil, err
	}

	infos := make([]Info, 0, len(snapshots))
	for _, e := range snapshots {
		infos = append(infos, Info{
			ID:        e.ID,
			Label:     e.Label,
			CreatedAt: e.CreatedAt,
			Files:     len(e.Files),
			Committed: committed[e.ID],
		})
	}
	return infos, nil
}

// Info summarizes one snapshot for status displays.
type Info struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
	Files     int       `json:"files"`
	Committed bool      `json:"committed"`
}

// appendEntry appends one JSONL line to the index. Caller holds mu.
func (m *Manager) appendEntry(entry indexEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal index entry: %w", err)
	}

	f, err := os.OpenFile(m.indexPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open snapshot index: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append snapshot index: %w", err)
	}
	return nil
}

// replay reads the index, returning snapshot entries in file order and
// the committed set. Caller holds mu.
func (m *Manager) replay() ([]indexEntry, map[string]bool, error) {
	f, err := os.Open(m.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, map[string]bool{}, nil
		}
		return nil, nil, fmt.Errorf("open snapshot index: %w", err)
	}
	defer f.Close()

	var snapshots []indexEntry
	committed := make(map[string]bool)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e indexEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// A torn final line (crash mid-append) is ignored.
			m.log.Debug("skipping malformed index line: %v", err)
			continue
		}
		switch e.Type {
		case entrySnapshot:
			snapshots = append(snapshots, e)
		case entryCommitted:
			committed[e.ID] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read snapshot index: %w", err)
	}
	return snapshots, committed, nil
}

// find returns the snapshot entry for id. Caller holds mu.
func (m *Manager) find(id string) (*indexEntry, error) {
	snapshots, _, err := m.replay()
	if err != nil {
		return nil, err
	}
	for i := range snapshots {
		if snapshots[i].ID == id {
			return &snapshots[i], nil
		}
	}
	return nil, fmt.Errorf("snapshot %s not found", id)
}
