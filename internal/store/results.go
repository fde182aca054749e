// Package store persists improvement results in SQLite. The results
// table is an append-only audit log: rows are inserted, never updated
// or deleted, so the record of what the pipeline did survives restarts
// and rollbacks.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"selfpatch/internal/logging"
)

// ResultRecord is one persisted improvement outcome.
type ResultRecord struct {
	ID             int64     `json:"id"`
	OpportunityID  string    `json:"opportunity_id"`
	Success        bool      `json:"success"`
	Stage          string    `json:"stage"`
	Message        string    `json:"message"`
	ChangesApplied int       `json:"changes_applied"`
	CommitHash     string    `json:"commit_hash,omitempty"`
	Pushed         bool      `json:"pushed"`
	PublishError   string    `json:"publish_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ResultStore is the SQLite-backed result log.
type ResultStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	log    *logging.Logger
}

// NewResultStore initializes the SQLite database at the given path.
func NewResultStore(path string) (*ResultStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &ResultStore{
		db:     db,
		dbPath: path,
		log:    logging.Get(logging.CategoryStore),
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the required tables.
func (s *ResultStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS improvement_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		opportunity_id TEXT NOT NULL,
		success INTEGER NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		changes_applied INTEGER NOT NULL DEFAULT 0,
		commit_hash TEXT NOT NULL DEFAULT '',
		pushed INTEGER NOT NULL DEFAULT 0,
		publish_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_results_opportunity ON improvement_results(opportunity_id);
	CREATE INDEX IF NOT EXISTS idx_results_created ON improvement_results(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create results table: %w", err)
	}
	return nil
}

// Append inserts one result row.
func (s *ResultStore) Append(rec ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO improvement_results
			(opportunity_id, success, stage, message, changes_applied, commit_hash, pushed, publish_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.OpportunityID, boolToInt(rec.Success), rec.Stage, rec.Message,
		rec.ChangesApplied, rec.CommitHash, boolToInt(rec.Pushed), rec.PublishError,
		createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append result: %w", err)
	}

	s.log.Debug("recorded result for %s (success=%v)", rec.OpportunityID, rec.Success)
	return nil
}

// Recent returns the latest n results, newest first.
func (s *ResultStore) Recent(n int) ([]ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		n = 20
	}

	rows, err := s.db.Query(`
		SELECT id, opportunity_id, success, stage, message, changes_applied, commit_hash, pushed, publish_error, created_at
		FROM improvement_results
		ORDER BY id DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	return scanResults(rows)
}

// LastAttempt returns the timestamp of the most recent result, if any.
// The scheduler uses this so the cooldown survives restarts.
func (s *ResultStore) LastAttempt() (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRow(`
		SELECT created_at FROM improvement_results ORDER BY id DESC LIMIT 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last attempt: %w", err)
	}

	t, err := parseSQLiteTime(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// FailedRecently reports whether the opportunity failed within the
// lookback window. Used to avoid hammering an unfixable opportunity.
func (s *ResultStore) FailedRecently(opportunityID string, within time.Duration) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-within).UTC().Format(time.RFC3339)

	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM improvement_results
		WHERE opportunity_id = ? AND success = 0 AND created_at > ?`,
		opportunityID, cutoff).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query failures: %w", err)
	}
	return count > 0, nil
}

// Count returns the total number of recorded results.
func (s *ResultStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM improvement_results`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count results: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *ResultStore) Close() error {
	return s.db.Close()
}

func scanResults(rows *sql.Rows) ([]ResultRecord, error) {
	var out []ResultRecord
	for rows.Next() {
		var rec ResultRecord
		var success, pushed int
		var raw string
		if err := rows.Scan(&rec.ID, &rec.OpportunityID, &success, &rec.Stage, &rec.Message,
			&rec.ChangesApplied, &rec.CommitHash, &pushed, &rec.PublishError, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		rec.Success = success != 0
		rec.Pushed = pushed != 0
		if t, err := parseSQLiteTime(raw); err == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// parseSQLiteTime handles both RFC3339 (our inserts) and the SQLite
// CURRENT_TIMESTAMP format.
func parseSQLiteTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02 15:04:05", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
	}
	return t.UTC(), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
