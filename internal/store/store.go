// Package store handles all durable persistence: saved scans, scan
// schedules, and the credit ledger.
package store

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jcleary/sigscan/internal/types"
)

// Store handles all database operations
type Store struct {
	db *sql.DB
}

// New creates a new Store with SQLite backend
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so the local analysis cache can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate creates the database schema
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scans (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		accounts_json TEXT NOT NULL,
		signals_json TEXT NOT NULL,
		total_posts INTEGER NOT NULL,
		credits_used INTEGER NOT NULL,
		scheduled BOOLEAN NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		time_of_day TEXT NOT NULL,
		timezone TEXT NOT NULL,
		days_json TEXT,
		accounts_json TEXT NOT NULL,
		range_days INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'none',
		last_run_at DATETIME,
		last_message TEXT
	);

	CREATE TABLE IF NOT EXISTS ledger (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		idempotency_key TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		description TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scans_user_created ON scans(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_user ON ledger_entries(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// ScanRecord is one saved scan.
type ScanRecord struct {
	ID          string
	UserID      string
	Accounts    []string
	Signals     []types.Signal
	TotalPosts  int
	CreditsUsed int
	Scheduled   bool
	CreatedAt   time.Time
}

// SaveScan persists a completed scan and returns its id. Saving must succeed
// before any credit deduction is attempted; a billing failure never loses
// computed results.
func (s *Store) SaveScan(rec ScanRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	accountsJSON, _ := json.Marshal(rec.Accounts)
	signalsJSON, err := json.Marshal(rec.Signals)
	if err != nil {
		return "", err
	}

	_, err = s.db.Exec(`
		INSERT INTO scans (id, user_id, accounts_json, signals_json, total_posts, credits_used, scheduled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, string(accountsJSON), string(signalsJSON),
		rec.TotalPosts, rec.CreditsUsed, rec.Scheduled, rec.CreatedAt)
	if err != nil {
		return "", err
	}

	return rec.ID, nil
}

// CountScansSince returns how many scans the user ran at or after since.
// Backs the free-tier daily quota check.
func (s *Store) CountScansSince(userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM scans WHERE user_id = ? AND created_at >= ?
	`, userID, since).Scan(&n)
	return n, err
}
