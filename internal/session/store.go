// Package session provides multi-user session bookkeeping with SQLite
// persistence. Sessions carry no credentials: the server runs on a secure
// network and a session only records which dataset a user is viewing.
package session

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Session is one user's bookkeeping record.
type Session struct {
	ID           string    `json:"session_id"`
	Username     string    `json:"username"`
	Dataset      string    `json:"dataset,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Manager manages sessions: one active session per username, persisted in
// SQLite so sessions survive a server restart.
type Manager struct {
	db *sql.DB
	mu sync.Mutex
}

// NewManager opens (or creates) the session database at dbPath.
func NewManager(dbPath string) (*Manager, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	m := &Manager{db: db}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	log.Printf("[SessionManager] database ready at %s", dbPath)
	return m, nil
}

// Close closes the database connection.
func (m *Manager) Close() error {
	return m.db.Close()
}

func (m *Manager) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		dataset TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		last_accessed TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_last_accessed ON sessions(last_accessed);
	`
	_, err := m.db.Exec(schema)
	return err
}

// Create returns the user's existing session, touching its access time, or
// creates a new one. A non-empty dataset overrides the stored one.
func (m *Manager) Create(username, dataset string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var s Session
	var created, accessed string
	err := m.db.QueryRow(
		"SELECT session_id, dataset, created_at, last_accessed FROM sessions WHERE username = ?",
		username,
	).Scan(&s.ID, &s.Dataset, &created, &accessed)

	switch err {
	case nil:
		s.Username = username
		s.CreatedAt, _ = time.Parse(time.RFC3339, created)
		if dataset != "" {
			s.Dataset = dataset
		}
		s.LastAccessed = now
		if _, err := m.db.Exec(
			"UPDATE sessions SET dataset = ?, last_accessed = ? WHERE session_id = ?",
			s.Dataset, now.Format(time.RFC3339), s.ID,
		); err != nil {
			return nil, fmt.Errorf("failed to touch session: %w", err)
		}
		log.Printf("[SessionManager] reusing session %s for %s", s.ID, username)
		return &s, nil
	case sql.ErrNoRows:
		s = Session{
			ID:           uuid.NewString(),
			Username:     username,
			Dataset:      dataset,
			CreatedAt:    now,
			LastAccessed: now,
		}
		if _, err := m.db.Exec(
			"INSERT INTO sessions (session_id, username, dataset, created_at, last_accessed) VALUES (?, ?, ?, ?, ?)",
			s.ID, s.Username, s.Dataset, now.Format(time.RFC3339), now.Format(time.RFC3339),
		); err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		log.Printf("[SessionManager] created session %s for %s", s.ID, username)
		return &s, nil
	default:
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
}

// Get returns a session by id, touching its access time. Nil when unknown.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Session
	var created, accessed string
	err := m.db.QueryRow(
		"SELECT session_id, username, dataset, created_at, last_accessed FROM sessions WHERE session_id = ?",
		id,
	).Scan(&s.ID, &s.Username, &s.Dataset, &created, &accessed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339, created)
	s.LastAccessed = time.Now().UTC()
	if _, err := m.db.Exec(
		"UPDATE sessions SET last_accessed = ? WHERE session_id = ?",
		s.LastAccessed.Format(time.RFC3339), id,
	); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	return &s, nil
}

// SetDataset switches a session's active dataset. Returns false when the
// session does not exist.
func (m *Manager) SetDataset(id, dataset string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.Exec(
		"UPDATE sessions SET dataset = ?, last_accessed = ? WHERE session_id = ?",
		dataset, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update session dataset: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns all sessions, most recently accessed first.
func (m *Manager) List() ([]Session, error) {
	rows, err := m.db.Query(
		"SELECT session_id, username, dataset, created_at, last_accessed FROM sessions ORDER BY last_accessed DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var created, accessed string
		if err := rows.Scan(&s.ID, &s.Username, &s.Dataset, &created, &accessed); err != nil {
			return nil, err
		}
		s.CreatedAt, _ = time.Parse(time.RFC3339, created)
		s.LastAccessed, _ = time.Parse(time.RFC3339, accessed)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Cleanup removes sessions idle longer than maxAge and returns how many
// were removed.
func (m *Manager) Cleanup(maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339)
	res, err := m.db.Exec("DELETE FROM sessions WHERE last_accessed < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("[SessionManager] cleaned up %d stale sessions", n)
	}
	return int(n), nil
}
