// Package store provides the SQLite-backed document store for
// conversations, chat session records, agent definitions, and the beta
// whitelist. The conversation append path is best effort: callers treat
// failures as log-only and never surface them to a user exchange.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ConversationEntry is one persisted message of a session transcript.
type ConversationEntry struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Role      string `json:"role"` // "user" or "assistant"
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"` // RFC 3339
}

// SessionRecord is the persisted view of a chat session: who owns it,
// which context label it was created with, and when it was last active.
type SessionRecord struct {
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	Context      string `json:"context"`
	CreatedAt    string `json:"createdAt"`
	LastActivity string `json:"lastActivityAt"`
}

// Store provides persistent state backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens the SQLite database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for the write-heavy conversation append path.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
		migrateV3,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the conversation and session tables.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);

		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT 'workspace',
			created_at TEXT NOT NULL,
			last_activity_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	`)
	return err
}

// migrateV2 creates the agents table.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			tags TEXT NOT NULL DEFAULT '[]',
			color TEXT NOT NULL DEFAULT '#3B82F6',
			icon TEXT NOT NULL DEFAULT '',
			total_runs INTEGER NOT NULL DEFAULT 0,
			successful_runs INTEGER NOT NULL DEFAULT 0,
			last_run_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agents_user ON agents(user_id);
	`)
	return err
}

// migrateV3 creates the whitelist and beta application tables.
func migrateV3(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS whitelist (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			notes TEXT NOT NULL DEFAULT '',
			added_by TEXT NOT NULL DEFAULT '',
			added_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_whitelist_email ON whitelist(email);

		CREATE TABLE IF NOT EXISTS beta_applications (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			name TEXT NOT NULL,
			company TEXT NOT NULL DEFAULT '',
			use_case TEXT NOT NULL,
			experience TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			applied_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_beta_applications_email ON beta_applications(email);
	`)
	return err
}

// AppendConversation inserts one transcript row and refreshes the
// session's last-activity timestamp.
func (s *Store) AppendConversation(userID, sessionID, role, content string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	when := ts.UTC().Format(time.RFC3339)
	if _, err := s.db.Exec(
		"INSERT INTO conversations (id, user_id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		newID(), userID, sessionID, role, content, when,
	); err != nil {
		return fmt.Errorf("append conversation: %w", err)
	}

	if _, err := s.db.Exec(
		"UPDATE sessions SET last_activity_at = ? WHERE session_id = ?",
		when, sessionID,
	); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// ListConversation returns a session's transcript oldest first.
func (s *Store) ListConversation(sessionID string) ([]ConversationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, user_id, session_id, role, content, created_at FROM conversations WHERE session_id = ? ORDER BY created_at ASC, rowid ASC",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversation: %w", err)
	}
	defer rows.Close()

	var entries []ConversationEntry
	for rows.Next() {
		var e ConversationEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.SessionID, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpsertSession records a session and its context label. The context is
// only written on first insert; later calls refresh activity only.
func (s *Store) UpsertSession(sessionID, userID, contextLabel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if contextLabel == "" {
		contextLabel = "workspace"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, user_id, context, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET last_activity_at = excluded.last_activity_at`,
		sessionID, userID, contextLabel, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSessionContext returns the context label a session was created
// with. Unknown sessions get the default workspace context.
func (s *Store) GetSessionContext(sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var context string
	err := s.db.QueryRow("SELECT context FROM sessions WHERE session_id = ?", sessionID).Scan(&context)
	if err == sql.ErrNoRows {
		return "workspace", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session context: %w", err)
	}
	return context, nil
}

// GetSession returns a session record, or nil when absent.
func (s *Store) GetSession(sessionID string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r SessionRecord
	err := s.db.QueryRow(
		"SELECT session_id, user_id, context, created_at, last_activity_at FROM sessions WHERE session_id = ?",
		sessionID,
	).Scan(&r.SessionID, &r.UserID, &r.Context, &r.CreatedAt, &r.LastActivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &r, nil
}
