package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Ensure SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)

// NewSQLite opens (creating if needed) the database at dbPath and applies the schema.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		input_text TEXT NOT NULL,
		output_text TEXT,
		tools_used TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_channel ON conversations(channel_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_thread ON conversations(thread_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		thread_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		resume_token TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_last_active ON chat_sessions(last_active_at);

	CREATE TABLE IF NOT EXISTS agent_sessions (
		id TEXT PRIMARY KEY,
		thread_id TEXT,
		agent_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		resume_token TEXT,
		task_description TEXT,
		cwd TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		tools_used TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL,
		completed_at INTEGER,
		result_summary TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_agent_sessions_status ON agent_sessions(status, last_active_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_sessions_active_thread
		ON agent_sessions(thread_id) WHERE status = 'active' AND thread_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS agent_activities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		tool_name TEXT,
		detail TEXT,
		channel_id TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_activities_session ON agent_activities(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_agent_activities_created ON agent_activities(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}

func count(ctx context.Context, db *sql.DB, query string, args ...any) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func encodeTools(tools []string) (string, error) {
	if tools == nil {
		tools = []string{}
	}
	b, err := json.Marshal(tools)
	if err != nil {
		return "", fmt.Errorf("encode tools: %w", err)
	}
	return string(b), nil
}

func decodeTools(raw sql.NullString) []string {
	tools := []string{}
	if !raw.Valid || raw.String == "" {
		return tools
	}
	if err := json.Unmarshal([]byte(raw.String), &tools); err != nil {
		slog.Warn("invalid tools_used column", "error", err)
		return []string{}
	}
	return tools
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
