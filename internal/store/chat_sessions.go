package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/clackbot/clackbot/internal/domain"
	"github.com/clackbot/clackbot/internal/shared"
)

// UpsertChatSession creates or replaces the session of a thread in one statement.
func (s *SQLiteStore) UpsertChatSession(ctx context.Context, session *domain.ChatSession) error {
	query := `
		INSERT INTO chat_sessions (thread_id, session_id, resume_token, message_count, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			session_id = excluded.session_id,
			resume_token = excluded.resume_token,
			message_count = excluded.message_count,
			created_at = excluded.created_at,
			last_active_at = excluded.last_active_at`

	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "upsert chat session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ThreadID, session.SessionID, nullString(session.ResumeToken),
			session.MessageCount, session.CreatedAt.UnixMilli(), session.LastActiveAt.UnixMilli(),
		)
		return err
	})
}

// GetChatSession returns the session of a thread, or nil.
func (s *SQLiteStore) GetChatSession(ctx context.Context, threadID string) (*domain.ChatSession, error) {
	query := `
		SELECT thread_id, session_id, resume_token, message_count, created_at, last_active_at
		FROM chat_sessions WHERE thread_id = ?`

	var session domain.ChatSession
	var resume sql.NullString
	var createdAt, lastActive int64

	err := s.db.QueryRowContext(ctx, query, threadID).Scan(
		&session.ThreadID, &session.SessionID, &resume,
		&session.MessageCount, &createdAt, &lastActive,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat session: %w", err)
	}

	session.ResumeToken = resume.String
	session.CreatedAt = fromMillis(createdAt)
	session.LastActiveAt = fromMillis(lastActive)
	return &session, nil
}

// DeleteChatSession removes the session of a thread.
func (s *SQLiteStore) DeleteChatSession(ctx context.Context, threadID string) error {
	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "delete chat session", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE thread_id = ?`, threadID)
		return err
	})
}

// ListIdleChatThreads returns the threads whose session was last active
// before the cutoff.
func (s *SQLiteStore) ListIdleChatThreads(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id FROM chat_sessions WHERE last_active_at < ? ORDER BY last_active_at`, before.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query idle chat sessions: %w", err)
	}
	defer rows.Close()

	var threads []string
	for rows.Next() {
		var threadID string
		if err := rows.Scan(&threadID); err != nil {
			return nil, fmt.Errorf("scan idle chat session: %w", err)
		}
		threads = append(threads, threadID)
	}
	return threads, rows.Err()
}

// DeleteChatSessionIfIdle removes the session of a thread only if it is still
// idle at the cutoff, and reports whether a row was removed.
func (s *SQLiteStore) DeleteChatSessionIfIdle(ctx context.Context, threadID string, before time.Time) (bool, error) {
	var affected int64
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "delete idle chat session", func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM chat_sessions WHERE thread_id = ? AND last_active_at < ?`, threadID, before.UnixMilli())
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete idle chat session: %w", err)
	}
	return affected > 0, nil
}
