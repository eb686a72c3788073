package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clackbot/clackbot/internal/domain"
	"github.com/clackbot/clackbot/internal/shared"
	"github.com/google/uuid"
)

var (
	// ErrActiveSessionExists is returned when a thread already has an active agent session.
	ErrActiveSessionExists = errors.New("thread already has an active agent session")
	// ErrSessionNotActive is returned when a status change targets a session
	// that is missing or no longer active.
	ErrSessionNotActive = errors.New("agent session is not active")
)

const agentSessionColumns = `id, thread_id, agent_type, status, resume_token, task_description, cwd,
	message_count, tools_used, created_at, last_active_at, completed_at, result_summary`

// CreateAgentSession inserts a new active agent session.
func (s *SQLiteStore) CreateAgentSession(ctx context.Context, params CreateAgentSessionParams) (*domain.AgentSession, error) {
	now := s.now()
	session := &domain.AgentSession{
		ID:              uuid.NewString(),
		ThreadID:        params.ThreadID,
		AgentType:       params.AgentType,
		Status:          domain.AgentSessionActive,
		TaskDescription: params.TaskDescription,
		WorkDir:         params.WorkDir,
		ToolsUsed:       []string{},
		CreatedAt:       now,
		LastActiveAt:    now,
	}

	query := `
		INSERT INTO agent_sessions
			(id, thread_id, agent_type, status, task_description, cwd, message_count, tools_used, created_at, last_active_at)
		VALUES (?, ?, ?, 'active', ?, ?, 0, '[]', ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		session.ID, nullString(session.ThreadID), session.AgentType,
		nullString(session.TaskDescription), nullString(session.WorkDir),
		now.UnixMilli(), now.UnixMilli(),
	); err != nil {
		if shared.IsSQLiteUniqueError(err) {
			return nil, ErrActiveSessionExists
		}
		return nil, fmt.Errorf("insert agent session: %w", err)
	}
	return session, nil
}

// GetAgentSession returns an agent session by ID, or nil.
func (s *SQLiteStore) GetAgentSession(ctx context.Context, id string) (*domain.AgentSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentSessionColumns+` FROM agent_sessions WHERE id = ?`, id)
	session, err := scanAgentSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent session: %w", err)
	}
	return session, nil
}

// GetAgentSessionByThread returns the active agent session of a thread, or nil.
func (s *SQLiteStore) GetAgentSessionByThread(ctx context.Context, threadID string) (*domain.AgentSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentSessionColumns+` FROM agent_sessions
		WHERE thread_id = ? AND status = 'active'
		ORDER BY created_at DESC LIMIT 1`, threadID)
	session, err := scanAgentSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent session: %w", err)
	}
	return session, nil
}

// UpdateAgentSession applies a partial update and bumps last_active_at. A
// status change only applies to an active row; otherwise ErrSessionNotActive
// is returned and nothing is written.
func (s *SQLiteStore) UpdateAgentSession(ctx context.Context, id string, update domain.AgentSessionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.ResumeToken != nil {
		sets = append(sets, "resume_token = ?")
		args = append(args, nullString(*update.ResumeToken))
	}
	if update.MessageCount != nil {
		sets = append(sets, "message_count = ?")
		args = append(args, *update.MessageCount)
	}
	if update.ToolsUsed != nil {
		tools, err := encodeTools(domain.DedupeTools(update.ToolsUsed))
		if err != nil {
			return err
		}
		sets = append(sets, "tools_used = ?")
		args = append(args, tools)
	}
	if update.ResultSummary != nil {
		sets = append(sets, "result_summary = ?")
		args = append(args, *update.ResultSummary)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UnixMilli())
	}
	sets = append(sets, "last_active_at = ?")
	args = append(args, s.now().UnixMilli(), id)

	query := `UPDATE agent_sessions SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	if update.Status != nil {
		query += ` AND status = 'active'`
	}

	var affected int64
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "update agent session", func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update agent session: %w", err)
	}
	if update.Status != nil && affected == 0 {
		return ErrSessionNotActive
	}
	return nil
}

// ListAgentSessions pages agent sessions, most recently active first.
func (s *SQLiteStore) ListAgentSessions(ctx context.Context, status domain.AgentSessionStatus, p domain.Pagination) (domain.Page[domain.AgentSession], error) {
	p = p.Normalize(50)
	page := domain.Page[domain.AgentSession]{Items: []domain.AgentSession{}}

	where := ""
	var args []any
	if status != "" {
		where = "WHERE status = ?"
		args = append(args, string(status))
	}

	total, err := count(ctx, s.db, `SELECT COUNT(*) FROM agent_sessions `+where, args...)
	if err != nil {
		return page, fmt.Errorf("count agent sessions: %w", err)
	}
	page.Total = total

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentSessionColumns+` FROM agent_sessions `+where+`
		ORDER BY last_active_at DESC, created_at DESC LIMIT ? OFFSET ?`,
		append(args, p.Limit, p.Offset)...)
	if err != nil {
		return page, fmt.Errorf("query agent sessions: %w", err)
	}
	defer closeRows(rows, "agent_sessions")

	for rows.Next() {
		session, err := scanAgentSession(rows)
		if err != nil {
			return page, fmt.Errorf("scan agent session row: %w", err)
		}
		page.Items = append(page.Items, *session)
	}
	if err := rows.Err(); err != nil {
		return page, fmt.Errorf("iterate agent sessions: %w", err)
	}
	return page, nil
}

// ListIdleAgentSessions returns active sessions last active before the cutoff.
func (s *SQLiteStore) ListIdleAgentSessions(ctx context.Context, before time.Time) ([]domain.AgentSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentSessionColumns+` FROM agent_sessions
		WHERE status = 'active' AND last_active_at < ? ORDER BY last_active_at ASC`,
		before.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query idle agent sessions: %w", err)
	}
	defer closeRows(rows, "idle_agent_sessions")

	var sessions []domain.AgentSession
	for rows.Next() {
		session, err := scanAgentSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idle agent session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle agent sessions: %w", err)
	}
	return sessions, nil
}

func scanAgentSession(row rowScanner) (*domain.AgentSession, error) {
	var session domain.AgentSession
	var threadID, resume, task, cwd, tools, summary sql.NullString
	var status string
	var createdAt, lastActive int64
	var completedAt sql.NullInt64

	if err := row.Scan(
		&session.ID, &threadID, &session.AgentType, &status, &resume, &task, &cwd,
		&session.MessageCount, &tools, &createdAt, &lastActive, &completedAt, &summary,
	); err != nil {
		return nil, err
	}

	session.ThreadID = threadID.String
	session.Status = domain.AgentSessionStatus(status)
	session.ResumeToken = resume.String
	session.TaskDescription = task.String
	session.WorkDir = cwd.String
	session.ToolsUsed = decodeTools(tools)
	session.CreatedAt = fromMillis(createdAt)
	session.LastActiveAt = fromMillis(lastActive)
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		session.CompletedAt = &t
	}
	session.ResultSummary = summary.String
	return &session, nil
}
