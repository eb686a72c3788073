package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/clackbot/clackbot/internal/domain"
)

const activityColumns = `id, session_id, agent_type, activity_type, tool_name, detail, channel_id, created_at`

// LogAgentActivity appends an activity entry.
func (s *SQLiteStore) LogAgentActivity(ctx context.Context, params LogActivityParams) (*domain.AgentActivity, error) {
	if !params.ActivityType.Valid() {
		return nil, fmt.Errorf("log activity: unknown activity type %q", params.ActivityType)
	}

	if len(params.Detail) > 0 && !json.Valid(params.Detail) {
		return nil, fmt.Errorf("log activity: detail is not valid JSON")
	}

	now := s.now()
	var detail any
	if len(params.Detail) > 0 {
		detail = string(params.Detail)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_activities (session_id, agent_type, activity_type, tool_name, detail, channel_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		params.SessionID, params.AgentType, string(params.ActivityType),
		nullString(params.ToolName), detail, nullString(params.ChannelID), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert activity: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("activity id: %w", err)
	}

	return &domain.AgentActivity{
		ID:           id,
		SessionID:    params.SessionID,
		AgentType:    params.AgentType,
		ActivityType: params.ActivityType,
		ToolName:     params.ToolName,
		Detail:       params.Detail,
		ChannelID:    params.ChannelID,
		CreatedAt:    fromMillis(now.UnixMilli()),
	}, nil
}

// ListActivitiesForSession returns a session's activities, oldest first.
func (s *SQLiteStore) ListActivitiesForSession(ctx context.Context, sessionID string) ([]domain.AgentActivity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+activityColumns+` FROM agent_activities WHERE session_id = ? ORDER BY created_at ASC, id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session activities: %w", err)
	}
	defer closeRows(rows, "session_activities")
	return scanActivities(rows)
}

// ListRecentActivities pages activities across all sessions, newest first.
func (s *SQLiteStore) ListRecentActivities(ctx context.Context, p domain.Pagination) (domain.Page[domain.AgentActivity], error) {
	p = p.Normalize(50)
	page := domain.Page[domain.AgentActivity]{Items: []domain.AgentActivity{}}

	total, err := count(ctx, s.db, `SELECT COUNT(*) FROM agent_activities`)
	if err != nil {
		return page, fmt.Errorf("count activities: %w", err)
	}
	page.Total = total

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+activityColumns+` FROM agent_activities ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		p.Limit, p.Offset)
	if err != nil {
		return page, fmt.Errorf("query recent activities: %w", err)
	}
	defer closeRows(rows, "recent_activities")

	items, err := scanActivities(rows)
	if err != nil {
		return page, err
	}
	page.Items = items
	return page, nil
}

func scanActivities(rows *sql.Rows) ([]domain.AgentActivity, error) {
	activities := []domain.AgentActivity{}
	for rows.Next() {
		var a domain.AgentActivity
		var activityType string
		var toolName, detail, channelID sql.NullString
		var createdAt int64

		if err := rows.Scan(&a.ID, &a.SessionID, &a.AgentType, &activityType,
			&toolName, &detail, &channelID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		a.ActivityType = domain.ActivityType(activityType)
		a.ToolName = toolName.String
		if detail.Valid && detail.String != "" {
			a.Detail = []byte(detail.String)
		}
		a.ChannelID = channelID.String
		a.CreatedAt = fromMillis(createdAt)
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return activities, nil
}
