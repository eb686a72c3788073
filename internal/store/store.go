// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/clackbot/clackbot/internal/domain"
)

// CreateAgentSessionParams describes a new delegated unit of work.
type CreateAgentSessionParams struct {
	AgentType       string
	ThreadID        string
	TaskDescription string
	WorkDir         string
}

// LogActivityParams describes one observable agent action.
type LogActivityParams struct {
	SessionID    string
	AgentType    string
	ActivityType domain.ActivityType
	ToolName     string
	Detail       json.RawMessage
	ChannelID    string
}

// Repository defines the interface for persisting conversations, chat sessions
// and agent sessions.
type Repository interface {
	// SaveConversationTurn appends a turn and returns its generated ID.
	SaveConversationTurn(ctx context.Context, turn *domain.ConversationTurn) (string, error)

	// GetConversationTurn returns a single turn, or nil if it does not exist.
	GetConversationTurn(ctx context.Context, id string) (*domain.ConversationTurn, error)

	// ListConversationTurns returns every turn of a thread, oldest first.
	ListConversationTurns(ctx context.Context, threadID string) ([]domain.ConversationTurn, error)

	// ListConversationThreads groups turns by thread, most recently active first.
	// A non-empty search restricts the result to threads with a matching turn.
	ListConversationThreads(ctx context.Context, p domain.Pagination, search string) (domain.Page[domain.ThreadSummary], error)

	// UpsertChatSession creates or replaces the session of a thread.
	UpsertChatSession(ctx context.Context, session *domain.ChatSession) error

	// GetChatSession returns the session of a thread, or nil.
	GetChatSession(ctx context.Context, threadID string) (*domain.ChatSession, error)

	// DeleteChatSession removes the session of a thread. Missing rows are not an error.
	DeleteChatSession(ctx context.Context, threadID string) error

	// ListIdleChatThreads returns the threads whose session was last active
	// before the cutoff.
	ListIdleChatThreads(ctx context.Context, before time.Time) ([]string, error)

	// DeleteChatSessionIfIdle removes a thread's session if it is still idle
	// at the cutoff.
	DeleteChatSessionIfIdle(ctx context.Context, threadID string, before time.Time) (bool, error)

	// CreateAgentSession inserts a new active agent session.
	CreateAgentSession(ctx context.Context, params CreateAgentSessionParams) (*domain.AgentSession, error)

	// GetAgentSession returns an agent session by ID, or nil.
	GetAgentSession(ctx context.Context, id string) (*domain.AgentSession, error)

	// GetAgentSessionByThread returns the active agent session of a thread, or nil.
	GetAgentSessionByThread(ctx context.Context, threadID string) (*domain.AgentSession, error)

	// UpdateAgentSession applies a partial update and bumps last_active_at.
	// A status change only applies while the row is active.
	UpdateAgentSession(ctx context.Context, id string, update domain.AgentSessionUpdate) error

	// ListAgentSessions pages agent sessions, most recently active first.
	// An empty status lists every session.
	ListAgentSessions(ctx context.Context, status domain.AgentSessionStatus, p domain.Pagination) (domain.Page[domain.AgentSession], error)

	// ListIdleAgentSessions returns active sessions last active before the cutoff.
	ListIdleAgentSessions(ctx context.Context, before time.Time) ([]domain.AgentSession, error)

	// LogAgentActivity appends an activity entry.
	LogAgentActivity(ctx context.Context, params LogActivityParams) (*domain.AgentActivity, error)

	// ListActivitiesForSession returns a session's activities, oldest first.
	ListActivitiesForSession(ctx context.Context, sessionID string) ([]domain.AgentActivity, error)

	// ListRecentActivities pages activities across all sessions, newest first.
	ListRecentActivities(ctx context.Context, p domain.Pagination) (domain.Page[domain.AgentActivity], error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
