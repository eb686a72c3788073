package domain

import (
	"slices"
	"time"
)

// AgentSessionStatus is the lifecycle state of a delegated unit of work.
type AgentSessionStatus string

const (
	AgentSessionActive    AgentSessionStatus = "active"
	AgentSessionCompleted AgentSessionStatus = "completed"
	AgentSessionFailed    AgentSessionStatus = "failed"
	AgentSessionExpired   AgentSessionStatus = "expired"
)

// AgentTypeBrain is the agent type used by the primary agent.
const AgentTypeBrain = "brain"

// Valid reports whether s is a known status.
func (s AgentSessionStatus) Valid() bool {
	switch s {
	case AgentSessionActive, AgentSessionCompleted, AgentSessionFailed, AgentSessionExpired:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s AgentSessionStatus) Terminal() bool {
	return s == AgentSessionCompleted || s == AgentSessionFailed || s == AgentSessionExpired
}

// CanTransition reports whether from -> to is a legal status change.
// Only active sessions move, and only to a terminal status.
func CanTransition(from, to AgentSessionStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	return from == AgentSessionActive && to.Terminal()
}

// AgentSession is a named, possibly long-lived delegated unit of work.
type AgentSession struct {
	ID              string             `json:"id"`
	ThreadID        string             `json:"thread_id,omitempty"`
	AgentType       string             `json:"agent_type"`
	Status          AgentSessionStatus `json:"status"`
	ResumeToken     string             `json:"resume_token,omitempty"`
	TaskDescription string             `json:"task_description,omitempty"`
	WorkDir         string             `json:"cwd,omitempty"`
	MessageCount    int                `json:"message_count"`
	ToolsUsed       []string           `json:"tools_used"`
	CreatedAt       time.Time          `json:"created_at"`
	LastActiveAt    time.Time          `json:"last_active_at"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	ResultSummary   string             `json:"result_summary,omitempty"`
}

// IsDelegated reports whether the session belongs to a sub-agent rather than the brain.
func (s *AgentSession) IsDelegated() bool {
	return s.AgentType != AgentTypeBrain
}

// AgentSessionUpdate is a partial update. Nil fields are left unchanged.
type AgentSessionUpdate struct {
	Status        *AgentSessionStatus
	ResumeToken   *string
	MessageCount  *int
	ToolsUsed     []string
	ResultSummary *string
	CompletedAt   *time.Time
}

// DedupeTools returns tools with duplicates removed, keeping first occurrence order.
func DedupeTools(tools []string) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}
