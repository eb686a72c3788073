package domain

import (
	"encoding/json"
	"time"
)

// ActivityType is the closed set of observable agent actions.
type ActivityType string

const (
	ActivityToolUse      ActivityType = "tool_use"
	ActivitySkillInvoke  ActivityType = "skill_invoke"
	ActivityAgentSpawn   ActivityType = "agent_spawn"
	ActivityMemoryUpdate ActivityType = "memory_update"
)

// Valid reports whether t is one of the known activity types.
func (t ActivityType) Valid() bool {
	switch t {
	case ActivityToolUse, ActivitySkillInvoke, ActivityAgentSpawn, ActivityMemoryUpdate:
		return true
	}
	return false
}

// AgentActivity is an immutable log entry attached to an AgentSession.
type AgentActivity struct {
	ID           int64           `json:"id"`
	SessionID    string          `json:"session_id"`
	AgentType    string          `json:"agent_type"`
	ActivityType ActivityType    `json:"activity_type"`
	ToolName     string          `json:"tool_name,omitempty"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	ChannelID    string          `json:"channel_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
