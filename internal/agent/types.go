// Package agent invokes the external LLM agent and shapes its output.
package agent

import (
	"encoding/json"
)

// FallbackText is returned when the agent produced no text at all.
const FallbackText = "I couldn't generate a response."

// Request is one agent invocation.
type Request struct {
	Prompt       string
	SystemPrompt string
	WorkDir      string
	ResumeToken  string
	Permissions  PermissionPolicy
	MaxTurns     int

	// ThreadID and ChannelID correlate the call with a conversation.
	ThreadID  string
	ChannelID string

	// OnProgress receives one human readable status line per intermediate event.
	OnProgress func(line string)
	// OnToolUse is called for every tool invocation the agent makes.
	OnToolUse func(name string, input json.RawMessage)
}

// Result is the final outcome of an invocation.
type Result struct {
	Text        string   `json:"text"`
	ToolsUsed   []string `json:"tools_used"`
	ResumeToken string   `json:"resume_token,omitempty"`
}

// EventKind categorizes stream events.
type EventKind string

const (
	// EventInit carries the session id and MCP server status.
	EventInit EventKind = "init"
	// EventText is a block of assistant text.
	EventText EventKind = "text"
	// EventToolUse is a tool invocation.
	EventToolUse EventKind = "tool_use"
	// EventResult is the terminal event of a run.
	EventResult EventKind = "result"
)

// Event is one parsed element of the agent's output stream.
type Event struct {
	Kind      EventKind
	SessionID string
	Text      string
	ToolName  string
	ToolInput json.RawMessage
	IsError   bool
	Subtype   string

	// FailedServers lists MCP servers that did not connect (EventInit only).
	FailedServers []MCPServer
}

// MCPServer is the connection state of one MCP server.
type MCPServer struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Attachment is a file the user sent with a message.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimetype"`
	URL      string `json:"url"`
}

// HistoryMessage is one earlier message of a thread.
type HistoryMessage struct {
	User string `json:"user"`
	Text string `json:"text"`
}

// Stats counts invocations made through a Service.
type Stats struct {
	Invocations int64 `json:"invocations"`
	Failures    int64 `json:"failures"`
	Fallbacks   int64 `json:"fallbacks"`
}
