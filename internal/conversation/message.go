// Package conversation handles one inbound chat message end to end: session
// bookkeeping, routing to an agent, progress display and the final reply.
package conversation

import (
	"fmt"

	"github.com/clackbot/clackbot/internal/agent"
)

// Mode decides session bookkeeping and where replies are placed.
type Mode string

const (
	// ModeChannel is a one-shot reply in the channel. No session is kept.
	ModeChannel Mode = "channel"
	// ModeThread is a threaded conversation with a chat session.
	ModeThread Mode = "thread"
	// ModeDM is a direct-message conversation with a chat session.
	ModeDM Mode = "dm"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeChannel, ModeThread, ModeDM:
		return true
	}
	return false
}

// OneShot reports whether m skips session bookkeeping.
func (m Mode) OneShot() bool {
	return m == ModeChannel
}

// Message is one inbound message event.
type Message struct {
	InputText   string
	UserID      string
	ChannelID   string
	ThreadID    string
	Mode        Mode
	History     []agent.HistoryMessage
	IsOwner     bool
	Attachments []agent.Attachment
}

// Validate checks the fields every mode needs.
func (m Message) Validate() error {
	if !m.Mode.Valid() {
		return fmt.Errorf("unknown conversation mode %q", m.Mode)
	}
	if m.ChannelID == "" {
		return fmt.Errorf("channel id is required")
	}
	if m.ThreadID == "" {
		return fmt.Errorf("thread id is required")
	}
	return nil
}
