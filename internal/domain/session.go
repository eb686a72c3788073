package domain

import (
	"time"
)

// ChatSession holds per-thread turn-taking state.
type ChatSession struct {
	ThreadID     string    `json:"thread_id"`
	SessionID    string    `json:"session_id"`
	ResumeToken  string    `json:"resume_token,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// SessionPolicy controls when a chat session is discarded and recreated.
type SessionPolicy struct {
	MaxMessages    int
	TimeoutMinutes int
}

// Timeout returns the idle period after which a session resets.
func (p SessionPolicy) Timeout() time.Duration {
	return time.Duration(p.TimeoutMinutes) * time.Minute
}

// NeedsReset reports whether the session must be recreated at now.
func (s *ChatSession) NeedsReset(policy SessionPolicy, now time.Time) bool {
	if s.MessageCount >= policy.MaxMessages {
		return true
	}
	return now.Sub(s.LastActiveAt) > policy.Timeout()
}

// Touch bumps the last-active timestamp.
func (s *ChatSession) Touch(now time.Time) {
	s.LastActiveAt = now
}
