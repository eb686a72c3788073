// Package domain contains core domain types for clackbot.
package domain

import (
	"time"
)

// ConversationTurn is one request/response pair. Immutable once written.
type ConversationTurn struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channel_id"`
	ThreadID   string    `json:"thread_id"`
	UserID     string    `json:"user_id"`
	InputText  string    `json:"input_text"`
	OutputText *string   `json:"output_text"`
	ToolsUsed  []string  `json:"tools_used"`
	CreatedAt  time.Time `json:"created_at"`
}

// ThreadSummary groups the turns of one thread.
type ThreadSummary struct {
	ThreadID     string    `json:"thread_id"`
	ChannelID    string    `json:"channel_id"`
	UserID       string    `json:"user_id"`
	FirstMessage string    `json:"first_message"`
	MessageCount int       `json:"message_count"`
	FirstAt      time.Time `json:"first_at"`
	LastAt       time.Time `json:"last_at"`
}

// Page is one page of a listing plus the total number of matching rows.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// Pagination selects a window of a listing.
type Pagination struct {
	Limit  int
	Offset int
}

// Normalize clamps p to sane bounds, using def when no limit was given.
func (p Pagination) Normalize(def int) Pagination {
	if p.Limit <= 0 {
		p.Limit = def
	}
	if p.Limit > 500 {
		p.Limit = 500
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
