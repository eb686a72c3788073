// Package api provides the HTTP handlers behind the clackbot dashboard.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/clackbot/clackbot/internal/domain"
	"github.com/go-chi/chi/v5"
)

// Sessions is the agent session registry as seen by the dashboard.
type Sessions interface {
	Get(ctx context.Context, id string) (*domain.AgentSession, error)
	Kill(ctx context.Context, id string) (*domain.AgentSession, error)
	ListSessions(ctx context.Context, status domain.AgentSessionStatus, p domain.Pagination) (domain.Page[domain.AgentSession], error)
	ListActivitiesForSession(ctx context.Context, sessionID string) ([]domain.AgentActivity, error)
	ListRecentActivities(ctx context.Context, p domain.Pagination) (domain.Page[domain.AgentActivity], error)
}

// Conversations reads persisted conversation turns.
type Conversations interface {
	ListConversationThreads(ctx context.Context, p domain.Pagination, search string) (domain.Page[domain.ThreadSummary], error)
	ListConversationTurns(ctx context.Context, threadID string) ([]domain.ConversationTurn, error)
}

// ChatSessions resets a thread's chat session.
type ChatSessions interface {
	ResetSession(ctx context.Context, threadID string) error
}

// Handler serves the dashboard API.
type Handler struct {
	sessions      Sessions
	conversations Conversations
	chats         ChatSessions
	hub           *Hub
	logger        *slog.Logger
}

// NewHandler creates a Handler. hub may be nil, in which case the activity
// stream route is not registered.
func NewHandler(sessions Sessions, conversations Conversations, chats ChatSessions, hub *Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions:      sessions,
		conversations: conversations,
		chats:         chats,
		hub:           hub,
		logger:        logger,
	}
}

// RegisterRoutes registers the dashboard routes under /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{id}", h.GetSession)
		r.Post("/sessions/{id}/kill", h.KillSession)

		r.Get("/activities", h.ListActivities)
		if h.hub != nil {
			r.Get("/activities/stream", h.hub.ServeHTTP)
		}

		r.Get("/conversations", h.ListConversations)
		r.Get("/conversations/{threadID}", h.GetConversation)
		r.Post("/chat-sessions/{threadID}/reset", h.ResetChatSession)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// pagination reads limit and offset query parameters. Malformed values fall
// back to def and zero.
func pagination(r *http.Request, def int) domain.Pagination {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return domain.Pagination{Limit: limit, Offset: offset}.Normalize(def)
}
