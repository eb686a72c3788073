package api

import (
	"net/http"
	"strings"

	"github.com/clackbot/clackbot/internal/domain"
	"github.com/go-chi/chi/v5"
)

// ListConversations pages thread summaries, optionally filtered by ?search=.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	search := strings.TrimSpace(r.URL.Query().Get("search"))
	page, err := h.conversations.ListConversationThreads(r.Context(), pagination(r, defaultConversationPageSize), search)
	if err != nil {
		h.logger.Error("Failed to list conversations", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	sessions := page.Items
	if sessions == nil {
		sessions = []domain.ThreadSummary{}
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": sessions, "total": page.Total})
}

// GetConversation returns every turn of a thread.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	turns, err := h.conversations.ListConversationTurns(r.Context(), threadID)
	if err != nil {
		h.logger.Error("Failed to list conversation turns", "error", err, "thread_id", threadID)
		Error(w, http.StatusInternalServerError, "failed to get conversation")
		return
	}
	if len(turns) == 0 {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"messages": turns})
}

// ResetChatSession discards a thread's chat session so the next message
// starts fresh.
func (h *Handler) ResetChatSession(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	if err := h.chats.ResetSession(r.Context(), threadID); err != nil {
		h.logger.Error("Failed to reset chat session", "error", err, "thread_id", threadID)
		Error(w, http.StatusInternalServerError, "failed to reset session")
		return
	}
	h.logger.Info("Chat session reset from dashboard", "thread_id", threadID)
	JSON(w, http.StatusOK, map[string]any{"ok": true})
}
