package api

import (
	"errors"
	"net/http"

	"github.com/clackbot/clackbot/internal/domain"
	"github.com/clackbot/clackbot/internal/registry"
	"github.com/go-chi/chi/v5"
)

const (
	defaultSessionPageSize      = 50
	defaultActivityPageSize     = 50
	defaultConversationPageSize = 20
)

type sessionDetail struct {
	*domain.AgentSession
	Activities []domain.AgentActivity `json:"activities"`
}

// ListSessions pages agent sessions, optionally filtered by ?status=.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	status := domain.AgentSessionStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		Error(w, http.StatusBadRequest, "unknown status")
		return
	}

	page, err := h.sessions.ListSessions(r.Context(), status, pagination(r, defaultSessionPageSize))
	if err != nil {
		h.logger.Error("Failed to list agent sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	JSON(w, http.StatusOK, page)
}

// GetSession returns one agent session with its activity log.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, err := h.sessions.Get(r.Context(), id)
	if errors.Is(err, registry.ErrSessionNotFound) || (err == nil && s == nil) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to get agent session", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	activities, err := h.sessions.ListActivitiesForSession(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to list session activities", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, "failed to list activities")
		return
	}
	if activities == nil {
		activities = []domain.AgentActivity{}
	}
	JSON(w, http.StatusOK, sessionDetail{AgentSession: s, Activities: activities})
}

// KillSession expires an active agent session.
func (h *Handler) KillSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, err := h.sessions.Kill(r.Context(), id)
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "session not found")
		return
	case errors.Is(err, registry.ErrInvalidTransition):
		Error(w, http.StatusConflict, "session already finished")
		return
	case err != nil:
		h.logger.Error("Failed to kill agent session", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, "failed to kill session")
		return
	}

	h.logger.Info("Agent session killed from dashboard", "session_id", id)
	JSON(w, http.StatusOK, map[string]any{"ok": true, "session": s})
}

// ListActivities returns one session's activities in order when ?session= is
// given, otherwise a page of recent activities across sessions.
func (h *Handler) ListActivities(w http.ResponseWriter, r *http.Request) {
	if sessionID := r.URL.Query().Get("session"); sessionID != "" {
		activities, err := h.sessions.ListActivitiesForSession(r.Context(), sessionID)
		if err != nil {
			h.logger.Error("Failed to list session activities", "error", err, "session_id", sessionID)
			Error(w, http.StatusInternalServerError, "failed to list activities")
			return
		}
		if activities == nil {
			activities = []domain.AgentActivity{}
		}
		JSON(w, http.StatusOK, activities)
		return
	}

	page, err := h.sessions.ListRecentActivities(r.Context(), pagination(r, defaultActivityPageSize))
	if err != nil {
		h.logger.Error("Failed to list recent activities", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list activities")
		return
	}
	JSON(w, http.StatusOK, page)
}
