// Package registry tracks delegated agent sessions and their activity log.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clackbot/clackbot/internal/domain"
	"github.com/clackbot/clackbot/internal/store"
)

var (
	// ErrInvalidTransition is returned when a status change leaves a terminal state.
	ErrInvalidTransition = errors.New("invalid agent session status transition")
	// ErrSessionNotFound is returned when an agent session id is unknown.
	ErrSessionNotFound = errors.New("agent session not found")
	// ErrThreadBusy is returned when a thread already has an active agent session.
	ErrThreadBusy = errors.New("thread already has an active agent session")
)

// Store is the persistence the Registry needs.
type Store interface {
	CreateAgentSession(ctx context.Context, params store.CreateAgentSessionParams) (*domain.AgentSession, error)
	GetAgentSession(ctx context.Context, id string) (*domain.AgentSession, error)
	GetAgentSessionByThread(ctx context.Context, threadID string) (*domain.AgentSession, error)
	UpdateAgentSession(ctx context.Context, id string, update domain.AgentSessionUpdate) error
	ListAgentSessions(ctx context.Context, status domain.AgentSessionStatus, p domain.Pagination) (domain.Page[domain.AgentSession], error)
	ListIdleAgentSessions(ctx context.Context, before time.Time) ([]domain.AgentSession, error)
	LogAgentActivity(ctx context.Context, params store.LogActivityParams) (*domain.AgentActivity, error)
	ListActivitiesForSession(ctx context.Context, sessionID string) ([]domain.AgentActivity, error)
	ListRecentActivities(ctx context.Context, p domain.Pagination) (domain.Page[domain.AgentActivity], error)
}

// CreateParams describes a new agent session.
type CreateParams struct {
	AgentType       string
	ThreadID        string
	TaskDescription string
	WorkDir         string
}

// ActivityParams describes one observable agent action. Detail is marshaled
// to JSON; nil means no detail.
type ActivityParams struct {
	SessionID string
	AgentType string
	Type      domain.ActivityType
	ToolName  string
	Detail    any
	ChannelID string
}

// Registry is the only writer of AgentSession and AgentActivity state.
type Registry struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []func(domain.AgentActivity)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for completion timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New creates a Registry backed by st.
func New(st Store, opts ...Option) *Registry {
	r := &Registry{
		store:  st,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnActivity registers fn to be called after every logged activity.
// Listeners run synchronously and must not block.
func (r *Registry) OnActivity(fn func(domain.AgentActivity)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Create starts a new active agent session.
func (r *Registry) Create(ctx context.Context, params CreateParams) (*domain.AgentSession, error) {
	if params.AgentType == "" {
		return nil, fmt.Errorf("create agent session: agent type is required")
	}

	if params.ThreadID != "" {
		existing, err := r.store.GetAgentSessionByThread(ctx, params.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("check active agent session: %w", err)
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: %s", ErrThreadBusy, existing.ID)
		}
	}

	session, err := r.store.CreateAgentSession(ctx, store.CreateAgentSessionParams(params))
	if errors.Is(err, store.ErrActiveSessionExists) {
		return nil, ErrThreadBusy
	}
	if err != nil {
		return nil, fmt.Errorf("create agent session: %w", err)
	}

	r.logger.Info("Agent session started",
		"session_id", session.ID,
		"agent_type", session.AgentType,
		"thread_id", session.ThreadID,
	)
	return session, nil
}

// Get returns the session with id, or ErrSessionNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*domain.AgentSession, error) {
	session, err := r.store.GetAgentSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get agent session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// GetActiveSessionForThread returns the thread's active session, or nil.
func (r *Registry) GetActiveSessionForThread(ctx context.Context, threadID string) (*domain.AgentSession, error) {
	if threadID == "" {
		return nil, nil
	}
	session, err := r.store.GetAgentSessionByThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("get active agent session: %w", err)
	}
	return session, nil
}

// Update applies a partial update. A status change must be a legal transition;
// the store re-checks that the row is still active when writing it, so two
// concurrent terminal transitions cannot both succeed.
func (r *Registry) Update(ctx context.Context, id string, update domain.AgentSessionUpdate) error {
	if update.Status != nil {
		current, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if !domain.CanTransition(current.Status, *update.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, *update.Status)
		}
	}

	err := r.store.UpdateAgentSession(ctx, id, update)
	if errors.Is(err, store.ErrSessionNotActive) {
		// Another status change landed between the check and the write.
		return fmt.Errorf("%w: session %s is no longer active", ErrInvalidTransition, id)
	}
	if err != nil {
		return fmt.Errorf("update agent session: %w", err)
	}
	return nil
}

// Complete marks an active session completed with its result.
func (r *Registry) Complete(ctx context.Context, id string, messageCount int, tools []string, summary string) error {
	status := domain.AgentSessionCompleted
	now := r.now()
	return r.Update(ctx, id, domain.AgentSessionUpdate{
		Status:        &status,
		MessageCount:  &messageCount,
		ToolsUsed:     domain.DedupeTools(tools),
		ResultSummary: &summary,
		CompletedAt:   &now,
	})
}

// Fail marks an active session failed, recording cause as its summary.
func (r *Registry) Fail(ctx context.Context, id string, cause error) error {
	status := domain.AgentSessionFailed
	now := r.now()
	summary := ""
	if cause != nil {
		summary = cause.Error()
	}
	return r.Update(ctx, id, domain.AgentSessionUpdate{
		Status:        &status,
		ResultSummary: &summary,
		CompletedAt:   &now,
	})
}

// Kill administratively expires an active session.
func (r *Registry) Kill(ctx context.Context, id string) (*domain.AgentSession, error) {
	status := domain.AgentSessionExpired
	now := r.now()
	if err := r.Update(ctx, id, domain.AgentSessionUpdate{Status: &status, CompletedAt: &now}); err != nil {
		return nil, err
	}
	r.logger.Info("Agent session killed", "session_id", id)
	return r.Get(ctx, id)
}

// ExpireIdle expires active sessions last active before cutoff and returns
// how many were expired.
func (r *Registry) ExpireIdle(ctx context.Context, cutoff time.Time) (int, error) {
	idle, err := r.store.ListIdleAgentSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list idle agent sessions: %w", err)
	}

	expired := 0
	for _, s := range idle {
		if _, err := r.Kill(ctx, s.ID); err != nil {
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// ListSessions pages sessions, optionally filtered by status.
func (r *Registry) ListSessions(ctx context.Context, status domain.AgentSessionStatus, p domain.Pagination) (domain.Page[domain.AgentSession], error) {
	if status != "" && !status.Valid() {
		return domain.Page[domain.AgentSession]{}, fmt.Errorf("list agent sessions: unknown status %q", status)
	}
	page, err := r.store.ListAgentSessions(ctx, status, p)
	if err != nil {
		return page, fmt.Errorf("list agent sessions: %w", err)
	}
	return page, nil
}

// LogActivity appends an activity entry and notifies listeners.
func (r *Registry) LogActivity(ctx context.Context, params ActivityParams) (*domain.AgentActivity, error) {
	var detail json.RawMessage
	if params.Detail != nil {
		b, err := json.Marshal(params.Detail)
		if err != nil {
			return nil, fmt.Errorf("encode activity detail: %w", err)
		}
		detail = b
	}

	activity, err := r.store.LogAgentActivity(ctx, store.LogActivityParams{
		SessionID:    params.SessionID,
		AgentType:    params.AgentType,
		ActivityType: params.Type,
		ToolName:     params.ToolName,
		Detail:       detail,
		ChannelID:    params.ChannelID,
	})
	if err != nil {
		return nil, fmt.Errorf("log activity: %w", err)
	}

	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(*activity)
	}
	return activity, nil
}

// ListActivitiesForSession returns a session's activities, oldest first.
func (r *Registry) ListActivitiesForSession(ctx context.Context, sessionID string) ([]domain.AgentActivity, error) {
	activities, err := r.store.ListActivitiesForSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session activities: %w", err)
	}
	return activities, nil
}

// ListRecentActivities pages activities across sessions, newest first.
func (r *Registry) ListRecentActivities(ctx context.Context, p domain.Pagination) (domain.Page[domain.AgentActivity], error) {
	page, err := r.store.ListRecentActivities(ctx, p)
	if err != nil {
		return page, fmt.Errorf("list recent activities: %w", err)
	}
	return page, nil
}
