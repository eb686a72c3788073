// Package session owns per-thread chat session state and its auto-reset policy.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clackbot/clackbot/internal/domain"
	"github.com/google/uuid"
)

// Store is the persistence the Manager needs.
type Store interface {
	GetChatSession(ctx context.Context, threadID string) (*domain.ChatSession, error)
	UpsertChatSession(ctx context.Context, session *domain.ChatSession) error
	DeleteChatSession(ctx context.Context, threadID string) error
	ListIdleChatThreads(ctx context.Context, before time.Time) ([]string, error)
	DeleteChatSessionIfIdle(ctx context.Context, threadID string, before time.Time) (bool, error)
}

// PolicyFunc returns the session policy in effect right now.
type PolicyFunc func() domain.SessionPolicy

// StaticPolicy returns a PolicyFunc that always yields p.
func StaticPolicy(p domain.SessionPolicy) PolicyFunc {
	return func() domain.SessionPolicy { return p }
}

// Update is a partial session update. Nil fields are left unchanged.
type Update struct {
	ResumeToken  *string
	MessageCount *int
}

// Manager is the only writer of ChatSession state. Its lock set is shared
// with the message handler, which holds a thread's lock for a whole turn.
type Manager struct {
	store  Store
	locks  *KeyedMutex
	policy PolicyFunc
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithLocks sets the per-thread lock set.
func WithLocks(locks *KeyedMutex) Option {
	return func(m *Manager) { m.locks = locks }
}

// NewManager creates a session manager backed by store.
func NewManager(store Store, policy PolicyFunc, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		locks:  NewKeyedMutex(),
		policy: policy,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreateSession returns the thread's session, creating it when missing
// and recreating it when the auto-reset policy fires. A recreated session has
// a fresh id, zero messages and no resume token.
func (m *Manager) GetOrCreateSession(ctx context.Context, threadID string) (*domain.ChatSession, error) {
	existing, err := m.store.GetChatSession(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load chat session: %w", err)
	}

	now := m.now()
	if existing == nil {
		return m.create(ctx, threadID, now)
	}

	if existing.NeedsReset(m.policy(), now) {
		m.logger.Debug("Chat session auto-reset",
			"thread_id", threadID,
			"session_id", existing.SessionID,
			"message_count", existing.MessageCount,
			"last_active_at", existing.LastActiveAt,
		)
		if err := m.store.DeleteChatSession(ctx, threadID); err != nil {
			return nil, fmt.Errorf("delete stale chat session: %w", err)
		}
		return m.create(ctx, threadID, now)
	}

	existing.Touch(now)
	if err := m.store.UpsertChatSession(ctx, existing); err != nil {
		return nil, fmt.Errorf("touch chat session: %w", err)
	}
	return existing, nil
}

// UpdateSession applies a partial update and bumps last-active. It is a no-op
// when the thread has no session.
func (m *Manager) UpdateSession(ctx context.Context, threadID string, update Update) error {
	session, err := m.store.GetChatSession(ctx, threadID)
	if err != nil {
		return fmt.Errorf("load chat session: %w", err)
	}
	if session == nil {
		return nil
	}

	if update.ResumeToken != nil {
		session.ResumeToken = *update.ResumeToken
	}
	if update.MessageCount != nil {
		session.MessageCount = *update.MessageCount
	}
	session.Touch(m.now())

	if err := m.store.UpsertChatSession(ctx, session); err != nil {
		return fmt.Errorf("update chat session: %w", err)
	}
	return nil
}

// ResetSession unconditionally deletes the thread's session.
func (m *Manager) ResetSession(ctx context.Context, threadID string) error {
	if err := m.store.DeleteChatSession(ctx, threadID); err != nil {
		return fmt.Errorf("reset chat session: %w", err)
	}
	m.logger.Debug("Chat session manually reset", "thread_id", threadID)
	return nil
}

// Locks returns the per-thread lock set guarding chat session turns.
func (m *Manager) Locks() *KeyedMutex {
	return m.locks
}

// PurgeIdle deletes sessions last active before the cutoff. Threads whose
// lock is held have a turn in flight and are skipped; that turn refreshes
// last-active when it finishes.
func (m *Manager) PurgeIdle(ctx context.Context, before time.Time) (int64, error) {
	threads, err := m.store.ListIdleChatThreads(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("list idle chat sessions: %w", err)
	}

	var deleted int64
	for _, threadID := range threads {
		unlock, ok := m.locks.TryLock(threadID)
		if !ok {
			m.logger.Debug("Skipping busy chat session", "thread_id", threadID)
			continue
		}
		removed, err := m.store.DeleteChatSessionIfIdle(ctx, threadID, before)
		unlock()
		if err != nil {
			return deleted, fmt.Errorf("purge chat session %s: %w", threadID, err)
		}
		if removed {
			deleted++
		}
	}
	return deleted, nil
}

func (m *Manager) create(ctx context.Context, threadID string, now time.Time) (*domain.ChatSession, error) {
	session := &domain.ChatSession{
		ThreadID:     threadID,
		SessionID:    m.newID(),
		MessageCount: 0,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := m.store.UpsertChatSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create chat session: %w", err)
	}
	return session, nil
}
