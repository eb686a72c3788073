// Package sweeper periodically retires idle agent sessions and chat sessions.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/clackbot/clackbot/internal/domain"
)

// DefaultInterval is how often Run sweeps.
const DefaultInterval = 5 * time.Minute

// AgentSessions expires idle delegated agent sessions.
type AgentSessions interface {
	ExpireIdle(ctx context.Context, cutoff time.Time) (int, error)
}

// ChatSessions purges idle chat sessions, skipping threads with a turn in
// flight.
type ChatSessions interface {
	PurgeIdle(ctx context.Context, before time.Time) (int64, error)
}

// Result reports what a single sweep removed.
type Result struct {
	ExpiredAgentSessions int
	DeletedChatSessions  int64
}

// Sweeper is the TTL worker.
type Sweeper struct {
	agents   AgentSessions
	chats    ChatSessions
	agentTTL time.Duration
	policy   func() domain.SessionPolicy
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Sweeper. policy is consulted on every sweep so a reloaded
// session timeout takes effect without a restart.
func New(agents AgentSessions, chats ChatSessions, agentTTL time.Duration, policy func() domain.SessionPolicy, opts ...Option) *Sweeper {
	s := &Sweeper{
		agents:   agents,
		chats:    chats,
		agentTTL: agentTTL,
		policy:   policy,
		interval: DefaultInterval,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("TTL sweeper started", "interval", s.interval, "agent_session_ttl", s.agentTTL)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("TTL sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep runs one pass. Failures are logged and the pass continues with the
// next kind of session.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	var res Result
	now := s.now()

	if s.agentTTL > 0 {
		n, err := s.agents.ExpireIdle(ctx, now.Add(-s.agentTTL))
		res.ExpiredAgentSessions = n
		if err != nil {
			s.logger.Error("TTL sweeper failed to expire agent sessions", "error", err, "expired", n)
		} else if n > 0 {
			s.logger.Info("TTL sweeper expired idle agent sessions", "count", n)
		}
	}

	if timeout := s.policy().TimeoutMinutes; timeout > 0 {
		n, err := s.chats.PurgeIdle(ctx, now.Add(-time.Duration(timeout)*time.Minute))
		if err != nil {
			s.logger.Error("TTL sweeper failed to delete idle chat sessions", "error", err)
		} else {
			res.DeletedChatSessions = n
			if n > 0 {
				s.logger.Info("TTL sweeper deleted idle chat sessions", "count", n)
			}
		}
	}
	return res
}
