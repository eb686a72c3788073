package conversation

import (
	"context"
	"log/slog"

	"github.com/clackbot/clackbot/internal/agent"
	"github.com/clackbot/clackbot/internal/domain"
)

// Target is the agent a turn is routed to. It is resolved once per turn.
type Target int

const (
	// TargetPrimary runs the brain and falls back to a direct call.
	TargetPrimary Target = iota
	// TargetDelegated continues the thread's active delegated session.
	TargetDelegated
	// TargetOneShot makes a single direct call.
	TargetOneShot
)

func (t Target) String() string {
	switch t {
	case TargetPrimary:
		return "primary"
	case TargetDelegated:
		return "delegated"
	case TargetOneShot:
		return "one-shot"
	}
	return "unknown"
}

// ResolveTarget picks the target for a turn. An active delegated session
// wins over the conversation mode.
func ResolveTarget(mode Mode, delegated *domain.AgentSession) Target {
	switch {
	case delegated != nil:
		return TargetDelegated
	case mode.OneShot():
		return TargetOneShot
	default:
		return TargetPrimary
	}
}

// Agents is the agent call collaborator.
type Agents interface {
	Direct(ctx context.Context, q agent.Query) (*agent.Result, error)
	Primary(ctx context.Context, q agent.Query) (*agent.Result, error)
	RecordFallback()
}

// Turn is what a strategy needs to answer one message.
type Turn struct {
	Message     Message
	ResumeToken string
	Delegated   *domain.AgentSession
	OnProgress  func(line string)

	// Prompt overrides Message.InputText, e.g. with a project tag stripped.
	Prompt  string
	Project *agent.ProjectContext
}

func (t Turn) query(resumeToken string) agent.Query {
	prompt := t.Prompt
	if prompt == "" {
		prompt = t.Message.InputText
	}
	return agent.Query{
		Prompt:      prompt,
		Project:     t.Project,
		History:     t.Message.History,
		Attachments: t.Message.Attachments,
		ResumeToken: resumeToken,
		IsOwner:     t.Message.IsOwner,
		ThreadID:    t.Message.ThreadID,
		ChannelID:   t.Message.ChannelID,
		OnProgress:  t.OnProgress,
	}
}

// Strategy answers a turn for one Target.
type Strategy interface {
	Invoke(ctx context.Context, t Turn) (*agent.Result, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, t Turn) (*agent.Result, error)

// Invoke calls f.
func (f StrategyFunc) Invoke(ctx context.Context, t Turn) (*agent.Result, error) {
	return f(ctx, t)
}

// DefaultStrategies returns the strategy for every Target.
func DefaultStrategies(agents Agents, logger *slog.Logger) map[Target]Strategy {
	if logger == nil {
		logger = slog.Default()
	}
	return map[Target]Strategy{
		TargetDelegated: delegatedStrategy{agents: agents},
		TargetOneShot:   oneShotStrategy{agents: agents},
		TargetPrimary:   primaryStrategy{agents: agents, logger: logger},
	}
}

type delegatedStrategy struct {
	agents Agents
}

// Invoke prefers the delegated session's resume token over the chat session's.
func (s delegatedStrategy) Invoke(ctx context.Context, t Turn) (*agent.Result, error) {
	token := t.ResumeToken
	if t.Delegated != nil && t.Delegated.ResumeToken != "" {
		token = t.Delegated.ResumeToken
	}
	return s.agents.Direct(ctx, t.query(token))
}

type oneShotStrategy struct {
	agents Agents
}

func (s oneShotStrategy) Invoke(ctx context.Context, t Turn) (*agent.Result, error) {
	return s.agents.Direct(ctx, t.query(t.ResumeToken))
}

type primaryStrategy struct {
	agents Agents
	logger *slog.Logger
}

// Invoke runs the brain. If it fails, the message is answered by a direct
// call that reuses the chat session's resume token.
func (s primaryStrategy) Invoke(ctx context.Context, t Turn) (*agent.Result, error) {
	res, err := s.agents.Primary(ctx, t.query(""))
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	s.logger.Warn("Primary agent failed, falling back to direct call",
		"thread_id", t.Message.ThreadID,
		"reused_resume_token", t.ResumeToken,
		"error", err,
	)
	s.agents.RecordFallback()
	return s.agents.Direct(ctx, t.query(t.ResumeToken))
}
