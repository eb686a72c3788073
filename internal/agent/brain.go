package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/clackbot/clackbot/internal/domain"
	"github.com/clackbot/clackbot/internal/registry"
)

// ErrBrainUnavailable is returned when the brain's memory cannot be loaded.
var ErrBrainUnavailable = errors.New("brain unavailable")

const (
	brainMaxTurns       = 15
	taskDescriptionSize = 200
	resultSummarySize   = 500
)

// SessionTracker records brain runs as agent sessions.
type SessionTracker interface {
	Create(ctx context.Context, params registry.CreateParams) (*domain.AgentSession, error)
	GetActiveSessionForThread(ctx context.Context, threadID string) (*domain.AgentSession, error)
	Kill(ctx context.Context, id string) (*domain.AgentSession, error)
	Complete(ctx context.Context, id string, messageCount int, tools []string, summary string) error
	Fail(ctx context.Context, id string, cause error) error
	LogActivity(ctx context.Context, params registry.ActivityParams) (*domain.AgentActivity, error)
}

// Brain is the long-lived primary agent. It answers with its core memory in
// the system prompt and records every run as an agent session.
type Brain struct {
	invoker  Invoker
	sessions SessionTracker
	workDir  string
	logger   *slog.Logger
}

// NewBrain creates a Brain that runs through invoker.
func NewBrain(invoker Invoker, sessions SessionTracker, workDir string, logger *slog.Logger) *Brain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Brain{invoker: invoker, sessions: sessions, workDir: workDir, logger: logger}
}

// Invoke runs one brain turn. The brain keeps no resume token of its own.
func (b *Brain) Invoke(ctx context.Context, req Request) (*Result, error) {
	core, err := LoadCoreMemory(b.workDir)
	if err != nil {
		return nil, err
	}

	if err := b.expireStale(ctx, req.ThreadID); err != nil {
		return nil, err
	}

	session, err := b.sessions.Create(ctx, registry.CreateParams{
		AgentType:       domain.AgentTypeBrain,
		ThreadID:        req.ThreadID,
		TaskDescription: truncateRunes(req.Prompt, taskDescriptionSize),
		WorkDir:         b.workDir,
	})
	if err != nil {
		return nil, fmt.Errorf("start brain session: %w", err)
	}

	inner := req
	inner.SystemPrompt = buildBrainSystemPrompt(core)
	inner.WorkDir = b.workDir
	inner.ResumeToken = ""
	inner.MaxTurns = brainMaxTurns
	inner.OnToolUse = func(name string, input json.RawMessage) {
		b.logToolUse(ctx, session.ID, req.ChannelID, name, input)
		if req.OnToolUse != nil {
			req.OnToolUse(name, input)
		}
	}

	result, err := b.invoker.Invoke(ctx, inner)
	if err != nil {
		if failErr := b.sessions.Fail(ctx, session.ID, err); failErr != nil {
			b.logger.Warn("Failed to mark brain session failed", "session_id", session.ID, "error", failErr)
		}
		b.logger.Error("Brain call failed", "session_id", session.ID, "error", err)
		return nil, fmt.Errorf("brain call: %w", err)
	}

	summary := truncateRunes(result.Text, resultSummarySize)
	if err := b.sessions.Complete(ctx, session.ID, 1, result.ToolsUsed, summary); err != nil {
		b.logger.Warn("Failed to complete brain session", "session_id", session.ID, "error", err)
	}

	return &Result{Text: result.Text, ToolsUsed: result.ToolsUsed}, nil
}

// expireStale frees the thread from a brain session a crashed run left active.
func (b *Brain) expireStale(ctx context.Context, threadID string) error {
	if threadID == "" {
		return nil
	}
	active, err := b.sessions.GetActiveSessionForThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("check brain session: %w", err)
	}
	if active == nil || active.IsDelegated() {
		return nil
	}
	b.logger.Warn("Expiring stale brain session", "session_id", active.ID, "thread_id", threadID)
	if _, err := b.sessions.Kill(ctx, active.ID); err != nil && !errors.Is(err, registry.ErrInvalidTransition) {
		return fmt.Errorf("expire stale brain session: %w", err)
	}
	return nil
}

func (b *Brain) logToolUse(ctx context.Context, sessionID, channelID, name string, input json.RawMessage) {
	var detail any
	if len(input) > 0 && json.Valid(input) {
		detail = map[string]json.RawMessage{"input": input}
	}
	if _, err := b.sessions.LogActivity(ctx, registry.ActivityParams{
		SessionID: sessionID,
		AgentType: domain.AgentTypeBrain,
		Type:      domain.ActivityToolUse,
		ToolName:  name,
		Detail:    detail,
		ChannelID: channelID,
	}); err != nil {
		b.logger.Warn("Failed to log brain activity", "session_id", sessionID, "tool", name, "error", err)
	}
}

func buildBrainSystemPrompt(coreMemory string) string {
	var sb strings.Builder
	sb.WriteString(`You are the Brain agent, the global assistant of clackbot.

## Role
- Receive every Slack message and answer it.
- Maintain long-term memory of user preferences, context and learned knowledge.
- Delegate complex, multi-step or long-running work to a sub-agent (Task).
- Answer simple questions, greetings and memory requests directly.

## Memory policy
- Only write memory when the user explicitly asks you to remember something.
- Do not store uncertain information; confirm with the user first.`)

	sb.WriteString("\n\n---\n## Core memory\n")
	if strings.TrimSpace(coreMemory) == "" {
		sb.WriteString("(Memory is empty.)")
	} else {
		sb.WriteString(coreMemory)
	}

	sb.WriteString(`

## Slack formatting
Use Slack mrkdwn: *bold*, _italic_, ~strike~, <URL|text>, ` + "`code`" + `, code blocks, > quotes.
Do not use Markdown headings, **bold** or [text](url) links.`)
	return sb.String()
}
