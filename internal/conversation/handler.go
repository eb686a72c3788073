package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/clackbot/clackbot/internal/agent"
	"github.com/clackbot/clackbot/internal/domain"
	"github.com/clackbot/clackbot/internal/progress"
	"github.com/clackbot/clackbot/internal/session"
)

const (
	// FailureText replaces the placeholder when a turn fails.
	FailureText = "Sorry, something went wrong while handling your message."
	// ResetText confirms a manual session reset.
	ResetText = "Session reset."
	// DefaultThinkingMessage is the placeholder posted on receipt.
	DefaultThinkingMessage = "Thinking..."
)

// Poster is the outbound reply API of the messaging platform.
type Poster interface {
	// PostMessage posts text to channelID, inside threadID when it is set,
	// and returns a handle for later edits.
	PostMessage(ctx context.Context, channelID, threadID, text string) (string, error)
	// UpdateMessage replaces the text of a posted message.
	UpdateMessage(ctx context.Context, channelID, handle, text string) error
}

// Sessions manages per-thread chat sessions.
type Sessions interface {
	GetOrCreateSession(ctx context.Context, threadID string) (*domain.ChatSession, error)
	UpdateSession(ctx context.Context, threadID string, update session.Update) error
	ResetSession(ctx context.Context, threadID string) error
}

// AgentSessions looks up and advances delegated agent sessions.
type AgentSessions interface {
	GetActiveSessionForThread(ctx context.Context, threadID string) (*domain.AgentSession, error)
	Update(ctx context.Context, id string, update domain.AgentSessionUpdate) error
	Fail(ctx context.Context, id string, cause error) error
}

// ProjectResolver strips a leading project tag from a message and loads the
// project it names.
type ProjectResolver interface {
	Resolve(text string) (*agent.ProjectContext, string, error)
}

// TurnRecorder persists conversation turns.
type TurnRecorder interface {
	SaveConversationTurn(ctx context.Context, turn *domain.ConversationTurn) (string, error)
}

// Config holds the reply settings of a Handler.
type Config struct {
	ThinkingMessage  string
	ShowProgress     bool
	ProgressInterval time.Duration
	MaxMessageLength int
}

func (c Config) withDefaults() Config {
	if c.ThinkingMessage == "" {
		c.ThinkingMessage = DefaultThinkingMessage
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = progress.DefaultInterval
	}
	if c.MaxMessageLength <= len(TruncateMarker) {
		c.MaxMessageLength = DefaultMaxMessageLength
	}
	return c
}

// Handler is the single entry point for inbound messages.
type Handler struct {
	poster        Poster
	sessions      Sessions
	agentSessions AgentSessions
	turns         TurnRecorder
	strategies    map[Target]Strategy
	projects      ProjectResolver
	locks         *session.KeyedMutex
	cfg           Config
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithClock overrides the time source used for one-shot session ids.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithStrategy replaces the strategy used for target.
func WithStrategy(target Target, s Strategy) Option {
	return func(h *Handler) { h.strategies[target] = s }
}

// WithLocks shares a per-thread lock set with other components.
func WithLocks(locks *session.KeyedMutex) Option {
	return func(h *Handler) { h.locks = locks }
}

// WithProjects enables "[tag] message" addressing of local projects.
func WithProjects(projects ProjectResolver) Option {
	return func(h *Handler) { h.projects = projects }
}

// NewHandler wires a Handler. Routing strategies default to agents.
func NewHandler(poster Poster, sessions Sessions, agentSessions AgentSessions, agents Agents, turns TurnRecorder, cfg Config, opts ...Option) *Handler {
	h := &Handler{
		poster:        poster,
		sessions:      sessions,
		agentSessions: agentSessions,
		turns:         turns,
		locks:         session.NewKeyedMutex(),
		cfg:           cfg.withDefaults(),
		now:           time.Now,
		logger:        slog.Default(),
		strategies:    make(map[Target]Strategy),
	}
	for _, opt := range opts {
		opt(h)
	}
	for target, s := range DefaultStrategies(agents, h.logger) {
		if _, ok := h.strategies[target]; !ok {
			h.strategies[target] = s
		}
	}
	return h
}

// IsResetCommand reports whether text asks for a manual session reset.
func IsResetCommand(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	return t == "reset" || t == "!reset"
}

// HandleMessage answers msg. It never returns an error or panics: failures
// are logged and reported to the user as FailureText.
func (h *Handler) HandleMessage(ctx context.Context, msg Message) {
	log := h.logger.With("thread_id", msg.ThreadID, "channel_id", msg.ChannelID, "mode", string(msg.Mode))

	if err := msg.Validate(); err != nil {
		log.Error("Dropping invalid message", "error", err)
		return
	}

	if !msg.Mode.OneShot() && IsResetCommand(msg.InputText) {
		h.handleReset(ctx, msg, log)
		return
	}

	handle := h.postPlaceholder(ctx, msg, log)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Message handler panicked", "panic", r, "stack", string(debug.Stack()))
			h.reply(ctx, msg, handle, FailureText, log)
		}
	}()

	if err := h.runTurn(ctx, msg, handle, log); err != nil {
		log.Error("Message handling failed", "error", err)
		h.reply(ctx, msg, handle, FailureText, log)
	}
}

func (h *Handler) runTurn(ctx context.Context, msg Message, handle string, log *slog.Logger) error {
	var (
		sessionID    string
		resumeToken  string
		messageCount int
		delegated    *domain.AgentSession
		project      *agent.ProjectContext
		prompt       string
	)

	if h.projects != nil {
		pc, cleaned, err := h.projects.Resolve(msg.InputText)
		if err != nil {
			log.Info("Rejected project tag", "error", err)
			text := err.Error()
			h.reply(ctx, msg, handle, text, log)
			h.recordTurn(ctx, msg, &text, nil, log)
			return nil
		}
		project, prompt = pc, cleaned
		if project != nil {
			log = log.With("project", project.Name)
		}
	}

	if msg.Mode.OneShot() {
		sessionID = "channel-" + strconv.FormatInt(h.now().UnixMilli(), 10)
	} else {
		unlock, err := h.locks.Lock(ctx, msg.ThreadID)
		if err != nil {
			return fmt.Errorf("wait for thread lock: %w", err)
		}
		defer unlock()

		chat, err := h.sessions.GetOrCreateSession(ctx, msg.ThreadID)
		if err != nil {
			h.recordTurn(ctx, msg, nil, nil, log)
			return fmt.Errorf("get chat session: %w", err)
		}
		sessionID = chat.SessionID
		resumeToken = chat.ResumeToken
		messageCount = chat.MessageCount

		active, err := h.agentSessions.GetActiveSessionForThread(ctx, msg.ThreadID)
		if err != nil {
			log.Warn("Active agent session lookup failed", "error", err)
		} else if active != nil && active.IsDelegated() {
			delegated = active
		}
	}

	target := ResolveTarget(msg.Mode, delegated)
	log = log.With("session_id", sessionID, "target", target.String())
	log.Debug("Routing message", "input", truncatePreview(msg.InputText))

	var throttle *progress.Throttle
	var onProgress func(string)
	if handle != "" && h.cfg.ShowProgress && !msg.Mode.OneShot() {
		throttle = progress.New(func(status string) error {
			return h.poster.UpdateMessage(ctx, msg.ChannelID, handle, h.thinkingWithStatus(status))
		}, progress.WithInterval(h.cfg.ProgressInterval), progress.WithLogger(log))
		onProgress = throttle.Push
	}

	strategy, ok := h.strategies[target]
	if !ok {
		return fmt.Errorf("no strategy for target %s", target)
	}
	res, err := strategy.Invoke(ctx, Turn{
		Message:     msg,
		ResumeToken: resumeToken,
		Delegated:   delegated,
		OnProgress:  onProgress,
		Prompt:      prompt,
		Project:     project,
	})
	if throttle != nil {
		throttle.CancelPending()
	}
	if err != nil {
		if delegated != nil {
			h.failDelegated(ctx, delegated, err, log)
		}
		h.recordTurn(ctx, msg, nil, nil, log)
		return fmt.Errorf("%s agent call: %w", target, err)
	}
	if res == nil {
		res = &agent.Result{Text: agent.FallbackText}
	}

	if !msg.Mode.OneShot() {
		next := messageCount + 1
		token := res.ResumeToken
		if err := h.sessions.UpdateSession(ctx, msg.ThreadID, session.Update{
			ResumeToken:  &token,
			MessageCount: &next,
		}); err != nil {
			log.Error("Failed to update chat session", "error", err)
		}
	}
	if delegated != nil {
		h.advanceDelegated(ctx, delegated, res, log)
	}

	h.reply(ctx, msg, handle, Truncate(MarkdownToMrkdwn(res.Text), h.cfg.MaxMessageLength), log)
	h.recordTurn(ctx, msg, &res.Text, res.ToolsUsed, log)
	log.Debug("Reply sent", "tools", res.ToolsUsed)
	return nil
}

func (h *Handler) handleReset(ctx context.Context, msg Message, log *slog.Logger) {
	unlock, err := h.locks.Lock(ctx, msg.ThreadID)
	if err != nil {
		log.Error("Reset aborted", "error", err)
		return
	}
	defer unlock()

	text := ResetText
	if err := h.sessions.ResetSession(ctx, msg.ThreadID); err != nil {
		log.Error("Manual session reset failed", "error", err)
		text = FailureText
	}
	h.reply(ctx, msg, "", text, log)
}

func (h *Handler) advanceDelegated(ctx context.Context, s *domain.AgentSession, res *agent.Result, log *slog.Logger) {
	count := s.MessageCount + 1
	update := domain.AgentSessionUpdate{
		MessageCount: &count,
		ToolsUsed:    domain.DedupeTools(append(append([]string(nil), s.ToolsUsed...), res.ToolsUsed...)),
	}
	if res.ResumeToken != "" {
		token := res.ResumeToken
		update.ResumeToken = &token
	}
	if err := h.agentSessions.Update(ctx, s.ID, update); err != nil {
		log.Warn("Failed to update delegated session", "agent_session_id", s.ID, "error", err)
	}
}

// failDelegated ends a delegated session whose call failed so later messages
// in the thread go back to the primary agent.
func (h *Handler) failDelegated(ctx context.Context, s *domain.AgentSession, cause error, log *slog.Logger) {
	if err := h.agentSessions.Fail(ctx, s.ID, cause); err != nil {
		log.Warn("Failed to mark delegated session failed", "agent_session_id", s.ID, "error", err)
		return
	}
	log.Info("Delegated session failed", "agent_session_id", s.ID, "agent_type", s.AgentType, "error", cause)
}

func (h *Handler) postPlaceholder(ctx context.Context, msg Message, log *slog.Logger) string {
	handle, err := h.poster.PostMessage(ctx, msg.ChannelID, h.replyThread(msg), h.cfg.ThinkingMessage)
	if err != nil {
		log.Warn("Failed to post thinking message", "error", err)
		return ""
	}
	return handle
}

// reply edits the placeholder into text, or posts text as a new message when
// there is no placeholder or the edit fails.
func (h *Handler) reply(ctx context.Context, msg Message, handle, text string, log *slog.Logger) {
	if handle != "" {
		err := h.poster.UpdateMessage(ctx, msg.ChannelID, handle, text)
		if err == nil {
			return
		}
		log.Warn("Failed to edit thinking message, posting a new one", "error", err)
	}
	if _, err := h.poster.PostMessage(ctx, msg.ChannelID, h.replyThread(msg), text); err != nil {
		log.Error("Failed to post reply", "error", err)
	}
}

func (h *Handler) recordTurn(ctx context.Context, msg Message, output *string, tools []string, log *slog.Logger) {
	_, err := h.turns.SaveConversationTurn(ctx, &domain.ConversationTurn{
		ChannelID:  msg.ChannelID,
		ThreadID:   msg.ThreadID,
		UserID:     msg.UserID,
		InputText:  msg.InputText,
		OutputText: output,
		ToolsUsed:  domain.DedupeTools(tools),
	})
	if err != nil {
		log.Error("Failed to record conversation turn", "error", err)
	}
}

func (h *Handler) replyThread(msg Message) string {
	if msg.Mode.OneShot() {
		return ""
	}
	return msg.ThreadID
}

func (h *Handler) thinkingWithStatus(status string) string {
	return h.cfg.ThinkingMessage + "\n\n```\n" + status + "\n```"
}

func truncatePreview(s string) string {
	r := []rune(s)
	if len(r) <= 50 {
		return s
	}
	return string(r[:50]) + TruncateMarker
}
