package agent

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// Query is one user message to answer.
type Query struct {
	Prompt      string
	History     []HistoryMessage
	Attachments []Attachment
	ResumeToken string
	IsOwner     bool
	ThreadID    string
	ChannelID   string
	OnProgress  func(line string)

	// Project, when set, runs the direct call inside that project with its
	// instructions and memory prepended to the prompt.
	Project *ProjectContext
}

// Service fronts the direct agent call and the brain, building prompts and
// tool permissions from a Query.
type Service struct {
	direct  Invoker
	brain   Invoker
	workDir string

	invocations atomic.Int64
	failures    atomic.Int64
	fallbacks   atomic.Int64
}

// NewService creates a Service. brain may be nil, in which case Primary
// always reports ErrBrainUnavailable.
func NewService(direct, brain Invoker, workDir string) *Service {
	return &Service{direct: direct, brain: brain, workDir: workDir}
}

// Direct invokes the agent with thread context and the caller's permissions.
func (s *Service) Direct(ctx context.Context, q Query) (*Result, error) {
	prompt := BuildPrompt(q.Prompt, q.History, q.Attachments)
	workDir := s.workDir
	if q.Project != nil {
		prompt = ProjectPrompt(q.Project) + "\n" + prompt
		workDir = q.Project.Path
	}
	return s.invoke(ctx, s.direct, Request{
		Prompt:      prompt,
		WorkDir:     workDir,
		ResumeToken: q.ResumeToken,
		Permissions: PolicyFor(q.IsOwner),
		ThreadID:    q.ThreadID,
		ChannelID:   q.ChannelID,
		OnProgress:  q.OnProgress,
	})
}

// Primary invokes the brain. The brain runs in its own working directory and
// ignores q.Project.
func (s *Service) Primary(ctx context.Context, q Query) (*Result, error) {
	if s.brain == nil {
		return nil, ErrBrainUnavailable
	}
	return s.invoke(ctx, s.brain, Request{
		Prompt:      BuildPrompt(q.Prompt, nil, q.Attachments),
		WorkDir:     s.workDir,
		Permissions: PolicyFor(q.IsOwner),
		ThreadID:    q.ThreadID,
		ChannelID:   q.ChannelID,
		OnProgress:  q.OnProgress,
	})
}

// RecordFallback counts a primary call that fell back to a direct call.
func (s *Service) RecordFallback() {
	s.fallbacks.Add(1)
}

// GetStats returns invocation counters.
func (s *Service) GetStats() Stats {
	return Stats{
		Invocations: s.invocations.Load(),
		Failures:    s.failures.Load(),
		Fallbacks:   s.fallbacks.Load(),
	}
}

func (s *Service) invoke(ctx context.Context, inv Invoker, req Request) (*Result, error) {
	s.invocations.Add(1)
	result, err := inv.Invoke(ctx, req)
	if err != nil {
		s.failures.Add(1)
		return nil, err
	}
	if result == nil {
		s.failures.Add(1)
		return nil, fmt.Errorf("%w: empty result", errAgentRun)
	}
	return result, nil
}

// BuildPrompt prefixes prompt with earlier thread messages and lists attachments.
func BuildPrompt(prompt string, history []HistoryMessage, attachments []Attachment) string {
	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Thread context:\n")
		for _, m := range history {
			user := m.User
			if user == "" {
				user = "unknown"
			}
			fmt.Fprintf(&sb, "[%s]: %s\n", user, m.Text)
		}
		sb.WriteString("\nCurrent message:\n")
	}
	sb.WriteString(prompt)

	if len(attachments) > 0 {
		sb.WriteString("\n\nAttachments:")
		for _, a := range attachments {
			fmt.Fprintf(&sb, "\n[attachment] %s (%s): %s", a.Name, a.MimeType, a.URL)
		}
	}
	return sb.String()
}
