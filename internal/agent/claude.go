package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/clackbot/clackbot/internal/domain"
)

var errAgentRun = errors.New("agent run failed")

// CmdFactory builds the command for one run. Tests substitute a fake binary.
type CmdFactory func(ctx context.Context, name string, args []string) *exec.Cmd

// ClaudeCLI runs the claude CLI in print mode and parses its stream-json output.
type ClaudeCLI struct {
	bin        string
	maxTurns   int
	cmdFactory CmdFactory
	logger     *slog.Logger
}

// CLIOption configures a ClaudeCLI.
type CLIOption func(*ClaudeCLI)

// WithCmdFactory overrides how the CLI process is created.
func WithCmdFactory(f CmdFactory) CLIOption {
	return func(c *ClaudeCLI) { c.cmdFactory = f }
}

// WithCLILogger sets the logger.
func WithCLILogger(logger *slog.Logger) CLIOption {
	return func(c *ClaudeCLI) { c.logger = logger }
}

// NewClaudeCLI creates a runner for bin. maxTurns <= 0 uses 10.
func NewClaudeCLI(bin string, maxTurns int, opts ...CLIOption) *ClaudeCLI {
	if bin == "" {
		bin = "claude"
	}
	if maxTurns <= 0 {
		maxTurns = 10
	}
	c := &ClaudeCLI{
		bin:      bin,
		maxTurns: maxTurns,
		cmdFactory: func(ctx context.Context, name string, args []string) *exec.Cmd {
			return exec.CommandContext(ctx, name, args...)
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks that the CLI binary runs.
func (c *ClaudeCLI) Health(ctx context.Context) error {
	cmd := c.cmdFactory(ctx, c.bin, []string{"--version"})
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("claude health check failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *ClaudeCLI) args(req Request) []string {
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = c.maxTurns
	}
	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose",
		"--max-turns", strconv.Itoa(maxTurns)}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	return append(args, req.Permissions.Flags()...)
}

// Stream starts the CLI and yields parsed events until the process exits.
func (c *ClaudeCLI) Stream(ctx context.Context, req Request) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		cmd := c.cmdFactory(ctx, c.bin, c.args(req))
		if req.WorkDir != "" {
			cmd.Dir = req.WorkDir
		}
		stderr := newTailBuffer(8 * 1024)
		cmd.Stderr = stderr

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(nil, fmt.Errorf("stdout pipe: %w", err))
			return
		}
		if err := cmd.Start(); err != nil {
			yield(nil, fmt.Errorf("start claude: %w", err))
			return
		}

		stopped := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
		for scanner.Scan() {
			events, err := parseStreamLine(scanner.Bytes())
			if err != nil {
				c.logger.Debug("Skipping unparsable stream line", "error", err)
				continue
			}
			for _, ev := range events {
				if !yield(ev, nil) {
					stopped = true
					break
				}
			}
			if stopped {
				break
			}
		}
		scanErr := scanner.Err()

		if stopped {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			_ = cmd.Wait()
			return
		}

		waitErr := cmd.Wait()
		switch {
		case scanErr != nil:
			yield(nil, fmt.Errorf("read claude output: %w", scanErr))
		case waitErr != nil:
			msg := stderr.String()
			if msg == "" {
				msg = waitErr.Error()
			}
			yield(nil, fmt.Errorf("%w: %s", errAgentRun, msg))
		}
	}
}

// Invoke runs the CLI to completion.
func (c *ClaudeCLI) Invoke(ctx context.Context, req Request) (*Result, error) {
	return Collect(c.Stream(ctx, req), req, c.logger)
}

// Collect drains an event stream into a Result, reporting progress and tool
// use through the request's callbacks. A process error after a result event
// is ignored, since the CLI exits non-zero when it runs out of turns.
func Collect(events iter.Seq2[*Event, error], req Request, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	progress := func(line string) {
		if req.OnProgress != nil && line != "" {
			req.OnProgress(line)
		}
	}

	var text strings.Builder
	var final string
	var tools []string
	var resume string
	sawResult := false
	resultErr := false

	for ev, err := range events {
		if err != nil {
			if sawResult {
				logger.Debug("Agent exited with error after result", "error", err)
				break
			}
			return nil, err
		}
		if ev.SessionID != "" {
			resume = ev.SessionID
		}

		switch ev.Kind {
		case EventInit:
			for _, s := range ev.FailedServers {
				logger.Warn("MCP server failed to connect", "server", s.Name, "status", s.Status)
				progress("⚠️ MCP server failed: " + s.Name)
			}
		case EventText:
			text.WriteString(ev.Text)
			progress(textProgressLine(ev.Text))
		case EventToolUse:
			tools = append(tools, ev.ToolName)
			progress(ToolLabel(ev.ToolName, ev.ToolInput))
			if req.OnToolUse != nil {
				req.OnToolUse(ev.ToolName, ev.ToolInput)
			}
		case EventResult:
			sawResult = true
			if ev.IsError {
				resultErr = true
			} else if ev.Text != "" {
				final = ev.Text
			}
		}
	}

	if final == "" {
		final = text.String()
	}
	if final == "" && resultErr {
		return nil, fmt.Errorf("%w: result error", errAgentRun)
	}
	if final == "" {
		final = FallbackText
	}

	return &Result{
		Text:        final,
		ToolsUsed:   domain.DedupeTools(tools),
		ResumeToken: resume,
	}, nil
}

type streamLine struct {
	Type       string         `json:"type"`
	Subtype    string         `json:"subtype"`
	SessionID  string         `json:"session_id"`
	Result     string         `json:"result"`
	IsError    bool           `json:"is_error"`
	Message    *streamMessage `json:"message"`
	MCPServers []MCPServer    `json:"mcp_servers"`
}

type streamMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// builtinMCPServers are never reported as connection failures.
var builtinMCPServers = map[string]bool{"_builtin": true, "clackbot-builtin": true}

func parseStreamLine(line []byte) ([]*Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}

	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return nil, fmt.Errorf("decode stream line: %w", err)
	}

	switch sl.Type {
	case "system":
		if sl.Subtype != "init" {
			return nil, nil
		}
		ev := &Event{Kind: EventInit, SessionID: sl.SessionID, Subtype: sl.Subtype}
		for _, s := range sl.MCPServers {
			if builtinMCPServers[s.Name] || s.Status == "connected" {
				continue
			}
			ev.FailedServers = append(ev.FailedServers, s)
		}
		return []*Event{ev}, nil

	case "assistant":
		if sl.Message == nil {
			return nil, nil
		}
		var events []*Event
		for _, block := range sl.Message.Content {
			switch {
			case block.Type == "text" && block.Text != "":
				events = append(events, &Event{Kind: EventText, SessionID: sl.SessionID, Text: block.Text})
			case block.Type == "tool_use" && block.Name != "":
				events = append(events, &Event{
					Kind:      EventToolUse,
					SessionID: sl.SessionID,
					ToolName:  block.Name,
					ToolInput: block.Input,
				})
			}
		}
		return events, nil

	case "result":
		return []*Event{{
			Kind:      EventResult,
			SessionID: sl.SessionID,
			Text:      sl.Result,
			IsError:   sl.IsError || strings.HasPrefix(sl.Subtype, "error"),
			Subtype:   sl.Subtype,
		}}, nil
	}
	return nil, nil
}

func textProgressLine(text string) string {
	first, _, _ := strings.Cut(text, "\n")
	first = truncateRunes(strings.TrimSpace(first), 120)
	if first == "" {
		return ""
	}
	return "💬 " + first
}

// ToolLabel renders a one-line human description of a tool call.
func ToolLabel(name string, input json.RawMessage) string {
	var in map[string]any
	if len(input) > 0 {
		_ = json.Unmarshal(input, &in)
	}
	arg := func(key string) string {
		v, ok := in[key]
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	}
	with := func(label, value string) string {
		if value == "" {
			return label
		}
		return label + ": " + value
	}

	switch name {
	case "Read":
		return with("📖 Reading file", baseName(arg("file_path")))
	case "Write":
		return with("✏️ Writing file", baseName(arg("file_path")))
	case "Edit":
		return with("✏️ Editing file", baseName(arg("file_path")))
	case "Bash":
		return with("⚡ Running command", truncateRunes(arg("command"), 120))
	case "Grep", "Glob":
		return with("🔍 Searching", arg("pattern"))
	case "WebSearch":
		return with("🌐 Searching the web", arg("query"))
	case "WebFetch":
		return with("🌐 Fetching", arg("url"))
	case "Task":
		return "🚀 Starting sub-agent"
	case "Skill":
		return "⚡ Invoking skill"
	}
	return "🔧 " + name
}

func baseName(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
