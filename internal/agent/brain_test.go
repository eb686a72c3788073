package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clackbot/clackbot/internal/domain"
	"github.com/clackbot/clackbot/internal/registry"
	"github.com/clackbot/clackbot/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	calls  []Request
	result *Result
	err    error
	tools  []string
}

func (f *fakeInvoker) Invoke(_ context.Context, req Request) (*Result, error) {
	f.calls = append(f.calls, req)
	for _, tool := range f.tools {
		if req.OnProgress != nil {
			req.OnProgress("🔧 " + tool)
		}
		if req.OnToolUse != nil {
			req.OnToolUse(tool, json.RawMessage(`{"q":"x"}`))
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newBrainFixture(t *testing.T) (*registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewSQLite(filepath.Join(dir, "brain.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	workDir := filepath.Join(dir, "work")
	require.NoError(t, InitBrainMemory(workDir))
	return registry.New(st), workDir
}

func TestBrainRecordsCompletedSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, workDir := newBrainFixture(t)

	inv := &fakeInvoker{
		result: &Result{Text: strings.Repeat("y", 600), ToolsUsed: []string{"Read", "Grep"}, ResumeToken: "ignored"},
		tools:  []string{"Read", "Grep", "Read"},
	}
	brain := NewBrain(inv, reg, workDir, nil)

	var progress []string
	res, err := brain.Invoke(ctx, Request{
		Prompt:     strings.Repeat("p", 300),
		ThreadID:   "T",
		ChannelID:  "C",
		OnProgress: func(line string) { progress = append(progress, line) },
	})
	require.NoError(t, err)
	assert.Empty(t, res.ResumeToken)
	assert.Len(t, progress, 3)

	require.Len(t, inv.calls, 1)
	assert.Contains(t, inv.calls[0].SystemPrompt, "Brain memory")
	assert.Equal(t, brainMaxTurns, inv.calls[0].MaxTurns)
	assert.Empty(t, inv.calls[0].ResumeToken)

	page, err := reg.ListSessions(ctx, domain.AgentSessionCompleted, domain.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	s := page.Items[0]
	assert.Equal(t, domain.AgentTypeBrain, s.AgentType)
	assert.Equal(t, "T", s.ThreadID)
	assert.Equal(t, 1, s.MessageCount)
	assert.Equal(t, []string{"Read", "Grep"}, s.ToolsUsed)
	assert.Len(t, []rune(s.TaskDescription), 200)
	assert.Len(t, []rune(s.ResultSummary), 500)
	assert.NotNil(t, s.CompletedAt)

	acts, err := reg.ListActivitiesForSession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, acts, 3)
	assert.Equal(t, domain.ActivityToolUse, acts[0].ActivityType)
	assert.Equal(t, "C", acts[0].ChannelID)
	assert.JSONEq(t, `{"input":{"q":"x"}}`, string(acts[0].Detail))
}

func TestBrainMarksFailedSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, workDir := newBrainFixture(t)

	inv := &fakeInvoker{err: errors.New("cli crashed")}
	brain := NewBrain(inv, reg, workDir, nil)

	_, err := brain.Invoke(ctx, Request{Prompt: "hi", ThreadID: "T"})
	require.ErrorIs(t, err, inv.err)

	page, err := reg.ListSessions(ctx, domain.AgentSessionFailed, domain.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "cli crashed", page.Items[0].ResultSummary)

	active, err := reg.GetActiveSessionForThread(ctx, "T")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestBrainUnavailableWithoutMemoryDir(t *testing.T) {
	t.Parallel()
	reg, _ := newBrainFixture(t)
	inv := &fakeInvoker{result: &Result{Text: "x"}}
	brain := NewBrain(inv, reg, filepath.Join(t.TempDir(), "missing"), nil)

	_, err := brain.Invoke(context.Background(), Request{Prompt: "hi"})
	require.ErrorIs(t, err, ErrBrainUnavailable)
	assert.Empty(t, inv.calls)
}

func TestBrainExpiresStaleBrainSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, workDir := newBrainFixture(t)

	stale, err := reg.Create(ctx, registry.CreateParams{AgentType: domain.AgentTypeBrain, ThreadID: "T"})
	require.NoError(t, err)

	brain := NewBrain(&fakeInvoker{result: &Result{Text: "ok"}}, reg, workDir, nil)
	_, err = brain.Invoke(ctx, Request{Prompt: "hi", ThreadID: "T"})
	require.NoError(t, err)

	got, err := reg.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentSessionExpired, got.Status)
}

func TestBrainRefusesThreadWithDelegatedSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, workDir := newBrainFixture(t)

	_, err := reg.Create(ctx, registry.CreateParams{AgentType: "researcher", ThreadID: "T"})
	require.NoError(t, err)

	brain := NewBrain(&fakeInvoker{result: &Result{Text: "ok"}}, reg, workDir, nil)
	_, err = brain.Invoke(ctx, Request{Prompt: "hi", ThreadID: "T"})
	require.ErrorIs(t, err, registry.ErrThreadBusy)
}

func TestInitBrainMemoryKeepsExistingFiles(t *testing.T) {
	t.Parallel()
	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(BrainDir(workDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(BrainDir(workDir), "memory.md"), []byte("likes tea"), 0o644))

	require.NoError(t, InitBrainMemory(workDir))

	memory, err := ReadBrainFile(workDir, "memory.md")
	require.NoError(t, err)
	assert.Equal(t, "likes tea", memory)

	for _, name := range []string{"sessions.md", "knowledge.md", "tasks.md"} {
		content, err := ReadBrainFile(workDir, name)
		require.NoError(t, err)
		assert.NotEmpty(t, content, name)
	}
	assert.DirExists(t, filepath.Join(BrainDir(workDir), "channels"))

	core, err := LoadCoreMemory(workDir)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(core, "=== Brain memory ===\n\nlikes tea"))
	assert.Contains(t, core, "=== Active sessions ===")

	missing, err := ReadBrainFile(workDir, "nope.md")
	require.NoError(t, err)
	assert.Empty(t, missing)
}
