package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clackbot/clackbot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Empty(t, cfg.File)
	assert.Equal(t, "3847", cfg.Web.Port)
	assert.Equal(t, domain.SessionPolicy{MaxMessages: 50, TimeoutMinutes: 30}, cfg.SessionPolicy())
	assert.Equal(t, 2*time.Second, cfg.Personality.ProgressInterval.Duration)
	assert.Equal(t, 24*time.Hour, cfg.Agent.SessionTTL.Duration)
	assert.True(t, cfg.Personality.ShowProgress)
	assert.Equal(t, 3000, cfg.Personality.MaxMessageLength)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
db_path = "/data/bot.db"

[session]
max_messages = 20
timeout_minutes = 10

[personality]
thinking_message = "One moment"
show_progress = false
progress_interval = "3s"

[agent]
session_ttl = "6h"

[slack]
owner_user_id = "UFILE"
`)
	t.Setenv("CLACKBOT_SESSION_TIMEOUT_MINUTES", "45")
	t.Setenv("CLACKBOT_OWNER_USER_ID", "UENV")
	t.Setenv("CLACKBOT_CORS_ORIGINS", "http://localhost:5173, https://dash.example")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "/data/bot.db", cfg.DBPath)
	assert.Equal(t, domain.SessionPolicy{MaxMessages: 20, TimeoutMinutes: 45}, cfg.SessionPolicy())
	assert.Equal(t, "One moment", cfg.Personality.ThinkingMessage)
	assert.False(t, cfg.Personality.ShowProgress)
	assert.Equal(t, 3*time.Second, cfg.Personality.ProgressInterval.Duration)
	assert.Equal(t, 6*time.Hour, cfg.Agent.SessionTTL.Duration)
	assert.Equal(t, "UENV", cfg.Slack.OwnerUserID)
	assert.Equal(t, []string{"http://localhost:5173", "https://dash.example"}, cfg.Web.CORSOrigins)
}

func TestLoadFileRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"max messages zero", "CLACKBOT_SESSION_MAX_MESSAGES", "0"},
		{"max messages too big", "CLACKBOT_SESSION_MAX_MESSAGES", "1001"},
		{"timeout too long", "CLACKBOT_SESSION_TIMEOUT_MINUTES", "1441"},
		{"tiny messages", "CLACKBOT_MAX_MESSAGE_LENGTH", "10"},
		{"empty db path", "CLACKBOT_DB_PATH", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := LoadFile("")
			require.Error(t, err)
		})
	}
}

func TestLoadFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[session\nmax_messages = ")

	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestValidateSlack(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.ValidateSlack())

	cfg.Slack.BotToken = "xoxb-1"
	cfg.Slack.AppToken = "xoxb-wrong"
	require.Error(t, cfg.ValidateSlack())

	cfg.Slack.AppToken = "xapp-1"
	require.NoError(t, cfg.ValidateSlack())
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[session]\nmax_messages = 5\n")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	w := NewWatcher(path, cfg, nil)
	assert.Equal(t, 5, w.Policy().MaxMessages)

	writeFile(t, path, "[session]\nmax_messages = 7\ntimeout_minutes = 3\n")
	require.NoError(t, w.Reload())
	assert.Equal(t, domain.SessionPolicy{MaxMessages: 7, TimeoutMinutes: 3}, w.Policy())

	writeFile(t, path, "[session]\nmax_messages = 0\n")
	require.Error(t, w.Reload())
	assert.Equal(t, 7, w.Policy().MaxMessages, "invalid reload keeps the old policy")
}

func TestWatcherPicksUpFileChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[session]\nmax_messages = 5\n")
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	w := NewWatcher(path, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, path, "[session]\nmax_messages = 9\n")

	assert.Eventually(t, func() bool {
		return w.Policy().MaxMessages == 9
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLoadFileProjects(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[projects.dev]
path = "/src/dev"

[projects.game_server]
path = "/src/game"
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"dev": "/src/dev", "game_server": "/src/game"}, cfg.ProjectPaths())

	require.NoError(t, os.WriteFile(path, []byte("[projects.\"my-app\"]\npath = \"/src/app\"\n"), 0o644))
	_, err = LoadFile(path)
	require.ErrorContains(t, err, "letters, digits and underscores")

	require.NoError(t, os.WriteFile(path, []byte("[projects.dev]\n"), 0o644))
	_, err = LoadFile(path)
	require.ErrorContains(t, err, "needs a path")
}
