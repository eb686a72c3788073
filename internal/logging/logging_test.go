package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestInitJSONWithComponent(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger, closer := Init(Config{Level: "info"}, &buf)
	defer closer.Close()

	ForComponent(logger, CompRouter).Info("Routing message", "thread_id", "T1")
	logger.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "router", rec["component"])
	assert.Equal(t, "T1", rec["thread_id"])
	assert.Equal(t, "Routing message", rec["msg"])
}

func TestInitWritesRotatedFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	var buf bytes.Buffer
	logger, closer := Init(Config{Format: "text", Dir: dir}, &buf)
	logger.Warn("disk check")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "clackbot.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=\"disk check\"")
	assert.Contains(t, buf.String(), "level=WARN")
}
