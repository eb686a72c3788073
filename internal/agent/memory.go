package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// BrainDirName is the brain memory directory inside the working dir.
const BrainDirName = "brain"

var defaultBrainFiles = map[string]string{
	"memory.md":    "# Brain memory\n\nUser profile, preferences and key patterns.\n",
	"sessions.md":  "# Active sessions\n\nSummary of running sub-agent sessions.\n",
	"knowledge.md": "# Learned knowledge\n\nChannel context, work patterns, recurring tasks.\n",
	"tasks.md":     "# Task history\n\nCompleted and in-progress work.\n",
}

// BrainDir returns the brain memory directory for workDir.
func BrainDir(workDir string) string {
	return filepath.Join(workDir, BrainDirName)
}

// InitBrainMemory creates the brain directory and any missing default files.
// Existing files are left untouched.
func InitBrainMemory(workDir string) error {
	dir := BrainDir(workDir)
	if err := os.MkdirAll(filepath.Join(dir, "channels"), 0o755); err != nil {
		return fmt.Errorf("create brain directory: %w", err)
	}
	for name, content := range defaultBrainFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", name, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// ReadBrainFile returns a brain file's content, or "" if it does not exist.
func ReadBrainFile(workDir, name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(BrainDir(workDir), name))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read brain file %s: %w", name, err)
	}
	return string(b), nil
}

// LoadCoreMemory joins memory.md and sessions.md for the brain system prompt.
// It fails with ErrBrainUnavailable when the brain directory is unusable.
func LoadCoreMemory(workDir string) (string, error) {
	info, err := os.Stat(BrainDir(workDir))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBrainUnavailable, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrBrainUnavailable, BrainDir(workDir))
	}

	var parts []string
	for _, f := range []struct{ name, title string }{
		{"memory.md", "=== Brain memory ==="},
		{"sessions.md", "=== Active sessions ==="},
	} {
		content, err := ReadBrainFile(workDir, f.name)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBrainUnavailable, err)
		}
		if content != "" {
			parts = append(parts, f.title, content)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
