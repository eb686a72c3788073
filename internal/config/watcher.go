package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clackbot/clackbot/internal/domain"
	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Watcher reloads the config file when it changes and publishes the session
// policy. A reload that fails validation keeps the previous policy.
type Watcher struct {
	path    string
	policy  atomic.Pointer[domain.SessionPolicy]
	logger  *slog.Logger
	reloads atomic.Int64
}

// NewWatcher creates a Watcher for path seeded with the policy of initial.
func NewWatcher(path string, initial *Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{path: path, logger: logger}
	p := initial.SessionPolicy()
	w.policy.Store(&p)
	return w
}

// Policy returns the current session policy. It has the shape of
// session.PolicyFunc.
func (w *Watcher) Policy() domain.SessionPolicy {
	return *w.policy.Load()
}

// Reloads returns how many reloads have been applied.
func (w *Watcher) Reloads() int64 {
	return w.reloads.Load()
}

// Reload re-reads the file and environment.
func (w *Watcher) Reload() error {
	cfg, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	p := cfg.SessionPolicy()
	old := w.policy.Swap(&p)
	w.reloads.Add(1)
	if *old != p {
		w.logger.Info("Session policy reloaded",
			"max_messages", p.MaxMessages,
			"timeout_minutes", p.TimeoutMinutes,
		)
	}
	return nil
}

// Run watches the file's directory until ctx is done. Editors often replace
// files by rename, so the directory is watched rather than the file.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)

	var mu sync.Mutex
	var debounce *time.Timer
	defer func() {
		mu.Lock()
		if debounce != nil {
			debounce.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := w.Reload(); err != nil {
					w.logger.Warn("Config reload rejected, keeping previous policy", "path", w.path, "error", err)
				}
			})
			mu.Unlock()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}
