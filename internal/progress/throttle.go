// Package progress turns a fast stream of agent status lines into a bounded
// rate of placeholder edits.
package progress

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultInterval is the minimum spacing between two edits.
	DefaultInterval = 2 * time.Second
	// DefaultWindow is the number of status lines shown at once.
	DefaultWindow = 5
)

// EditFunc performs one UI edit with the rendered status block.
type EditFunc func(text string) error

// Timer is the part of *time.Timer the throttle uses.
type Timer interface {
	Stop() bool
}

// Throttle coalesces status lines. It is safe for concurrent use.
type Throttle struct {
	edit      EditFunc
	interval  time.Duration
	window    int
	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer
	logger    *slog.Logger

	mu         sync.Mutex
	lines      []string
	lastUpdate time.Time
	pending    bool
	timer      Timer
	timerGen   uint64
	stopped    bool

	editMu sync.Mutex
}

// Option configures a Throttle.
type Option func(*Throttle)

// WithInterval sets the minimum spacing between edits.
func WithInterval(d time.Duration) Option {
	return func(t *Throttle) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithWindow sets how many recent lines are rendered.
func WithWindow(n int) Option {
	return func(t *Throttle) {
		if n > 0 {
			t.window = n
		}
	}
}

// WithClock replaces the time source and timer factory.
func WithClock(now func() time.Time, afterFunc func(time.Duration, func()) Timer) Option {
	return func(t *Throttle) {
		t.now = now
		t.afterFunc = afterFunc
	}
}

// WithLogger sets the logger used for swallowed edit failures.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Throttle) { t.logger = logger }
}

// New creates a Throttle that calls edit at most once per interval.
func New(edit EditFunc, opts ...Option) *Throttle {
	t := &Throttle{
		edit:     edit,
		interval: DefaultInterval,
		window:   DefaultWindow,
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Push records a status line. The edit happens now if the interval has
// elapsed since the last one, otherwise a single trailing edit is scheduled.
func (t *Throttle) Push(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.window {
		t.lines = t.lines[len(t.lines)-t.window:]
	}

	now := t.now()
	elapsed := now.Sub(t.lastUpdate)
	if elapsed >= t.interval {
		t.lastUpdate = now
		t.pending = false
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		text := t.render()
		t.mu.Unlock()
		t.apply(text)
		return
	}

	t.pending = true
	if t.timer == nil {
		t.timerGen++
		gen := t.timerGen
		t.timer = t.afterFunc(t.interval-elapsed, func() { t.fire(gen) })
	}
	t.mu.Unlock()
}

// FlushNow performs an edit with the current window if an update is pending.
func (t *Throttle) FlushNow() {
	t.mu.Lock()
	if t.stopped || !t.pending {
		t.mu.Unlock()
		return
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = false
	t.lastUpdate = t.now()
	text := t.render()
	t.mu.Unlock()
	t.apply(text)
}

// CancelPending drops any scheduled edit and ignores later pushes. It waits
// for an edit already in flight, so the caller may overwrite the placeholder
// afterwards without being clobbered.
func (t *Throttle) CancelPending() {
	t.mu.Lock()
	t.stopped = true
	t.pending = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	t.editMu.Lock()
	t.editMu.Unlock() //nolint:staticcheck // waits for an in-flight edit
}

// Lines returns a copy of the current window.
func (t *Throttle) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

func (t *Throttle) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.timerGen || t.timer == nil {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	if t.stopped || !t.pending {
		t.mu.Unlock()
		return
	}
	t.pending = false
	t.lastUpdate = t.now()
	text := t.render()
	t.mu.Unlock()
	t.apply(text)
}

// render must be called with mu held.
func (t *Throttle) render() string {
	return strings.Join(t.lines, "\n")
}

func (t *Throttle) apply(text string) {
	t.editMu.Lock()
	defer t.editMu.Unlock()

	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}

	if err := t.edit(text); err != nil {
		t.logger.Debug("Progress edit failed", "error", err)
	}
}
