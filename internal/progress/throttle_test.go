package progress

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due timers in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}

func (c *fakeClock) activeTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type recorder struct {
	mu    sync.Mutex
	edits []string
	err   error
}

func (r *recorder) edit(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edits = append(r.edits, text)
	return r.err
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.edits...)
}

func newTestThrottle(rec *recorder) (*Throttle, *fakeClock) {
	clock := newFakeClock()
	return New(rec.edit, WithClock(clock.Now, clock.AfterFunc)), clock
}

func TestFirstPushFlushesImmediately(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	th, _ := newTestThrottle(rec)

	th.Push("🔧 Read")
	assert.Equal(t, []string{"🔧 Read"}, rec.all())
}

func TestBurstCoalescesToTwoEdits(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	th, clock := newTestThrottle(rec)

	for i := range 50 {
		th.Push(fmt.Sprintf("line %d", i))
		clock.Advance(10 * time.Millisecond)
	}
	require.Len(t, rec.all(), 1)
	assert.Equal(t, 1, clock.activeTimers())

	clock.Advance(2 * time.Second)
	edits := rec.all()
	require.Len(t, edits, 2)
	assert.Equal(t, "line 45\nline 46\nline 47\nline 48\nline 49", edits[1])
	assert.Equal(t, 0, clock.activeTimers())
}

func TestTrailingFlushFiresAtRemainingInterval(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	th, clock := newTestThrottle(rec)

	th.Push("a")
	clock.Advance(500 * time.Millisecond)
	th.Push("b")

	clock.Advance(1499 * time.Millisecond)
	assert.Len(t, rec.all(), 1)

	clock.Advance(time.Millisecond)
	assert.Equal(t, []string{"a", "a\nb"}, rec.all())
}

func TestPushAfterIntervalFlushesAndStopsTimer(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	th, clock := newTestThrottle(rec)

	th.Push("a")
	clock.Advance(time.Second)
	th.Push("b")
	assert.Equal(t, 1, clock.activeTimers())

	// Time jumps without timers firing, as when the runtime is starved.
	clock.mu.Lock()
	clock.now = clock.now.Add(5 * time.Second)
	clock.mu.Unlock()

	th.Push("c")
	assert.Equal(t, []string{"a", "a\nb\nc"}, rec.all())
	assert.Equal(t, 0, clock.activeTimers())
}

func TestWindowKeepsLastFiveLines(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	th, _ := newTestThrottle(rec)

	for i := range 7 {
		th.Push(fmt.Sprintf("%d", i))
	}
	assert.Equal(t, []string{"2", "3", "4", "5", "6"}, th.Lines())
}

func TestCancelPendingDropsScheduledEdit(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	th, clock := newTestThrottle(rec)

	th.Push("a")
	th.Push("b")
	th.CancelPending()
	clock.Advance(5 * time.Second)
	th.Push("c")

	assert.Equal(t, []string{"a"}, rec.all())
}

func TestFlushNow(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	th, clock := newTestThrottle(rec)

	th.FlushNow()
	assert.Empty(t, rec.all())

	th.Push("a")
	th.Push("b")
	th.FlushNow()
	assert.Equal(t, []string{"a", "a\nb"}, rec.all())

	clock.Advance(5 * time.Second)
	assert.Len(t, rec.all(), 2)
}

func TestEditErrorsAreSwallowed(t *testing.T) {
	t.Parallel()
	rec := &recorder{err: errors.New("ratelimited")}
	th, clock := newTestThrottle(rec)

	th.Push("a")
	th.Push("b")
	clock.Advance(2 * time.Second)
	assert.Len(t, rec.all(), 2)
}

func TestBlankLinesIgnored(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	th, _ := newTestThrottle(rec)

	th.Push("   ")
	assert.Empty(t, rec.all())
	assert.Empty(t, th.Lines())
}

func TestRealTimerTrailingFlush(t *testing.T) {
	t.Parallel()
	done := make(chan string, 2)
	th := New(func(text string) error {
		done <- text
		return nil
	}, WithInterval(20*time.Millisecond))

	th.Push("a")
	th.Push("b")

	assert.Equal(t, "a", <-done)
	select {
	case text := <-done:
		assert.Equal(t, "a\nb", text)
	case <-time.After(time.Second):
		t.Fatal("trailing flush never fired")
	}
}
