package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clackbot/clackbot/internal/domain"
	"github.com/clackbot/clackbot/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu        sync.Mutex
	sessions  map[string]domain.ChatSession
	failGet   error
	deletions int
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]domain.ChatSession)}
}

func (s *memStore) GetChatSession(_ context.Context, threadID string) (*domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return nil, s.failGet
	}
	sess, ok := s.sessions[threadID]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (s *memStore) UpsertChatSession(_ context.Context, session *domain.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ThreadID] = *session
	return nil
}

func (s *memStore) DeleteChatSession(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, threadID)
	s.deletions++
	return nil
}

func (s *memStore) ListIdleChatThreads(_ context.Context, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var threads []string
	for id, sess := range s.sessions {
		if sess.LastActiveAt.Before(before) {
			threads = append(threads, id)
		}
	}
	return threads, nil
}

func (s *memStore) DeleteChatSessionIfIdle(_ context.Context, threadID string, before time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[threadID]
	if !ok || !sess.LastActiveAt.Before(before) {
		return false, nil
	}
	delete(s.sessions, threadID)
	s.deletions++
	return true, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("sess-%d", n)
	}
}

var testPolicy = domain.SessionPolicy{MaxMessages: 3, TimeoutMinutes: 30}

func newTestManager(st Store) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	m := NewManager(st, StaticPolicy(testPolicy), WithClock(clock.Now), WithIDGenerator(sequentialIDs()))
	return m, clock
}

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

func TestGetOrCreateSessionCreatesFresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newMemStore()
	m, clock := newTestManager(st)

	s1, err := m.GetOrCreateSession(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", s1.SessionID)
	assert.Equal(t, 0, s1.MessageCount)
	assert.Empty(t, s1.ResumeToken)
	assert.Equal(t, clock.Now(), s1.CreatedAt)
	assert.Equal(t, clock.Now(), s1.LastActiveAt)

	stored, err := st.GetChatSession(ctx, "T")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "sess-1", stored.SessionID)
}

func TestUpdateThenGetKeepsSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, clock := newTestManager(newMemStore())

	s1, err := m.GetOrCreateSession(ctx, "T")
	require.NoError(t, err)

	require.NoError(t, m.UpdateSession(ctx, "T", Update{MessageCount: intPtr(1)}))
	clock.Advance(time.Minute)

	s2, err := m.GetOrCreateSession(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, s1.SessionID, s2.SessionID)
	assert.Equal(t, 1, s2.MessageCount)
	assert.Equal(t, clock.Now(), s2.LastActiveAt)
}

func TestResumeContinuity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestManager(newMemStore())

	_, err := m.GetOrCreateSession(ctx, "T")
	require.NoError(t, err)
	require.NoError(t, m.UpdateSession(ctx, "T", Update{ResumeToken: strPtr("X")}))

	s, err := m.GetOrCreateSession(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, "X", s.ResumeToken)
	assert.Equal(t, 0, s.MessageCount, "unsupplied fields are unchanged")
}

func TestAutoResetOnMessageCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newMemStore()
	m, _ := newTestManager(st)

	s1, err := m.GetOrCreateSession(ctx, "T")
	require.NoError(t, err)
	require.NoError(t, m.UpdateSession(ctx, "T", Update{ResumeToken: strPtr("old"), MessageCount: intPtr(testPolicy.MaxMessages)}))

	s2, err := m.GetOrCreateSession(ctx, "T")
	require.NoError(t, err)
	assert.NotEqual(t, s1.SessionID, s2.SessionID)
	assert.Equal(t, 0, s2.MessageCount)
	assert.Empty(t, s2.ResumeToken)
	assert.Equal(t, 1, st.deletions)
}

func TestAutoResetOnTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, clock := newTestManager(newMemStore())

	s1, err := m.GetOrCreateSession(ctx, "T")
	require.NoError(t, err)

	clock.Advance(testPolicy.Timeout())
	s2, err := m.GetOrCreateSession(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, s1.SessionID, s2.SessionID, "exactly the timeout is not stale")

	clock.Advance(testPolicy.Timeout() + time.Millisecond)
	s3, err := m.GetOrCreateSession(ctx, "T")
	require.NoError(t, err)
	assert.NotEqual(t, s1.SessionID, s3.SessionID)
	assert.Equal(t, 0, s3.MessageCount)
}

func TestPolicyIsReadOnEveryCall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	policy := testPolicy
	var mu sync.Mutex
	m := NewManager(newMemStore(), func() domain.SessionPolicy {
		mu.Lock()
		defer mu.Unlock()
		return policy
	}, WithClock(clock.Now), WithIDGenerator(sequentialIDs()))

	s1, err := m.GetOrCreateSession(ctx, "T")
	require.NoError(t, err)
	require.NoError(t, m.UpdateSession(ctx, "T", Update{MessageCount: intPtr(1)}))

	mu.Lock()
	policy.MaxMessages = 1
	mu.Unlock()

	s2, err := m.GetOrCreateSession(ctx, "T")
	require.NoError(t, err)
	assert.NotEqual(t, s1.SessionID, s2.SessionID)
}

func TestUpdateSessionWithoutSessionIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newMemStore()
	m, _ := newTestManager(st)

	require.NoError(t, m.UpdateSession(ctx, "missing", Update{MessageCount: intPtr(4)}))
	got, err := st.GetChatSession(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResetSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newMemStore()
	m, _ := newTestManager(st)

	s1, err := m.GetOrCreateSession(ctx, "T")
	require.NoError(t, err)
	require.NoError(t, m.ResetSession(ctx, "T"))

	got, err := st.GetChatSession(ctx, "T")
	require.NoError(t, err)
	assert.Nil(t, got)

	s2, err := m.GetOrCreateSession(ctx, "T")
	require.NoError(t, err)
	assert.NotEqual(t, s1.SessionID, s2.SessionID)
}

func TestGetOrCreateSessionPropagatesStoreErrors(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	st.failGet = errors.New("disk gone")
	m, _ := newTestManager(st)

	_, err := m.GetOrCreateSession(context.Background(), "T")
	require.ErrorIs(t, err, st.failGet)
}

func TestManagerWithSQLiteStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	m := NewManager(repo, StaticPolicy(testPolicy))
	s1, err := m.GetOrCreateSession(ctx, "T")
	require.NoError(t, err)
	require.NoError(t, m.UpdateSession(ctx, "T", Update{ResumeToken: strPtr("tok"), MessageCount: intPtr(1)}))

	s2, err := m.GetOrCreateSession(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, s1.SessionID, s2.SessionID)
	assert.Equal(t, "tok", s2.ResumeToken)
	assert.Equal(t, 1, s2.MessageCount)
}

func TestPurgeIdleDeletesIdleSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, clock := newTestManager(newMemStore())

	_, err := m.GetOrCreateSession(ctx, "old")
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = m.GetOrCreateSession(ctx, "fresh")
	require.NoError(t, err)

	n, err := m.PurgeIdle(ctx, clock.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := m.store.GetChatSession(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = m.store.GetChatSession(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestPurgeIdleSkipsThreadWithTurnInFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, clock := newTestManager(newMemStore())

	unlock, err := m.Locks().Lock(ctx, "T")
	require.NoError(t, err)
	_, err = m.GetOrCreateSession(ctx, "T")
	require.NoError(t, err)

	// The turn outlives the session timeout.
	clock.Advance(2 * time.Hour)
	n, err := m.PurgeIdle(ctx, clock.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, m.UpdateSession(ctx, "T", Update{ResumeToken: strPtr("resume-X"), MessageCount: intPtr(1)}))
	unlock()

	got, err := m.store.GetChatSession(ctx, "T")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "resume-X", got.ResumeToken)
	assert.Equal(t, 1, got.MessageCount)

	// Once the turn is done the session is purgeable again.
	clock.Advance(2 * time.Hour)
	n, err = m.PurgeIdle(ctx, clock.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Zero(t, m.Locks().Len())
}
