//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clackbot/clackbot/internal/domain"
	"github.com/clackbot/clackbot/internal/registry"
	"github.com/clackbot/clackbot/internal/session"
	"github.com/clackbot/clackbot/internal/store"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *store.SQLiteStore
	registry *registry.Registry
	sessions *session.Manager
	hub      *Hub
	router   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(st)
	mgr := session.NewManager(st, session.StaticPolicy(domain.SessionPolicy{MaxMessages: 50, TimeoutMinutes: 30}))
	hub := NewHub(10, []string{"*"}, nil)
	t.Cleanup(hub.Close)
	reg.OnActivity(hub.Publish)

	h := NewHandler(reg, st, mgr, hub, nil)
	return &fixture{
		store:    st,
		registry: reg,
		sessions: mgr,
		hub:      hub,
		router:   NewRouter(h, []string{"*"}, nil),
	}
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"foo": "bar"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	got := decode[map[string]string](t, w)
	assert.Equal(t, "bar", got["foo"])
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusNotFound, "session not found")

	assert.Equal(t, http.StatusNotFound, w.Code)
	got := decode[map[string]string](t, w)
	assert.Equal(t, "session not found", got["error"])
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.registry.Create(ctx, registry.CreateParams{AgentType: "sub", ThreadID: "T1"})
	require.NoError(t, err)
	b, err := f.registry.Create(ctx, registry.CreateParams{AgentType: "sub", ThreadID: "T2"})
	require.NoError(t, err)
	require.NoError(t, f.registry.Complete(ctx, b.ID, 1, nil, "done"))

	w := f.do(t, http.MethodGet, "/api/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	all := decode[domain.Page[domain.AgentSession]](t, w)
	assert.Equal(t, 2, all.Total)

	w = f.do(t, http.MethodGet, "/api/sessions?status=active&limit=10")
	require.Equal(t, http.StatusOK, w.Code)
	active := decode[domain.Page[domain.AgentSession]](t, w)
	require.Len(t, active.Items, 1)
	assert.Equal(t, a.ID, active.Items[0].ID)

	w = f.do(t, http.MethodGet, "/api/sessions?status=bogus")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSessionWithActivities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.registry.Create(ctx, registry.CreateParams{AgentType: "sub", ThreadID: "T1"})
	require.NoError(t, err)
	_, err = f.registry.LogActivity(ctx, registry.ActivityParams{
		SessionID: s.ID, AgentType: "sub", Type: domain.ActivityToolUse, ToolName: "Read",
	})
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/sessions/"+s.ID)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct {
		ID         string                 `json:"id"`
		Status     string                 `json:"status"`
		Activities []domain.AgentActivity `json:"activities"`
	}](t, w)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, "active", got.Status)
	require.Len(t, got.Activities, 1)
	assert.Equal(t, "Read", got.Activities[0].ToolName)

	w = f.do(t, http.MethodGet, "/api/sessions/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestKillSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.registry.Create(ctx, registry.CreateParams{AgentType: "sub", ThreadID: "T1"})
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/kill")
	require.Equal(t, http.StatusOK, w.Code)

	got, err := f.registry.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentSessionExpired, got.Status)
	assert.NotNil(t, got.CompletedAt)

	w = f.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/kill")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/sessions/missing/kill")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListActivities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.registry.Create(ctx, registry.CreateParams{AgentType: "sub"})
	require.NoError(t, err)
	for _, tool := range []string{"Read", "Grep", "Bash"} {
		_, err := f.registry.LogActivity(ctx, registry.ActivityParams{
			SessionID: s.ID, AgentType: "sub", Type: domain.ActivityToolUse, ToolName: tool,
		})
		require.NoError(t, err)
	}

	w := f.do(t, http.MethodGet, "/api/activities?session="+s.ID)
	require.Equal(t, http.StatusOK, w.Code)
	chrono := decode[[]domain.AgentActivity](t, w)
	require.Len(t, chrono, 3)
	assert.Equal(t, "Read", chrono[0].ToolName)

	w = f.do(t, http.MethodGet, "/api/activities?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	recent := decode[domain.Page[domain.AgentActivity]](t, w)
	assert.Equal(t, 3, recent.Total)
	require.Len(t, recent.Items, 2)
	assert.Equal(t, "Bash", recent.Items[0].ToolName)

	w = f.do(t, http.MethodGet, "/api/activities?session=nobody")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := "hi there"
	for i, input := range []string{"hello", "how are you"} {
		_, err := f.store.SaveConversationTurn(ctx, &domain.ConversationTurn{
			ChannelID: "C1", ThreadID: "T1", UserID: "U1",
			InputText: input, OutputText: &out,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	_, err := f.store.SaveConversationTurn(ctx, &domain.ConversationTurn{
		ChannelID: "C1", ThreadID: "T2", UserID: "U2", InputText: "deploy status?",
	})
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/conversations")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Sessions []domain.ThreadSummary `json:"sessions"`
		Total    int                    `json:"total"`
	}](t, w)
	assert.Equal(t, 2, list.Total)

	w = f.do(t, http.MethodGet, "/api/conversations?search=deploy")
	require.Equal(t, http.StatusOK, w.Code)
	list = decode[struct {
		Sessions []domain.ThreadSummary `json:"sessions"`
		Total    int                    `json:"total"`
	}](t, w)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "T2", list.Sessions[0].ThreadID)

	w = f.do(t, http.MethodGet, "/api/conversations/T1")
	require.Equal(t, http.StatusOK, w.Code)
	thread := decode[struct {
		Messages []domain.ConversationTurn `json:"messages"`
	}](t, w)
	require.Len(t, thread.Messages, 2)
	assert.Equal(t, "hello", thread.Messages[0].InputText)

	w = f.do(t, http.MethodGet, "/api/conversations/T404")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResetChatSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, err := f.sessions.GetOrCreateSession(ctx, "T1")
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/chat-sessions/T1/reset")
	require.Equal(t, http.StatusOK, w.Code)

	cs, err := f.store.GetChatSession(ctx, "T1")
	require.NoError(t, err)
	assert.Nil(t, cs)

	after, err := f.sessions.GetOrCreateSession(ctx, "T1")
	require.NoError(t, err)
	assert.NotEqual(t, before.SessionID, after.SessionID)
}

func TestActivityStream(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := f.registry.Create(ctx, registry.CreateParams{AgentType: "sub"})
	require.NoError(t, err)
	_, err = f.registry.LogActivity(ctx, registry.ActivityParams{
		SessionID: s.ID, AgentType: "sub", Type: domain.ActivityAgentSpawn,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/activities/stream", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() streamMessage {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg streamMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	replayed := read()
	assert.Equal(t, "activity", replayed.Type)
	require.NotNil(t, replayed.Activity)
	assert.Equal(t, domain.ActivityAgentSpawn, replayed.Activity.ActivityType)

	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, err = f.registry.LogActivity(ctx, registry.ActivityParams{
		SessionID: s.ID, AgentType: "sub", Type: domain.ActivityToolUse, ToolName: "WebSearch",
	})
	require.NoError(t, err)

	live := read()
	require.NotNil(t, live.Activity)
	assert.Equal(t, "WebSearch", live.Activity.ToolName)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", read().Type)
}

func TestRing(t *testing.T) {
	r := NewRing[int](3)
	assert.Empty(t, r.Snapshot())

	r.Push(1)
	r.Push(2)
	assert.Equal(t, []int{1, 2}, r.Snapshot())

	r.Push(3)
	r.Push(4)
	assert.Equal(t, []int{2, 3, 4}, r.Snapshot())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 3, r.Capacity())
}

func TestOriginPatterns(t *testing.T) {
	assert.Equal(t,
		[]string{"*", "localhost:5173", "dash.example"},
		originPatterns([]string{"*", "http://localhost:5173", "https://dash.example/", ""}),
	)
}
