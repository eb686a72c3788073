package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/clackbot/clackbot/internal/domain"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	clientSendBuffer = 32
	writeTimeout     = 5 * time.Second
)

// streamMessage is the envelope written to activity stream clients.
type streamMessage struct {
	Type     string                `json:"type"`
	Activity *domain.AgentActivity `json:"activity,omitempty"`
}

type streamClient struct {
	id   string
	send chan []byte
}

// Hub fans newly logged activities out to websocket clients. New clients
// first receive the most recent activities from a replay ring.
type Hub struct {
	origins []string
	replay  *Ring[[]byte]
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[string]*streamClient
	closed  bool
}

// NewHub creates a Hub replaying up to replay activities. origins are the
// allowed browser origins; "*" allows any.
func NewHub(replay int, origins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		origins: originPatterns(origins),
		replay:  NewRing[[]byte](replay),
		logger:  logger,
		clients: make(map[string]*streamClient),
	}
}

// Publish sends a to every connected client. It never blocks: a client whose
// buffer is full is disconnected.
func (h *Hub) Publish(a domain.AgentActivity) {
	data, err := json.Marshal(streamMessage{Type: "activity", Activity: &a})
	if err != nil {
		h.logger.Error("Failed to encode activity", "error", err, "activity_id", a.ID)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replay.Push(data)
	for id, c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("Activity stream client too slow, disconnecting", "client_id", id)
			delete(h.clients, id)
			close(c.send)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

// register adds a client and returns the replay backlog. Both happen under
// the publish lock so no activity is delivered twice or skipped.
func (h *Hub) register() (*streamClient, [][]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, false
	}
	c := &streamClient{
		id:   uuid.NewString(),
		send: make(chan []byte, clientSendBuffer),
	}
	h.clients[c.id] = c
	h.logger.Info("Activity stream client registered", "client_id", c.id)
	return c, h.replay.Snapshot(), true
}

func (h *Hub) unregister(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[c.id]; ok && current == c {
		delete(h.clients, c.id)
		close(c.send)
		h.logger.Info("Activity stream client unregistered", "client_id", c.id)
	}
}

// ServeHTTP upgrades the request and streams activities until the client
// goes away or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("Failed to accept activity stream", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	c, backlog, ok := h.register()
	if !ok {
		return
	}
	defer h.unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for _, data := range backlog {
		if err := h.write(ctx, ws, data); err != nil {
			return
		}
	}

	go func() {
		defer cancel()
		h.readLoop(ctx, ws, c.id)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := h.write(ctx, ws, data); err != nil {
				h.logger.Debug("Activity stream write error", "error", err, "client_id", c.id)
				return
			}
		}
	}
}

// readLoop answers pings and notices client close.
func (h *Hub) readLoop(ctx context.Context, ws *websocket.Conn, clientID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("Activity stream closed by client", "client_id", clientID)
			}
			return
		}

		var msg streamMessage
		if json.Unmarshal(message, &msg) != nil {
			continue
		}
		if msg.Type == "ping" {
			pong, _ := json.Marshal(streamMessage{Type: "pong"})
			if err := h.write(ctx, ws, pong); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, ws *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

// originPatterns turns configured origins into host patterns as expected by
// websocket.AcceptOptions.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		o = strings.TrimSuffix(o, "/")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}
