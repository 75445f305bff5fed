package controller

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"devicetracker-server/internal/auth"
	"devicetracker-server/internal/modules/tracker/service"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type authEvent struct {
	Type     string `json:"type"`
	SignedIn bool   `json:"signedIn"`
}

type telemetryEvent struct {
	Type    string                 `json:"type"`
	Devices []service.DeviceResult `json:"devices"`
}

// wsClient serialises writes to one socket.
type wsClient struct {
	sessionID string
	conn      *websocket.Conn
	mu        sync.Mutex
}

func (c *wsClient) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *wsClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Hub fans telemetry notifications out to the sockets of a browser session.
type Hub struct {
	logger  *slog.Logger
	mu      sync.Mutex
	clients map[string]map[*wsClient]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{logger: logger, clients: make(map[string]map[*wsClient]struct{})}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.sessionID] == nil {
		h.clients[c.sessionID] = make(map[*wsClient]struct{})
	}
	h.clients[c.sessionID][c] = struct{}{}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[c.sessionID], c)
	if len(h.clients[c.sessionID]) == 0 {
		delete(h.clients, c.sessionID)
	}
}

func (h *Hub) session(sessionID string) []*wsClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*wsClient, 0, len(h.clients[sessionID]))
	for c := range h.clients[sessionID] {
		out = append(out, c)
	}
	return out
}

// NotifyTelemetry tells the session's open pages to reload the map.
func (h *Hub) NotifyTelemetry(sessionID string, res service.RefreshResult) {
	ev := telemetryEvent{Type: "telemetry", Devices: res.Devices}
	for _, c := range h.session(sessionID) {
		if err := c.send(ev); err != nil {
			h.logger.Debug("ws send failed", "session_id", sessionID, "error", err)
			_ = c.conn.Close()
		}
	}
}

// Close drops every open socket. The HTTP server does not track hijacked
// connections, so shutdown calls this explicitly.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*wsClient
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		_ = c.conn.Close()
	}
}

func (c *trackerControllerImpl) handleWS(w http.ResponseWriter, r *http.Request) {
	sid := auth.SessionID(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	client := &wsClient{sessionID: sid, conn: conn}
	c.hub.add(client)

	unsubscribe := c.gate.OnAuthChange(sid, func(u *auth.User) {
		if err := client.send(authEvent{Type: "auth", SignedIn: u != nil}); err != nil {
			c.logger.Debug("ws auth event failed", "session_id", sid, "error", err)
		}
	})

	done := make(chan struct{})
	go c.pingLoop(client, done)

	defer func() {
		close(done)
		unsubscribe()
		c.hub.remove(client)
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *trackerControllerImpl) pingLoop(client *wsClient, done <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := client.ping(); err != nil {
				_ = client.conn.Close()
				return
			}
			// An open page counts as activity for idle eviction.
			c.gate.Touch(client.sessionID)
			c.tracker.Sessions().Touch(client.sessionID)
		}
	}
}
