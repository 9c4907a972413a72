package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"commodex/internal/auth"
	"commodex/internal/game"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 << 10
	sendBuffer     = 64
	inboxBuffer    = 32
	dropLogEveryN  = 50
	broadcastLabel = "*"
)

// Frame is the wire envelope in both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ConnMetrics tracks open connections.
type ConnMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
}

type nopConnMetrics struct{}

func (nopConnMetrics) ConnectionOpened() {}
func (nopConnMetrics) ConnectionClosed() {}

// DispatchFunc handles one inbound frame. Frames from one connection are
// dispatched strictly in arrival order.
type DispatchFunc func(ctx context.Context, c *Client, f Frame)

// Client is one live connection.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	id      auth.Identity
	send    chan []byte
	inbox   chan Frame
	dropped atomic.Int64
}

func (c *Client) Identity() auth.Identity { return c.id }

// Emit queues an event for this connection only.
func (c *Client) Emit(event string, payload any) {
	msg, err := encodeFrame(event, payload)
	if err != nil {
		c.hub.log.Error("encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id.UserID][c]; ok {
		c.hub.enqueue(c, msg)
	}
}

// Hub tracks connections per user and implements game.Notifier.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	log      *zap.Logger
	metrics  ConnMetrics
	upgrader websocket.Upgrader
}

func NewHub(logger *zap.Logger, m ConnMetrics, allowOrigins []string) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = nopConnMetrics{}
	}
	h := &Hub{
		clients: map[string]map[*Client]struct{}{},
		log:     logger,
		metrics: m,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowOrigins),
	}
	return h
}

func originChecker(allow []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allow {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	return json.Marshal(outFrame{Type: event, Data: payload})
}

func (h *Hub) EmitToUser(userID, event string, payload any) {
	msg, err := encodeFrame(event, payload)
	if err != nil {
		h.log.Error("encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		h.enqueue(c, msg)
	}
}

func (h *Hub) EmitToAll(event string, payload any) {
	msg, err := encodeFrame(event, payload)
	if err != nil {
		h.log.Error("encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.clients {
		for c := range conns {
			h.enqueue(c, msg)
		}
	}
}

// enqueue never blocks. A slow reader loses frames rather than stalling
// the emitter. Caller holds h.mu.
func (h *Hub) enqueue(c *Client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		if n := c.dropped.Add(1); n%dropLogEveryN == 1 {
			h.log.Warn("slow client, dropping frames", zap.String("user_id", c.id.UserID), zap.Int64("dropped", n))
		}
	}
}

// Connected reports how many connections userID holds. "*" counts all.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if userID == broadcastLabel {
		n := 0
		for _, conns := range h.clients {
			n += len(conns)
		}
		return n
	}
	return len(h.clients[userID])
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	conns, ok := h.clients[c.id.UserID]
	if !ok {
		conns = map[*Client]struct{}{}
		h.clients[c.id.UserID] = conns
	}
	conns[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.ConnectionOpened()
	h.log.Info("client connected", zap.String("user_id", c.id.UserID))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if conns, ok := h.clients[c.id.UserID]; ok {
		if _, ok := conns[c]; ok {
			delete(conns, c)
			close(c.send)
		}
		if len(conns) == 0 {
			delete(h.clients, c.id.UserID)
		}
	}
	h.mu.Unlock()
	h.metrics.ConnectionClosed()
	h.log.Info("client disconnected", zap.String("user_id", c.id.UserID))
}

// Serve upgrades the request and runs the connection until the peer goes
// away. One goroutine reads frames into the inbox, one drains it through
// dispatch, one writes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, id auth.Identity, dispatch DispatchFunc) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		hub:   h,
		conn:  conn,
		id:    id,
		send:  make(chan []byte, sendBuffer),
		inbox: make(chan Frame, inboxBuffer),
	}
	h.register(c)

	go c.writePump()

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for f := range c.inbox {
			dispatch(ctx, c, f)
		}
	}()

	c.readPump()
	close(c.inbox)
	<-done
	h.unregister(c)
}

func (c *Client) readPump() {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read", zap.String("user_id", c.id.UserID), zap.Error(err))
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Type == "" {
			c.Emit(game.EventError, map[string]string{"message": "malformed frame"})
			continue
		}
		c.inbox <- f
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
