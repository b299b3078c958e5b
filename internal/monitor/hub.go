// Package monitor streams call-session state transitions to websocket subscribers.
package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/util"
	"github.com/gorilla/websocket"
)

const (
	// DefaultBacklog is how many recent transition events a new subscriber receives.
	DefaultBacklog = 50
	// DefaultSendBuffer is the per-subscriber queue; a subscriber that falls this far behind is dropped.
	DefaultSendBuffer = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	readLimit  = 512
)

// Opts holds configuration options for the hub.
type Opts struct {
	Backlog    int
	SendBuffer int
}

// Option defines a configuration option for the hub.
type Option func(*Opts)

// WithBacklog sets how many recent events a new subscriber receives on connect.
func WithBacklog(n int) Option {
	return func(o *Opts) { o.Backlog = n }
}

// WithSendBuffer sets the per-subscriber queue length. Subscribers that fall this far
// behind are disconnected.
func WithSendBuffer(n int) Option {
	return func(o *Opts) { o.SendBuffer = n }
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans transition events out to websocket clients. It implements flow.Observer.
type Hub struct {
	upgrader websocket.Upgrader
	opts     Opts

	mu      sync.Mutex
	clients map[*client]struct{}
	recent  [][]byte
	closed  bool
}

// NewHub creates a hub.
func NewHub(opts ...Option) *Hub {
	cfg := Opts{Backlog: DefaultBacklog, SendBuffer: DefaultSendBuffer}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts:    cfg,
		clients: make(map[*client]struct{}),
	}
}

// OnTransition broadcasts ev. It never blocks the calling session.
func (h *Hub) OnTransition(ev models.TransitionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Hub.OnTransition: marshal failed", "callID", ev.CallID, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if h.opts.Backlog > 0 {
		h.recent = append(h.recent, data)
		if len(h.recent) > h.opts.Backlog {
			h.recent = h.recent[len(h.recent)-h.opts.Backlog:]
		}
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slog.Warn("Hub.OnTransition: dropping slow subscriber", "client", c.id)
			delete(h.clients, c)
			c.close()
		}
	}
}

// Recent returns the buffered backlog, oldest first.
func (h *Hub) Recent() []models.TransitionEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := make([]models.TransitionEvent, 0, len(h.recent))
	for _, data := range h.recent {
		var ev models.TransitionEvent
		if err := json.Unmarshal(data, &ev); err == nil {
			events = append(events, ev)
		}
	}
	return events
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Hub.ServeHTTP: websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   util.GenerateMonitorClientID(),
		conn: conn,
		send: make(chan []byte, h.opts.SendBuffer+h.opts.Backlog),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	for _, data := range h.recent {
		c.send <- data
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("Hub.ServeHTTP: subscriber connected", "client", c.id, "remote", r.RemoteAddr)
	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards client messages and detects disconnects.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
		slog.Info("Hub.readLoop: subscriber disconnected", "client", c.id)
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Hub.readLoop: read error", "client", c.id, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

// Close disconnects every subscriber and stops accepting new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}
