// Package present renders surfaces on concrete transports: WebSocket clients
// and Telegram chats.
package present

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/atmx/session-engine/internal/metrics"
	"github.com/atmx/session-engine/internal/model"
	"github.com/atmx/session-engine/internal/view"
)

// Message types on the socket.
const (
	TypeSurface    = "surface"
	TypeInvalidate = "invalidate"
	TypeAction     = "action"
	TypeError      = "error"
)

// WSMessage is the JSON frame exchanged with clients. Servers send surface and
// invalidate frames; clients send action frames.
type WSMessage struct {
	Type    string         `json:"type"`
	Ref     string         `json:"ref,omitempty"`
	Surface *model.Surface `json:"surface,omitempty"`
	Action  string         `json:"action,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ErrClosed is returned once the hub has stopped.
var ErrClosed = errors.New("present: hub closed")

// Dispatcher runs an action a client pressed.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID, actionID string) error
}

type wsClient struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

type delivery struct {
	userID string
	data   []byte
}

// WSHub keeps the sockets of every connected user and delivers surfaces to
// them. A user may hold several sockets; all receive the same frames.
type WSHub struct {
	register   chan *wsClient
	unregister chan *wsClient
	deliver    chan delivery
	done       chan struct{}

	mu         sync.RWMutex
	clients    map[string]map[*wsClient]struct{}
	last       map[string][]byte
	dispatcher Dispatcher
	log        *slog.Logger
}

// NewWSHub creates a hub. Run must be started before clients connect.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		deliver:    make(chan delivery, 256),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*wsClient]struct{}),
		last:       make(map[string][]byte),
		log:        logger.With(slog.String("component", "ws")),
	}
}

// SetDispatcher routes inbound action frames.
func (h *WSHub) SetDispatcher(d Dispatcher) {
	h.mu.Lock()
	h.dispatcher = d
	h.mu.Unlock()
}

// Run is the hub's event loop. It returns when ctx is done.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
					metrics.WebSocketClients.Dec()
				}
			}
			h.clients = make(map[string]map[*wsClient]struct{})
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[c.userID]
			if !ok {
				set = make(map[*wsClient]struct{})
				h.clients[c.userID] = set
			}
			set[c] = struct{}{}
			// A fresh socket sees the current prompt right away.
			if data, ok := h.last[c.userID]; ok {
				h.offer(c, data)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			h.log.Info("ws client connected", "user", c.userID)

		case c := <-h.unregister:
			h.mu.Lock()
			h.drop(c)
			h.mu.Unlock()

		case d := <-h.deliver:
			h.mu.Lock()
			for c := range h.clients[d.userID] {
				h.offer(c, d.data)
			}
			h.mu.Unlock()
		}
	}
}

// offer queues data on c without blocking; slow clients are disconnected.
// Caller holds h.mu.
func (h *WSHub) offer(c *wsClient, data []byte) {
	select {
	case c.send <- data:
	default:
		h.log.Warn("ws client too slow, dropping", "user", c.userID)
		h.drop(c)
	}
}

// drop removes c. Caller holds h.mu.
func (h *WSHub) drop(c *wsClient) {
	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	close(c.send)
	metrics.WebSocketClients.Dec()
}

func (h *WSHub) send(ctx context.Context, userID string, msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("present: marshal %s: %w", msg.Type, err)
	}
	h.mu.Lock()
	switch {
	case msg.Type == TypeSurface && msg.Surface.Kind.Actionable():
		h.last[userID] = data
	case msg.Type == TypeInvalidate:
		delete(h.last, userID)
	}
	h.mu.Unlock()

	select {
	case h.deliver <- delivery{userID: userID, data: data}:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Present sends s to every socket of userID. Users without a socket receive
// the surface on their next connection.
func (h *WSHub) Present(ctx context.Context, userID string, s model.Surface) (model.SurfaceRef, error) {
	ref := model.SurfaceRef(uuid.New().String())
	if err := h.send(ctx, userID, WSMessage{Type: TypeSurface, Ref: string(ref), Surface: &s}); err != nil {
		return "", err
	}
	return ref, nil
}

// Invalidate tells clients to disable the actions of ref.
func (h *WSHub) Invalidate(ctx context.Context, userID string, ref model.SurfaceRef) error {
	return h.send(ctx, userID, WSMessage{Type: TypeInvalidate, Ref: string(ref)})
}

// Connected reports how many sockets userID holds.
func (h *WSHub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// ServeUser upgrades the request and attaches the socket to userID.
func (h *WSHub) ServeUser(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "err", err)
		return
	}
	c := &wsClient{userID: userID, conn: conn, send: make(chan []byte, 16)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != TypeAction || msg.Action == "" {
			continue
		}
		h.mu.RLock()
		d := h.dispatcher
		h.mu.RUnlock()
		if d == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := d.Dispatch(ctx, c.userID, msg.Action); err != nil {
			h.log.Warn("ws action failed", "user", c.userID, "action", msg.Action, "err", err)
		}
		cancel()
	}
}

var _ view.Presenter = (*WSHub)(nil)
