package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pricewatch/internal/feed"
	"pricewatch/internal/notify"
	"pricewatch/internal/prices"
)

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type statusPayload struct {
	State feed.State `json:"state"`
	Error string     `json:"error,omitempty"`
}

// Hub fans engine events out to browser websocket clients. It is a
// notify.Notifier, an engine.TickObserver and an engine.StatusObserver.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
	logger     *zap.Logger

	// last status, replayed to each new client
	mu     sync.Mutex
	status []byte
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    map[*client]bool{},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 1024),
		done:       make(chan struct{}),
		logger:     logger,
		status:     marshalWS("status", statusPayload{State: feed.Disconnected}),
	}
}

// Run serves the hub until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.mu.Lock()
			st := h.status
			h.mu.Unlock()
			c.send <- st
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
		}
	}
}

// publish never blocks the caller; the engine loop calls it.
func (h *Hub) publish(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws broadcast dropped", zap.Int("bytes", len(msg)))
	}
}

func (h *Hub) Notify(_ context.Context, n notify.Notification) {
	h.publish(marshalWS("alert", n))
}

func (h *Hub) OnTick(_ context.Context, _ feed.Tick, rec prices.Record) {
	h.publish(marshalWS("price", rec))
}

func (h *Hub) OnStatus(ev feed.StatusEvent) {
	p := statusPayload{State: ev.State}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}
	msg := marshalWS("status", p)
	h.mu.Lock()
	h.status = msg
	h.mu.Unlock()
	h.publish(msg)
	if ev.Err != nil {
		h.BroadcastError(ev.Err.Error())
	}
}

// BroadcastError pushes a transient error message. Unlike status it is not
// replayed to clients that connect later.
func (h *Hub) BroadcastError(msg string) {
	h.publish(marshalWS("error", map[string]string{"message": msg}))
}

var upgrader = websocket.Upgrader{
	HandshakeTimeout:  10 * time.Second,
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	CheckOrigin:       func(r *http.Request) bool { return true }, // SPA local
	EnableCompression: true,
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade", zap.Error(err))
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(25 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return
			}
		}
	}
}

func marshalWS(t string, v any) []byte {
	b, _ := json.Marshal(wsMessage{Type: t, Data: v})
	return b
}
