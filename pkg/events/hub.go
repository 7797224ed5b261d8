package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	// clientQueue bounds the per-hub event backlog. Metrics ticks dominate
	// the stream, so the queue must absorb a few seconds of them.
	clientQueue = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard and the agent may be served from different origins;
	// the stream carries no credentials and is read-mostly.
	CheckOrigin: func(*http.Request) bool { return true },
}

// StateFunc produces the current in-memory snapshot sent in response to a
// client "request-state" frame.
type StateFunc func() any

// Hub bridges the event bus to WebSocket clients. One Hub exists per
// process; it subscribes to the bus once and fans frames out to every
// connected client.
type Hub struct {
	bus   *Bus
	state StateFunc

	mu      sync.RWMutex
	clients map[string]*client

	cancel context.CancelFunc
	done   chan struct{}
}

type client struct {
	id   string
	conn *websocket.Conn

	// writeMu serialises writes: the broadcast loop and per-client
	// request-state responses share the connection.
	writeMu sync.Mutex
}

// clientFrame is a message from a dashboard client.
type clientFrame struct {
	Type string `json:"type"` // "request-state"
}

// NewHub creates a hub over the given bus. state may be nil, in which case
// request-state frames are answered with an empty object.
func NewHub(bus *Bus, state StateFunc) *Hub {
	return &Hub{
		bus:     bus,
		state:   state,
		clients: make(map[string]*client),
	}
}

// Start launches the broadcast loop. Calling Start twice is a no-op.
func (h *Hub) Start(ctx context.Context) {
	if h.cancel != nil {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})

	events, unsubscribe := h.bus.Subscribe(clientQueue)
	go func() {
		defer close(h.done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				h.broadcast(evt)
			}
		}
	}()
}

// Stop closes all client connections and stops the broadcast loop.
func (h *Hub) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done

	h.mu.Lock()
	for id, c := range h.clients {
		_ = c.conn.Close()
		delete(h.clients, id)
	}
	h.mu.Unlock()
}

// HandleWS upgrades an HTTP request and serves the connection until the
// client disconnects. Blocks; intended to be called from the HTTP handler.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	h.register(c)
	defer h.unregister(c)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Invalid WebSocket frame", "client", c.id, "error", err)
			continue
		}
		if frame.Type == "request-state" {
			h.sendState(c)
		}
	}
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	_ = c.conn.Close()
}

func (h *Hub) broadcast(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("Failed to marshal event", "type", evt.Type, "error", err)
		return
	}

	// Snapshot clients so slow writes don't hold the map lock.
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(data); err != nil {
			slog.Warn("WebSocket write failed, dropping client",
				"client", c.id, "error", err)
			h.unregister(c)
		}
	}
}

func (h *Hub) sendState(c *client) {
	var snapshot any = struct{}{}
	if h.state != nil {
		snapshot = h.state()
	}
	data, err := json.Marshal(Event{
		Type:      "state",
		Timestamp: time.Now(),
		Payload:   snapshot,
	})
	if err != nil {
		slog.Warn("Failed to marshal state snapshot", "error", err)
		return
	}
	if err := c.write(data); err != nil {
		slog.Warn("Failed to send state snapshot", "client", c.id, "error", err)
	}
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
