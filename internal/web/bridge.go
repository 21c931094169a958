package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/inercia/tether/internal/logging"
)

// Frame types pushed over the state bridge.
const (
	FrameState = "state"
	FrameError = "error"
)

const (
	// writeWait bounds a single WebSocket write.
	writeWait = 10 * time.Second
	// pongWait is how long to wait for a pong before dropping the client.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 30 * time.Second
	// sendBufferSize is the per-client frame buffer. Full buffer drops
	// frames instead of blocking the broadcaster; the next state frame
	// supersedes anything dropped.
	sendBufferSize = 64
)

// Frame is one typed message pushed to bridge clients.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Bridge pushes state snapshots to connected WebSocket clients.
// Every state change is broadcast as a full snapshot frame; clients never
// need to patch partial updates. It is safe for concurrent use.
type Bridge struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// snapshot supplies the current state for newly connected clients.
	snapshot func() any

	mu      sync.Mutex
	clients map[string]*bridgeClient
	closed  bool
}

// bridgeClient is one connected WebSocket client with a buffered send pump.
type bridgeClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewBridge creates a state bridge. snapshot is invoked to build the initial
// frame for each new client; it may be nil.
func NewBridge(snapshot func() any) *Bridge {
	return &Bridge{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The listener is localhost-only; the bridge carries no
			// credentials, so cross-origin checks stay permissive.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:   logging.Web(),
		snapshot: snapshot,
		clients:  make(map[string]*bridgeClient),
	}
}

// ServeHTTP upgrades the request and serves frames until the client leaves.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &bridgeClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.clients[client.id] = client
	count := len(b.clients)
	b.mu.Unlock()

	b.logger.Debug("bridge client connected", "client_id", client.id, "clients", count)

	if b.snapshot != nil {
		b.sendFrame(client, FrameState, b.snapshot())
	}

	go b.writePump(client)
	b.readLoop(client)
}

// Broadcast pushes a typed frame to every connected client.
// Non-blocking per client: a client that cannot keep up loses frames, not
// the broadcaster.
func (b *Bridge) Broadcast(frameType string, data any) {
	b.mu.Lock()
	clients := make([]*bridgeClient, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		b.sendFrame(c, frameType, data)
	}
}

// ClientCount returns the number of connected clients.
func (b *Bridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close disconnects all clients and rejects new ones.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	clients := make([]*bridgeClient, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[string]*bridgeClient)
	b.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// sendFrame marshals and enqueues one frame for a client.
func (b *Bridge) sendFrame(c *bridgeClient, frameType string, data any) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			b.logger.Warn("failed to marshal bridge frame", "type", frameType, "error", err)
			return
		}
		raw = encoded
	}
	payload, err := json.Marshal(Frame{Type: frameType, Data: raw})
	if err != nil {
		return
	}

	select {
	case c.send <- payload:
	default:
		b.logger.Warn("bridge send buffer full, dropping frame",
			"type", frameType, "client_id", c.id)
	}
}

// writePump pumps frames from the send channel to the connection and keeps
// the connection alive with pings.
func (b *Bridge) writePump(c *bridgeClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

// readLoop drains inbound messages. The bridge is push-only; reads exist to
// process control frames and detect the client going away.
func (b *Bridge) readLoop(c *bridgeClient) {
	defer b.drop(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// drop unregisters and closes a client.
func (b *Bridge) drop(c *bridgeClient) {
	b.mu.Lock()
	delete(b.clients, c.id)
	count := len(b.clients)
	b.mu.Unlock()

	c.close()
	b.logger.Debug("bridge client disconnected", "client_id", c.id, "clients", count)
}

// close shuts the connection down exactly once.
func (c *bridgeClient) close() {
	c.once.Do(func() {
		c.conn.Close()
	})
}
