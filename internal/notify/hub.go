// Package notify pushes slicing events to websocket clients as JSON-RPC
// notifications.
package notify

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
)

// Notification methods.
const (
	MethodProgress  = "notify_slicing_progress"
	MethodDone      = "notify_slicing_done"
	MethodFailed    = "notify_slicing_failed"
	MethodCancelled = "notify_slicing_cancelled"
	MethodProfiles  = "notify_profiles_changed"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Notification is the message sent to every client.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

// Hub tracks connected clients. The zero value is not usable; use NewHub.
type Hub struct {
	upgrader websocket.Upgrader
	logger   hclog.Logger

	mu      sync.RWMutex
	clients map[int64]*client
	nextID  atomic.Int64
}

func NewHub(logger hclog.Logger) *Hub {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[int64]*client),
	}
}

// Publish sends a notification to every connected client. Slow clients drop
// messages rather than block the publisher.
func (h *Hub) Publish(method string, params ...any) {
	n := Notification{JSONRPC: "2.0", Method: method, Params: params}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.send(n, h.logger)
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[int64]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// ServeHTTP upgrades the connection and blocks until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:     h.nextID.Add(1),
		conn:   conn,
		sendCh: make(chan Notification, sendBuffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "id", c.id)

	go c.writePump(h.logger)
	c.readPump(h.logger)

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
	h.logger.Debug("websocket client disconnected", "id", c.id)
}

type client struct {
	id     int64
	conn   *websocket.Conn
	sendCh chan Notification
	done   chan struct{}
	once   sync.Once
}

func (c *client) send(n Notification, logger hclog.Logger) {
	select {
	case c.sendCh <- n:
	case <-c.done:
	default:
		logger.Warn("dropping notification, client too slow", "id", c.id, "method", n.Method)
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump only exists to process control frames and notice disconnects.
func (c *client) readPump(logger hclog.Logger) {
	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read error", "id", c.id, "error", err)
			}
			return
		}
	}
}

func (c *client) writePump(logger hclog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case n := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(n); err != nil {
				logger.Debug("websocket write error", "id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
