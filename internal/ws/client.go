package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
)

// ControlFrame is the client-to-server control message shape.
type ControlFrame struct {
	Action    string `json:"action"`
	AccountID string `json:"account_id"`
}

// ControlHandler processes subscribe/unsubscribe requests from a connected
// client.
type ControlHandler func(c *Client, frame ControlFrame)

// Client represents a single live WebSocket connection.
type Client struct {
	ID string

	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	mu     sync.Mutex
	groups map[string]struct{}

	closed      atomic.Bool
	done        chan struct{}
	connectedAt time.Time
}

// NewClient wraps an upgraded connection. Pumps are not started; call Run.
func (h *Hub) NewClient(conn *websocket.Conn, id string, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = 256
	}
	c := &Client{
		ID:          id,
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, queueSize),
		logger:      h.logger.With(zap.String("client_id", id)),
		groups:      make(map[string]struct{}),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
	atomic.AddInt64(&h.clientCount, 1)
	connectionsGauge.Inc()
	h.register(c)
	return c
}

// Run starts the read and write pumps. The handler receives control frames;
// the read pump exits on transport error and tears down all memberships.
func (c *Client) Run(handler ControlHandler) {
	go c.writePump()
	go c.readPump(handler)
}

// Send queues a server-originated frame for delivery to this client, with
// the same slow-client semantics as group publishes.
func (c *Client) Send(payload []byte) bool {
	return c.enqueue(payload)
}

// Done is closed once the connection has been torn down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// enqueue queues payload for delivery. Slow clients are dropped rather than
// blocking the publisher; closed transports are a logged no-op.
func (c *Client) enqueue(payload []byte) bool {
	if c.closed.Load() {
		c.logger.Debug("dropping message for closed connection")
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		droppedCounter.Inc()
		c.logger.Debug("dropping message for slow connection")
		return false
	}
}

// CloseWithCode sends a close frame with the given code and shuts the
// transport down.
func (c *Client) CloseWithCode(code int, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(writeWait)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		c.logger.Debug("close frame write failed", zap.Error(err))
	}
	c.conn.Close()
	c.teardown()
}

// Groups returns the groups this client currently belongs to.
func (c *Client) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	return out
}

// InGroup reports whether the client is a member of group.
func (c *Client) InGroup(group string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.groups[group]
	return ok
}

func (c *Client) track(group string) {
	c.mu.Lock()
	c.groups[group] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) untrack(group string) {
	c.mu.Lock()
	delete(c.groups, group)
	c.mu.Unlock()
}

func (c *Client) teardown() {
	c.hub.drop(c)
	c.hub.unregister(c)
	atomic.AddInt64(&c.hub.clientCount, -1)
	connectionsGauge.Dec()
	close(c.done)
}

// readPump consumes control frames until the transport errors out.
func (c *Client) readPump(handler ControlHandler) {
	defer func() {
		if c.closed.CompareAndSwap(false, true) {
			c.teardown()
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		var frame ControlFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			c.logger.Debug("ignoring malformed control frame", zap.Error(err))
			continue
		}
		if handler != nil {
			handler(c, frame)
		}
	}
}

// writePump sends queued messages and heartbeats to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
