// ABOUTME: Represents a single WebSocket connection and its read/write pumps
// ABOUTME: Tracks activity, subscriptions, and pending agent invocations by request ID

package hub

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// sendBufferSize is the per-connection outbound queue depth.
	sendBufferSize = 64
)

// ErrConnectionClosed indicates a delivery attempt to a connection whose
// unregister cascade has started.
var ErrConnectionClosed = errors.New("connection closed")

// ErrSendBufferFull indicates the peer is too slow to drain its queue.
var ErrSendBufferFull = errors.New("send buffer full")

// AgentResult is an attached agent's answer to one delivered invocation,
// correlated by request ID.
type AgentResult struct {
	RequestID string
	Output    string
	IsError   bool
}

// Connection represents one live duplex peer. The owning read pump mutates
// activity counters; Enqueue may be called from any goroutine.
type Connection struct {
	ID        string
	CreatedAt time.Time

	conn *websocket.Conn
	send chan []byte

	closed atomic.Bool

	mu           sync.RWMutex
	lastActivity time.Time
	messageCount int64
	metadata     map[string]string
	channels     map[string]struct{}
	agentID      string
	pending      map[string]chan *AgentResult

	logger *slog.Logger
}

// NewConnection wraps an accepted websocket in a Connection.
func NewConnection(id string, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		CreatedAt:    now,
		conn:         conn,
		send:         make(chan []byte, sendBufferSize),
		lastActivity: now,
		metadata:     map[string]string{"remote_addr": remoteAddr},
		channels:     make(map[string]struct{}),
		pending:      make(map[string]chan *AgentResult),
		logger:       logger,
	}
}

// Enqueue queues a pre-encoded frame for delivery. It never blocks:
// closed connections and full buffers fail immediately so one dead or
// slow peer cannot stall a broadcast.
func (c *Connection) Enqueue(data []byte) error {
	// The read lock excludes markClosed, which closes the send channel
	// under the write lock.
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// EnqueueEvent marshals and queues an outbound event.
func (c *Connection) EnqueueEvent(v any) error {
	data, err := encodeEvent(v)
	if err != nil {
		return err
	}
	return c.Enqueue(data)
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.messageCount++
	c.mu.Unlock()
}

// LastActivity returns the time of the most recent inbound frame.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// MessageCount returns the number of inbound frames processed.
func (c *Connection) MessageCount() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messageCount
}

// Metadata returns a copy of the connection's client metadata.
func (c *Connection) Metadata() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// SetMetadata records one client metadata entry.
func (c *Connection) SetMetadata(key, value string) {
	c.mu.Lock()
	c.metadata[key] = value
	c.mu.Unlock()
}

// AddChannel records a channel subscription on the connection.
func (c *Connection) AddChannel(name string) {
	c.mu.Lock()
	c.channels[name] = struct{}{}
	c.mu.Unlock()
}

// RemoveChannel drops a channel subscription from the connection.
func (c *Connection) RemoveChannel(name string) {
	c.mu.Lock()
	delete(c.channels, name)
	c.mu.Unlock()
}

// Channels returns the names of all channels this connection subscribes to.
func (c *Connection) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.channels))
	for name := range c.channels {
		out = append(out, name)
	}
	return out
}

// SetAgentID marks the connection as the delivery endpoint for an agent.
func (c *Connection) SetAgentID(agentID string) {
	c.mu.Lock()
	c.agentID = agentID
	c.mu.Unlock()
}

// AgentID returns the attached agent id, or empty if not an agent endpoint.
func (c *Connection) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// Closed reports whether the unregister cascade has started.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// markClosed flips the lifecycle flag exactly once and fails all pending
// invocations. Returns false if the connection was already closed.
func (c *Connection) markClosed() bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}

	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	// Safe to close here: Enqueue holds the read lock while sending and
	// checks the closed flag first.
	close(c.send)
	c.mu.Unlock()

	return true
}

// CreateRequest registers a pending invocation and returns a channel for
// the correlated result. The caller must eventually call CloseRequest.
func (c *Connection) CreateRequest(requestID string) <-chan *AgentResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan *AgentResult, 1)
	c.pending[requestID] = ch
	return ch
}

// CloseRequest closes and removes the result channel for a request.
func (c *Connection) CloseRequest(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.pending[requestID]; ok {
		close(ch)
		delete(c.pending, requestID)
	}
}

// HandleResult routes an agent_result frame to the pending invocation.
// Results for unknown request ids are logged and discarded.
func (c *Connection) HandleResult(res *AgentResult) {
	c.mu.RLock()
	ch, ok := c.pending[res.RequestID]
	c.mu.RUnlock()

	if !ok {
		c.logger.Warn("received result for unknown request",
			"request_id", res.RequestID,
			"connection_id", c.ID,
		)
		return
	}

	// Non-blocking send; the channel is buffered for exactly one result.
	select {
	case ch <- res:
	default:
		c.logger.Warn("duplicate result for request, dropping",
			"request_id", res.RequestID,
			"connection_id", c.ID,
		)
	}
}

// FrameHandler processes one decoded-or-raw inbound frame.
type FrameHandler func(c *Connection, data []byte)

// ReadPump reads frames from the peer and hands them to the handler in
// arrival order. It exits on read error or peer close, then runs the
// unregister cascade via the supplied cleanup func.
func (c *Connection) ReadPump(handler FrameHandler, cleanup func()) {
	defer func() {
		cleanup()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "connection_id", c.ID, "error", err)
			}
			return
		}
		handler(c, message)
	}
}

// WritePump drains the send queue to the peer and keeps the connection
// alive with periodic pings.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Registry closed the connection.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error", "connection_id", c.ID, "error", err)
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
