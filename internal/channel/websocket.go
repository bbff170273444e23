package channel

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tabphone/tabphone/pkg/protocol"
)

// WebSocket adapts a *websocket.Conn to the Channel interface. Writes are
// serialized by a mutex; reads run on a single pump goroutine so handlers
// observe envelopes in arrival order.
type WebSocket struct {
	logger *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	handler Handler
	onClose func()
	started bool
	closed  bool
}

// NewWebSocket wraps an established WebSocket connection. The read pump
// starts when OnMessage installs a handler.
func NewWebSocket(conn *websocket.Conn, logger *slog.Logger) *WebSocket {
	return &WebSocket{
		conn:   conn,
		logger: logger.With("component", "ws-channel"),
	}
}

// Post marshals and writes the envelope. Returns false if the connection is
// closed or the write fails.
func (c *WebSocket) Post(env *protocol.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Warn("marshal envelope failed", "type", env.Type, "error", err)
		return false
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("post failed", "type", env.Type, "error", err)
		return false
	}
	return true
}

// OnMessage installs the inbound handler and starts the read pump. Only the
// first installed handler receives messages.
func (c *WebSocket) OnMessage(h Handler) {
	c.mu.Lock()
	c.handler = h
	start := !c.started && !c.closed
	c.started = true
	c.mu.Unlock()

	if start {
		go c.readPump()
	}
}

// OnClose registers a callback invoked once when the read pump exits, either
// because the peer went away or because Close was called.
func (c *WebSocket) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Close tears the connection down. Posts after Close return false.
func (c *WebSocket) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	fn := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	err := c.conn.Close()
	// Without a pump running nobody else will fire the close callback.
	if !started && fn != nil {
		fn()
	}
	return err
}

func (c *WebSocket) readPump() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		fn := c.onClose
		c.onClose = nil
		c.mu.Unlock()
		_ = c.conn.Close()
		if fn != nil {
			fn()
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Debug("read error", "error", err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("invalid envelope", "error", err)
			continue
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(&env)
		}
	}
}
