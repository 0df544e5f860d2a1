package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/storebridge/internal/broker"
	"github.com/GriffinCanCode/storebridge/internal/protocol"
)

// Conn is one accepted websocket connection.
type Conn struct {
	id      string
	role    broker.Role
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	handler *Handler
	logger  *zap.Logger

	mu        sync.RWMutex
	closed    bool
	closeCode int
	closeText string
	done      chan struct{}
}

func newConn(id string, role broker.Role, ws *websocket.Conn, h *Handler) *Conn {
	c := &Conn{
		id:      id,
		role:    role,
		ws:      ws,
		send:    make(chan []byte, h.cfg.SendBuffer),
		handler: h,
		logger:  h.logger.With(zap.String("conn_id", id), zap.String("role", string(role))),
		done:    make(chan struct{}),
	}
	if h.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.MessageBurst)
	}
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Role returns the role the connection declared.
func (c *Conn) Role() broker.Role { return c.role }

// Send queues a frame without blocking. It reports false when the queue is
// full or the connection is closed.
func (c *Conn) Send(frame []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close asks the write goroutine to send a close frame and shut the socket.
func (c *Conn) Close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	close(c.done)
}

func (c *Conn) closeFrame() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeText)
}

// readPump feeds inbound frames to the broker until the socket fails.
func (c *Conn) readPump() {
	cfg := c.handler.cfg
	defer func() {
		c.handler.broker.OnClose(c)
		c.Close(websocket.CloseNormalClosure, "")
		c.handler.forget(c)
	}()

	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.extendReadDeadline(cfg.PongWait)
		return nil
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		c.extendReadDeadline(cfg.PongWait)

		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if c.limiter != nil && !c.exempt(data) && !c.limiter.Allow() {
			c.rejectRateLimited(data)
			continue
		}
		c.handler.broker.HandleFrame(c, c.role, data)
	}
}

// extendReadDeadline pushes the read deadline out by wait, unless the
// connection is closing and the deadline set on close must hold.
func (c *Conn) extendReadDeadline(wait time.Duration) {
	select {
	case <-c.done:
	default:
		_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	}
}

// exempt reports whether a frame bypasses the message limit. Replies to
// forwards and a host's own notifications carry state the broker must not
// lose; dropping a reply would leave its controller waiting forever.
func (c *Conn) exempt(data []byte) bool {
	msg, err := protocol.Decode(data)
	if err != nil {
		return false
	}
	switch msg.Shape() {
	case protocol.ShapeResponse:
		return true
	case protocol.ShapeNotification:
		return c.role == broker.RoleHost
	default:
		return false
	}
}

// rejectRateLimited answers an over-limit request with RATE_LIMITED. Other
// frames are dropped.
func (c *Conn) rejectRateLimited(data []byte) {
	c.handler.metrics.RecordWSMessage("in", "rate_limited")
	msg, err := protocol.Decode(data)
	if err != nil || msg.Shape() != protocol.ShapeRequest {
		c.logger.Debug("Dropped frame over message rate limit")
		return
	}
	frame, err := protocol.EncodeError(msg.ID, protocol.NewError(protocol.KindRateLimited, "message rate limit exceeded", nil).Object())
	if err == nil {
		c.Send(frame)
	}
}

// writePump drains the send queue and pings until the connection closes.
func (c *Conn) writePump() {
	cfg := c.handler.cfg
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
			c.handler.metrics.RecordWSMessage("out", "frame")
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.flush(cfg.WriteWait)
			_ = c.ws.WriteControl(websocket.CloseMessage, c.closeFrame(), time.Now().Add(cfg.WriteWait))
			return
		}
	}
}

// flush writes whatever is still queued, so replies produced just before a
// close are not lost.
func (c *Conn) flush(wait time.Duration) {
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
