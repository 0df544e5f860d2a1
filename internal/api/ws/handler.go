package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/storebridge/internal/api/middleware"
	"github.com/GriffinCanCode/storebridge/internal/broker"
	"github.com/GriffinCanCode/storebridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/storebridge/internal/shared/id"
)

// Close codes sent when a connection is refused after the upgrade.
const (
	CloseUnauthorized = 4401
	CloseInvalidRole  = 4400
)

// Config tunes the endpoint.
type Config struct {
	Token             string
	SendBuffer        int
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
	WriteWait         time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
	// CheckOrigin filters browser origins. Nil allows every origin; pages
	// are served from arbitrary dev servers and the token is the gate.
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns the endpoint defaults.
func DefaultConfig() Config {
	return Config{
		SendBuffer:        256,
		MaxMessageBytes:   1 << 20,
		MessagesPerSecond: 100,
		MessageBurst:      200,
		WriteWait:         10 * time.Second,
		PongWait:          60 * time.Second,
		PingPeriod:        54 * time.Second,
	}
}

// Handler accepts websocket connections and hands their frames to a broker.
type Handler struct {
	broker   *broker.Broker
	cfg      Config
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *monitoring.Metrics

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// NewHandler creates a websocket handler for b.
func NewHandler(b *broker.Broker, cfg Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaults.MaxMessageBytes
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaults.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaults.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.MessagesPerSecond > 0 && cfg.MessageBurst <= 0 {
		cfg.MessageBurst = max(1, int(cfg.MessagesPerSecond))
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Handler{
		broker: b,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger: logger,
		conns:  make(map[*Conn]struct{}),
	}
}

// WithMetrics adds metrics tracking to the handler
func (h *Handler) WithMetrics(metrics *monitoring.Metrics) *Handler {
	h.metrics = metrics
	return h
}

// Attach registers the upgrade endpoint on router.
func (h *Handler) Attach(router gin.IRoutes, path string) {
	router.GET(path, h.HandleConnection)
}

// HandleConnection handles WebSocket upgrade and runs the connection.
func (h *Handler) HandleConnection(c *gin.Context) {
	r := c.Request
	role, roleOK := broker.ParseRole(middleware.RoleFromRequest(r))
	authorized := middleware.ValidToken(h.cfg.Token, middleware.TokenFromRequest(r))

	ws, err := h.upgrader.Upgrade(c.Writer, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.String("remote", c.ClientIP()), zap.Error(err))
		return
	}

	if !authorized {
		h.refuse(ws, CloseUnauthorized, "UNAUTHORIZED")
		h.logger.Warn("Rejected connection with bad token", zap.String("remote", c.ClientIP()))
		return
	}
	if !roleOK {
		h.refuse(ws, CloseInvalidRole, "INVALID_ROLE")
		h.logger.Warn("Rejected connection with unknown role", zap.String("remote", c.ClientIP()))
		return
	}

	conn := newConn(id.NewConnID().String(), role, ws, h)
	if !h.track(conn) {
		h.refuse(ws, websocket.CloseGoingAway, "shutdown")
		return
	}

	h.metrics.IncWSConnections(string(role))
	conn.logger.Info("WebSocket connected", zap.String("remote", c.ClientIP()))

	go conn.writePump()
	conn.readPump()

	h.metrics.DecWSConnections(string(role))
	conn.logger.Info("WebSocket disconnected")
}

// Count returns the number of open connections.
func (h *Handler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every connection with "going away" and waits for their
// goroutines until ctx is done. New connections are refused afterwards.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = nil
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "shutdown")
		// Unblock the reader so OnClose runs promptly.
		_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.WriteWait))
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) track(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns == nil {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) forget(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns != nil {
		delete(h.conns, c)
	}
	h.wg.Done()
}

func (h *Handler) refuse(ws *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(h.cfg.WriteWait)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = ws.Close()
}
