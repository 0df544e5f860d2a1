package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/storebridge/internal/broker"
	"github.com/GriffinCanCode/storebridge/internal/domain/snapshot"
	"github.com/GriffinCanCode/storebridge/internal/protocol"
)

// Version is reported by /health.
const Version = "0.3.0"

// Handlers contains all HTTP handlers
type Handlers struct {
	broker         *broker.Broker
	snapshots      *snapshot.FileStore
	forwardTimeout time.Duration
	connections    func() int
	logger         *zap.Logger
	started        time.Time
}

// NewHandlers creates a new handler set. forwardTimeout bounds how long a
// request forwarded to a host may take.
func NewHandlers(b *broker.Broker, forwardTimeout time.Duration, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		broker:         b,
		snapshots:      b.Snapshots(),
		forwardTimeout: forwardTimeout,
		logger:         logger,
		started:        time.Now(),
	}
}

// WithConnections reports live websocket connections on /health.
func (h *Handlers) WithConnections(count func() int) *Handlers {
	h.connections = count
	return h
}

// Register mounts every route on router.
func (h *Handlers) Register(router gin.IRoutes) {
	router.GET("/health", h.Health)

	router.GET("/stores", h.ListStores)
	router.GET("/stores/:id", h.GetStore)
	router.GET("/stores/:id/state", h.GetState)
	router.PUT("/stores/:id/state", h.SetState)
	router.POST("/stores/:id/dispatch", h.Dispatch)

	router.GET("/pages/:pageId/stores", h.ListPage)
	router.GET("/pages/:pageId/resolve", h.Resolve)
	router.POST("/pages/:pageId/logs", h.StreamLogs)

	router.GET("/snapshots", h.ListSnapshots)
	router.GET("/snapshots/:pageId", h.GetSnapshot)
	router.PUT("/snapshots/:pageId", h.SaveSnapshot)
	router.DELETE("/snapshots/:pageId", h.DeleteSnapshot)
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	body := gin.H{
		"status":  "healthy",
		"service": "storebridge",
		"version": Version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"broker":  h.broker.Stats(),
	}
	if h.connections != nil {
		body["connections"] = h.connections()
	}
	c.JSON(http.StatusOK, body)
}

// ListStores lists every live store.
func (h *Handlers) ListStores(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.StoresResult{Stores: h.broker.ListStores()})
}

type storeDetail struct {
	protocol.StoreSummary
	Subscribers int `json:"subscribers"`
}

// GetStore returns one store with its description and subscriber count.
func (h *Handlers) GetStore(c *gin.Context) {
	store, err := h.broker.GetStore(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, storeDetail{
		StoreSummary: store,
		Subscribers:  h.broker.Registry().SubscriberCount(store.StoreID),
	})
}

// GetState returns a store's state and version.
func (h *Handlers) GetState(c *gin.Context) {
	state, err := h.broker.GetState(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

type setStateRequest struct {
	State           json.RawMessage `json:"state" binding:"required"`
	ExpectedVersion *int64          `json:"expectedVersion" binding:"omitempty,gte=0"`
}

// SetState forwards a state replacement to the store's host.
func (h *Handlers) SetState(c *gin.Context) {
	var req setStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body must be {state, expectedVersion?}", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.forwardTimeout)
	defer cancel()

	result, err := h.broker.SetState(ctx, c.Param("id"), req.State, broker.MutationOptions{ExpectedVersion: req.ExpectedVersion})
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", result)
}

type dispatchRequest struct {
	Action          json.RawMessage `json:"action" binding:"required"`
	ExpectedVersion *int64          `json:"expectedVersion" binding:"omitempty,gte=0"`
}

// Dispatch forwards an action to the store's host.
func (h *Handlers) Dispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body must be {action, expectedVersion?}", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.forwardTimeout)
	defer cancel()

	result, err := h.broker.Dispatch(ctx, c.Param("id"), req.Action, broker.MutationOptions{ExpectedVersion: req.ExpectedVersion})
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", result)
}

// ListPage lists a page's live stores with their descriptions.
func (h *Handlers) ListPage(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.StoresResult{Stores: h.broker.ListPage(c.Param("pageId"))})
}

// Resolve maps ?key= on a page to a store id. A missing key is the page's
// default store.
func (h *Handlers) Resolve(c *gin.Context) {
	store, err := h.broker.FindByPageKey(c.Param("pageId"), c.Query("key"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.ResolveResult{StoreID: store.StoreID})
}
