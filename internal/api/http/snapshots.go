package http

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/storebridge/internal/domain/snapshot"
	"github.com/GriffinCanCode/storebridge/internal/protocol"
)

// ListSnapshots lists the pages that have a durable snapshot.
func (h *Handlers) ListSnapshots(c *gin.Context) {
	if !h.requireSnapshots(c) {
		return
	}
	pages, err := h.snapshots.List()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pages": pages})
}

// GetSnapshot returns a page's durable snapshot.
func (h *Handlers) GetSnapshot(c *gin.Context) {
	if !h.requireSnapshots(c) {
		return
	}
	pageID := c.Param("pageId")
	snap, err := h.snapshots.Load(pageID)
	if err != nil {
		writeError(c, err)
		return
	}
	if snap == nil {
		writeError(c, protocol.NewError(protocol.KindStoreNotFound, "no snapshot for page", map[string]any{"pageId": pageID}))
		return
	}
	c.JSON(http.StatusOK, snap)
}

type saveSnapshotRequest struct {
	State           json.RawMessage `json:"state" binding:"required"`
	ExpectedVersion *int64          `json:"expectedVersion" binding:"omitempty,gte=0"`
}

// SaveSnapshot writes a page's next durable snapshot.
func (h *Handlers) SaveSnapshot(c *gin.Context) {
	if !h.requireSnapshots(c) {
		return
	}
	var req saveSnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body must be {state, expectedVersion?}", err)
		return
	}

	snap, err := h.snapshots.Save(c.Request.Context(), c.Param("pageId"), snapshot.Snapshot{State: req.State}, req.ExpectedVersion)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// DeleteSnapshot removes a page's durable snapshot.
func (h *Handlers) DeleteSnapshot(c *gin.Context) {
	if !h.requireSnapshots(c) {
		return
	}
	deleted, err := h.snapshots.Delete(c.Request.Context(), c.Param("pageId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *Handlers) requireSnapshots(c *gin.Context) bool {
	if h.snapshots != nil {
		return true
	}
	writeError(c, protocol.NewError(protocol.KindInternal, "durable snapshots are disabled", nil))
	return false
}
