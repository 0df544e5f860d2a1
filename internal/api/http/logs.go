package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PageLogEntry is one console entry relayed by a page.
type PageLogEntry struct {
	ID        string         `json:"id"`
	Level     string         `json:"level"`
	Message   string         `json:"message" binding:"required"`
	Context   map[string]any `json:"context"`
	Timestamp string         `json:"timestamp"`
	StoreKey  string         `json:"storeKey"`
}

// PageLogRequest is a batch of console entries from one page.
type PageLogRequest struct {
	Entries []PageLogEntry `json:"entries" binding:"required,min=1,max=500,dive"`
}

// StreamLogs writes a page's console entries into the broker log, so one log
// shows both sides of a session.
func (h *Handlers) StreamLogs(c *gin.Context) {
	var req PageLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body must be {entries: [{level, message, ...}]}", err)
		return
	}

	logger := h.logger.Named("page").With(zap.String("page_id", c.Param("pageId")))
	for _, entry := range req.Entries {
		logPageEntry(logger, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"entries_received": len(req.Entries),
		"timestamp":        time.Now().Unix(),
	})
}

func logPageEntry(logger *zap.Logger, entry PageLogEntry) {
	fields := make([]zap.Field, 0, len(entry.Context)+3)
	fields = append(fields,
		zap.String("page_log_id", entry.ID),
		zap.String("page_timestamp", entry.Timestamp),
		zap.String("store_key", entry.StoreKey),
	)
	for key, value := range entry.Context {
		switch v := value.(type) {
		case string:
			fields = append(fields, zap.String(key, v))
		case float64:
			fields = append(fields, zap.Float64(key, v))
		case bool:
			fields = append(fields, zap.Bool(key, v))
		default:
			fields = append(fields, zap.Any(key, v))
		}
	}

	switch entry.Level {
	case "error":
		logger.Error(entry.Message, fields...)
	case "warn":
		logger.Warn(entry.Message, fields...)
	case "debug", "verbose":
		logger.Debug(entry.Message, fields...)
	default:
		logger.Info(entry.Message, fields...)
	}
}
