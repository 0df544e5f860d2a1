package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/storebridge/internal/api/middleware"
	"github.com/GriffinCanCode/storebridge/internal/domain/snapshot"
	"github.com/GriffinCanCode/storebridge/internal/protocol"
)

var kindStatus = map[protocol.ErrorKind]int{
	protocol.KindParseError:           http.StatusBadRequest,
	protocol.KindInvalidRequest:       http.StatusBadRequest,
	protocol.KindInvalidParams:        http.StatusBadRequest,
	protocol.KindInvalidState:         http.StatusBadRequest,
	protocol.KindInvalidActionPayload: http.StatusBadRequest,
	protocol.KindMethodNotFound:       http.StatusNotFound,
	protocol.KindStoreOffline:         http.StatusNotFound,
	protocol.KindStoreNotFound:        http.StatusNotFound,
	protocol.KindUnknownStoreID:       http.StatusNotFound,
	protocol.KindNotStoreHost:         http.StatusForbidden,
	protocol.KindVersionConflict:      http.StatusConflict,
	protocol.KindUnauthorized:         http.StatusUnauthorized,
	protocol.KindRateLimited:          http.StatusTooManyRequests,
	protocol.KindTimeout:              http.StatusGatewayTimeout,
}

// StatusFor returns the HTTP status for an error kind.
func StatusFor(kind protocol.ErrorKind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// toProtocolError maps snapshot and context errors onto protocol kinds so
// REST clients see one error shape.
func toProtocolError(err error) *protocol.Error {
	var conflict *snapshot.ConflictError
	switch {
	case errors.As(err, &conflict):
		return protocol.NewError(protocol.KindVersionConflict, "snapshot version conflict", map[string]any{
			"pageId":          conflict.PageID,
			"currentVersion":  conflict.ActualVersion,
			"actualVersion":   conflict.ActualVersion,
			"expectedVersion": conflict.ExpectedVersion,
		})
	case errors.Is(err, snapshot.ErrInvalidPageID):
		return protocol.NewError(protocol.KindInvalidParams, err.Error(), map[string]any{"field": "pageId"})
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.NewError(protocol.KindTimeout, err.Error(), nil)
	}
	return protocol.AsError(err)
}

func writeError(c *gin.Context, err error) {
	perr := toProtocolError(err)
	c.AbortWithStatusJSON(StatusFor(perr.Kind), middleware.ErrorBody(perr))
}

func badRequest(c *gin.Context, message string, err error) {
	data := map[string]any{}
	if err != nil {
		data["detail"] = err.Error()
	}
	writeError(c, protocol.NewError(protocol.KindInvalidParams, message, data))
}
