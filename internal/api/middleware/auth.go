package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/storebridge/internal/protocol"
)

// Connect-time headers. Query parameters "token" and "role" are accepted
// too, since browsers cannot set headers on a websocket handshake.
const (
	TokenHeader = "X-Store-Token"
	RoleHeader  = "X-Store-Role"
)

// TokenFromRequest extracts the shared secret a client presented.
func TokenFromRequest(r *http.Request) string {
	if token := r.Header.Get(TokenHeader); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// RoleFromRequest extracts the connection role a client declared.
func RoleFromRequest(r *http.Request) string {
	if role := r.URL.Query().Get("role"); role != "" {
		return role
	}
	return r.Header.Get(RoleHeader)
}

// ValidToken reports whether presented matches expected. An empty expected
// secret accepts everything.
func ValidToken(expected, presented string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

// SharedSecret rejects requests that do not present token. An empty token
// disables the check.
func SharedSecret(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ValidToken(token, TokenFromRequest(c.Request)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorBody(
				protocol.NewError(protocol.KindUnauthorized, "missing or invalid token", nil),
			))
			return
		}
		c.Next()
	}
}

// ErrorBody renders a protocol error as a REST error body, the same object a
// websocket client would see in a failure envelope.
func ErrorBody(perr *protocol.Error) gin.H {
	return gin.H{"error": perr.Object()}
}
