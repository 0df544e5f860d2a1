// Package middleware provides the HTTP middleware in front of the broker's
// REST surface.
//
//   - CORS: browser pages on other origins can reach the REST surface and the
//     websocket upgrade
//   - RateLimit: per-IP token bucket with idle client eviction
//   - SharedSecret: optional token check, reported as UNAUTHORIZED
//   - RequestID: X-Request-ID propagation and a per-request log line
//
// The websocket endpoint checks the shared secret itself with ValidToken,
// because a rejected socket is closed with a close code rather than a 401.
//
// Example Usage:
//
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
//	router.Use(middleware.SharedSecret(cfg.Server.Token))
package middleware
