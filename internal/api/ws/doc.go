// Package ws is the broker's websocket endpoint.
//
// Each accepted socket becomes a Conn: a registry peer with a bounded send
// queue, one read goroutine feeding frames to the broker and one write
// goroutine draining the queue and keeping the socket alive with pings.
//
// Connect-time parameters:
//   - role: "host" for a page-hosted store, "controller" (default) for agents and tools
//   - token: shared secret, required when the broker is configured with one
//
// Both may also be sent as the X-Store-Role and X-Store-Token headers. A bad
// token closes the socket with code 4401, an unknown role with 4400.
//
// Example Usage:
//
//	handler := ws.NewHandler(b, ws.DefaultConfig(), logger)
//	handler.Attach(router, "/ws")
package ws
