// Package http is the broker's REST surface for collaborators that prefer
// plain HTTP over a websocket: command-line tools, dashboards and scripts.
//
// Every route is a thin adapter over the broker's collaborator API or the
// durable snapshot store. Failures use the same error object as the
// websocket protocol, wrapped as {"error": {...}}, with an HTTP status chosen
// by error kind.
//
// Routes:
//
//	GET    /health
//	GET    /stores
//	GET    /stores/:id
//	GET    /stores/:id/state
//	PUT    /stores/:id/state       {state, expectedVersion?}
//	POST   /stores/:id/dispatch    {action, expectedVersion?}
//	GET    /pages/:pageId/stores
//	GET    /pages/:pageId/resolve?key=
//	POST   /pages/:pageId/logs     {entries: [...]}
//	GET    /snapshots
//	GET    /snapshots/:pageId
//	PUT    /snapshots/:pageId      {state, expectedVersion?}
//	DELETE /snapshots/:pageId
package http
