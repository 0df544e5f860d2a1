/*
Package monitoring provides Prometheus metrics for the broker.

# Overview

Metrics cover the three moving parts of the broker: websocket connections
(open sockets by role, frames by direction and method, dropped frames), the
store registry (live stores, subscriptions, forwards in flight and their
outcomes) and the durable snapshot store (writes by status). HTTP requests on
the REST surface are recorded by Middleware.

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	metrics.SetStoresLive(3)
	metrics.RecordForward("store.setState", "relayed")

A nil *Metrics is valid and records nothing, so components can be built
without metrics in tests.
*/
package monitoring
