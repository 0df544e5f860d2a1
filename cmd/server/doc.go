// Command storebridge runs the state broker.
//
// Pages connect as hosts and publish their stores; controllers (tools,
// agents, tests) connect to read, write and subscribe to them. The same
// process serves a REST surface and keeps durable per-page snapshots.
//
// Configuration comes from defaults, then an optional TOML file
// (--config or BROKER_CONFIG_FILE), then environment variables, then flags.
//
// Usage:
//
//	storebridge --port 7411 --pages-dir ./pages
//	storebridge --dev --token s3cret
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown; open sockets are closed with
//     "going away" and pending forwards fail with STORE_OFFLINE
package main
