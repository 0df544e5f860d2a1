// Package config provides 12-factor configuration for the broker.
//
// Values come from three layers, later ones winning:
//
//   - Default()
//   - an optional TOML file named by BROKER_CONFIG_FILE (or passed to LoadFrom)
//   - environment variables
//
// Configuration Sections:
//   - Server: listen address, shared secret, allowed origins, shutdown grace
//   - Broker: pages directory, forward timeout, per-connection limits
//   - Logging: log level and output format
//   - RateLimit: per-IP rate limiting of the REST surface
//
// Example Usage:
//
//	cfg, err := config.Load()
//	fmt.Printf("Broker listening on %s\n", cfg.Server.Addr())
//
// Environment Variables:
//   - BROKER_PORT, BROKER_HOST, BROKER_TOKEN, BROKER_ALLOWED_ORIGINS, BROKER_SHUTDOWN_TIMEOUT
//   - BROKER_PAGES_DIR, BROKER_FORWARD_TIMEOUT, BROKER_SEND_BUFFER, BROKER_MAX_MESSAGE_BYTES
//   - WS_MESSAGES_PER_SECOND, WS_MESSAGE_BURST
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
