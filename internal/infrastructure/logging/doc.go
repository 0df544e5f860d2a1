// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: colored console output
//
// Components never create loggers of their own. The server builds one Logger
// and hands each component a named child:
//
//	logger, err := logging.New(logging.Config{Level: "info"})
//	reg := registry.New(logger.Component("registry"))
//	logger.Info("broker listening", zap.String("addr", addr))
//
// Connection-scoped lines carry conn_id and role fields; store-scoped lines
// carry store_id.
package logging
