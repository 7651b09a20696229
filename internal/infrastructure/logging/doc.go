// Package logging provides structured logging for the BLE link service.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same shape.
//
// # Features
//
//   - JSON output for production, text output for development
//   - Default fields (service, version) on all log entries
//   - Component-scoped child loggers
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Component("orchestrator").Info("connect attempt", "device_id", id, "mode", "auto")
//
// # Security
//
// Never log secrets, tokens, or passwords. Device addresses are fine.
package logging
