// Package logging provides structured logging for the NBE bridge.
//
// This package wraps github.com/rs/zerolog to provide consistent,
// structured logging across the entire application with the key/value
// call style used by every component.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Console output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
// Logging is configured via the LoggingConfig in config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("polling controller", "host", cfg.Device.Host)
//	logger.Error("failed to connect", "error", err)
//
// # Security
//
// Never log secrets, tokens, passwords, or API keys.
// Use field redaction for sensitive data:
//
//	logger.Info("API key used", "key_prefix", key[:8]+"...")
//
// The controller password is never logged.
package logging
