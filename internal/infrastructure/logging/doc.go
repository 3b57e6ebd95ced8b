// Package logging provides structured logging for OBD telemetry.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the publisher and ingestor.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
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
//	logger.Info("publishing", "topic", cfg.MQTT.Topic)
//	logger.Error("flush failed", "error", err)
//
// Never log INFLUX_TOKEN or MQTT passwords.
package logging
