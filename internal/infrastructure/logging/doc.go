// Package logging provides structured logging for evok2mqtt.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same handler, level and default fields.
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
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("bridge started", "circuits", table.Len())
//	logger.Component("evok").Warn("reconnecting", "delay", d)
//
// Never log the MQTT password or the InfluxDB token.
package logging
