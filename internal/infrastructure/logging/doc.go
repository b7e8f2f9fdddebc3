// Package logging provides structured logging for the tuyalocal core.
//
// It wraps log/slog so every record carries the service and version
// attributes. Components derive child loggers with Component and
// ForDevice rather than formatting ids into messages.
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log local keys, cloud tokens or client secrets. The diagnostics
// package provides masking for exports.
package logging
