// Package logging provides structured logging with slog for tracepipe,
// plus the diagnostics sink the pipeline reports swallowed errors to.
//
// The pipeline never propagates delivery, persistence, compression, or
// heartbeat errors to its callers; they are visible only through the
// diagnostics sink, which by default writes to the configured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds the logging configuration.
type Config struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level"`

	// Format is the output format: "text" or "json".
	Format string `toml:"format"`
}

// New builds a logger from the config, writing to w (stderr when nil).
func New(cfg Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Diagnostics receives errors from paths that swallow them by contract.
type Diagnostics interface {
	// Report records a swallowed error from the named component operation.
	Report(component, op string, err error)
}

// SlogDiagnostics writes swallowed errors to a logger at warn level.
type SlogDiagnostics struct {
	Logger *slog.Logger
}

// Report implements Diagnostics.
func (d SlogDiagnostics) Report(component, op string, err error) {
	if d.Logger == nil || err == nil {
		return
	}
	d.Logger.Warn("swallowed error",
		"component", component,
		"op", op,
		"error", err)
}

// NopDiagnostics discards all reports.
type NopDiagnostics struct{}

// Report implements Diagnostics.
func (NopDiagnostics) Report(component, op string, err error) {}
