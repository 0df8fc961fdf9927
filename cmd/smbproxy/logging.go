package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// newLogger builds the process logger from the logging configuration.
func newLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.Level) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// printfLogger adapts a slog.Logger to the Printf-style smbproxy.Logger.
// Library messages report recoverable failures and are logged at warn.
type printfLogger struct {
	logger *slog.Logger
	level  slog.Level
}

func (l printfLogger) Printf(format string, v ...interface{}) {
	if !l.logger.Enabled(context.Background(), l.level) {
		return
	}
	l.logger.Log(context.Background(), l.level, fmt.Sprintf(format, v...), "component", "smbproxy")
}
