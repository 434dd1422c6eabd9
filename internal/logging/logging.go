// Package logging builds the structured logger shared by all backends.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/nhle/userexternal/internal/model"
)

// AppName is attached to every log record as the "app" attribute.
const AppName = "user_external"

// New creates a structured logger based on the configuration, writing to
// stderr. Unknown levels and "none" discard everything.
func New(cfg model.LoggingConfig) *slog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg model.LoggingConfig, w io.Writer) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{
		AddSource: false,
		Level:     slog.LevelInfo,
	}

	switch cfg.Level {
	case "debug":
		handlerOpts.Level = slog.LevelDebug
		handlerOpts.AddSource = true
	case "info", "":
		handlerOpts.Level = slog.LevelInfo
	case "error":
		handlerOpts.Level = slog.LevelError
	default:
		return Discard()
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return slog.New(handler).With(slog.String("app", AppName))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ForBackend scopes logger to a single backend instance.
func ForBackend(logger *slog.Logger, kind, id string) *slog.Logger {
	if logger == nil {
		logger = Discard()
	}
	return logger.With(slog.String("backend", kind), slog.String("backend_id", id))
}
