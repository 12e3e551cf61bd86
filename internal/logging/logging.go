// Package logging configures the process-wide slog logger.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/trace"

	"cowrite/api/internal/config"
)

// Setup installs the default logger: coloured text in development, JSON
// otherwise. Both add context fields and trace ids.
func Setup(cfg config.Config) *slog.Logger {
	level := ParseLevel(cfg.LogLevel)
	var handler slog.Handler
	if cfg.IsDevelopment() {
		handler = tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
			NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(NewContextHandler(handler))
	slog.SetDefault(logger)
	return logger
}

// NewJSON builds a JSON logger writing to w. Used by tests that assert on log output.
func NewJSON(w io.Writer) *slog.Logger {
	return slog.New(NewContextHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// ContextHandler appends Fields carried by the context and the active span ids.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	fields := FieldsFrom(ctx)
	if fields.RequestID != "" {
		r.AddAttrs(slog.String("request_id", fields.RequestID))
	}
	if fields.UserID != "" {
		r.AddAttrs(slog.String("user_id", fields.UserID))
	}
	if fields.ProjectID != "" {
		r.AddAttrs(slog.String("project_id", fields.ProjectID))
	}
	if fields.Component != "" {
		r.AddAttrs(slog.String("component", fields.Component))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}
