// Package logging provides structured logging using slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"
}

// Setup initializes the global slog logger based on configuration.
func Setup(cfg Config) {
	slog.SetDefault(New(cfg, os.Stdout))
}

// New builds a logger writing to w without touching the global default.
func New(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// parseLevel converts a string level to slog.Level.
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

// batchIDKey is the context key for batch IDs.
type batchIDKey struct{}

// WithBatchID adds a batch ID to the context.
func WithBatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, batchIDKey{}, id)
}

// BatchID retrieves the batch ID from context.
func BatchID(ctx context.Context) string {
	if id, ok := ctx.Value(batchIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GenerateBatchID creates a new time-sortable batch ID.
func GenerateBatchID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// BatchLogger creates a logger with batch context fields.
func BatchLogger(batchID, scene string) *slog.Logger {
	return slog.With(
		"batch_id", batchID,
		"scene", scene,
	)
}

// FrameLogger creates a logger scoped to one frame of a batch.
func FrameLogger(batchID string, frame int) *slog.Logger {
	return slog.With("batch_id", batchID, "frame", frame)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}
