// Package log provides structured logging utilities for the wsgate gateway.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type contextKey string

// Context keys read by WithContext.
const (
	RequestIDKey    contextKey = "request_id"
	ConnectionIDKey contextKey = "conn_id"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Used by tests and as a
// fallback when a component is constructed without a logger.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// ParseLevel maps a level name onto slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
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

// WithContext returns a logger with request and connection ids taken from ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		logger = logger.With("request_id", reqID)
	}
	if connID := ctx.Value(ConnectionIDKey); connID != nil {
		logger = logger.With("conn_id", connID)
	}

	return &Logger{
		Logger:  logger,
		service: l.service,
		version: l.version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithConnection returns a logger scoped to one client connection
func (l *Logger) WithConnection(connID, identity string) *Logger {
	if identity == "" {
		return l.WithFields("conn_id", connID)
	}
	return l.WithFields("conn_id", connID, "identity", identity)
}

// WithTopic returns a logger with a topic field
func (l *Logger) WithTopic(topic string) *Logger {
	return l.WithFields("topic", topic)
}

// WithService returns a logger scoped to a monitored service
func (l *Logger) WithService(name, layer string) *Logger {
	return l.WithFields("monitored_service", name, "layer", layer)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration time.Duration) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ms", float64(duration.Nanoseconds())/1e6,
	)
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, connID, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"conn_id", connID,
		"remote_addr", remoteAddr,
	)
}

// LogProtocolMessage logs client protocol frames (debug level)
func (l *Logger) LogProtocolMessage(direction, connID string, payload []byte) {
	if !l.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	l.Debug("protocol message",
		"direction", direction,
		"conn_id", connID,
		"message", string(payload),
	)
}

// LogBroadcast logs a fan-out to a topic
func (l *Logger) LogBroadcast(topic string, delivered, dropped int) {
	l.Debug("broadcast",
		"topic", topic,
		"delivered", delivered,
		"dropped", dropped,
	)
}

// LogTransition logs a circuit state change of a monitored service
func (l *Logger) LogTransition(service, layer, from, to string) {
	l.Info("circuit transition",
		"monitored_service", service,
		"layer", layer,
		"from", from,
		"to", to,
	)
}

// LogAudit logs an administrative command
func (l *Logger) LogAudit(actor, role, command, target, outcome string) {
	l.Info("admin command",
		"actor", actor,
		"role", role,
		"command", command,
		"target", target,
		"outcome", outcome,
	)
}
