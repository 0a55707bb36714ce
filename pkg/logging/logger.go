// Package logging provides the structured logger shared by bigtest components.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Format selects the handler encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Options configures a Logger.
type Options struct {
	Level  string
	Format Format
	Output io.Writer
}

// Logger is a structured logger for bigtest components
type Logger struct {
	*slog.Logger
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// New creates a logger writing to opts.Output (stderr by default).
func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch opts.Format {
	case FormatText:
		handler = slog.NewTextHandler(out, handlerOpts)
	case "", FormatJSON:
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	logger := slog.New(handler).With(slog.String("system", "bigtest"))
	return &Logger{Logger: logger}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// WithComponent returns a logger tagged with the component name
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("component", component))}
}

// WithAgent returns a logger with agent-specific fields
func (l *Logger) WithAgent(agentID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("agent_id", agentID))}
}

// WithRun returns a logger with test-run fields
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("test_run_id", runID))}
}

// WithContext attaches the active trace and span ids, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return l
	}
	return &Logger{
		Logger: l.Logger.With(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		),
	}
}

// AgentConnected logs a completed handshake
func (l *Logger) AgentConnected(agentID string, remote string) {
	l.Info("agent connected",
		slog.String("agent_id", agentID),
		slog.String("remote", remote),
	)
}

// AgentDisconnected logs an agent leaving the registry
func (l *Logger) AgentDisconnected(agentID string, err error) {
	if err != nil {
		l.Warn("agent disconnected",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()),
		)
		return
	}
	l.Info("agent disconnected", slog.String("agent_id", agentID))
}

// RunFinished logs the aggregate outcome of a test run
func (l *Logger) RunFinished(runID, status string, agents int) {
	l.Info("test run finished",
		slog.String("test_run_id", runID),
		slog.String("status", status),
		slog.Int("agents", agents),
	)
}

// ManifestUpdated logs a manifest reload
func (l *Logger) ManifestUpdated(path string, lanes int) {
	l.Info("manifest updated",
		slog.String("path", path),
		slog.Int("lanes", lanes),
	)
}
