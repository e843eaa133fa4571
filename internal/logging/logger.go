// Package logging provides structured logging for the IMAP engine and CLI.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	sessionIDKey  contextKey = "session_id"
	tagKey        contextKey = "tag"
	remoteAddrKey contextKey = "remote_addr"
	mailboxKey    contextKey = "mailbox"
)

// Logger wraps slog with engine-specific helpers.
type Logger struct {
	*slog.Logger
}

// Config configures the logger.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (json, text).
	Format string
	// Output is the output destination (stdout, stderr, or file path).
	Output string
	// AddSource adds source code location to log entries.
	AddSource bool
}

// DefaultConfig returns a sensible default configuration. The CLI prints
// command results on stdout, so logs go to stderr.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    "text",
		Output:    "stderr",
		AddSource: false,
	}
}

// ParseLevel maps a level name onto slog; unknown names mean info.
func ParseLevel(name string) slog.Level {
	switch name {
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

// New creates a new Logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	var output io.Writer
	switch cfg.Output {
	case "stderr", "":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		output = f
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler)}, nil
}

// Default returns a default logger.
func Default() *Logger {
	logger, _ := New(DefaultConfig())
	return logger
}

// Discard returns a logger that drops every record.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithSessionID returns a new context with the connection's session ID.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// WithTag returns a new context with a command tag.
func WithTag(ctx context.Context, tag string) context.Context {
	return context.WithValue(ctx, tagKey, tag)
}

// WithRemoteAddr returns a new context with the server address.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteAddrKey, addr)
}

// WithMailbox returns a new context with the mailbox name.
func WithMailbox(ctx context.Context, mailbox string) context.Context {
	return context.WithValue(ctx, mailboxKey, mailbox)
}

func extractContextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, key := range []contextKey{sessionIDKey, tagKey, remoteAddrKey, mailboxKey} {
		if v, ok := ctx.Value(key).(string); ok {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	return attrs
}

func mergeArgs(ctx context.Context, extra int, args []any) []any {
	attrs := extractContextAttrs(ctx)
	all := make([]any, 0, len(attrs)*2+len(args)+extra)
	for _, attr := range attrs {
		all = append(all, attr.Key, attr.Value.Any())
	}
	return append(all, args...)
}

// InfoContext logs an info message with context.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, mergeArgs(ctx, 0, args)...)
}

// ErrorContext logs an error message with context.
func (l *Logger) ErrorContext(ctx context.Context, msg string, err error, args ...any) {
	all := mergeArgs(ctx, 2, args)
	if err != nil {
		all = append(all, "error", err.Error())
	}
	l.Logger.ErrorContext(ctx, msg, all...)
}

// WarnContext logs a warning message with context.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, mergeArgs(ctx, 0, args)...)
}

// DebugContext logs a debug message with context.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, mergeArgs(ctx, 0, args)...)
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{Logger: l.Logger.With("error", err.Error())}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

func (l *Logger) component(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// Engine returns a logger for the parser worker.
func (l *Logger) Engine() *Logger { return l.component("engine") }

// Wire returns a logger for transport and TLS events.
func (l *Logger) Wire() *Logger { return l.component("wire") }

// Session returns a logger for command/response correlation.
func (l *Logger) Session() *Logger { return l.component("session") }

// Storage returns a logger for transcript and maildir output.
func (l *Logger) Storage() *Logger { return l.component("storage") }

// CLI returns a logger for imapctl.
func (l *Logger) CLI() *Logger { return l.component("cli") }
