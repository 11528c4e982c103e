// Package observability provides structured logging and Prometheus metrics
// for the Flux runtime.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps slog with request correlation and sensitive data redaction.
//
// Features:
//   - Configurable levels (debug, info, warn, error)
//   - JSON output for production, text for development
//   - Request/conversation ID correlation from context
//   - Redaction of API keys, tokens, and webhook secrets
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string
	// Format is "json" or "text". JSON is the production default.
	Format string
	// Output defaults to os.Stdout.
	Output io.Writer
	// RedactPatterns are additional regexes applied to attribute values.
	RedactPatterns []string
}

type contextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"
	// ConversationIDKey is the context key for conversation IDs.
	ConversationIDKey contextKey = "conversation_id"
	// UserIDKey is the context key for user IDs.
	UserIDKey contextKey = "user_id"
)

// defaultRedactPatterns cover the credentials this system mints or accepts.
var defaultRedactPatterns = []string{
	// Flux API keys
	`flux_[a-f0-9]{64}`,
	// Anthropic API keys
	`sk-ant-[a-zA-Z0-9_-]{20,}`,
	// OpenAI API keys
	`sk-[a-zA-Z0-9]{40,}`,
	// JWTs
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
	// Generic secret assignments
	`(?i)(secret|password|token|api[_-]?key)[\s:=]+["']?([^\s"']{8,})["']?`,
}

// NewLogger creates a structured logger. A nil-safe default logger is
// returned for zero-value configs.
func NewLogger(cfg LogConfig) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	patterns := append([]string{}, defaultRedactPatterns...)
	patterns = append(patterns, cfg.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{
		logger:  slog.New(handler),
		redacts: redacts,
	}
}

// NewNopLogger returns a logger that discards everything. Used in tests.
func NewNopLogger() *Logger {
	return NewLogger(LogConfig{Output: io.Discard})
}

// Slog exposes the underlying slog.Logger for libraries that want one.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// With returns a logger with the given attributes attached.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(l.redactArgs(args)...), redacts: l.redacts}
}

// Debug logs at debug level with context correlation.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level with context correlation.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level with context correlation.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level with context correlation.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	args = l.redactArgs(args)
	if ctx != nil {
		for _, key := range []contextKey{RequestIDKey, ConversationIDKey, UserIDKey} {
			if v, ok := ctx.Value(key).(string); ok && v != "" {
				args = append(args, string(key), v)
			}
		}
	}
	l.logger.Log(ctx, level, l.redact(msg), args...)
}

func (l *Logger) redactArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok && i%2 == 1 {
			out[i] = l.redact(s)
		} else {
			out[i] = a
		}
	}
	return out
}

func (l *Logger) redact(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// WithRequestID attaches a request ID to the context for log correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// WithConversationID attaches a conversation ID to the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, id)
}

// WithUserID attaches a user ID to the context.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}
