package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger with domain-specific helpers while staying thin
type Logger struct {
	*slog.Logger
	config LoggerConfig
}

// LogLevel represents the logging level
type LogLevel string

const (
	LevelTrace LogLevel = "trace"
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// OutputFormat represents the log output format
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// LoggerConfig holds configuration for the logger
type LoggerConfig struct {
	Level      LogLevel     `mapstructure:"level" yaml:"level" json:"level"`
	Format     OutputFormat `mapstructure:"format" yaml:"format" json:"format"`
	AddSource  bool         `mapstructure:"add_source" yaml:"add_source" json:"add_source"`
	Component  string       `mapstructure:"component" yaml:"component" json:"component"`
	Version    string       `mapstructure:"version" yaml:"version" json:"version"`
	TimeFormat string       `mapstructure:"time_format" yaml:"time_format" json:"time_format"`

	// Output defaults to os.Stderr so command output on stdout stays machine readable.
	Output io.Writer `mapstructure:"-" yaml:"-" json:"-"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() LoggerConfig {
	return LoggerConfig{
		Level:      LevelInfo,
		Format:     FormatText,
		Component:  "wgfleet",
		Version:    "unknown",
		TimeFormat: time.RFC3339,
	}
}

// New creates a new logger with the provided configuration
func New(config LoggerConfig) *Logger {
	if config.TimeFormat == "" {
		config.TimeFormat = time.RFC3339
	}
	if config.Output == nil {
		config.Output = os.Stderr
	}
	handler := createHandler(config, parseLogLevel(config.Level))

	return &Logger{
		Logger: slog.New(handler),
		config: config,
	}
}

// NewDevelopment creates a logger optimized for development
func NewDevelopment(component string) *Logger {
	return New(LoggerConfig{
		Level:      LevelDebug,
		Format:     FormatText,
		AddSource:  true,
		Component:  component,
		Version:    "dev",
		TimeFormat: time.Kitchen,
	})
}

// NewProduction creates a logger optimized for production
func NewProduction(component, version string) *Logger {
	return New(LoggerConfig{
		Level:      LevelInfo,
		Format:     FormatJSON,
		Component:  component,
		Version:    version,
		TimeFormat: time.RFC3339,
	})
}

// NewNop returns a logger that discards everything. Used by tests and as
// the fallback when a component is constructed without a logger.
func NewNop() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1})),
		config: DefaultConfig(),
	}
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return NewNop()
	}
	return l
}

// Context keys for structured logging
type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	RunIDKey     contextKey = "run_id"
	NodeIDKey    contextKey = "node_id"
	UserIDKey    contextKey = "user_id"
	OperationKey contextKey = "operation"
)

// With returns a new logger with additional attributes
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		config: l.config,
	}
}

// WithComponent returns a logger scoped to a sub-component
func (l *Logger) WithComponent(name string) *Logger {
	cfg := l.config
	cfg.Component = name
	return &Logger{
		Logger: l.Logger,
		config: cfg,
	}
}

// WithContext extracts logging context and returns a scoped logger
func (l *Logger) WithContext(ctx context.Context) *Logger {
	attrs := extractContextAttrs(ctx)
	attrs = append(attrs,
		slog.String("component", l.config.Component),
		slog.String("version", l.config.Version),
	)

	return &Logger{
		Logger: l.Logger.With(attrsToAny(attrs)...),
		config: l.config,
	}
}

// Unwrap returns the underlying slog.Logger for direct access
func (l *Logger) Unwrap() *slog.Logger {
	return l.Logger
}

// ErrorCtx logs an error with automatic context enrichment
func (l *Logger) ErrorCtx(ctx context.Context, msg string, err error, args ...any) {
	attrs := append(errorAttrs(err), args...)
	l.WithContext(ctx).Error(msg, attrs...)
}

// WarnCtx is ErrorCtx at warn level, for failures the caller recovers from.
func (l *Logger) WarnCtx(ctx context.Context, msg string, err error, args ...any) {
	attrs := append(errorAttrs(err), args...)
	l.WithContext(ctx).Warn(msg, attrs...)
}

// NodeResult logs the outcome of one node sync, choosing the level from the outcome.
func (l *Logger) NodeResult(ctx context.Context, nodeID, outcome string, duration time.Duration, args ...any) {
	level := slog.LevelInfo
	switch outcome {
	case "synced":
	case "unreachable", "partial":
		level = slog.LevelWarn
	default:
		level = slog.LevelError
	}

	attrs := []any{
		slog.String("node_id", nodeID),
		slog.String("outcome", outcome),
		slog.Duration("duration_ms", duration),
	}
	attrs = append(attrs, args...)
	l.WithContext(ctx).Log(ctx, level, "node sync finished", attrs...)
}

// StoreOp logs registry store operations with slow write detection
func (l *Logger) StoreOp(ctx context.Context, operation, backend string, duration time.Duration, args ...any) {
	attrs := []any{
		slog.String("store_operation", operation),
		slog.String("store_backend", backend),
		slog.Duration("duration_ms", duration),
	}
	attrs = append(attrs, args...)

	if duration > 250*time.Millisecond {
		l.WithContext(ctx).Warn(operation+" (slow)", attrs...)
	} else {
		l.WithContext(ctx).Debug(operation, attrs...)
	}
}

func errorAttrs(err error) []any {
	if err == nil {
		return nil
	}
	attrs := []any{slog.String("error", err.Error())}

	var domainErr apperrors.DomainError
	if errors.As(err, &domainErr) {
		attrs = append(attrs,
			slog.String("error_domain", domainErr.Domain()),
			slog.String("error_code", domainErr.Code()),
			slog.Bool("retryable", domainErr.Retryable()),
		)
		for k, v := range domainErr.Metadata() {
			attrs = append(attrs, slog.Any(k, v))
		}
	}
	return attrs
}

func parseLogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelTrace, LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func createHandler(config LoggerConfig, level slog.Level) slog.Handler {
	switch config.Format {
	case FormatText:
		return tint.NewHandler(config.Output, &tint.Options{
			Level:      level,
			TimeFormat: config.TimeFormat,
			AddSource:  config.AddSource,
		})
	default:
		return slog.NewJSONHandler(config.Output, &slog.HandlerOptions{
			Level:     level,
			AddSource: config.AddSource,
		})
	}
}

func extractContextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, key := range []contextKey{RequestIDKey, RunIDKey, NodeIDKey, UserIDKey, OperationKey} {
		if val := getFromContext[string](ctx, key); val != "" {
			attrs = append(attrs, slog.String(string(key), val))
		}
	}
	return attrs
}

func getFromContext[T any](ctx context.Context, key contextKey) T {
	if val, ok := ctx.Value(key).(T); ok {
		return val
	}
	var zero T
	return zero
}

func attrsToAny(attrs []slog.Attr) []any {
	result := make([]any, len(attrs))
	for i, attr := range attrs {
		result[i] = attr
	}
	return result
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RunIDKey, id)
}

func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, NodeIDKey, id)
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}

func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, OperationKey, operation)
}

func GetRequestID(ctx context.Context) string {
	return getFromContext[string](ctx, RequestIDKey)
}

func GetRunID(ctx context.Context) string {
	return getFromContext[string](ctx, RunIDKey)
}

func GetNodeID(ctx context.Context) string {
	return getFromContext[string](ctx, NodeIDKey)
}

func GetUserID(ctx context.Context) string {
	return getFromContext[string](ctx, UserIDKey)
}

func GetOperation(ctx context.Context) string {
	return getFromContext[string](ctx, OperationKey)
}
