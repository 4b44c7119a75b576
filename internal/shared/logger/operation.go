package logger

import (
	"context"
	"log/slog"
	"time"
)

// Operation logs the lifecycle of one logical operation (provision, revoke, sync run).
type Operation struct {
	logger    *Logger
	ctx       context.Context
	name      string
	StartTime time.Time
	attrs     []any
}

// StartOp begins tracking an operation. The start is logged at debug level;
// Complete and Fail carry the duration.
func (l *Logger) StartOp(ctx context.Context, name string, args ...any) *Operation {
	op := &Operation{
		logger:    l,
		ctx:       WithOperation(ctx, name),
		name:      name,
		StartTime: time.Now(),
		attrs:     args,
	}

	op.logger.WithContext(op.ctx).Debug("operation started", args...)
	return op
}

// Context returns the operation's context, tagged with the operation name.
func (op *Operation) Context() context.Context {
	return op.ctx
}

// With adds attributes to the operation
func (op *Operation) With(args ...any) *Operation {
	op.attrs = append(op.attrs, args...)
	return op
}

// Complete logs successful operation completion
func (op *Operation) Complete(msg string, args ...any) {
	if msg == "" {
		msg = "operation completed"
	}
	op.logger.WithContext(op.ctx).Info(msg, op.finalAttrs(nil, args)...)
}

// Fail logs failed operation
func (op *Operation) Fail(err error, msg string, args ...any) {
	if msg == "" {
		msg = "operation failed"
	}
	op.logger.WithContext(op.ctx).Error(msg, op.finalAttrs(errorAttrs(err), args)...)
}

// Progress logs operation progress (debug level)
func (op *Operation) Progress(msg string, args ...any) {
	attrs := append([]any{slog.Duration("elapsed_ms", time.Since(op.StartTime))}, op.attrs...)
	attrs = append(attrs, args...)
	op.logger.WithContext(op.ctx).Debug(msg, attrs...)
}

func (op *Operation) finalAttrs(errAttrs []any, args []any) []any {
	attrs := []any{slog.Duration("duration_ms", time.Since(op.StartTime))}
	attrs = append(attrs, errAttrs...)
	attrs = append(attrs, op.attrs...)
	return append(attrs, args...)
}
