package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type workerIDKey struct{}
type sourceMsgIDKey struct{}
type chatIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithWorkerID attaches the id of the worker holding an inbox lease.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey{}, workerID)
}

// WorkerID extracts worker_id from context. Returns "" if absent.
func WorkerID(ctx context.Context) string {
	if v, ok := ctx.Value(workerIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewWorkerID generates a worker id of the form "<role>-<uuid>".
func NewWorkerID(role string) string {
	return role + "-" + uuid.NewString()
}

// WithSourceMsgID attaches the idempotency key of the command being applied.
func WithSourceMsgID(ctx context.Context, sourceMsgID string) context.Context {
	return context.WithValue(ctx, sourceMsgIDKey{}, sourceMsgID)
}

// SourceMsgID extracts source_msg_id from context. Returns "" if absent.
func SourceMsgID(ctx context.Context) string {
	if v, ok := ctx.Value(sourceMsgIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithChatID attaches the originating chat id.
func WithChatID(ctx context.Context, chatID int64) context.Context {
	return context.WithValue(ctx, chatIDKey{}, chatID)
}

// ChatID extracts the originating chat id (0 if absent).
func ChatID(ctx context.Context) int64 {
	if v, ok := ctx.Value(chatIDKey{}).(int64); ok {
		return v
	}
	return 0
}
