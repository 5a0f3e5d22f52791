package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type conversationIDKey struct{}
type runIDKey struct{}

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

// WithConversationID attaches a conversation_id to the context.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationIDKey{}, conversationID)
}

// ConversationID extracts conversation_id from context. Returns "" if absent.
func ConversationID(ctx context.Context) string {
	if v, ok := ctx.Value(conversationIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRunID generates a new run_id. Every claimed summarization gets one.
func NewRunID() string {
	return uuid.NewString()
}
