package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// SessionIDKey is the context key for the client session that sent a command
	SessionIDKey ContextKey = "session_id"
	// CommandIDKey is the context key for the command being executed
	CommandIDKey ContextKey = "command_id"
	// RequestIDKey is the context key for the client-supplied REQ id
	RequestIDKey ContextKey = "request_id"
	// QueueKey is the context key for the queue a command runs on
	QueueKey ContextKey = "queue"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	SessionID string
	CommandID string
	RequestID string
	Queue     string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewCommandID generates a new command ID
func NewCommandID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithCommandID adds a command ID to the context
func WithCommandID(ctx context.Context, commandID string) context.Context {
	return context.WithValue(ctx, CommandIDKey, commandID)
}

// WithRequestID adds a client request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithQueue adds a queue name to the context
func WithQueue(ctx context.Context, queue string) context.Context {
	return context.WithValue(ctx, QueueKey, queue)
}

func getString(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return getString(ctx, TraceIDKey)
}

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string {
	return getString(ctx, SessionIDKey)
}

// GetCommandID retrieves the command ID from the context
func GetCommandID(ctx context.Context) string {
	return getString(ctx, CommandIDKey)
}

// GetRequestID retrieves the client request ID from the context
func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

// GetQueue retrieves the queue name from the context
func GetQueue(ctx context.Context) string {
	return getString(ctx, QueueKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		SessionID: GetSessionID(ctx),
		CommandID: GetCommandID(ctx),
		RequestID: GetRequestID(ctx),
		Queue:     GetQueue(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.CommandID != "" {
		ctx = WithCommandID(ctx, tc.CommandID)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	if tc.Queue != "" {
		ctx = WithQueue(ctx, tc.Queue)
	}
	return ctx
}

// NewLineContext starts tracing for one protocol line received from a session.
func NewLineContext(ctx context.Context, sessionID string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	return WithSessionID(ctx, sessionID)
}
