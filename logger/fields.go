package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldSessionID = "session_id"
	FieldClientID  = "client_id"
	FieldRequestID = "request_id"

	// Components
	FieldComponent = "component"

	// Content addressing and transfer
	FieldCID         = "cid"
	FieldPayloadCID  = "payload_cid"
	FieldChunkIndex  = "chunk_index"
	FieldTotalChunks = "total_chunks"
	FieldEntryUID    = "entry_uid"
	FieldNamespace   = "namespace"

	// Operations
	FieldOperation = "operation"
	FieldMsgType   = "msg_type"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts and sizes
	FieldCount     = "count"
	FieldSize      = "size"
	FieldApplied   = "applied"
	FieldConflicts = "conflicts"

	// Status
	FieldStatus = "status"

	// Network
	FieldAddress = "address"
)

// Context keys for propagating logging context
type contextKey string

const (
	sessionIDKey contextKey = "logger_session_id"
	clientIDKey  contextKey = "logger_client_id"
	requestIDKey contextKey = "logger_request_id"
)

// WithSessionID adds a sync session ID to the context for logging
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithClientID adds a client ID to the context for logging
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if sessionID, ok := ctx.Value(sessionIDKey).(string); ok && sessionID != "" {
		fields = append(fields, FieldSessionID, sessionID)
	}
	if clientID, ok := ctx.Value(clientIDKey).(string); ok && clientID != "" {
		fields = append(fields, FieldClientID, clientID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	hub := sync.NewHub(cfg, st, sync.WithLogger(logger.ComponentLogger("hub")))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
//
// Example:
//
//	sessionLogger := logger.ChildLogger(base, logger.FieldSessionID, id)
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}

// Nop returns a logger that discards everything. Constructors use it
// when no logger is injected.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
