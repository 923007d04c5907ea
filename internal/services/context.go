package services

import "context"

type contextKey string

const (
	uploadIDKey  contextKey = "upload_id"
	requestIDKey contextKey = "request_id"
)

// WithUploadID annotates context with the pending upload identifier.
func WithUploadID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, uploadIDKey, id)
}

// UploadIDFromContext extracts the pending upload identifier if present.
func UploadIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(uploadIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
