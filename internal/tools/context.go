package tools

import "context"

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID tags the context with the chat request ID so tool logs
// can be correlated with the conversation that triggered them.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the request ID. Returns "" if unset.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
