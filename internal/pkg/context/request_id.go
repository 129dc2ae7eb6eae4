package context

import "context"

type requestIDKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func GetRequestID(ctx context.Context) string {
	v := ctx.Value(requestIDKey{})
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// TraceID returns the request id or a placeholder, for outbox rows and audit lines.
func TraceID(ctx context.Context) string {
	if id := GetRequestID(ctx); id != "" {
		return id
	}
	return "no-request-id"
}
