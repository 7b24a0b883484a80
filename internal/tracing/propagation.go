package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns base with every tracing value in ctx attached as
// a field, using the context key names as field names.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	fields := []struct {
		key   ContextKey
		value string
	}{
		{TraceIDKey, tc.TraceID},
		{ExecutionIDKey, tc.ExecutionID},
		{IdentityKey, tc.Identity},
		{MessageIDKey, tc.MessageID},
	}

	zc := base.With()
	for _, f := range fields {
		if f.value != "" {
			zc = zc.Str(string(f.key), f.value)
		}
	}
	return zc.Logger()
}

// Detach keeps the tracing values of ctx but drops its deadline and
// cancellation, for replies that must go out after the request ended.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
