package shared

import (
	"context"

	"github.com/google/uuid"
)

// ctxKey indexes the correlation ids carried on a context. Loggers and the
// audit trail read them back so every record of one request or sync cycle
// can be joined.
type ctxKey uint8

const (
	traceKey ctxKey = iota
	requestKey
	sessionKey
	cycleKey
)

func withValue(ctx context.Context, k ctxKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

func WithTraceID(ctx context.Context, id string) context.Context { return withValue(ctx, traceKey, id) }

// TraceID returns "-" when no trace id is set so log lines keep a
// fixed shape.
func TraceID(ctx context.Context) string {
	if v := value(ctx, traceKey); v != "" {
		return v
	}
	return "-"
}

func NewTraceID() string { return uuid.NewString() }

func WithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestKey, id)
}

func RequestID(ctx context.Context) string { return value(ctx, requestKey) }

func WithSessionID(ctx context.Context, id string) context.Context {
	return withValue(ctx, sessionKey, id)
}

func SessionID(ctx context.Context) string { return value(ctx, sessionKey) }

// WithCycleID tags a context with the sync cycle it belongs to.
func WithCycleID(ctx context.Context, id string) context.Context {
	return withValue(ctx, cycleKey, id)
}

func CycleID(ctx context.Context) string { return value(ctx, cycleKey) }
