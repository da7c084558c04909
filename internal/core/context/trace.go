package context

import (
	"context"

	"github.com/google/uuid"
)

// TraceContext correlates log lines of one recalculation run.
type TraceContext struct {
	TraceID string
	// Origin names what started the run: "worker", "immediate", "cli", "poster".
	Origin string
}

type traceContextKey struct{}

// WithTrace adds TraceContext to context.
func WithTrace(ctx context.Context, trace *TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, trace)
}

// GetTrace returns TraceContext from context.
func GetTrace(ctx context.Context) *TraceContext {
	if v, ok := ctx.Value(traceContextKey{}).(*TraceContext); ok {
		return v
	}
	return nil
}

// GetTraceID returns trace ID from context or generates new one.
func GetTraceID(ctx context.Context) string {
	if t := GetTrace(ctx); t != nil {
		return t.TraceID
	}
	return uuid.New().String()
}

// NewTraceContext creates a new TraceContext with a generated ID.
func NewTraceContext(origin string) *TraceContext {
	return &TraceContext{
		TraceID: uuid.New().String(),
		Origin:  origin,
	}
}

// EnsureTrace returns ctx carrying a trace, starting one if absent.
func EnsureTrace(ctx context.Context, origin string) context.Context {
	if GetTrace(ctx) != nil {
		return ctx
	}
	return WithTrace(ctx, NewTraceContext(origin))
}
