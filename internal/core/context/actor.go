// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

// SystemActor is recorded when the engine itself changes the ledger (cascades, janitor).
const SystemActor = "system"

type actorContextKey struct{}

// WithActor records who initiated the current ledger mutation.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// GetActor returns the actor from context or empty string.
func GetActor(ctx context.Context) string {
	if v, ok := ctx.Value(actorContextKey{}).(string); ok {
		return v
	}
	return ""
}

// ActorOrSystem returns actor, falling back to SystemActor when empty.
func ActorOrSystem(actor string) string {
	if actor == "" {
		return SystemActor
	}
	return actor
}
