// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

// SystemActor is recorded when no caller identity is present (worker sweeps, config reload).
const SystemActor = "system"

// Actor identifies who triggered an engine operation. It is recorded on audit events.
type Actor struct {
	ID     string
	Source string // cli, worker, library
}

type actorContextKey struct{}

// WithActor adds Actor to context.
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// GetActor returns Actor from context.
func GetActor(ctx context.Context) *Actor {
	if v, ok := ctx.Value(actorContextKey{}).(*Actor); ok {
		return v
	}
	return nil
}

// GetActorID returns actor ID from context or SystemActor.
func GetActorID(ctx context.Context) string {
	if a := GetActor(ctx); a != nil && a.ID != "" {
		return a.ID
	}
	return SystemActor
}
