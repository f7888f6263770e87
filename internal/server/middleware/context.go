package middleware

import (
	"context"

	"github.com/gosuda/toolgate/internal/domain"
)

type contextKey string

const (
	ContextKeyActorID contextKey = "actor_id"
	ContextKeyScopes  contextKey = "scopes"
)

func ActorIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyActorID).(string)
	return v, ok
}

func ScopesFromContext(ctx context.Context) (domain.ScopeSet, bool) {
	v, ok := ctx.Value(ContextKeyScopes).(domain.ScopeSet)
	return v, ok
}
