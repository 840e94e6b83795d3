// Package auth authenticates the gateway's two caller populations: agents
// presenting long-lived Agent-Key credentials and dashboard users presenting
// short-lived bearer tokens. It also carries the request-scoped identity and
// the inbound rate limiting keyed off it.
package auth

import (
	"context"

	"github.com/agentgate/agentgate/pkg/store"
)

type agentKey struct{}
type userIDKey struct{}

// WithAgent attaches the authenticated agent to the context.
func WithAgent(ctx context.Context, a *store.Agent) context.Context {
	return context.WithValue(ctx, agentKey{}, a)
}

// AgentFromContext returns the authenticated agent, if any.
func AgentFromContext(ctx context.Context) (*store.Agent, bool) {
	a, ok := ctx.Value(agentKey{}).(*store.Agent)
	return a, ok
}

// WithUserID attaches the authenticated dashboard user to the context.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext returns the authenticated dashboard user, if any.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey{}).(int64)
	return id, ok
}
