package gateway

import (
	"net/http"

	"github.com/agentgate/agentgate/pkg/auth"
)

// Middleware wires authentication and rate limiting into the route table.
type Middleware struct {
	AgentAuth func(http.Handler) http.Handler
	UserAuth  func(http.Handler) http.Handler
	RateLimit func(http.Handler) http.Handler
}

// Routes builds the gateway's HTTP surface. Agent routes sit behind
// Agent-Key auth (rate limited per agent); dashboard routes sit behind
// user bearer auth. /health is open.
func (g *Gateway) Routes(mw Middleware) http.Handler {
	passthrough := func(next http.Handler) http.Handler { return next }
	if mw.AgentAuth == nil {
		mw.AgentAuth = passthrough
	}
	if mw.UserAuth == nil {
		mw.UserAuth = passthrough
	}
	if mw.RateLimit == nil {
		mw.RateLimit = passthrough
	}

	agent := func(h http.HandlerFunc) http.Handler {
		// Rate limiting runs after auth so the limiter keys on the agent.
		return mw.AgentAuth(mw.RateLimit(h))
	}
	user := func(h http.HandlerFunc) http.Handler {
		return mw.UserAuth(h)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /proxy", agent(g.handleProxy))
	mux.Handle("GET /status/{actionID}", agent(g.handleStatus))
	mux.Handle("POST /proxy/execute/{actionID}", agent(g.handleExecute))

	mux.Handle("GET /approvals/pending", user(g.handlePendingApprovals))
	mux.Handle("PATCH /approvals/{actionID}/approve", user(g.handleResolve(true)))
	mux.Handle("PATCH /approvals/{actionID}/deny", user(g.handleResolve(false)))

	mux.HandleFunc("GET /health", handleHealth)

	return auth.RequestIDMiddleware(mux)
}
