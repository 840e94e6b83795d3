package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentgate/agentgate/pkg/apihttp"
	"github.com/agentgate/agentgate/pkg/approval"
	"github.com/agentgate/agentgate/pkg/auth"
)

// maxProxyBodyBytes caps the inbound /proxy request document.
const maxProxyBodyBytes = 10 << 20

// proxyRequestBody is the wire shape of POST /proxy.
type proxyRequestBody struct {
	TargetURL      string            `json:"targetUrl"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"`
	Intent         string            `json:"intent"`
	IdempotencyKey string            `json:"idempotencyKey"`
}

var proxiedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
}

func parseProxyRequest(r *http.Request) (*ProxyRequest, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBodyBytes+1))
	if err != nil {
		return nil, apihttp.BadRequest("unreadable request body")
	}
	if len(raw) > maxProxyBodyBytes {
		return nil, apihttp.PayloadTooLarge("request body exceeds size limit")
	}

	var body proxyRequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, apihttp.BadRequest("request body is not valid JSON")
	}

	if body.TargetURL == "" {
		return nil, apihttp.BadRequest("targetUrl is required")
	}
	method := strings.ToUpper(body.Method)
	if !proxiedMethods[method] {
		return nil, apihttp.BadRequest("method must be a standard HTTP method")
	}
	if l := len(body.Intent); l < 1 || l > 500 {
		return nil, apihttp.BadRequest("intent is required (1..500 characters)")
	}

	key := body.IdempotencyKey
	if h := r.Header.Get("Idempotency-Key"); h != "" {
		key = h
	}
	if key == "" && (method == http.MethodPost || method == http.MethodPatch) {
		return nil, apihttp.BadRequest("idempotencyKey is required for POST and PATCH")
	}
	if key != "" && len(key) > 255 {
		return nil, apihttp.BadRequest("idempotencyKey must be 1..255 characters")
	}

	req := &ProxyRequest{
		TargetURL:      body.TargetURL,
		Method:         method,
		Headers:        body.Headers,
		Intent:         body.Intent,
		IdempotencyKey: key,
	}
	if body.Body != "" {
		req.Body = []byte(body.Body)
	}
	return req, nil
}

func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	agent, ok := auth.AgentFromContext(r.Context())
	if !ok {
		apihttp.Write(w, apihttp.Unauthorized(""))
		return
	}

	req, err := parseProxyRequest(r)
	if err != nil {
		apihttp.WriteErr(w, err)
		return
	}

	result, err := g.Proxy(r.Context(), agent, req)
	if err != nil {
		var blocked *BlockedError
		if errors.As(err, &blocked) {
			apihttp.WriteJSON(w, http.StatusPreconditionRequired, map[string]any{
				"error":            "request blocked pending approval",
				"action_id":        blocked.ActionID,
				"risk_score":       blocked.Score,
				"risk_explanation": blocked.Explanation,
				"status_url":       "/status/" + blocked.ActionID,
			})
			return
		}
		apihttp.WriteErr(w, err)
		return
	}

	writeProxyResult(w, result)
}

// writeProxyResult relays the upstream status, Content-Type, and body
// bytes. X-Proxy-Status distinguishes a live forward from a cache replay.
func writeProxyResult(w http.ResponseWriter, result *ProxyResult) {
	if ct, ok := result.Headers["Content-Type"]; ok {
		w.Header().Set("Content-Type", ct)
	}
	proxyStatus := "forwarded"
	if result.Replayed {
		proxyStatus = "replayed"
	}
	w.Header().Set("X-Proxy-Status", proxyStatus)
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	agent, ok := auth.AgentFromContext(r.Context())
	if !ok {
		apihttp.Write(w, apihttp.Unauthorized(""))
		return
	}

	entry, err := g.Status(r.Context(), agent, r.PathValue("actionID"))
	if err != nil {
		apihttp.WriteErr(w, err)
		return
	}

	apihttp.WriteJSON(w, http.StatusOK, statusBody(entry))
}

// statusBody shapes the status response per lifecycle state; fields beyond
// the state's own are never leaked.
func statusBody(entry *approval.Entry) map[string]any {
	body := map[string]any{
		"status":    string(entry.Status),
		"action_id": entry.ActionID,
	}
	switch entry.Status {
	case approval.StatusPending:
		body["created_at"] = entry.CreatedAt.UTC().Format(time.RFC3339)
	case approval.StatusApproved:
		body["execute_url"] = "/proxy/execute/" + entry.ActionID
	case approval.StatusDenied:
		if entry.ResolvedAt != nil {
			body["resolved_at"] = entry.ResolvedAt.UTC().Format(time.RFC3339)
		}
	case approval.StatusExecuted:
		result := map[string]any{
			"headers": entry.CachedHeaders,
			"body":    string(entry.CachedBody),
		}
		if entry.CachedStatus != nil {
			result["status"] = *entry.CachedStatus
		}
		body["result"] = result
	}
	return body
}

func (g *Gateway) handleExecute(w http.ResponseWriter, r *http.Request) {
	agent, ok := auth.AgentFromContext(r.Context())
	if !ok {
		apihttp.Write(w, apihttp.Unauthorized(""))
		return
	}

	result, err := g.Execute(r.Context(), agent, r.PathValue("actionID"))
	if err != nil {
		apihttp.WriteErr(w, err)
		return
	}

	writeProxyResult(w, result)
}

func (g *Gateway) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		apihttp.Write(w, apihttp.Unauthorized(""))
		return
	}

	pending, err := g.PendingForUser(r.Context(), userID)
	if err != nil {
		apihttp.WriteErr(w, err)
		return
	}
	if pending == nil {
		pending = []approval.PendingApproval{}
	}

	apihttp.WriteJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

func (g *Gateway) handleResolve(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := auth.UserIDFromContext(r.Context())
		if !ok {
			apihttp.Write(w, apihttp.Unauthorized(""))
			return
		}

		actionID := r.PathValue("actionID")
		status, err := g.Resolve(r.Context(), userID, actionID, approve)
		if err != nil {
			apihttp.WriteErr(w, err)
			return
		}

		apihttp.WriteJSON(w, http.StatusOK, map[string]any{
			"status":    string(status),
			"action_id": actionID,
		})
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	apihttp.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
