// Package gateway composes the proxy pipeline: scope resolution, URL
// policy, idempotency, risk gating, credential injection, forwarding, and
// the approval lifecycle for blocked requests.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/agentgate/agentgate/pkg/apihttp"
	"github.com/agentgate/agentgate/pkg/approval"
	"github.com/agentgate/agentgate/pkg/audit"
	"github.com/agentgate/agentgate/pkg/forward"
	"github.com/agentgate/agentgate/pkg/idempotency"
	"github.com/agentgate/agentgate/pkg/inject"
	"github.com/agentgate/agentgate/pkg/policy"
	"github.com/agentgate/agentgate/pkg/risk"
	"github.com/agentgate/agentgate/pkg/store"
)

// DefaultExecuteTTL bounds how long an approval stays executable.
const DefaultExecuteTTL = time.Hour

// Gateway orchestrates one proxied action end to end.
type Gateway struct {
	store      *store.Store
	queue      *approval.Queue
	idem       *idempotency.Store
	injector   *inject.Injector
	assessor   *risk.Assessor
	forwarder  *forward.Forwarder
	recorder   *audit.Recorder
	executeTTL time.Duration
}

// Deps wires the gateway's collaborators.
type Deps struct {
	Store       *store.Store
	Queue       *approval.Queue
	Idempotency *idempotency.Store
	Injector    *inject.Injector
	Assessor    *risk.Assessor
	Forwarder   *forward.Forwarder
	Recorder    *audit.Recorder
	ExecuteTTL  time.Duration
}

// New creates a Gateway.
func New(d Deps) *Gateway {
	ttl := d.ExecuteTTL
	if ttl <= 0 {
		ttl = DefaultExecuteTTL
	}
	return &Gateway{
		store:      d.Store,
		queue:      d.Queue,
		idem:       d.Idempotency,
		injector:   d.Injector,
		assessor:   d.Assessor,
		forwarder:  d.Forwarder,
		recorder:   d.Recorder,
		executeTTL: ttl,
	}
}

// ProxyRequest is one validated proxy call.
type ProxyRequest struct {
	TargetURL      string
	Method         string
	Headers        map[string]string
	Body           []byte
	Intent         string
	IdempotencyKey string
}

// ProxyResult carries the upstream (or cached) response back to the agent.
type ProxyResult struct {
	Status   int
	Headers  map[string]string
	Body     []byte
	Replayed bool
}

// BlockedError signals that the risk gate parked the request for approval.
type BlockedError struct {
	ActionID    string
	Score       float64
	Explanation string
}

func (e *BlockedError) Error() string {
	return "request blocked pending approval"
}

// Proxy runs the non-blocked pipeline. A risk block surfaces as
// *BlockedError; everything else maps through apihttp's taxonomy.
func (g *Gateway) Proxy(ctx context.Context, agent *store.Agent, req *ProxyRequest) (*ProxyResult, error) {
	// Blocked address literals are rejected before scope resolution so the
	// answer is 403 whether or not any service matches.
	if target, parseErr := url.Parse(req.TargetURL); parseErr == nil && policy.BlockedHost(target.Hostname()) {
		err := apihttp.Forbidden("target address is not routable through the gateway")
		g.auditRejected(agent, 0, req, err.Error())
		return nil, err
	}

	svc, err := g.store.ResolveScope(ctx, agent.ID, req.TargetURL)
	if errors.Is(err, store.ErrNoScope) {
		return nil, apihttp.NotFound()
	}
	if errors.Is(err, store.ErrAmbiguousScope) {
		return nil, apihttp.Conflict("multiple services match the target URL")
	}
	if err != nil {
		return nil, err
	}

	if err := policy.Validate(req.TargetURL, svc.BaseURL); err != nil {
		g.auditRejected(agent, svc.ID, req, err.Error())
		return nil, err
	}

	var idemRecord int64
	if req.IdempotencyKey != "" {
		out, err := g.idem.Open(ctx, agent.ID,
			req.IdempotencyKey, idempotency.Fingerprint(req.Method, req.TargetURL, req.Body))
		if err != nil {
			return nil, err
		}
		switch out.Kind {
		case idempotency.KindInFlight:
			return nil, apihttp.Conflict("a request with this idempotency key is in flight")
		case idempotency.KindReplay:
			return &ProxyResult{
				Status:   out.Status,
				Headers:  out.Headers,
				Body:     out.Body,
				Replayed: true,
			}, nil
		default:
			idemRecord = out.RecordID
		}
	}

	assessment := g.assessor.Assess(ctx, req.Intent, req.Method, req.TargetURL, req.Body)
	if assessment.Blocked {
		actionID, err := g.queue.Enqueue(ctx, approval.EnqueueParams{
			AgentID:         agent.ID,
			ServiceID:       svc.ID,
			Method:          req.Method,
			TargetURL:       req.TargetURL,
			StrippedHeaders: stripAuthorization(req.Headers),
			Body:            req.Body,
			Intent:          req.Intent,
			RiskScore:       assessment.Score,
			RiskExplanation: assessment.Explanation,
		})
		if err != nil {
			g.failIdem(ctx, idemRecord, "enqueue failed")
			return nil, err
		}
		// The idempotency record goes errored, not done: a retry after
		// approval must re-enter the pipeline cleanly.
		g.failIdem(ctx, idemRecord, "blocked pending approval")
		return nil, &BlockedError{
			ActionID:    actionID,
			Score:       assessment.Score,
			Explanation: assessment.Explanation,
		}
	}

	requestedAt := time.Now()
	result, err := g.injectAndForward(ctx, svc, req.Method, req.TargetURL, req.Headers, req.Body)
	if err != nil {
		g.audit(agent, svc, req, idemRecord, requestedAt, nil, err.Error())
		g.failIdem(ctx, idemRecord, err.Error())
		return nil, err
	}

	g.audit(agent, svc, req, idemRecord, requestedAt, &result.Status, "")
	if idemRecord != 0 {
		if err := g.idem.Complete(ctx, idemRecord, result.Status, result.Headers, result.Body); err != nil {
			slog.Warn("idempotency complete failed", "record_id", idemRecord, "error", err)
		}
	}
	return result, nil
}

// Status reports the approval entry's state to the agent that created it.
func (g *Gateway) Status(ctx context.Context, agent *store.Agent, actionID string) (*approval.Entry, error) {
	entry, err := g.queue.FetchOwnedByAgent(ctx, actionID, agent.ID)
	if errors.Is(err, approval.ErrNotFound) {
		return nil, apihttp.NotFound()
	}
	return entry, err
}

// Execute runs the approved-execute path: peek under APPROVED, forward with
// freshly injected credentials, then compare-and-swap to EXECUTED. A CAS
// miss after forwarding discards the response; the caller sees 410.
func (g *Gateway) Execute(ctx context.Context, agent *store.Agent, actionID string) (*ProxyResult, error) {
	entry, err := g.queue.FetchOwnedByAgent(ctx, actionID, agent.ID)
	if errors.Is(err, approval.ErrNotFound) {
		return nil, apihttp.NotFound()
	}
	if err != nil {
		return nil, err
	}

	switch entry.Status {
	case approval.StatusPending:
		return nil, apihttp.TooEarly("action is awaiting approval")
	case approval.StatusDenied:
		return nil, apihttp.Gone("action was denied")
	case approval.StatusExpired:
		return nil, apihttp.Gone("approval has expired")
	case approval.StatusExecuted:
		return cachedResult(entry), nil
	case approval.StatusApproved:
		// fall through
	default:
		return nil, apihttp.Internal("")
	}

	if entry.ApprovalExpiresAt == nil || entry.ApprovalExpiresAt.Before(time.Now()) {
		// Flip eagerly rather than waiting for the sweeper; a CAS miss
		// here means someone else already resolved the entry.
		_, _ = g.queue.Transition(ctx, actionID,
			approval.StatusApproved, approval.StatusExpired, approval.Updates{})
		return nil, apihttp.Gone("approval has expired")
	}

	svc, err := g.store.ServiceByID(ctx, entry.ServiceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apihttp.NotFound()
	}
	if err != nil {
		return nil, err
	}

	// Policy may have tightened since the request was parked.
	if err := policy.Validate(entry.TargetURL, svc.BaseURL); err != nil {
		return nil, err
	}

	requestedAt := time.Now()
	result, err := g.injectAndForward(ctx, svc, entry.Method, entry.TargetURL, entry.StrippedHeaders, entry.Body)
	if err != nil {
		g.auditExecute(agent, entry, requestedAt, nil, err.Error())
		return nil, err
	}

	executedAt := time.Now()
	fired, err := g.queue.Transition(ctx, actionID,
		approval.StatusApproved, approval.StatusExecuted, approval.Updates{
			ExecutedAt:    &executedAt,
			CachedStatus:  &result.Status,
			CachedHeaders: result.Headers,
			CachedBody:    result.Body,
		})
	if err != nil {
		return nil, err
	}
	if !fired {
		// Expired or raced since the peek; the response must not leak.
		return nil, apihttp.Gone("approval expired before execution completed")
	}

	g.auditExecute(agent, entry, requestedAt, &result.Status, "")
	return result, nil
}

// PendingForUser lists the user's PENDING approvals for the dashboard.
func (g *Gateway) PendingForUser(ctx context.Context, userID int64) ([]approval.PendingApproval, error) {
	return g.queue.ListPendingForUser(ctx, userID)
}

// Resolve applies a dashboard approve or deny decision.
func (g *Gateway) Resolve(ctx context.Context, userID int64, actionID string, approve bool) (approval.Status, error) {
	if _, err := g.queue.FetchOwnedByUser(ctx, actionID, userID); err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			return "", apihttp.NotFound()
		}
		return "", err
	}

	now := time.Now()
	to := approval.StatusDenied
	updates := approval.Updates{ResolvedAt: &now}
	if approve {
		to = approval.StatusApproved
		expires := now.Add(g.executeTTL)
		updates.ApprovalExpiresAt = &expires
	}

	fired, err := g.queue.Transition(ctx, actionID, approval.StatusPending, to, updates)
	if err != nil {
		return "", err
	}
	if !fired {
		return "", apihttp.Conflict("action is no longer pending")
	}
	return to, nil
}

func (g *Gateway) injectAndForward(ctx context.Context, svc *store.Service, method, targetURL string, headers map[string]string, body []byte) (*ProxyResult, error) {
	injected, err := g.injector.Inject(ctx, svc, headers)
	if err != nil {
		return nil, err
	}

	resp, err := g.forwarder.Do(ctx, method, targetURL, injected, body)
	if err != nil {
		return nil, mapForwardErr(err)
	}
	return &ProxyResult{Status: resp.Status, Headers: resp.Headers, Body: resp.Body}, nil
}

func (g *Gateway) failIdem(ctx context.Context, recordID int64, summary string) {
	if recordID == 0 {
		return
	}
	if err := g.idem.Fail(ctx, recordID, summary); err != nil {
		slog.Warn("idempotency fail failed", "record_id", recordID, "error", err)
	}
}

func (g *Gateway) audit(agent *store.Agent, svc *store.Service, req *ProxyRequest, idemRecord int64, requestedAt time.Time, status *int, errSummary string) {
	if g.recorder == nil {
		return
	}
	rec := &store.AuditRecord{
		AgentID:      agent.ID,
		ServiceID:    svc.ID,
		Method:       req.Method,
		TargetURL:    req.TargetURL,
		Intent:       req.Intent,
		RequestedAt:  requestedAt,
		Status:       status,
		ErrorSummary: errSummary,
	}
	if idemRecord != 0 {
		rec.IdempotencyRecordID = &idemRecord
	}
	completedAt := time.Now()
	rec.CompletedAt = &completedAt
	g.recorder.Record(rec)
}

// auditRejected records a request turned away by the policy gates;
// service id 0 marks rejection before any service resolved.
func (g *Gateway) auditRejected(agent *store.Agent, serviceID int64, req *ProxyRequest, errSummary string) {
	if g.recorder == nil {
		return
	}
	now := time.Now()
	g.recorder.Record(&store.AuditRecord{
		AgentID:      agent.ID,
		ServiceID:    serviceID,
		Method:       req.Method,
		TargetURL:    req.TargetURL,
		Intent:       req.Intent,
		RequestedAt:  now,
		CompletedAt:  &now,
		ErrorSummary: errSummary,
	})
}

func (g *Gateway) auditExecute(agent *store.Agent, entry *approval.Entry, requestedAt time.Time, status *int, errSummary string) {
	if g.recorder == nil {
		return
	}
	completedAt := time.Now()
	g.recorder.Record(&store.AuditRecord{
		AgentID:      agent.ID,
		ServiceID:    entry.ServiceID,
		Method:       entry.Method,
		TargetURL:    entry.TargetURL,
		Intent:       entry.Intent,
		RequestedAt:  requestedAt,
		CompletedAt:  &completedAt,
		Status:       status,
		ErrorSummary: errSummary,
	})
}

func cachedResult(entry *approval.Entry) *ProxyResult {
	r := &ProxyResult{Headers: entry.CachedHeaders, Body: entry.CachedBody, Replayed: true}
	if entry.CachedStatus != nil {
		r.Status = *entry.CachedStatus
	}
	return r
}

// stripAuthorization copies headers without any authorisation header so
// parked entries never store caller credentials.
func stripAuthorization(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if strings.EqualFold(k, "Authorization") {
			continue
		}
		out[k] = v
	}
	return out
}

func mapForwardErr(err error) error {
	switch {
	case errors.Is(err, forward.ErrTimeout):
		return apihttp.GatewayTimeout("upstream did not respond in time")
	case errors.Is(err, forward.ErrTooLarge):
		return apihttp.PayloadTooLarge("upstream response exceeds size limit")
	case errors.Is(err, forward.ErrUpstream):
		return apihttp.BadGateway("upstream request failed")
	default:
		return err
	}
}
