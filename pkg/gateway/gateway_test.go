package gateway

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/pkg/approval"
	"github.com/agentgate/agentgate/pkg/audit"
	"github.com/agentgate/agentgate/pkg/auth"
	"github.com/agentgate/agentgate/pkg/forward"
	"github.com/agentgate/agentgate/pkg/idempotency"
	"github.com/agentgate/agentgate/pkg/inject"
	"github.com/agentgate/agentgate/pkg/risk"
	"github.com/agentgate/agentgate/pkg/store"
	"github.com/agentgate/agentgate/pkg/vault"

	_ "modernc.org/sqlite"
)

const (
	e2eAgentKey   = "agt_" + "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	otherAgentKey = "agt_" + "ffeeddccbbaa99887766554433221100ffeeddccbbaa99887766554433221100"
	e2eBaseURL    = "http://api.example.test/v1/"
	e2eToken      = "ghp_e2e_bearer_token"
	e2eOwnerUser  = int64(10)
)

var e2eJWTSecret = []byte("gateway-dashboard-signing-secret")

var e2eSchema = []string{
	`CREATE TABLE services (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_user_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		base_url TEXT NOT NULL,
		auth_kind TEXT NOT NULL
	)`,
	`CREATE TABLE credentials (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		service_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		ciphertext TEXT NOT NULL,
		UNIQUE (service_id, name)
	)`,
	`CREATE TABLE agents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_user_id INTEGER NOT NULL,
		display_name TEXT NOT NULL,
		key_fingerprint TEXT NOT NULL UNIQUE,
		key_prefix TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		last_used_at DATETIME
	)`,
	`CREATE TABLE scope_bindings (
		agent_id INTEGER NOT NULL,
		service_id INTEGER NOT NULL,
		PRIMARY KEY (agent_id, service_id)
	)`,
	`CREATE TABLE idempotency_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id INTEGER NOT NULL,
		key TEXT NOT NULL,
		request_fingerprint TEXT NOT NULL,
		phase TEXT NOT NULL,
		cached_status INTEGER,
		cached_headers TEXT,
		cached_body TEXT,
		error_summary TEXT,
		created_at DATETIME NOT NULL,
		completed_at DATETIME,
		expires_at DATETIME NOT NULL,
		UNIQUE (agent_id, key)
	)`,
	`CREATE TABLE approval_entries (
		action_id TEXT PRIMARY KEY,
		agent_id INTEGER NOT NULL,
		service_id INTEGER NOT NULL,
		method TEXT NOT NULL,
		target_url TEXT NOT NULL,
		stripped_headers TEXT NOT NULL,
		body TEXT,
		intent TEXT NOT NULL,
		risk_score REAL NOT NULL,
		risk_explanation TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		resolved_at DATETIME,
		approval_expires_at DATETIME,
		executed_at DATETIME,
		cached_status INTEGER,
		cached_headers TEXT,
		cached_body TEXT
	)`,
	`CREATE TABLE audit_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id INTEGER NOT NULL,
		service_id INTEGER NOT NULL,
		idempotency_record_id INTEGER,
		method TEXT NOT NULL,
		target_url TEXT NOT NULL,
		intent TEXT NOT NULL,
		requested_at DATETIME NOT NULL,
		completed_at DATETIME,
		status INTEGER,
		error_summary TEXT
	)`,
}

// judgeStub is a controllable risk judge.
type judgeStub struct {
	mu    sync.Mutex
	score float64
	expl  string
}

func (j *judgeStub) set(score float64, expl string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.score, j.expl = score, expl
}

func (j *judgeStub) Judge(context.Context, string, string, string, []byte) (*risk.Judgement, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return &risk.Judgement{Score: j.score, Explanation: j.expl}, nil
}

// upstreamServer is the fake target API. It records what the gateway sends.
type upstreamServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	calls    int
	lastAuth string
	lastPath string
	gate     chan struct{}
	started  chan struct{}
}

func newUpstream(t *testing.T) *upstreamServer {
	t.Helper()
	u := &upstreamServer{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.calls++
		u.lastAuth = r.Header.Get("Authorization")
		u.lastPath = r.URL.Path
		gate, started := u.gate, u.started
		u.mu.Unlock()

		if started != nil {
			started <- struct{}{}
		}
		if gate != nil {
			<-gate
		}

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/user":
			fmt.Fprint(w, `{"login":"octocat"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/v1/items":
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":1}`)
		case r.Method == http.MethodDelete:
			fmt.Fprint(w, `{"deleted":true}`)
		default:
			fmt.Fprint(w, `{"ok":true}`)
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstreamServer) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func (u *upstreamServer) lastAuthorization() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastAuth
}

// rewriteTransport sends every request to the test upstream regardless of
// the target host, standing in for DNS.
type rewriteTransport struct {
	target *url.URL
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = t.target.Scheme
	clone.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(clone)
}

type harness struct {
	t        *testing.T
	db       *sql.DB
	store    *store.Store
	queue    *approval.Queue
	judge    *judgeStub
	upstream *upstreamServer
	handler  http.Handler

	agentID      int64
	otherAgentID int64
	serviceID    int64
}

func newHarness(t *testing.T, executeTTL time.Duration) *harness {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	for _, stmt := range e2eSchema {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	st := store.New(db)
	v, err := vault.New("0123456789abcdef0123456789abcdef", "gateway-test-salt")
	require.NoError(t, err)

	h := &harness{
		t:        t,
		db:       db,
		store:    st,
		queue:    approval.NewQueue(db),
		judge:    &judgeStub{},
		upstream: newUpstream(t),
	}

	var serviceID int64
	require.NoError(t, db.QueryRow(
		`INSERT INTO services (owner_user_id, name, base_url, auth_kind)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		e2eOwnerUser, "example-api", e2eBaseURL, string(store.AuthBearer),
	).Scan(&serviceID))
	h.serviceID = serviceID

	blob, err := v.Encrypt([]byte(e2eToken))
	require.NoError(t, err)
	_, err = db.Exec(
		`INSERT INTO credentials (service_id, name, ciphertext) VALUES ($1, $2, $3)`,
		serviceID, "token", base64.StdEncoding.EncodeToString(blob),
	)
	require.NoError(t, err)

	insert := func(ownerID int64, name, key string) int64 {
		var id int64
		require.NoError(t, db.QueryRow(
			`INSERT INTO agents (owner_user_id, display_name, key_fingerprint, key_prefix, active)
			 VALUES ($1, $2, $3, $4, TRUE) RETURNING id`,
			ownerID, name, auth.FingerprintAgentKey(key), key[:8],
		).Scan(&id))
		return id
	}
	h.agentID = insert(e2eOwnerUser, "deploy-bot", e2eAgentKey)
	h.otherAgentID = insert(99, "other-bot", otherAgentKey)

	_, err = db.Exec(`INSERT INTO scope_bindings (agent_id, service_id) VALUES ($1, $2)`,
		h.agentID, serviceID)
	require.NoError(t, err)

	upstreamURL, err := url.Parse(h.upstream.srv.URL)
	require.NoError(t, err)

	recorder := audit.NewRecorder(st, 64)
	t.Cleanup(recorder.Close)

	gw := New(Deps{
		Store:       st,
		Queue:       h.queue,
		Idempotency: idempotency.New(db),
		Injector:    inject.New(v, st),
		Assessor:    risk.New(h.judge, risk.DefaultThreshold),
		Forwarder:   forward.NewWithTransport(5*time.Second, rewriteTransport{target: upstreamURL}),
		Recorder:    recorder,
		ExecuteTTL:  executeTTL,
	})

	h.handler = gw.Routes(Middleware{
		AgentAuth: auth.AgentKeyMiddleware(st),
		UserAuth:  auth.UserJWTMiddleware(auth.NewUserTokenValidator(e2eJWTSecret)),
		RateLimit: auth.RateLimitMiddleware(auth.NewMemoryLimiter(60000, 1000), 60000),
	})
	return h
}

func (h *harness) proxy(t *testing.T, key string, extraHeaders map[string]string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/proxy", bytes.NewReader(raw))
	req.Header.Set(auth.AgentKeyHeader, key)
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) agentRequest(t *testing.T, key, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(auth.AgentKeyHeader, key)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) userRequest(t *testing.T, userID int64, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": fmt.Sprint(userID),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(e2eJWTSecret)
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func (h *harness) auditRow(t *testing.T, targetURL string) (status sql.NullInt64, errSummary string) {
	t.Helper()
	require.Eventually(t, func() bool {
		err := h.db.QueryRow(
			`SELECT status, error_summary FROM audit_records WHERE target_url = $1
			 ORDER BY id DESC LIMIT 1`, targetURL,
		).Scan(&status, &errSummary)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "audit row for %s", targetURL)
	return status, errSummary
}

func TestE2E_HappyPathGET(t *testing.T) {
	h := newHarness(t, time.Hour)
	target := "http://api.example.test/v1/user"

	rec := h.proxy(t, e2eAgentKey, nil, map[string]any{
		"targetUrl": target,
		"method":    "GET",
		"intent":    "read the current user profile",
	})

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "forwarded", rec.Header().Get("X-Proxy-Status"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `{"login":"octocat"}`, rec.Body.String())
	assert.Equal(t, "Bearer "+e2eToken, h.upstream.lastAuthorization())

	status, errSummary := h.auditRow(t, target)
	require.True(t, status.Valid)
	assert.Equal(t, int64(200), status.Int64)
	assert.Empty(t, errSummary)
}

func TestE2E_SSRFBlocked(t *testing.T) {
	h := newHarness(t, time.Hour)
	target := "http://127.0.0.1:8080/"

	rec := h.proxy(t, e2eAgentKey, nil, map[string]any{
		"targetUrl": target,
		"method":    "GET",
		"intent":    "fetch internal metadata",
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, h.upstream.callCount(), "upstream must never be called")

	_, errSummary := h.auditRow(t, target)
	assert.NotEmpty(t, errSummary)
}

func TestE2E_ValidationErrors(t *testing.T) {
	h := newHarness(t, time.Hour)

	tests := map[string]map[string]any{
		"missing target": {"method": "GET", "intent": "x"},
		"bad method":     {"targetUrl": e2eBaseURL, "method": "TRACE", "intent": "x"},
		"missing intent": {"targetUrl": e2eBaseURL, "method": "GET"},
		"intent too long": {"targetUrl": e2eBaseURL, "method": "GET",
			"intent": strings.Repeat("x", 501)},
		"post without idempotency key": {"targetUrl": e2eBaseURL + "items",
			"method": "POST", "intent": "create"},
		"key too long": {"targetUrl": e2eBaseURL + "items", "method": "POST",
			"intent": "create", "idempotencyKey": strings.Repeat("k", 256)},
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := h.proxy(t, e2eAgentKey, nil, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	t.Run("unknown service", func(t *testing.T) {
		rec := h.proxy(t, e2eAgentKey, nil, map[string]any{
			"targetUrl": "http://unbound.example.test/x",
			"method":    "GET",
			"intent":    "probe",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing agent key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/proxy", strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestE2E_BlockApproveExecute(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.judge.set(0.9, "deletes a production record")
	target := "http://api.example.test/v1/records/42"

	rec := h.proxy(t, e2eAgentKey, nil, map[string]any{
		"targetUrl": target,
		"method":    "DELETE",
		"headers":   map[string]string{"Authorization": "Bearer caller-secret", "Accept": "application/json"},
		"intent":    "remove stale record",
	})
	require.Equal(t, http.StatusPreconditionRequired, rec.Code, rec.Body.String())

	blocked := decodeJSON(t, rec)
	actionID, _ := blocked["action_id"].(string)
	require.NotEmpty(t, actionID)
	assert.GreaterOrEqual(t, blocked["risk_score"].(float64), 0.5)
	assert.Equal(t, "/status/"+actionID, blocked["status_url"])
	assert.Zero(t, h.upstream.callCount())

	// Status: PENDING.
	rec = h.agentRequest(t, e2eAgentKey, http.MethodGet, "/status/"+actionID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PENDING", decodeJSON(t, rec)["status"])

	// Executing before approval is too early.
	rec = h.agentRequest(t, e2eAgentKey, http.MethodPost, "/proxy/execute/"+actionID)
	assert.Equal(t, http.StatusTooEarly, rec.Code)

	// Dashboard sees the entry with the caller's authorization stripped.
	rec = h.userRequest(t, e2eOwnerUser, http.MethodGet, "/approvals/pending")
	require.Equal(t, http.StatusOK, rec.Code)
	var pendingResp struct {
		Approvals []approval.PendingApproval `json:"approvals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pendingResp))
	require.Len(t, pendingResp.Approvals, 1)
	assert.Equal(t, actionID, pendingResp.Approvals[0].ActionID)
	assert.Equal(t, "deploy-bot", pendingResp.Approvals[0].AgentName)
	assert.NotContains(t, pendingResp.Approvals[0].RequestHeaders, "Authorization")
	assert.Equal(t, "application/json", pendingResp.Approvals[0].RequestHeaders["Accept"])

	// Approve.
	rec = h.userRequest(t, e2eOwnerUser, http.MethodPatch, "/approvals/"+actionID+"/approve")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "APPROVED", decodeJSON(t, rec)["status"])

	// Double-approve conflicts.
	rec = h.userRequest(t, e2eOwnerUser, http.MethodPatch, "/approvals/"+actionID+"/approve")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Status: APPROVED with execute URL.
	rec = h.agentRequest(t, e2eAgentKey, http.MethodGet, "/status/"+actionID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/proxy/execute/"+actionID, decodeJSON(t, rec)["execute_url"])

	// Execute: forwarded with freshly injected credentials.
	rec = h.agentRequest(t, e2eAgentKey, http.MethodPost, "/proxy/execute/"+actionID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "forwarded", rec.Header().Get("X-Proxy-Status"))
	assert.Equal(t, `{"deleted":true}`, rec.Body.String())
	assert.Equal(t, 1, h.upstream.callCount())
	assert.Equal(t, "Bearer "+e2eToken, h.upstream.lastAuthorization())

	// Status: EXECUTED with the cached response.
	rec = h.agentRequest(t, e2eAgentKey, http.MethodGet, "/status/"+actionID)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "EXECUTED", body["status"])
	result := body["result"].(map[string]any)
	assert.Equal(t, float64(200), result["status"])
	assert.Equal(t, `{"deleted":true}`, result["body"])

	// Re-executing replays the cache without another upstream call.
	rec = h.agentRequest(t, e2eAgentKey, http.MethodPost, "/proxy/execute/"+actionID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "replayed", rec.Header().Get("X-Proxy-Status"))
	assert.Equal(t, `{"deleted":true}`, rec.Body.String())
	assert.Equal(t, 1, h.upstream.callCount())
}

func TestE2E_DenyFlow(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.judge.set(0.9, "risky")

	rec := h.proxy(t, e2eAgentKey, nil, map[string]any{
		"targetUrl": "http://api.example.test/v1/records/9",
		"method":    "DELETE",
		"intent":    "remove record",
	})
	require.Equal(t, http.StatusPreconditionRequired, rec.Code)
	actionID := decodeJSON(t, rec)["action_id"].(string)

	rec = h.userRequest(t, e2eOwnerUser, http.MethodPatch, "/approvals/"+actionID+"/deny")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENIED", decodeJSON(t, rec)["status"])

	rec = h.agentRequest(t, e2eAgentKey, http.MethodGet, "/status/"+actionID)
	body := decodeJSON(t, rec)
	assert.Equal(t, "DENIED", body["status"])
	assert.NotEmpty(t, body["resolved_at"])

	rec = h.agentRequest(t, e2eAgentKey, http.MethodPost, "/proxy/execute/"+actionID)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Zero(t, h.upstream.callCount())
}

func TestE2E_IdempotencyReplay(t *testing.T) {
	h := newHarness(t, time.Hour)
	target := "http://api.example.test/v1/items"
	body := map[string]any{
		"targetUrl": target,
		"method":    "POST",
		"body":      `{"name":"widget"}`,
		"intent":    "create a widget",
	}

	first := h.proxy(t, e2eAgentKey, map[string]string{"Idempotency-Key": "k1"}, body)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.Equal(t, "forwarded", first.Header().Get("X-Proxy-Status"))
	require.Equal(t, 1, h.upstream.callCount())

	second := h.proxy(t, e2eAgentKey, map[string]string{"Idempotency-Key": "k1"}, body)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "replayed", second.Header().Get("X-Proxy-Status"))
	assert.Equal(t, first.Body.String(), second.Body.String(), "replay is byte-identical")
	assert.Equal(t, 1, h.upstream.callCount(), "forwarder not invoked on replay")
}

func TestE2E_IdempotencyInFlight(t *testing.T) {
	h := newHarness(t, time.Hour)

	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	h.upstream.mu.Lock()
	h.upstream.gate = gate
	h.upstream.started = started
	h.upstream.mu.Unlock()

	body := map[string]any{
		"targetUrl": "http://api.example.test/v1/items",
		"method":    "POST",
		"body":      `{"name":"widget"}`,
		"intent":    "create a widget",
	}

	firstDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		firstDone <- h.proxy(t, e2eAgentKey, map[string]string{"Idempotency-Key": "k2"}, body)
	}()
	<-started // first request reached the upstream and holds the key in flight

	second := h.proxy(t, e2eAgentKey, map[string]string{"Idempotency-Key": "k2"}, body)
	assert.Equal(t, http.StatusConflict, second.Code, second.Body.String())

	close(gate)
	first := <-firstDone
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, 1, h.upstream.callCount())
}

func TestE2E_ApprovedTTLExpiry(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.judge.set(0.9, "risky")

	rec := h.proxy(t, e2eAgentKey, nil, map[string]any{
		"targetUrl": "http://api.example.test/v1/records/3",
		"method":    "DELETE",
		"intent":    "remove record",
	})
	require.Equal(t, http.StatusPreconditionRequired, rec.Code)
	actionID := decodeJSON(t, rec)["action_id"].(string)

	rec = h.userRequest(t, e2eOwnerUser, http.MethodPatch, "/approvals/"+actionID+"/approve")
	require.Equal(t, http.StatusOK, rec.Code)

	time.Sleep(50 * time.Millisecond)

	rec = h.agentRequest(t, e2eAgentKey, http.MethodPost, "/proxy/execute/"+actionID)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Zero(t, h.upstream.callCount(), "expired approvals never reach the upstream")

	// The eager flip is persistent.
	rec = h.agentRequest(t, e2eAgentKey, http.MethodGet, "/status/"+actionID)
	assert.Equal(t, "EXPIRED", decodeJSON(t, rec)["status"])
}

func TestE2E_OwnershipHiding(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.judge.set(0.9, "risky")

	rec := h.proxy(t, e2eAgentKey, nil, map[string]any{
		"targetUrl": "http://api.example.test/v1/records/5",
		"method":    "DELETE",
		"intent":    "remove record",
	})
	require.Equal(t, http.StatusPreconditionRequired, rec.Code)
	actionID := decodeJSON(t, rec)["action_id"].(string)

	// A different agent sees the entry as missing.
	rec = h.agentRequest(t, otherAgentKey, http.MethodGet, "/status/"+actionID)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.agentRequest(t, otherAgentKey, http.MethodPost, "/proxy/execute/"+actionID)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A different user cannot list or resolve it.
	rec = h.userRequest(t, 99, http.MethodGet, "/approvals/pending")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"approvals":[]}`, strings.TrimSpace(rec.Body.String()))

	rec = h.userRequest(t, 99, http.MethodPatch, "/approvals/"+actionID+"/approve")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestE2E_Health(t *testing.T) {
	h := newHarness(t, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
