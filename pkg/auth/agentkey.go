package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/agentgate/agentgate/pkg/apihttp"
	"github.com/agentgate/agentgate/pkg/store"
)

// AgentKeyHeader carries the agent's credential.
const AgentKeyHeader = "Agent-Key"

const (
	agentKeyPrefix  = "agt_"
	agentKeyHexLen  = 64
	agentKeyFullLen = len(agentKeyPrefix) + agentKeyHexLen
)

// AgentDirectory resolves presented keys to agents.
type AgentDirectory interface {
	AgentByFingerprint(ctx context.Context, fingerprint string) (*store.Agent, error)
	TouchAgentLastUsed(ctx context.Context, agentID int64, at time.Time) error
}

// ValidAgentKeyFormat reports whether the presented key is shaped like
// agt_<64 lowercase hex>. Malformed keys are rejected before any lookup.
func ValidAgentKeyFormat(key string) bool {
	if len(key) != agentKeyFullLen || key[:len(agentKeyPrefix)] != agentKeyPrefix {
		return false
	}
	for _, c := range key[len(agentKeyPrefix):] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// FingerprintAgentKey digests the full presented key. Only the digest is
// ever stored or compared.
func FingerprintAgentKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// AgentKeyMiddleware authenticates agent-facing routes. On success the agent
// lands on the request context and its last_used_at is stamped in the
// background; stamp failures are swallowed.
func AgentKeyMiddleware(dir AgentDirectory) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(AgentKeyHeader)
			if key == "" {
				apihttp.Write(w, apihttp.Unauthorized("missing Agent-Key header"))
				return
			}
			if !ValidAgentKeyFormat(key) {
				apihttp.Write(w, apihttp.Unauthorized("invalid agent key"))
				return
			}

			fingerprint := FingerprintAgentKey(key)
			agent, err := dir.AgentByFingerprint(r.Context(), fingerprint)
			if errors.Is(err, store.ErrNotFound) {
				apihttp.Write(w, apihttp.Unauthorized("invalid agent key"))
				return
			}
			if err != nil {
				apihttp.WriteErr(w, err)
				return
			}
			// The index lookup already matched; the constant-time recheck
			// keeps the comparison timing-independent of stored bytes.
			if subtle.ConstantTimeCompare([]byte(fingerprint), []byte(agent.KeyFingerprint)) != 1 {
				apihttp.Write(w, apihttp.Unauthorized("invalid agent key"))
				return
			}
			if !agent.Active {
				apihttp.Write(w, apihttp.Unauthorized("agent key revoked"))
				return
			}

			go func(agentID int64) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = dir.TouchAgentLastUsed(ctx, agentID, time.Now())
			}(agent.ID)

			next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agent)))
		})
	}
}
