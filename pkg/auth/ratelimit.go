package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentgate/agentgate/pkg/apihttp"
)

// Limiter decides whether an actor may proceed. Implementations must be
// safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, actorID string) (bool, error)
}

// MemoryLimiter keeps a token bucket per actor in process memory. Suitable
// for single-replica deployments; multi-replica deployments should use the
// Redis-backed limiter instead.
type MemoryLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter creates a limiter allowing rpm requests per minute per
// actor with the given burst. A background loop evicts idle actors.
func NewMemoryLimiter(rpm, burst int) *MemoryLimiter {
	l := &MemoryLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(float64(rpm) / 60.0),
		burst:    burst,
	}
	go l.cleanupVisitors()
	return l
}

// Allow consumes one token from the actor's bucket.
func (l *MemoryLimiter) Allow(_ context.Context, actorID string) (bool, error) {
	l.mu.Lock()
	v, ok := l.visitors[actorID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[actorID] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()

	return v.limiter.Allow(), nil
}

// cleanupVisitors evicts actors idle for more than 3 minutes.
func (l *MemoryLimiter) cleanupVisitors() {
	for {
		time.Sleep(1 * time.Minute)
		l.mu.Lock()
		for id, v := range l.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, id)
			}
		}
		l.mu.Unlock()
	}
}

// RateLimitMiddleware enforces per-actor limits. The actor is the
// authenticated agent when present, otherwise the remote IP. Limiter
// errors fail open so a limiter outage never blocks all traffic.
func RateLimitMiddleware(limiter Limiter, rpm int) func(http.Handler) http.Handler {
	retryAfter := 60 / rpm
	if retryAfter < 1 {
		retryAfter = 1
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := remoteIP(r)
			if agent, ok := AgentFromContext(r.Context()); ok {
				actorID = fmt.Sprintf("agent:%d", agent.ID)
			}

			allowed, err := limiter.Allow(r.Context(), actorID)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", fmt.Sprint(retryAfter))
				apihttp.WriteStatus(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return "ip:" + ip
}
