// Package risk scores proxied requests by blending an HTTP-method prior
// with an external judge's opinion. Judge failures are never surfaced:
// the assessor degrades fail-closed by penalising the heuristic.
package risk

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// DefaultThreshold blocks requests scoring at or above it unless a
// deployment overrides the value.
const DefaultThreshold = 0.5

// failClosedPenalty is added to the heuristic when the judge is unavailable.
const failClosedPenalty = 0.3

// Assessment is the blended verdict on one request.
type Assessment struct {
	Score       float64
	Explanation string
	Blocked     bool
}

// Assessor blends the method prior with the judge's opinion.
type Assessor struct {
	judge     Judge
	threshold float64
}

// New creates an Assessor. judge may be nil, in which case every assessment
// takes the fail-closed path. threshold outside [0,1] falls back to the
// default.
func New(judge Judge, threshold float64) *Assessor {
	if threshold < 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Assessor{judge: judge, threshold: threshold}
}

// Heuristic assigns the method prior.
func Heuristic(method string) float64 {
	switch strings.ToUpper(method) {
	case http.MethodHead, http.MethodOptions:
		return 0.05
	case http.MethodGet:
		return 0.10
	case http.MethodPost:
		return 0.30
	case http.MethodPatch:
		return 0.40
	case http.MethodPut:
		return 0.50
	case http.MethodDelete:
		return 0.70
	default:
		return 0.20
	}
}

// Assess scores the request. On judge success the score is
// 0.7*judge + 0.3*heuristic with the judge's score clamped to [0,1];
// on any judge failure the score is min(1, heuristic+0.3).
func (a *Assessor) Assess(ctx context.Context, intent, method, targetURL string, body []byte) Assessment {
	prior := Heuristic(method)

	if a.judge == nil {
		return a.failClosed(prior, "risk judge not configured")
	}

	verdict, err := a.judge.Judge(ctx, intent, method, targetURL, body)
	if err != nil {
		slog.Warn("risk judge unavailable", "error", err)
		return a.failClosed(prior, "risk judge unavailable")
	}

	score := clamp01(verdict.Score)*0.7 + prior*0.3
	return Assessment{
		Score:       score,
		Explanation: verdict.Explanation,
		Blocked:     score >= a.threshold,
	}
}

func (a *Assessor) failClosed(prior float64, reason string) Assessment {
	score := clamp01(prior + failClosedPenalty)
	return Assessment{
		Score:       score,
		Explanation: reason + "; method heuristic applied with penalty",
		Blocked:     score >= a.threshold,
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
