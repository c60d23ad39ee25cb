package agents

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"
)

var (
	// ErrTransient marks timeouts and rate limits: retry with backoff.
	ErrTransient = errors.New("agents: transient failure")
	// ErrBadSchema marks a response that does not decode into the stage's
	// verdict type: retry a bounded number of times, then fatal to the run.
	ErrBadSchema = errors.New("agents: response failed schema validation")
)

// Stage names, also used as audit-log keys.
const (
	StageRegime     = "regime"
	StageBull       = "bull"
	StageBear       = "bear"
	StageResearcher = "researcher"
	StageDecision   = "decision"
	StageHighRisk   = "high_risk"
)

// Usage reports cost accounting for one stage call.
type Usage struct {
	Tokens    int
	LatencyMs int64
}

// Invoker runs one analytical stage and returns its raw JSON verdict.
type Invoker interface {
	Invoke(ctx context.Context, stage, prompt string) (json.RawMessage, Usage, error)
}

// Backoff returns the delay before a retry attempt (0-based), exponential
// with full jitter, capped at max.
func Backoff(attempt, baseMs, maxMs int) time.Duration {
	ms := baseMs << attempt
	if ms > maxMs || ms <= 0 {
		ms = maxMs
	}
	return time.Duration(rand.Intn(ms)+1) * time.Millisecond
}
