package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/classtrader/trading-core/internal/approval"
	"github.com/classtrader/trading-core/internal/config"
	"github.com/classtrader/trading-core/internal/model"
	"github.com/classtrader/trading-core/internal/pipeline"
	"github.com/classtrader/trading-core/internal/risk"
	"github.com/classtrader/trading-core/internal/store"
	"github.com/classtrader/trading-core/internal/washsale"
)

type stubExecutor struct {
	s     *store.Store
	calls int
}

func (e *stubExecutor) Execute(ctx context.Context, d model.TradeDecisionRecord) (*model.Execution, error) {
	e.calls++
	if err := e.s.TransitionTrade(d.ID, model.StatusExecuted, "system", "", time.Now()); err != nil {
		return nil, err
	}
	return &model.Execution{TradeDecisionID: d.ID}, nil
}

type fixedEquity struct{}

func (fixedEquity) SleeveEquity(ctx context.Context, s model.Sleeve) (float64, error) {
	return 10_000, nil
}

type stubRunner struct {
	mu      sync.Mutex
	runs    []string
	block   chan struct{}
	started chan struct{}
}

func (r *stubRunner) Run(ctx context.Context, runType string) (*pipeline.RunResult, error) {
	r.mu.Lock()
	r.runs = append(r.runs, runType)
	r.mu.Unlock()
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	return &pipeline.RunResult{RunType: runType}, nil
}

func (r *stubRunner) RunHighRisk(ctx context.Context) (*pipeline.RunResult, error) {
	return r.Run(ctx, model.RunHighRisk)
}

func (r *stubRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

type apiEnv struct {
	store  *store.Store
	toggle *approval.Toggle
	runner *stubRunner
	risk   *risk.Manager
	gate   *pipeline.Gate
	srv    *httptest.Server
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	wash := washsale.New(s, cfg.Risk.YearEndBlockMonth)
	rm := risk.NewManager(s, wash, cfg)
	toggle := approval.NewToggle(true)
	queue := approval.NewQueue(s, rm, &stubExecutor{s: s}, fixedEquity{}, toggle)
	runner := &stubRunner{}
	gate := pipeline.NewGate()

	server := NewServer(s, queue, rm, toggle, runner, gate, nil)
	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)

	return &apiEnv{store: s, toggle: toggle, runner: runner, risk: rm, gate: gate, srv: srv}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *apiEnv) seedPending(t *testing.T, ticker string) int64 {
	t.Helper()
	runID, err := e.store.CreatePipelineRun(model.RunManual, time.Now())
	require.NoError(t, err)
	id, err := e.store.InsertTradeDecision(runID, model.TradeProposal{
		Ticker: ticker, Sleeve: model.SleeveMain, Action: model.ActionBuy,
		Confidence: 0.8, PositionSizePct: 10, Reasoning: "seeded",
	})
	require.NoError(t, err)
	return id
}

func TestPendingEmptyList(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(t, http.MethodGet, "/approvals/pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, body["pending"])
}

func TestApproveLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	id := env.seedPending(t, "AAPL")

	resp, body := env.do(t, http.MethodGet, "/approvals/pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["pending"], 1)

	resp, body = env.do(t, http.MethodPost, fmt.Sprintf("/approvals/%d/approve", id),
		map[string]any{"resolved_by": "ops"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(model.StatusExecuted), body["status"])
	require.Equal(t, true, body["executed"])

	// Second approve conflicts: the decision is no longer pending.
	resp, _ = env.do(t, http.MethodPost, fmt.Sprintf("/approvals/%d/approve", id), nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRejectAndNotFound(t *testing.T) {
	env := newAPIEnv(t)
	id := env.seedPending(t, "MSFT")

	resp, body := env.do(t, http.MethodPost, fmt.Sprintf("/approvals/%d/reject", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(model.StatusRejected), body["status"])

	resp, _ = env.do(t, http.MethodPost, "/approvals/9999/approve", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/approvals/abc/approve", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBulkRejectDefaultsToAllPending(t *testing.T) {
	env := newAPIEnv(t)
	env.seedPending(t, "AAPL")
	env.seedPending(t, "MSFT")

	resp, body := env.do(t, http.MethodPost, "/approvals/bulk-reject", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["outcomes"], 2)

	resp, body = env.do(t, http.MethodGet, "/approvals/pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, body["pending"])
}

func TestAutoApproveToggle(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.do(t, http.MethodGet, "/settings/auto-approve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["enabled"])

	resp, body = env.do(t, http.MethodPut, "/settings/auto-approve", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["enabled"])
	require.False(t, env.toggle.Get())

	resp, _ = env.do(t, http.MethodPut, "/settings/auto-approve", map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBreakerListAndResolve(t *testing.T) {
	env := newAPIEnv(t)
	ev, err := env.risk.Trigger(context.Background(), model.BreakerConsecutiveLosses, model.SleeveMain, "three losses")
	require.NoError(t, err)

	resp, body := env.do(t, http.MethodGet, "/risk/circuit-breakers?active=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["breakers"], 1)

	resp, body = env.do(t, http.MethodPost,
		fmt.Sprintf("/risk/circuit-breakers/%d/resolve", ev.ID),
		map[string]any{"resolved_by": "ops"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["active"])
	require.Equal(t, "ops", body["resolved_by"])

	resp, _ = env.do(t, http.MethodPost, "/risk/circuit-breakers/9999/resolve", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPipelineRunTrigger(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.do(t, http.MethodPost, "/pipeline/run", map[string]any{"run_type": "MORNING"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "started", body["status"])
	require.Eventually(t, func() bool { return env.runner.count() == 1 },
		time.Second, 10*time.Millisecond)

	resp, _ = env.do(t, http.MethodPost, "/pipeline/run", map[string]any{"run_type": "BOGUS"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPipelineRunConflictWhileInFlight(t *testing.T) {
	env := newAPIEnv(t)
	env.runner.block = make(chan struct{})
	env.runner.started = make(chan struct{}, 1)

	resp, _ := env.do(t, http.MethodPost, "/pipeline/run", map[string]any{"run_type": "MORNING"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	<-env.runner.started

	resp, _ = env.do(t, http.MethodPost, "/pipeline/run", map[string]any{"run_type": "MORNING"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Every main-track run type contends for the same slot.
	resp, _ = env.do(t, http.MethodPost, "/pipeline/run", map[string]any{"run_type": "NOON"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/pipeline/run", map[string]any{"run_type": "MANUAL"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// High-risk is a different track and is independent.
	resp, _ = env.do(t, http.MethodPost, "/pipeline/run", map[string]any{"run_type": "HIGH_RISK"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	close(env.runner.block)
}

func TestPipelineRunConflictsWithExternalGateHolder(t *testing.T) {
	env := newAPIEnv(t)

	// Simulate the scheduler holding the main track mid-run.
	require.True(t, env.gate.TryAcquire(pipeline.TrackMain))
	defer env.gate.Release(pipeline.TrackMain)

	resp, _ := env.do(t, http.MethodPost, "/pipeline/run", map[string]any{"run_type": "MANUAL"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListRuns(t *testing.T) {
	env := newAPIEnv(t)
	_, err := env.store.CreatePipelineRun(model.RunMorning, time.Now())
	require.NoError(t, err)

	resp, body := env.do(t, http.MethodGet, "/pipeline/runs?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["runs"], 1)

	resp, _ = env.do(t, http.MethodGet, "/pipeline/runs?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	env := newAPIEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
