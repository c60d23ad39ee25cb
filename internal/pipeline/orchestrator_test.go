package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/classtrader/trading-core/internal/agents"
	"github.com/classtrader/trading-core/internal/approval"
	"github.com/classtrader/trading-core/internal/config"
	"github.com/classtrader/trading-core/internal/model"
	"github.com/classtrader/trading-core/internal/risk"
	"github.com/classtrader/trading-core/internal/store"
	"github.com/classtrader/trading-core/internal/washsale"
)

type stubBuilder struct {
	mc  *agents.MarketContext
	err error
}

func (b *stubBuilder) Build(ctx context.Context, tickers []string) (*agents.MarketContext, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.mc, nil
}

type stubExecutor struct {
	s         *store.Store
	calls     int
	onExecute func(d model.TradeDecisionRecord)
}

func (e *stubExecutor) Execute(ctx context.Context, d model.TradeDecisionRecord) (*model.Execution, error) {
	e.calls++
	if e.onExecute != nil {
		e.onExecute(d)
	}
	if err := e.s.TransitionTrade(d.ID, model.StatusExecuted, "system", "", time.Now()); err != nil {
		return nil, err
	}
	return &model.Execution{TradeDecisionID: d.ID}, nil
}

type fixedEquity struct{ main, penny float64 }

func (f fixedEquity) SleeveEquity(ctx context.Context, s model.Sleeve) (float64, error) {
	if s == model.SleevePenny {
		return f.penny, nil
	}
	return f.main, nil
}

type captureEvents struct{ types []string }

func (c *captureEvents) Broadcast(eventType string, payload any) {
	c.types = append(c.types, eventType)
}

type pipeEnv struct {
	store  *store.Store
	inv    *agents.ScriptedInvoker
	exec   *stubExecutor
	events *captureEvents
	orch   *Orchestrator
}

func newPipeEnv(t *testing.T, mutate func(*config.Root)) *pipeEnv {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	cfg.Watchlist.Main = []string{"AAPL", "MSFT"}
	cfg.Watchlist.Penny = []string{"TINY"}
	cfg.Agents.BackoffBaseMs = 1
	cfg.Agents.BackoffMaxMs = 2
	if mutate != nil {
		mutate(&cfg)
	}

	wash := washsale.New(s, cfg.Risk.YearEndBlockMonth)
	rm := risk.NewManager(s, wash, cfg)
	exec := &stubExecutor{s: s}
	eq := fixedEquity{main: 10_000, penny: 1_000}
	queue := approval.NewQueue(s, rm, exec, eq, approval.NewToggle(true))

	inv := agents.NewScripted()
	events := &captureEvents{}
	builder := &stubBuilder{mc: &agents.MarketContext{
		AsOf: time.Now(),
		Tickers: map[string]agents.TickerSnapshot{
			"AAPL": {Ticker: "AAPL", Price: 180},
			"MSFT": {Ticker: "MSFT", Price: 420},
			"TINY": {Ticker: "TINY", Price: 2},
		},
		Account: agents.AccountState{Equity: 10_000},
	}}

	orch := New(s, builder, inv, queue, eq, cfg).WithBroadcaster(events)
	return &pipeEnv{store: s, inv: inv, exec: exec, events: events, orch: orch}
}

// seedHistory gives a ticker position history so first-trade review does
// not hold the proposal back.
func seedHistory(t *testing.T, s *store.Store, ticker string, sleeve model.Sleeve) {
	t.Helper()
	_, err := s.InsertPosition(model.Position{
		Ticker: ticker, Sleeve: sleeve, EntryPrice: 10,
		EntryDate: time.Now().Add(-30 * 24 * time.Hour), CurrentQty: 1, CostBasis: 10,
	})
	require.NoError(t, err)
}

const (
	regimeBody = `{"regime":"TRENDING_UP","confidence":0.8,"reasoning":"breadth improving"}`
	bullBody   = `[{"ticker":"AAPL","stance":"BULLISH","confidence":0.8,"reasoning":"momentum"}]`
	bearBody   = `[{"ticker":"AAPL","stance":"NEUTRAL","confidence":0.5,"reasoning":"valuation rich"}]`
)

func agreeVerdicts(agreement string, conf float64) string {
	return fmt.Sprintf(`[{"ticker":"AAPL","bull_bear_agreement":"%s","confidence":%g,"reasoning":"reconciled"}]`, agreement, conf)
}

func decisionBody(action string, conf, sizePct float64) string {
	return fmt.Sprintf(`{"trades":[{"ticker":"AAPL","action":"%s","confidence":%g,"position_size_pct":%g,"reasoning":"setup"}],"cash_reserve_pct":20,"overall_reasoning":"selective"}`, action, conf, sizePct)
}

func scriptMainRun(inv *agents.ScriptedInvoker, verdicts, decision string) {
	inv.Respond(agents.StageRegime, regimeBody).
		Respond(agents.StageBull, bullBody).
		Respond(agents.StageBear, bearBody).
		Respond(agents.StageResearcher, verdicts).
		Respond(agents.StageDecision, decision)
}

func TestRunPersistsAndExecutesProposal(t *testing.T) {
	env := newPipeEnv(t, nil)
	seedHistory(t, env.store, "AAPL", model.SleeveMain)
	scriptMainRun(env.inv, agreeVerdicts(model.AgreeBullish, 0.8), decisionBody("BUY", 0.80, 10))

	res, err := env.orch.Run(context.Background(), model.RunMorning)
	require.NoError(t, err)
	require.Equal(t, "TRENDING_UP", res.Regime)
	require.Len(t, res.DecisionIDs, 1)
	require.Len(t, res.Outcomes, 1)
	require.True(t, res.Outcomes[0].Executed)
	require.Equal(t, 1, env.exec.calls)

	run, err := env.store.GetPipelineRun(res.RunID)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusCompleted, run.Status)
	require.Equal(t, "TRENDING_UP", run.Regime)

	d, err := env.store.GetTradeDecision(res.DecisionIDs[0])
	require.NoError(t, err)
	require.Equal(t, model.SleeveMain, d.Proposal.Sleeve)
	require.Equal(t, model.StatusExecuted, d.Status)

	require.Contains(t, env.events.types, "pipeline_started")
	require.Contains(t, env.events.types, "pipeline_complete")
}

func TestRunStaysRunningUntilIntakeFinishes(t *testing.T) {
	env := newPipeEnv(t, nil)
	seedHistory(t, env.store, "AAPL", model.SleeveMain)
	scriptMainRun(env.inv, agreeVerdicts(model.AgreeBullish, 0.8), decisionBody("BUY", 0.80, 10))

	var statusAtExecute string
	env.exec.onExecute = func(d model.TradeDecisionRecord) {
		run, err := env.store.GetPipelineRun(d.PipelineRunID)
		require.NoError(t, err)
		statusAtExecute = run.Status
	}

	res, err := env.orch.Run(context.Background(), model.RunMorning)
	require.NoError(t, err)
	require.Equal(t, 1, env.exec.calls)

	// Intake (risk, approval, execution) happens while the run is still
	// RUNNING; COMPLETED only lands once intake is done.
	require.Equal(t, model.RunStatusRunning, statusAtExecute)

	run, err := env.store.GetPipelineRun(res.RunID)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusCompleted, run.Status)
}

func TestRunDropsHoldProposals(t *testing.T) {
	env := newPipeEnv(t, nil)
	scriptMainRun(env.inv, agreeVerdicts(model.AgreeBullish, 0.8), decisionBody("HOLD", 0.80, 0))

	res, err := env.orch.Run(context.Background(), model.RunNoon)
	require.NoError(t, err)
	require.Empty(t, res.DecisionIDs)
	require.Zero(t, env.exec.calls)
}

func TestDisagreeAboveFloorReducesSize(t *testing.T) {
	env := newPipeEnv(t, nil)
	// Floor defaults to 0.75, factor to 0.5.
	scriptMainRun(env.inv, agreeVerdicts(model.Disagree, 0.6), decisionBody("BUY", 0.80, 20))

	res, err := env.orch.Run(context.Background(), model.RunMorning)
	require.NoError(t, err)
	require.Len(t, res.DecisionIDs, 1)

	d, err := env.store.GetTradeDecision(res.DecisionIDs[0])
	require.NoError(t, err)
	require.InDelta(t, 10.0, d.Proposal.PositionSizePct, 1e-9)
}

func TestDisagreeBelowFloorDropsProposal(t *testing.T) {
	env := newPipeEnv(t, nil)
	scriptMainRun(env.inv, agreeVerdicts(model.Disagree, 0.6), decisionBody("BUY", 0.70, 20))

	res, err := env.orch.Run(context.Background(), model.RunMorning)
	require.NoError(t, err)
	require.Empty(t, res.DecisionIDs)
}

func TestTransientErrorRetriesStage(t *testing.T) {
	env := newPipeEnv(t, nil)
	env.inv.Fail(agents.StageRegime, fmt.Errorf("rate limited: %w", agents.ErrTransient)).
		Respond(agents.StageRegime, regimeBody).
		Respond(agents.StageBull, bullBody).
		Respond(agents.StageBear, bearBody).
		Respond(agents.StageResearcher, agreeVerdicts(model.AgreeBullish, 0.8)).
		Respond(agents.StageDecision, decisionBody("BUY", 0.80, 10))

	res, err := env.orch.Run(context.Background(), model.RunMorning)
	require.NoError(t, err)
	require.Equal(t, 2, env.inv.Calls[agents.StageRegime])
	require.Len(t, res.DecisionIDs, 1)
}

func TestBadSchemaExhaustsRetriesAndFailsRun(t *testing.T) {
	env := newPipeEnv(t, func(c *config.Root) { c.Agents.MaxRetries = 1 })
	// Valid JSON, invalid regime enum: every attempt fails the schema check.
	bad := `{"regime":"SIDEWAYS","confidence":0.8,"reasoning":"?"}`
	env.inv.Respond(agents.StageRegime, bad).Respond(agents.StageRegime, bad)

	_, err := env.orch.Run(context.Background(), model.RunMorning)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exhausted")
	require.Equal(t, 2, env.inv.Calls[agents.StageRegime])

	runs, lerr := env.store.ListPipelineRuns(10)
	require.NoError(t, lerr)
	require.Len(t, runs, 1)
	require.Equal(t, model.RunStatusFailed, runs[0].Status)

	pending, perr := env.store.ListTradeDecisionsByStatus(model.StatusPending)
	require.NoError(t, perr)
	require.Empty(t, pending)
}

func TestContextBuildFailureFailsRun(t *testing.T) {
	env := newPipeEnv(t, nil)
	env.orch.builder = &stubBuilder{err: fmt.Errorf("brokerage unreachable")}

	_, err := env.orch.Run(context.Background(), model.RunMorning)
	require.Error(t, err)

	runs, lerr := env.store.ListPipelineRuns(10)
	require.NoError(t, lerr)
	require.Len(t, runs, 1)
	require.Equal(t, model.RunStatusFailed, runs[0].Status)
}

func TestHighRiskRunSizesInSleevePercent(t *testing.T) {
	env := newPipeEnv(t, nil)
	env.inv.Respond(agents.StageHighRisk,
		`{"ticker":"TINY","action":"BUY","confidence":0.7,"position_dollars":100,"reasoning":"volume spike","catalyst":"FDA decision 2026-09-01","exit_trigger":"close below 1.80"}`)

	res, err := env.orch.RunHighRisk(context.Background())
	require.NoError(t, err)
	require.Len(t, res.DecisionIDs, 1)

	d, err := env.store.GetTradeDecision(res.DecisionIDs[0])
	require.NoError(t, err)
	require.Equal(t, model.SleevePenny, d.Proposal.Sleeve)
	// $100 of a $1,000 sleeve.
	require.InDelta(t, 10.0, d.Proposal.PositionSizePct, 1e-9)
	require.Contains(t, d.Proposal.Reasoning, "catalyst")
}

func TestHighRiskHoldSkipsTicker(t *testing.T) {
	env := newPipeEnv(t, nil)
	env.inv.Respond(agents.StageHighRisk,
		`{"ticker":"TINY","action":"HOLD","confidence":0.4,"position_dollars":0,"reasoning":"no catalyst","catalyst":"","exit_trigger":""}`)

	res, err := env.orch.RunHighRisk(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.DecisionIDs)

	run, err := env.store.GetPipelineRun(res.RunID)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusCompleted, run.Status)
}

func TestAgentInteractionsAudited(t *testing.T) {
	env := newPipeEnv(t, nil)
	scriptMainRun(env.inv, agreeVerdicts(model.AgreeBullish, 0.8), decisionBody("BUY", 0.80, 10))

	res, err := env.orch.Run(context.Background(), model.RunMorning)
	require.NoError(t, err)

	logs, err := env.store.ListAgentInteractions(res.RunID)
	require.NoError(t, err)
	require.Len(t, logs, 5)
	stages := make(map[string]bool)
	for _, l := range logs {
		require.True(t, l.Success)
		stages[l.Stage] = true
	}
	require.Len(t, stages, 5)
}
