package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/classtrader/trading-core/internal/agents"
	"github.com/classtrader/trading-core/internal/approval"
	"github.com/classtrader/trading-core/internal/config"
	"github.com/classtrader/trading-core/internal/model"
	"github.com/classtrader/trading-core/internal/observ"
	"github.com/classtrader/trading-core/internal/store"
)

// Broadcaster pushes domain events to real-time consumers.
type Broadcaster interface {
	Broadcast(eventType string, payload any)
}

// EquitySource supplies the current dollar value of a sleeve.
type EquitySource interface {
	SleeveEquity(ctx context.Context, s model.Sleeve) (float64, error)
}

// RunResult summarizes one orchestration pass.
type RunResult struct {
	RunID       int64              `json:"run_id"`
	RunType     string             `json:"run_type"`
	Regime      string             `json:"regime,omitempty"`
	DecisionIDs []int64            `json:"decision_ids"`
	Outcomes    []approval.Outcome `json:"outcomes"`
}

// Orchestrator drives the analytical stages in order, persists the run's
// paper trail, and hands final proposals to the approval queue.
type Orchestrator struct {
	store   *store.Store
	builder agents.ContextBuilder
	invoker agents.Invoker
	queue   *approval.Queue
	equity  EquitySource
	cfg     config.Root

	events Broadcaster
	gate   *Gate
	now    func() time.Time
}

func New(s *store.Store, cb agents.ContextBuilder, inv agents.Invoker, q *approval.Queue, eq EquitySource, cfg config.Root) *Orchestrator {
	return &Orchestrator{
		store:   s,
		builder: cb,
		invoker: inv,
		queue:   q,
		equity:  eq,
		cfg:     cfg,
		gate:    NewGate(),
		now:     time.Now,
	}
}

// Gate exposes the per-track run gate. All trigger layers (scheduler, HTTP)
// must claim a track through the same gate before starting a run.
func (o *Orchestrator) Gate() *Gate { return o.gate }

// WithBroadcaster attaches an optional domain-event broadcaster.
func (o *Orchestrator) WithBroadcaster(b Broadcaster) *Orchestrator { o.events = b; return o }

// Run executes the main track: regime, bull and bear in parallel, the
// cross-check verdict, then the portfolio decision. A stage that exhausts
// its retries fails the whole run and persists no proposals.
func (o *Orchestrator) Run(ctx context.Context, runType string) (*RunResult, error) {
	runID, err := o.store.CreatePipelineRun(runType, o.now())
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	o.emit("pipeline_started", map[string]any{"run_id": runID, "run_type": runType})
	observ.IncCounter("pipeline_runs_total", map[string]string{"run_type": runType})

	res, err := o.runMain(ctx, runID, runType)
	if err != nil {
		o.failRun(runID, err)
		return nil, err
	}
	o.emit("pipeline_complete", map[string]any{
		"run_id":    runID,
		"run_type":  runType,
		"regime":    res.Regime,
		"decisions": len(res.DecisionIDs),
	})
	return res, nil
}

func (o *Orchestrator) runMain(ctx context.Context, runID int64, runType string) (*RunResult, error) {
	mc, err := o.builder.Build(ctx, o.cfg.Watchlist.Main)
	if err != nil {
		return nil, fmt.Errorf("build market context: %w", err)
	}

	regime, err := o.regimeStage(ctx, runID, mc)
	if err != nil {
		return nil, err
	}

	bull, bear, err := o.analystStages(ctx, runID, mc, regime)
	if err != nil {
		return nil, err
	}

	verdicts, err := o.researcherStage(ctx, runID, mc, bull, bear)
	if err != nil {
		return nil, err
	}

	decision, err := o.decisionStage(ctx, runID, mc, regime, bull, bear, verdicts)
	if err != nil {
		return nil, err
	}

	proposals := o.applyVerdictPolicy(decision.Trades, verdicts)

	ids := make([]int64, 0, len(proposals))
	for _, p := range proposals {
		p.Sleeve = model.SleeveMain
		id, err := o.store.InsertTradeDecision(runID, p)
		if err != nil {
			return nil, fmt.Errorf("persist proposal %s: %w", p.Ticker, err)
		}
		ids = append(ids, id)
	}

	// Intake is part of the run: the run only turns COMPLETED once every
	// decision has been routed through risk and the approval queue.
	outcomes := o.queue.Intake(ctx, ids)

	if err := o.store.CompletePipelineRun(runID, regime.Regime, regime.Confidence, o.now()); err != nil {
		return nil, fmt.Errorf("complete run: %w", err)
	}
	return &RunResult{
		RunID:       runID,
		RunType:     runType,
		Regime:      regime.Regime,
		DecisionIDs: ids,
		Outcomes:    outcomes,
	}, nil
}

// RunHighRisk executes the penny track: one specialized decision stage per
// candidate ticker, absolute-dollar sizing, shared risk and execution.
func (o *Orchestrator) RunHighRisk(ctx context.Context) (*RunResult, error) {
	runID, err := o.store.CreatePipelineRun(model.RunHighRisk, o.now())
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	o.emit("pipeline_started", map[string]any{"run_id": runID, "run_type": model.RunHighRisk})
	observ.IncCounter("pipeline_runs_total", map[string]string{"run_type": model.RunHighRisk})

	res, err := o.runHighRisk(ctx, runID)
	if err != nil {
		o.failRun(runID, err)
		return nil, err
	}
	o.emit("pipeline_complete", map[string]any{
		"run_id":    runID,
		"run_type":  model.RunHighRisk,
		"decisions": len(res.DecisionIDs),
	})
	return res, nil
}

func (o *Orchestrator) runHighRisk(ctx context.Context, runID int64) (*RunResult, error) {
	mc, err := o.builder.Build(ctx, o.cfg.Watchlist.Penny)
	if err != nil {
		return nil, fmt.Errorf("build market context: %w", err)
	}
	pennyEquity, err := o.equity.SleeveEquity(ctx, model.SleevePenny)
	if err != nil {
		return nil, fmt.Errorf("penny sleeve equity: %w", err)
	}

	var ids []int64
	for _, ticker := range o.cfg.Watchlist.Penny {
		prompt := highRiskPrompt(mc, ticker)
		var d *model.HighRiskDecision
		err := o.invokeStage(ctx, runID, agents.StageHighRisk, prompt, func(raw json.RawMessage) (any, error) {
			var derr error
			d, derr = agents.DecodeHighRisk(raw)
			return d, derr
		})
		if err != nil {
			return nil, err
		}
		if d.Action == model.ActionHold {
			continue
		}
		// Dollar sizing becomes a percentage of the sleeve before it hits
		// the shared persistence path.
		sizePct := 0.0
		if pennyEquity > 0 {
			sizePct = d.PositionDollars / pennyEquity * 100.0
		}
		p := model.TradeProposal{
			Ticker:          d.Ticker,
			Sleeve:          model.SleevePenny,
			Action:          d.Action,
			Confidence:      d.Confidence,
			PositionSizePct: sizePct,
			Reasoning:       fmt.Sprintf("%s (catalyst: %s; exit: %s)", d.Reasoning, d.Catalyst, d.ExitTrigger),
		}
		id, err := o.store.InsertTradeDecision(runID, p)
		if err != nil {
			return nil, fmt.Errorf("persist proposal %s: %w", p.Ticker, err)
		}
		ids = append(ids, id)
	}

	outcomes := o.queue.Intake(ctx, ids)

	if err := o.store.CompletePipelineRun(runID, "", 0, o.now()); err != nil {
		return nil, fmt.Errorf("complete run: %w", err)
	}
	return &RunResult{
		RunID:       runID,
		RunType:     model.RunHighRisk,
		DecisionIDs: ids,
		Outcomes:    outcomes,
	}, nil
}

func (o *Orchestrator) regimeStage(ctx context.Context, runID int64, mc *agents.MarketContext) (*model.RegimeAssessment, error) {
	var v *model.RegimeAssessment
	err := o.invokeStage(ctx, runID, agents.StageRegime, regimePrompt(mc), func(raw json.RawMessage) (any, error) {
		var derr error
		v, derr = agents.DecodeRegime(raw)
		return v, derr
	})
	return v, err
}

// analystStages issues the bull and bear calls concurrently over the same
// immutable snapshot and joins before either result is consumed.
func (o *Orchestrator) analystStages(ctx context.Context, runID int64, mc *agents.MarketContext, regime *model.RegimeAssessment) (bull, bear []model.TickerAnalysis, err error) {
	var wg sync.WaitGroup
	var bullErr, bearErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		bullErr = o.invokeStage(ctx, runID, agents.StageBull, analystPrompt(mc, regime, agents.StageBull), func(raw json.RawMessage) (any, error) {
			var derr error
			bull, derr = agents.DecodeAnalyses(raw)
			return bull, derr
		})
	}()
	go func() {
		defer wg.Done()
		bearErr = o.invokeStage(ctx, runID, agents.StageBear, analystPrompt(mc, regime, agents.StageBear), func(raw json.RawMessage) (any, error) {
			var derr error
			bear, derr = agents.DecodeAnalyses(raw)
			return bear, derr
		})
	}()
	wg.Wait()

	if bullErr != nil {
		return nil, nil, bullErr
	}
	if bearErr != nil {
		return nil, nil, bearErr
	}
	return bull, bear, nil
}

func (o *Orchestrator) researcherStage(ctx context.Context, runID int64, mc *agents.MarketContext, bull, bear []model.TickerAnalysis) ([]model.ResearcherVerdict, error) {
	var verdicts []model.ResearcherVerdict
	err := o.invokeStage(ctx, runID, agents.StageResearcher, researcherPrompt(mc, bull, bear), func(raw json.RawMessage) (any, error) {
		var derr error
		verdicts, derr = agents.DecodeVerdicts(raw)
		return verdicts, derr
	})
	return verdicts, err
}

func (o *Orchestrator) decisionStage(ctx context.Context, runID int64, mc *agents.MarketContext, regime *model.RegimeAssessment, bull, bear []model.TickerAnalysis, verdicts []model.ResearcherVerdict) (*model.PortfolioDecision, error) {
	var d *model.PortfolioDecision
	err := o.invokeStage(ctx, runID, agents.StageDecision, decisionPrompt(mc, regime, bull, bear, verdicts), func(raw json.RawMessage) (any, error) {
		var derr error
		d, derr = agents.DecodeDecision(raw)
		return d, derr
	})
	return d, err
}

// applyVerdictPolicy drops HOLD proposals and applies the disagreement
// policy: a DISAGREE verdict with confidence at or above the configured
// floor keeps the trade at a reduced size, below the floor it becomes a
// hold and is dropped.
func (o *Orchestrator) applyVerdictPolicy(trades []model.TradeProposal, verdicts []model.ResearcherVerdict) []model.TradeProposal {
	byTicker := make(map[string]model.ResearcherVerdict, len(verdicts))
	for _, v := range verdicts {
		byTicker[v.Ticker] = v
	}

	out := make([]model.TradeProposal, 0, len(trades))
	for _, p := range trades {
		if p.Action == model.ActionHold {
			continue
		}
		if v, ok := byTicker[p.Ticker]; ok && v.Agreement == model.Disagree && p.Action == model.ActionBuy {
			if p.Confidence < o.cfg.Risk.DisagreeConfidenceFloor {
				observ.Log("disagree_dropped", map[string]any{
					"ticker":     p.Ticker,
					"confidence": p.Confidence,
				})
				continue
			}
			p.PositionSizePct *= o.cfg.Risk.DisagreeSizeFactor
			observ.Log("disagree_reduced", map[string]any{
				"ticker":   p.Ticker,
				"size_pct": p.PositionSizePct,
			})
		}
		out = append(out, p)
	}
	return out
}

// invokeStage calls one stage with bounded retries and exponential backoff
// on transient and schema failures, logging every attempt to the run's
// audit trail. Exhausting retries is fatal to the run.
func (o *Orchestrator) invokeStage(ctx context.Context, runID int64, stage, prompt string, decode func(json.RawMessage) (any, error)) error {
	maxAttempts := o.cfg.Agents.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			observ.IncCounter("stage_retries_total", map[string]string{"stage": stage})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(agents.Backoff(attempt-1, o.cfg.Agents.BackoffBaseMs, o.cfg.Agents.BackoffMaxMs)):
			}
		}

		raw, usage, err := o.invoker.Invoke(ctx, stage, prompt)
		if err == nil {
			var parsed any
			parsed, err = decode(raw)
			if err == nil {
				o.logInteraction(runID, stage, prompt, raw, parsed, usage, attempt, true)
				return nil
			}
		}

		lastErr = err
		o.logInteraction(runID, stage, prompt, raw, nil, usage, attempt, false)
		if !errors.Is(err, agents.ErrTransient) && !errors.Is(err, agents.ErrBadSchema) {
			return fmt.Errorf("stage %s: %w", stage, err)
		}
		observ.Log("stage_retry", map[string]any{
			"stage":   stage,
			"attempt": attempt + 1,
			"err":     err.Error(),
		})
	}
	return fmt.Errorf("stage %s exhausted %d attempts: %w", stage, maxAttempts, lastErr)
}

func (o *Orchestrator) logInteraction(runID int64, stage, prompt string, raw json.RawMessage, parsed any, usage agents.Usage, attempt int, success bool) {
	var parsedJSON string
	if parsed != nil {
		if b, err := json.Marshal(parsed); err == nil {
			parsedJSON = string(b)
		}
	}
	ai := model.AgentInteraction{
		PipelineRunID: runID,
		Stage:         stage,
		Prompt:        prompt,
		Response:      string(raw),
		ParsedOutput:  parsedJSON,
		TokensUsed:    usage.Tokens,
		LatencyMs:     usage.LatencyMs,
		RetryCount:    attempt,
		Success:       success,
	}
	if err := o.store.LogAgentInteraction(ai); err != nil {
		observ.Log("interaction_log_failed", map[string]any{"stage": stage, "err": err.Error()})
	}
}

func (o *Orchestrator) failRun(runID int64, cause error) {
	if err := o.store.FailPipelineRun(runID, cause.Error(), o.now()); err != nil {
		observ.Log("fail_run_error", map[string]any{"run_id": runID, "err": err.Error()})
	}
	observ.IncCounter("pipeline_failures_total", nil)
	observ.Log("pipeline_failed", map[string]any{"run_id": runID, "err": cause.Error()})
	o.emit("pipeline_complete", map[string]any{
		"run_id": runID,
		"status": model.RunStatusFailed,
		"err":    cause.Error(),
	})
}

func (o *Orchestrator) emit(eventType string, payload map[string]any) {
	if o.events != nil {
		o.events.Broadcast(eventType, payload)
	}
}
