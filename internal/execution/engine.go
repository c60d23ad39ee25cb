package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/classtrader/trading-core/internal/adapters"
	"github.com/classtrader/trading-core/internal/config"
	"github.com/classtrader/trading-core/internal/model"
	"github.com/classtrader/trading-core/internal/observ"
	"github.com/classtrader/trading-core/internal/outbox"
	"github.com/classtrader/trading-core/internal/risk"
	"github.com/classtrader/trading-core/internal/store"
	"github.com/classtrader/trading-core/internal/washsale"
)

// ErrOrderTimeout marks an order that never reached a terminal state
// within the poll window. The decision is FAILED; there is no retry.
var ErrOrderTimeout = errors.New("execution: order fill timed out")

// dedupeWindow bounds the outbox idempotency lookback.
const dedupeWindow = 24 * time.Hour

// EquitySource supplies the current dollar value of a sleeve.
type EquitySource interface {
	SleeveEquity(ctx context.Context, s model.Sleeve) (float64, error)
}

// Notifier delivers fire-and-forget human notifications.
type Notifier interface {
	Notify(eventType string, payload map[string]any)
}

// Broadcaster pushes domain events to real-time consumers.
type Broadcaster interface {
	Broadcast(eventType string, payload any)
}

// Engine turns an approved decision into a brokerage order, tracks it to a
// terminal state, and reconciles position and wash-sale state on fills.
type Engine struct {
	store  *store.Store
	broker adapters.Brokerage
	wash   *washsale.Tracker
	risk   *risk.Manager
	equity EquitySource
	outbox *outbox.Outbox
	cfg    config.Root

	notifier Notifier
	events   Broadcaster

	pollInterval time.Duration
	pollTimeout  time.Duration
	now          func() time.Time

	locks keyedLocks
}

func NewEngine(s *store.Store, b adapters.Brokerage, w *washsale.Tracker, rm *risk.Manager, eq EquitySource, ob *outbox.Outbox, cfg config.Root) *Engine {
	return &Engine{
		store:        s,
		broker:       b,
		wash:         w,
		risk:         rm,
		equity:       eq,
		outbox:       ob,
		cfg:          cfg,
		pollInterval: time.Duration(cfg.Broker.PollIntervalSecs) * time.Second,
		pollTimeout:  time.Duration(cfg.Broker.PollTimeoutSecs) * time.Second,
		now:          time.Now,
	}
}

// WithNotifier attaches an optional notifier.
func (e *Engine) WithNotifier(n Notifier) *Engine { e.notifier = n; return e }

// WithBroadcaster attaches an optional domain-event broadcaster.
func (e *Engine) WithBroadcaster(b Broadcaster) *Engine { e.events = b; return e }

// Execute runs one approved decision. Orders for the same (ticker, sleeve)
// are serialized; different instruments proceed concurrently. On any
// failure the decision lands in FAILED with a reason and risk counters are
// left untouched.
func (e *Engine) Execute(ctx context.Context, d model.TradeDecisionRecord) (*model.Execution, error) {
	if d.Status != model.StatusApproved {
		return nil, fmt.Errorf("execution: decision #%d is %s, not APPROVED", d.ID, d.Status)
	}
	unlock := e.locks.lock(string(d.Proposal.Sleeve) + "/" + d.Proposal.Ticker)
	defer unlock()

	exec, err := e.run(ctx, d)
	if err != nil {
		e.failDecision(d, err.Error())
		return exec, err
	}

	observ.IncCounter("executions_total", map[string]string{
		"sleeve": string(d.Proposal.Sleeve),
		"side":   string(d.Proposal.Action),
	})
	e.emit("trade_executed", map[string]any{
		"decision_id":  d.ID,
		"ticker":       d.Proposal.Ticker,
		"sleeve":       string(d.Proposal.Sleeve),
		"side":         exec.Side,
		"qty":          exec.Qty,
		"filled_price": exec.FilledPrice,
		"slippage":     exec.Slippage,
	})
	return exec, nil
}

func (e *Engine) run(ctx context.Context, d model.TradeDecisionRecord) (*model.Execution, error) {
	p := d.Proposal
	refPrice, err := e.broker.LatestPrice(ctx, p.Ticker)
	if err != nil {
		return nil, fmt.Errorf("reference price for %s: %w", p.Ticker, err)
	}

	side := adapters.SideBuy
	var qty float64
	switch p.Action {
	case model.ActionBuy:
		qty, err = e.buyQty(ctx, p, refPrice)
	case model.ActionSell:
		side = adapters.SideSell
		qty, err = e.sellQty(ctx, p)
	default:
		return nil, fmt.Errorf("action %s is not executable", p.Action)
	}
	if err != nil {
		return nil, err
	}

	key := outbox.IdempotencyKey(d.ID, p.Ticker, side)
	dup, err := e.outbox.HasRecentOrder(key, dedupeWindow)
	if err != nil {
		return nil, fmt.Errorf("outbox lookup: %w", err)
	}
	if dup {
		return nil, fmt.Errorf("order for decision #%d already journaled", d.ID)
	}

	order, err := e.broker.SubmitMarketOrder(ctx, p.Ticker, side, qty)
	if err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}

	execID, err := e.store.InsertExecution(model.Execution{
		TradeDecisionID: d.ID,
		OrderID:         order.ID,
		Side:            side,
		Qty:             qty,
		IntendedPrice:   refPrice,
		Status:          model.OrderPending,
	})
	if err != nil {
		return nil, fmt.Errorf("record execution: %w", err)
	}
	if err := e.outbox.WriteOrder(outbox.OrderEntry{
		DecisionID:     d.ID,
		OrderID:        order.ID,
		Ticker:         p.Ticker,
		Sleeve:         string(p.Sleeve),
		Side:           side,
		Qty:            qty,
		IntendedPrice:  refPrice,
		IdempotencyKey: key,
		Timestamp:      e.now().UTC(),
	}); err != nil {
		observ.Log("outbox_write_failed", map[string]any{"decision_id": d.ID, "err": err.Error()})
	}

	final, err := e.pollOrder(ctx, order.ID)
	if err != nil {
		e.abandonOrder(ctx, d, execID, order.ID)
		return nil, err
	}
	if !final.Filled() {
		e.storeOrderFailure(d, execID, order.ID, final.Status)
		return nil, fmt.Errorf("order %s for %s ended %s", order.ID, p.Ticker, final.Status)
	}

	return e.settle(ctx, d, execID, refPrice, final)
}

// buyQty sizes an entry in whole shares, capping penny-sleeve notional at
// the absolute dollar limit.
func (e *Engine) buyQty(ctx context.Context, p model.TradeProposal, refPrice float64) (float64, error) {
	eq, err := e.equity.SleeveEquity(ctx, p.Sleeve)
	if err != nil {
		return 0, fmt.Errorf("sleeve equity: %w", err)
	}
	dollars := p.RequestedDollars(eq)
	if p.Sleeve == model.SleevePenny && e.cfg.Penny.MaxPositionDollars > 0 {
		dollars = math.Min(dollars, e.cfg.Penny.MaxPositionDollars)
	}
	qty := math.Floor(dollars / refPrice)
	if qty < 1 {
		return 0, fmt.Errorf("order quantity rounded to zero ($%.2f at $%.2f)", dollars, refPrice)
	}
	return qty, nil
}

// sellQty exits the full held quantity. The internal record is consulted
// first; the brokerage account is the fallback source of truth.
func (e *Engine) sellQty(ctx context.Context, p model.TradeProposal) (float64, error) {
	pos, err := e.store.GetOpenPosition(p.Ticker, p.Sleeve)
	if err == nil && pos.CurrentQty > 0 {
		return pos.CurrentQty, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("load position: %w", err)
	}

	held, err := e.broker.Positions(ctx)
	if err != nil {
		return 0, fmt.Errorf("brokerage positions: %w", err)
	}
	for _, h := range held {
		if h.Ticker == p.Ticker && h.Qty > 0 {
			observ.Log("position_fallback", map[string]any{
				"ticker": p.Ticker,
				"qty":    h.Qty,
			})
			return h.Qty, nil
		}
	}
	return 0, fmt.Errorf("sell %s: %w", p.Ticker, adapters.ErrNoPosition)
}

// pollOrder waits for the order to reach a terminal state, checking at a
// fixed interval up to the configured timeout.
func (e *Engine) pollOrder(ctx context.Context, orderID string) (*adapters.Order, error) {
	deadline := e.now().Add(e.pollTimeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		o, err := e.broker.OrderStatus(ctx, orderID)
		if err != nil {
			observ.Log("order_poll_error", map[string]any{"order_id": orderID, "err": err.Error()})
		} else if o.Terminal() {
			return o, nil
		}
		if e.now().After(deadline) {
			return nil, ErrOrderTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// abandonOrder handles the timeout path: best-effort cancel, order marked
// CANCELLED, decision FAILED by the caller. Failed orders are not losses,
// so risk counters stay untouched.
func (e *Engine) abandonOrder(ctx context.Context, d model.TradeDecisionRecord, execID int64, orderID string) {
	if err := e.broker.CancelOrder(ctx, orderID); err != nil {
		observ.Log("order_cancel_failed", map[string]any{"order_id": orderID, "err": err.Error()})
	}
	if err := e.store.UpdateExecutionStatus(execID, model.OrderCancelled); err != nil {
		observ.Log("execution_update_failed", map[string]any{"execution_id": execID, "err": err.Error()})
	}
	e.journalFill(d, orderID, model.OrderCancelled, 0, 0, 0)
}

func (e *Engine) storeOrderFailure(d model.TradeDecisionRecord, execID int64, orderID, status string) {
	if err := e.store.UpdateExecutionStatus(execID, model.OrderFailed); err != nil {
		observ.Log("execution_update_failed", map[string]any{"execution_id": execID, "err": err.Error()})
	}
	e.journalFill(d, orderID, status, 0, 0, 0)
}

// settle records the fill, reconciles the position, and runs the
// wash-sale and post-trade breaker follow-ups.
func (e *Engine) settle(ctx context.Context, d model.TradeDecisionRecord, execID int64, refPrice float64, o *adapters.Order) (*model.Execution, error) {
	slippage := (o.FilledAvgPrice - refPrice) / refPrice
	executedAt := e.now()

	if err := e.store.RecordFill(execID, o.FilledAvgPrice, o.FilledQty, slippage, executedAt); err != nil {
		return nil, fmt.Errorf("record fill: %w", err)
	}

	switch d.Proposal.Action {
	case model.ActionBuy:
		if err := e.applyBuy(ctx, d, o, executedAt); err != nil {
			return nil, err
		}
	case model.ActionSell:
		if err := e.applySell(ctx, d, o, executedAt); err != nil {
			return nil, err
		}
	}

	// The fill moved cash and positions, so any cached equity snapshot is
	// stale now.
	if inv, ok := e.equity.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}

	if err := e.store.TransitionTrade(d.ID, model.StatusExecuted, model.ResolvedAuto, "", executedAt); err != nil {
		return nil, fmt.Errorf("mark executed: %w", err)
	}
	e.journalFill(d, o.ID, model.OrderFilled, o.FilledQty, o.FilledAvgPrice, slippage)

	observ.Log("order_filled", map[string]any{
		"decision_id":  d.ID,
		"ticker":       d.Proposal.Ticker,
		"side":         o.Side,
		"qty":          o.FilledQty,
		"filled_price": o.FilledAvgPrice,
		"slippage":     slippage,
	})
	return e.store.GetExecutionByDecision(d.ID)
}

// applyBuy folds the fill into the open position with a weighted-average
// basis, opening a new lot when none exists. A flagged rebuy inside a
// wash-sale window adds the disallowed loss to the basis.
func (e *Engine) applyBuy(ctx context.Context, d model.TradeDecisionRecord, o *adapters.Order, at time.Time) error {
	p := d.Proposal
	notional := o.FilledQty * o.FilledAvgPrice

	pos, err := e.store.GetOpenPosition(p.Ticker, p.Sleeve)
	switch {
	case errors.Is(err, store.ErrNotFound):
		pos = &model.Position{
			Ticker:     p.Ticker,
			Sleeve:     p.Sleeve,
			EntryPrice: o.FilledAvgPrice,
			EntryDate:  at,
			CurrentQty: o.FilledQty,
			CostBasis:  notional,
			IsOpen:     true,
		}
		id, ierr := e.store.InsertPosition(*pos)
		if ierr != nil {
			return fmt.Errorf("open position: %w", ierr)
		}
		pos.ID = id
	case err != nil:
		return fmt.Errorf("load position: %w", err)
	default:
		newQty := pos.CurrentQty + o.FilledQty
		pos.EntryPrice = (pos.EntryPrice*pos.CurrentQty + notional) / newQty
		pos.CurrentQty = newQty
		pos.CostBasis += notional
		if uerr := e.store.UpdatePosition(*pos); uerr != nil {
			return fmt.Errorf("update position: %w", uerr)
		}
	}

	active, err := e.wash.GetActive(p.Ticker, at)
	if err != nil {
		return fmt.Errorf("wash-sale lookup: %w", err)
	}
	if active != nil {
		adjusted := pos.CostBasis + active.LossAmount
		pos.AdjustedCostBasis = &adjusted
		if err := e.store.UpdatePosition(*pos); err != nil {
			return fmt.Errorf("adjust basis: %w", err)
		}
		if err := e.wash.MarkRebought(active, at); err != nil {
			return err
		}
		if err := e.store.FlagWashSale(d.ID); err != nil {
			return fmt.Errorf("flag decision: %w", err)
		}
	}
	return nil
}

// applySell reduces the position proportionally, realizes P&L, records a
// wash sale on a loss, and re-evaluates the sleeve's breaker thresholds.
func (e *Engine) applySell(ctx context.Context, d model.TradeDecisionRecord, o *adapters.Order, at time.Time) error {
	p := d.Proposal
	pos, err := e.store.GetOpenPosition(p.Ticker, p.Sleeve)
	if errors.Is(err, store.ErrNotFound) {
		// Sold from the brokerage fallback; nothing internal to reduce.
		observ.Log("sell_without_position", map[string]any{"ticker": p.Ticker})
		return nil
	}
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}

	qty := math.Min(o.FilledQty, pos.CurrentQty)
	basisPerShare := pos.EntryPrice
	realized := (o.FilledAvgPrice - basisPerShare) * qty

	pos.CurrentQty -= qty
	pos.CostBasis -= basisPerShare * qty
	if prior := pos.RealizedPnL; prior != nil {
		realizedTotal := *prior + realized
		pos.RealizedPnL = &realizedTotal
	} else {
		pos.RealizedPnL = &realized
	}
	if pos.CurrentQty <= 0 {
		pos.CurrentQty = 0
		pos.CostBasis = 0
		pos.IsOpen = false
		pos.ClosedAt = &at
	}
	if err := e.store.UpdatePosition(*pos); err != nil {
		return fmt.Errorf("update position: %w", err)
	}

	if realized < 0 {
		if _, err := e.wash.Record(p.Ticker, at, -realized, qty, o.FilledAvgPrice, basisPerShare); err != nil {
			return err
		}
	}

	eq, err := e.equity.SleeveEquity(ctx, p.Sleeve)
	if err != nil {
		observ.Log("post_trade_equity_failed", map[string]any{"sleeve": string(p.Sleeve), "err": err.Error()})
		return nil
	}
	if err := e.risk.CheckPostTrade(ctx, p.Sleeve, eq); err != nil {
		observ.Log("post_trade_check_failed", map[string]any{"sleeve": string(p.Sleeve), "err": err.Error()})
	}
	return nil
}

func (e *Engine) failDecision(d model.TradeDecisionRecord, reason string) {
	if err := e.store.TransitionTrade(d.ID, model.StatusFailed, model.ResolvedAuto, reason, e.now()); err != nil {
		observ.Log("fail_transition_error", map[string]any{"decision_id": d.ID, "err": err.Error()})
	}
	observ.IncCounter("execution_failures_total", map[string]string{
		"sleeve": string(d.Proposal.Sleeve),
	})
	observ.Log("trade_failed", map[string]any{
		"decision_id": d.ID,
		"ticker":      d.Proposal.Ticker,
		"reason":      reason,
	})
	e.emit("trade_failed", map[string]any{
		"decision_id": d.ID,
		"ticker":      d.Proposal.Ticker,
		"sleeve":      string(d.Proposal.Sleeve),
		"reason":      reason,
	})
}

func (e *Engine) journalFill(d model.TradeDecisionRecord, orderID, status string, qty, price, slippage float64) {
	err := e.outbox.WriteFill(outbox.FillEntry{
		DecisionID:  d.ID,
		OrderID:     orderID,
		Ticker:      d.Proposal.Ticker,
		Status:      status,
		FilledQty:   qty,
		FilledPrice: price,
		Slippage:    slippage,
		Timestamp:   e.now().UTC(),
	})
	if err != nil {
		observ.Log("outbox_write_failed", map[string]any{"decision_id": d.ID, "err": err.Error()})
	}
}

func (e *Engine) emit(eventType string, payload map[string]any) {
	if e.events != nil {
		e.events.Broadcast(eventType, payload)
	}
	if e.notifier != nil {
		e.notifier.Notify(eventType, payload)
	}
}

// keyedLocks serializes work per key without holding a global lock while
// the work runs.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
