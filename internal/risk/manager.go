package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/classtrader/trading-core/internal/config"
	"github.com/classtrader/trading-core/internal/model"
	"github.com/classtrader/trading-core/internal/observ"
	"github.com/classtrader/trading-core/internal/store"
	"github.com/classtrader/trading-core/internal/washsale"
)

// Result is the verdict of a risk check. A blocked proposal always carries
// a human-readable reason; an allowed one may still demand a human look.
type Result struct {
	Allowed                bool
	BlockedReason          string
	RequiresManualApproval bool
	ManualReviewReason     string
	WashSaleFlag           bool
}

// Manager is the single authority that can veto or flag a proposed trade.
// Gate evaluation is stateless; circuit breaker state lives in the store.
type Manager struct {
	store *store.Store
	wash  *washsale.Tracker
	cfg   config.Root
	now   func() time.Time

	// OnBreaker, if set, is called after a breaker trips or resolves.
	OnBreaker func(model.CircuitBreakerEvent)
}

func NewManager(s *store.Store, w *washsale.Tracker, cfg config.Root) *Manager {
	return &Manager{store: s, wash: w, cfg: cfg, now: time.Now}
}

func (m *Manager) sleeveCfg(s model.Sleeve) config.Sleeve {
	if s == model.SleevePenny {
		return m.cfg.Penny
	}
	return m.cfg.Main
}

// Check evaluates the gates in order; the first hard failure wins.
// sleeveEquity is the current dollar value of the proposal's sleeve, used
// to translate percentage sizes for the absolute-dollar gates.
func (m *Manager) Check(ctx context.Context, p model.TradeProposal, sleeveEquity float64) (Result, error) {
	sc := m.sleeveCfg(p.Sleeve)
	now := m.now()

	// 1. Confidence gate.
	if p.Confidence < sc.MinConfidence {
		return m.block(p, fmt.Sprintf("confidence %.2f below sleeve minimum %.2f",
			p.Confidence, sc.MinConfidence)), nil
	}

	// 2. Position size gate. The main sleeve caps by percentage, the penny
	// sleeve by absolute dollars.
	if sc.MaxPositionDollars > 0 {
		if req := p.RequestedDollars(sleeveEquity); req > sc.MaxPositionDollars {
			return m.block(p, fmt.Sprintf("requested $%.2f exceeds sleeve cap $%.2f",
				req, sc.MaxPositionDollars)), nil
		}
	} else if p.PositionSizePct > sc.MaxPositionPct {
		return m.block(p, fmt.Sprintf("requested %.1f%% exceeds sleeve cap %.1f%%",
			p.PositionSizePct, sc.MaxPositionPct)), nil
	}

	// 3. Capacity gate, entries only.
	if p.Action == model.ActionBuy {
		n, err := m.store.CountOpenPositions(p.Sleeve)
		if err != nil {
			return Result{}, fmt.Errorf("capacity gate: %w", err)
		}
		if n >= sc.MaxOpenPositions {
			return m.block(p, fmt.Sprintf("sleeve at capacity: %d of %d positions open",
				n, sc.MaxOpenPositions)), nil
		}
	}

	// 4. Circuit breaker gate. Exits are allowed while halted; only new
	// entries are refused.
	if p.Action == model.ActionBuy {
		bk, err := m.store.ActiveBreaker(p.Sleeve)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return Result{}, fmt.Errorf("breaker gate: %w", err)
		}
		if bk != nil {
			return m.block(p, fmt.Sprintf("circuit breaker active (%s): %s",
				bk.EventType, bk.Reason)), nil
		}
	}

	// 5. Wash-sale gate, buys only. Year-end loss sales block outright;
	// otherwise the buy proceeds flagged for basis adjustment.
	var washFlag bool
	if p.Action == model.ActionBuy {
		blocked, err := m.wash.IsBlocked(p.Ticker, now)
		if err != nil {
			return Result{}, fmt.Errorf("wash-sale gate: %w", err)
		}
		if blocked {
			return m.block(p, fmt.Sprintf("wash sale on %s inside year-end block month", p.Ticker)), nil
		}
		active, err := m.wash.GetActive(p.Ticker, now)
		if err != nil {
			return Result{}, fmt.Errorf("wash-sale gate: %w", err)
		}
		washFlag = active != nil
	}

	res := Result{Allowed: true, WashSaleFlag: washFlag}
	reason, manual, err := m.manualReview(p, sleeveEquity, sc, now)
	if err != nil {
		return Result{}, err
	}
	res.RequiresManualApproval = manual
	res.ManualReviewReason = reason
	return res, nil
}

func (m *Manager) block(p model.TradeProposal, reason string) Result {
	observ.IncCounter("risk_blocks_total", map[string]string{
		"sleeve": string(p.Sleeve),
	})
	observ.Log("risk_blocked", map[string]any{
		"ticker": p.Ticker,
		"sleeve": string(p.Sleeve),
		"action": string(p.Action),
		"reason": reason,
	})
	return Result{Allowed: false, BlockedReason: reason}
}

// manualReview decides whether an allowed proposal still needs a human.
func (m *Manager) manualReview(p model.TradeProposal, sleeveEquity float64, sc config.Sleeve, now time.Time) (string, bool, error) {
	if p.Action == model.ActionBuy {
		held, err := m.store.EverHeld(p.Ticker, p.Sleeve)
		if err != nil {
			return "", false, fmt.Errorf("manual review: %w", err)
		}
		if !held {
			return fmt.Sprintf("first trade in %s for this sleeve", p.Ticker), true, nil
		}
	}
	if sc.ManualReviewDollars > 0 {
		if req := p.RequestedDollars(sleeveEquity); req > sc.ManualReviewDollars {
			return fmt.Sprintf("requested $%.2f above review threshold $%.2f",
				req, sc.ManualReviewDollars), true, nil
		}
	} else if sc.ManualReviewPct > 0 && p.PositionSizePct > sc.ManualReviewPct {
		return fmt.Sprintf("requested %.1f%% above review threshold %.1f%%",
			p.PositionSizePct, sc.ManualReviewPct), true, nil
	}
	if p.Confidence < sc.AutoApproveConfidence {
		return fmt.Sprintf("confidence %.2f below auto-approve threshold %.2f",
			p.Confidence, sc.AutoApproveConfidence), true, nil
	}
	cutoff := now.Add(-time.Duration(m.cfg.Risk.BreakerCooldownHours) * time.Hour)
	recent, err := m.store.BreakerResolvedSince(p.Sleeve, cutoff)
	if err != nil {
		return "", false, fmt.Errorf("manual review: %w", err)
	}
	if recent {
		return "circuit breaker resolved within cooldown window", true, nil
	}
	return "", false, nil
}

// Trigger trips a circuit breaker. Halting takes effect on the next Check.
func (m *Manager) Trigger(ctx context.Context, eventType string, sleeve model.Sleeve, reason string) (*model.CircuitBreakerEvent, error) {
	e := model.CircuitBreakerEvent{
		EventType:   eventType,
		Sleeve:      sleeve,
		Reason:      reason,
		TriggeredAt: m.now(),
		Active:      true,
	}
	id, err := m.store.InsertBreaker(e)
	if err != nil {
		return nil, fmt.Errorf("trigger breaker %s: %w", eventType, err)
	}
	e.ID = id
	observ.IncCounter("circuit_breaker_trips_total", map[string]string{
		"event_type": eventType,
	})
	observ.Log("circuit_breaker_triggered", map[string]any{
		"event_type": eventType,
		"sleeve":     string(sleeve),
		"reason":     reason,
	})
	if m.OnBreaker != nil {
		m.OnBreaker(e)
	}
	return &e, nil
}

// Resolve clears a breaker by explicit manual action.
func (m *Manager) Resolve(ctx context.Context, eventID int64, resolvedBy string) (*model.CircuitBreakerEvent, error) {
	e, err := m.store.ResolveBreaker(eventID, resolvedBy, m.now())
	if err != nil {
		return nil, fmt.Errorf("resolve breaker #%d: %w", eventID, err)
	}
	observ.Log("circuit_breaker_resolved", map[string]any{
		"event_type":  e.EventType,
		"sleeve":      string(e.Sleeve),
		"resolved_by": resolvedBy,
	})
	if m.OnBreaker != nil {
		m.OnBreaker(*e)
	}
	return e, nil
}

// CheckPostTrade scans the sleeve's realized P&L after a SELL and trips
// breakers for the day's loss limit and the consecutive-loss streak. At
// most one active breaker exists per cause.
func (m *Manager) CheckPostTrade(ctx context.Context, sleeve model.Sleeve, sleeveEquity float64) error {
	sc := m.sleeveCfg(sleeve)
	now := m.now()

	pnl, err := m.store.RealizedPnLOn(sleeve, now)
	if err != nil {
		return fmt.Errorf("post-trade scan: %w", err)
	}
	lossLimit := sc.DailyLossLimitPct / 100.0 * sleeveEquity
	if lossLimit > 0 && pnl < 0 && -pnl >= lossLimit {
		eventType := model.BreakerDailyLossMain
		if sleeve == model.SleevePenny {
			eventType = model.BreakerDailyLossPenny
		}
		tripped, err := m.activeBreakerOfType(eventType)
		if err != nil {
			return err
		}
		if !tripped {
			_, err = m.Trigger(ctx, eventType, sleeve,
				fmt.Sprintf("daily realized loss $%.2f breaches %.1f%% limit ($%.2f)",
					-pnl, sc.DailyLossLimitPct, lossLimit))
			if err != nil {
				return err
			}
		}
	}

	streak, err := m.store.ConsecutiveLosses(sleeve)
	if err != nil {
		return fmt.Errorf("post-trade scan: %w", err)
	}
	if streak >= m.cfg.Risk.ConsecutiveLossLimit {
		tripped, err := m.activeBreakerOfType(model.BreakerConsecutiveLosses)
		if err != nil {
			return err
		}
		if !tripped {
			_, err = m.Trigger(ctx, model.BreakerConsecutiveLosses, sleeve,
				fmt.Sprintf("%d consecutive losing positions", streak))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) activeBreakerOfType(eventType string) (bool, error) {
	active, err := m.store.ListBreakers(true)
	if err != nil {
		return false, fmt.Errorf("breaker lookup: %w", err)
	}
	for _, e := range active {
		if e.EventType == eventType {
			return true, nil
		}
	}
	return false, nil
}
