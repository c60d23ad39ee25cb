package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/classtrader/trading-core/internal/model"
	"github.com/classtrader/trading-core/internal/observ"
	"github.com/classtrader/trading-core/internal/risk"
	"github.com/classtrader/trading-core/internal/store"
)

// ErrNotPending is returned when a manual resolution targets a record that
// already left PENDING.
var ErrNotPending = errors.New("approval: decision is not pending")

// Executor runs an approved decision against the brokerage.
type Executor interface {
	Execute(ctx context.Context, d model.TradeDecisionRecord) (*model.Execution, error)
}

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

// Queue mediates between risk-checked proposals and either execution or a
// pending human decision.
type Queue struct {
	store  *store.Store
	risk   *risk.Manager
	exec   Executor
	equity EquitySource
	toggle *Toggle

	notifier Notifier
	events   Broadcaster

	// mu serializes intake and manual resolution so two proposals cannot
	// both pass the capacity gate and then both execute.
	mu  sync.Mutex
	now func() time.Time
}

func NewQueue(s *store.Store, rm *risk.Manager, exec Executor, eq EquitySource, toggle *Toggle) *Queue {
	return &Queue{store: s, risk: rm, exec: exec, equity: eq, toggle: toggle, now: time.Now}
}

// WithNotifier attaches an optional notifier for pending-review pings.
func (q *Queue) WithNotifier(n Notifier) *Queue { q.notifier = n; return q }

// WithBroadcaster attaches an optional domain-event broadcaster.
func (q *Queue) WithBroadcaster(b Broadcaster) *Queue { q.events = b; return q }

// Outcome reports what intake did with one decision.
type Outcome struct {
	DecisionID int64        `json:"decision_id"`
	Status     model.Status `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	Executed   bool         `json:"executed"`
	Err        error        `json:"-"`
}

// Intake risk-checks a batch of PENDING decisions. Risk rejects become
// SKIPPED, clean auto-approvable ones execute synchronously, the rest stay
// PENDING for a human. One decision's failure never stops its siblings.
func (q *Queue) Intake(ctx context.Context, ids []int64) []Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		out = append(out, q.intakeOne(ctx, id))
	}
	return out
}

func (q *Queue) intakeOne(ctx context.Context, id int64) Outcome {
	d, err := q.store.GetTradeDecision(id)
	if err != nil {
		return Outcome{DecisionID: id, Err: fmt.Errorf("load decision: %w", err)}
	}
	if d.Status != model.StatusPending {
		return Outcome{DecisionID: id, Status: d.Status, Reason: "already resolved"}
	}

	eq, err := q.equity.SleeveEquity(ctx, d.Proposal.Sleeve)
	if err != nil {
		return Outcome{DecisionID: id, Status: d.Status, Err: fmt.Errorf("sleeve equity: %w", err)}
	}
	res, err := q.risk.Check(ctx, d.Proposal, eq)
	if err != nil {
		return Outcome{DecisionID: id, Status: d.Status, Err: fmt.Errorf("risk check: %w", err)}
	}

	if res.WashSaleFlag {
		if err := q.store.FlagWashSale(id); err != nil {
			return Outcome{DecisionID: id, Status: d.Status, Err: err}
		}
	}

	if !res.Allowed {
		err := q.store.TransitionTrade(id, model.StatusSkipped, model.ResolvedAuto, res.BlockedReason, q.now())
		if err != nil {
			return Outcome{DecisionID: id, Status: d.Status, Err: err}
		}
		return Outcome{DecisionID: id, Status: model.StatusSkipped, Reason: res.BlockedReason}
	}

	if q.toggle.Get() && !res.RequiresManualApproval {
		return q.approveAndExecute(ctx, *d, model.ResolvedAuto)
	}

	// Left pending for a human.
	reason := res.ManualReviewReason
	if reason == "" {
		reason = "auto-approve disabled"
	}
	observ.Log("trade_pending_review", map[string]any{
		"decision_id": id,
		"ticker":      d.Proposal.Ticker,
		"sleeve":      string(d.Proposal.Sleeve),
		"reason":      reason,
	})
	if q.notifier != nil {
		q.notifier.Notify("trade_pending", map[string]any{
			"decision_id": id,
			"ticker":      d.Proposal.Ticker,
			"action":      string(d.Proposal.Action),
			"reason":      reason,
		})
	}
	if q.events != nil {
		q.events.Broadcast("trade_pending", Outcome{DecisionID: id, Status: model.StatusPending, Reason: reason})
	}
	return Outcome{DecisionID: id, Status: model.StatusPending, Reason: reason}
}

// Approve is the manual resolution entry point. It is a no-op returning
// ErrNotPending unless the record is currently PENDING; approving twice
// never double-executes.
func (q *Queue) Approve(ctx context.Context, id int64, resolvedBy string) (Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.approveLocked(ctx, id, resolvedBy)
}

func (q *Queue) approveLocked(ctx context.Context, id int64, resolvedBy string) (Outcome, error) {
	d, err := q.store.GetTradeDecision(id)
	if err != nil {
		return Outcome{DecisionID: id}, err
	}
	if d.Status != model.StatusPending {
		return Outcome{DecisionID: id, Status: d.Status}, ErrNotPending
	}
	out := q.approveAndExecute(ctx, *d, resolvedBy)
	return out, out.Err
}

// Reject is the manual rejection entry point; same PENDING-only contract.
func (q *Queue) Reject(ctx context.Context, id int64, resolvedBy string) (Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rejectLocked(ctx, id, resolvedBy)
}

func (q *Queue) rejectLocked(ctx context.Context, id int64, resolvedBy string) (Outcome, error) {
	d, err := q.store.GetTradeDecision(id)
	if err != nil {
		return Outcome{DecisionID: id}, err
	}
	if d.Status != model.StatusPending {
		return Outcome{DecisionID: id, Status: d.Status}, ErrNotPending
	}
	if err := q.store.TransitionTrade(id, model.StatusRejected, resolvedBy, "", q.now()); err != nil {
		return Outcome{DecisionID: id, Status: d.Status}, err
	}
	observ.Log("trade_rejected", map[string]any{
		"decision_id": id,
		"ticker":      d.Proposal.Ticker,
		"resolved_by": resolvedBy,
	})
	return Outcome{DecisionID: id, Status: model.StatusRejected}, nil
}

// ApproveAll applies Approve to each ID independently. A failure on one
// item never prevents processing of the others.
func (q *Queue) ApproveAll(ctx context.Context, ids []int64, resolvedBy string) []Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		o, err := q.approveLocked(ctx, id, resolvedBy)
		o.Err = err
		out = append(out, o)
	}
	return out
}

// RejectAll applies Reject to each ID independently.
func (q *Queue) RejectAll(ctx context.Context, ids []int64, resolvedBy string) []Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		o, err := q.rejectLocked(ctx, id, resolvedBy)
		o.Err = err
		out = append(out, o)
	}
	return out
}

// Pending lists decisions awaiting a human.
func (q *Queue) Pending() ([]model.TradeDecisionRecord, error) {
	return q.store.ListTradeDecisionsByStatus(model.StatusPending)
}

func (q *Queue) approveAndExecute(ctx context.Context, d model.TradeDecisionRecord, resolvedBy string) Outcome {
	if err := q.store.TransitionTrade(d.ID, model.StatusApproved, resolvedBy, "", q.now()); err != nil {
		return Outcome{DecisionID: d.ID, Status: d.Status, Err: err}
	}
	d.Status = model.StatusApproved
	observ.Log("trade_approved", map[string]any{
		"decision_id": d.ID,
		"ticker":      d.Proposal.Ticker,
		"resolved_by": resolvedBy,
	})

	if _, err := q.exec.Execute(ctx, d); err != nil {
		// The engine owns the decision's terminal state on failure; the
		// outcome just reports what happened.
		cur, gerr := q.store.GetTradeDecision(d.ID)
		status := model.StatusFailed
		if gerr == nil {
			status = cur.Status
		}
		return Outcome{DecisionID: d.ID, Status: status, Reason: err.Error(), Err: err}
	}
	return Outcome{DecisionID: d.ID, Status: model.StatusExecuted, Executed: true}
}
