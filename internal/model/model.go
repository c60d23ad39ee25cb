package model

import "time"

// Sleeve identifies an independently risk-managed capital pool.
type Sleeve string

const (
	SleeveMain  Sleeve = "MAIN"
	SleevePenny Sleeve = "PENNY"
)

// Action is what a proposal wants done with a ticker.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Status is the lifecycle state of a TradeDecisionRecord.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExecuted Status = "EXECUTED"
	StatusFailed   Status = "FAILED"
	StatusSkipped  Status = "SKIPPED"
)

// ResolvedAuto marks transitions performed by the system rather than a human.
const ResolvedAuto = "AUTO"

// validNext encodes the forward-only status lattice:
// PENDING -> {APPROVED, REJECTED, SKIPPED}, APPROVED -> {EXECUTED, FAILED}.
var validNext = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected, StatusSkipped},
	StatusApproved: {StatusExecuted, StatusFailed},
}

// CanTransition reports whether a record may move from one status to another.
// Terminal states have no successors.
func CanTransition(from, to Status) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status has no outgoing transitions.
func Terminal(s Status) bool {
	return len(validNext[s]) == 0
}

// TradeProposal is the immutable output of a decision stage for one ticker.
// PositionSizePct is a percentage of sleeve equity; the high-risk sleeve
// sizes in absolute dollars, which the orchestrator converts to a percentage
// of that sleeve's allocation before the proposal is persisted.
type TradeProposal struct {
	Ticker          string   `json:"ticker"`
	Sleeve          Sleeve   `json:"sleeve"`
	Action          Action   `json:"action"`
	Confidence      float64  `json:"confidence"`
	PositionSizePct float64  `json:"position_size_pct"`
	Reasoning       string   `json:"reasoning"`
	StopLossPct     *float64 `json:"stop_loss_pct,omitempty"`
	TakeProfitPct   *float64 `json:"take_profit_pct,omitempty"`
}

// RequestedDollars converts the proposal's size into dollars of sleeve equity.
func (p TradeProposal) RequestedDollars(sleeveEquity float64) float64 {
	return p.PositionSizePct / 100.0 * sleeveEquity
}

// TradeDecisionRecord is the persisted wrapper around a TradeProposal.
type TradeDecisionRecord struct {
	ID              int64      `json:"id"`
	PipelineRunID   int64      `json:"pipeline_run_id"`
	Proposal        TradeProposal `json:"proposal"`
	Status          Status     `json:"status"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	BlockedReason   string     `json:"blocked_reason,omitempty"`
	WashSaleFlagged bool       `json:"wash_sale_flagged"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Order-level execution statuses. These describe the brokerage order, not
// the decision record, which has its own lattice above.
const (
	OrderPending   = "PENDING"
	OrderFilled    = "FILLED"
	OrderCancelled = "CANCELLED"
	OrderFailed    = "FAILED"
)

// Execution records one order submitted for an approved decision.
// A decision has at most one execution.
type Execution struct {
	ID              int64      `json:"id"`
	TradeDecisionID int64      `json:"trade_decision_id"`
	OrderID         string     `json:"order_id"`
	Side            string     `json:"side"` // buy | sell
	Qty             float64    `json:"qty"`
	FilledPrice     float64    `json:"filled_price"`
	IntendedPrice   float64    `json:"intended_price"`
	Slippage        float64    `json:"slippage"` // (filled - intended) / intended
	Status          string     `json:"status"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Position is the open-lot aggregate per (ticker, sleeve). It is recomputed
// from execution history by the execution engine and never back-links to
// executions.
type Position struct {
	ID                int64      `json:"id"`
	Ticker            string     `json:"ticker"`
	Sleeve            Sleeve     `json:"sleeve"`
	EntryPrice        float64    `json:"entry_price"` // weighted average
	EntryDate         time.Time  `json:"entry_date"`
	CurrentQty        float64    `json:"current_qty"`
	CostBasis         float64    `json:"cost_basis"`
	AdjustedCostBasis *float64   `json:"adjusted_cost_basis,omitempty"`
	IsOpen            bool       `json:"is_open"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
	RealizedPnL       *float64   `json:"realized_pnl,omitempty"`
}

// WashSaleRecord is created when a sell realizes a loss. Read-only once
// written except for the rebought flag.
type WashSaleRecord struct {
	ID                int64      `json:"id"`
	Ticker            string     `json:"ticker"`
	SaleDate          time.Time  `json:"sale_date"`
	LossAmount        float64    `json:"loss_amount"`
	QtySold           float64    `json:"qty_sold"`
	SalePrice         float64    `json:"sale_price"`
	CostBasisPerShare float64    `json:"cost_basis_per_share"`
	BlackoutUntil     time.Time  `json:"blackout_until"`
	YearEndBlocked    bool       `json:"year_end_blocked"`
	Rebought          bool       `json:"rebought"`
	ReboughtAt        *time.Time `json:"rebought_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Circuit breaker event types.
const (
	BreakerDailyLossMain     = "DAILY_LOSS_MAIN"
	BreakerDailyLossPenny    = "DAILY_LOSS_PENNY"
	BreakerConsecutiveLosses = "CONSECUTIVE_LOSSES"
	BreakerAPIFailure        = "API_FAILURE"
	BreakerSchemaFailure     = "SCHEMA_FAILURE"
	BreakerManual            = "MANUAL"
)

// CircuitBreakerEvent halts new entries for a sleeve while unresolved.
// An empty sleeve means system-wide: both sleeves are halted.
type CircuitBreakerEvent struct {
	ID          int64      `json:"id"`
	EventType   string     `json:"event_type"`
	Sleeve      Sleeve     `json:"sleeve,omitempty"`
	Reason      string     `json:"reason"`
	TriggeredAt time.Time  `json:"triggered_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
	Active      bool       `json:"active"`
}

// Pipeline run types.
const (
	RunMorning     = "MORNING"
	RunNoon        = "NOON"
	RunNewsTrigger = "NEWS_TRIGGER"
	RunManual      = "MANUAL"
	RunHighRisk    = "HIGH_RISK"
)

// Pipeline run statuses.
const (
	RunStatusRunning   = "RUNNING"
	RunStatusCompleted = "COMPLETED"
	RunStatusFailed    = "FAILED"
)

// PipelineRun owns the decision records produced by one orchestration pass.
type PipelineRun struct {
	ID               int64      `json:"id"`
	RunType          string     `json:"run_type"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Regime           string     `json:"regime,omitempty"`
	RegimeConfidence float64    `json:"regime_confidence,omitempty"`
	Status           string     `json:"status"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

// AgentInteraction is the audit log of one analytical stage call. The
// prompt/response bodies are opaque to this core and retained for post-hoc
// reconstruction only.
type AgentInteraction struct {
	ID            int64     `json:"id"`
	PipelineRunID int64     `json:"pipeline_run_id"`
	Stage         string    `json:"stage"`
	Prompt        string    `json:"prompt"`
	Response      string    `json:"response"`
	ParsedOutput  string    `json:"parsed_output,omitempty"` // JSON
	TokensUsed    int       `json:"tokens_used"`
	LatencyMs     int64     `json:"latency_ms"`
	RetryCount    int       `json:"retry_count"`
	Success       bool      `json:"success"`
	CreatedAt     time.Time `json:"created_at"`
}
