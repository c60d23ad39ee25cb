package model

import "fmt"

// Verdict types are the schema-validated outputs of the analytical stages.
// They are closed variants: every enum field is checked at the decode
// boundary and a mismatch is a retryable schema failure, never something
// passed downstream as free text.

// Market regime classifications.
const (
	RegimeTrendingUp     = "TRENDING_UP"
	RegimeTrendingDown   = "TRENDING_DOWN"
	RegimeRanging        = "RANGING"
	RegimeHighVolatility = "HIGH_VOLATILITY"
)

// RegimeAssessment is the output of the regime classification stage.
type RegimeAssessment struct {
	Regime        string   `json:"regime"`
	Confidence    float64  `json:"confidence"`
	Reasoning     string   `json:"reasoning"`
	KeyIndicators []string `json:"key_indicators"`
}

func (r RegimeAssessment) Validate() error {
	switch r.Regime {
	case RegimeTrendingUp, RegimeTrendingDown, RegimeRanging, RegimeHighVolatility:
	default:
		return fmt.Errorf("invalid regime %q", r.Regime)
	}
	return validConfidence(r.Confidence)
}

// Per-ticker stances from the bull and bear stages.
const (
	StanceBullish = "BULLISH"
	StanceBearish = "BEARISH"
	StanceNeutral = "NEUTRAL"
)

// TickerAnalysis is one ticker's stance from the bull or bear stage.
type TickerAnalysis struct {
	Ticker        string   `json:"ticker"`
	Stance        string   `json:"stance"`
	Confidence    float64  `json:"confidence"`
	Reasoning     string   `json:"reasoning"`
	KeyDataPoints []string `json:"key_data_points"`
}

func (a TickerAnalysis) Validate() error {
	if a.Ticker == "" {
		return fmt.Errorf("ticker analysis missing ticker")
	}
	switch a.Stance {
	case StanceBullish, StanceBearish, StanceNeutral:
	default:
		return fmt.Errorf("%s: invalid stance %q", a.Ticker, a.Stance)
	}
	return validConfidence(a.Confidence)
}

// Cross-check agreement outcomes.
const (
	AgreeBullish     = "AGREE_BULLISH"
	AgreeBearish     = "AGREE_BEARISH"
	Disagree         = "DISAGREE"
	InsufficientData = "INSUFFICIENT_DATA"
)

// ResearcherVerdict is the cross-check stage's judgement on one ticker,
// reconciling the bull and bear analyses.
type ResearcherVerdict struct {
	Ticker             string   `json:"ticker"`
	Agreement          string   `json:"bull_bear_agreement"`
	Confidence         float64  `json:"confidence"`
	Reasoning          string   `json:"reasoning"`
	FlaggedIssues      []string `json:"flagged_issues"`
	ThesisDriftWarning bool     `json:"thesis_drift_warning"`
}

func (v ResearcherVerdict) Validate() error {
	if v.Ticker == "" {
		return fmt.Errorf("researcher verdict missing ticker")
	}
	switch v.Agreement {
	case AgreeBullish, AgreeBearish, Disagree, InsufficientData:
	default:
		return fmt.Errorf("%s: invalid agreement %q", v.Ticker, v.Agreement)
	}
	return validConfidence(v.Confidence)
}

// PortfolioDecision is the final main-sleeve decision stage output:
// zero or more trade proposals plus the cash stance.
type PortfolioDecision struct {
	Trades           []TradeProposal `json:"trades"`
	CashReservePct   float64         `json:"cash_reserve_pct"`
	OverallReasoning string          `json:"overall_reasoning"`
}

func (d PortfolioDecision) Validate() error {
	if d.CashReservePct < 0 || d.CashReservePct > 100 {
		return fmt.Errorf("cash reserve %.1f%% out of range", d.CashReservePct)
	}
	for _, t := range d.Trades {
		if err := validateProposal(t); err != nil {
			return err
		}
	}
	return nil
}

// HighRiskDecision is the high-risk sleeve's specialized decision for one
// candidate ticker. It sizes in absolute dollars, not sleeve percentage.
type HighRiskDecision struct {
	Ticker          string  `json:"ticker"`
	Action          Action  `json:"action"`
	Confidence      float64 `json:"confidence"`
	PositionDollars float64 `json:"position_dollars"`
	Reasoning       string  `json:"reasoning"`
	Catalyst        string  `json:"catalyst"`
	ExitTrigger     string  `json:"exit_trigger"`
}

func (d HighRiskDecision) Validate() error {
	if d.Ticker == "" {
		return fmt.Errorf("high-risk decision missing ticker")
	}
	if err := validAction(d.Action); err != nil {
		return fmt.Errorf("%s: %w", d.Ticker, err)
	}
	if d.PositionDollars < 0 {
		return fmt.Errorf("%s: negative position dollars", d.Ticker)
	}
	return validConfidence(d.Confidence)
}

func validateProposal(p TradeProposal) error {
	if p.Ticker == "" {
		return fmt.Errorf("trade proposal missing ticker")
	}
	if err := validAction(p.Action); err != nil {
		return fmt.Errorf("%s: %w", p.Ticker, err)
	}
	if p.PositionSizePct < 0 || p.PositionSizePct > 100 {
		return fmt.Errorf("%s: position size %.1f%% out of range", p.Ticker, p.PositionSizePct)
	}
	return validConfidence(p.Confidence)
}

func validAction(a Action) error {
	switch a {
	case ActionBuy, ActionSell, ActionHold:
		return nil
	}
	return fmt.Errorf("invalid action %q", a)
}

func validConfidence(c float64) error {
	if c < 0 || c > 1 {
		return fmt.Errorf("confidence %.2f outside [0,1]", c)
	}
	return nil
}
