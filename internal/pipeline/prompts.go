package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/classtrader/trading-core/internal/agents"
	"github.com/classtrader/trading-core/internal/model"
)

// Prompt assembly. Each stage gets the market snapshot as a JSON block plus
// a terse instruction that pins the response schema. Responses must be a
// single JSON document; decoding tolerates fenced output.

func contextBlock(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

func regimePrompt(mc *agents.MarketContext) string {
	var sb strings.Builder
	sb.WriteString("Classify the current market regime from this snapshot.\n\n")
	sb.WriteString(contextBlock(mc))
	sb.WriteString("\n\nRespond with one JSON object: ")
	sb.WriteString(`{"regime":"TRENDING_UP|TRENDING_DOWN|RANGING|HIGH_VOLATILITY","confidence":0..1,"reasoning":"...","key_indicators":["..."]}`)
	return sb.String()
}

func analystPrompt(mc *agents.MarketContext, regime *model.RegimeAssessment, stage string) string {
	stance := "strongest bullish case"
	if stage == agents.StageBear {
		stance = "strongest bearish case"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Market regime: %s (confidence %.2f).\n", regime.Regime, regime.Confidence)
	fmt.Fprintf(&sb, "For each ticker below, make the %s.\n\n", stance)
	sb.WriteString(contextBlock(mc))
	sb.WriteString("\n\nRespond with a JSON array of ")
	sb.WriteString(`{"ticker":"...","stance":"BULLISH|BEARISH|NEUTRAL","confidence":0..1,"reasoning":"...","key_data_points":["..."]}`)
	return sb.String()
}

func researcherPrompt(mc *agents.MarketContext, bull, bear []model.TickerAnalysis) string {
	var sb strings.Builder
	sb.WriteString("Cross-examine the bull and bear analyses below. Flag contradictions and thesis drift.\n\n")
	sb.WriteString("Bull:\n")
	sb.WriteString(contextBlock(bull))
	sb.WriteString("\n\nBear:\n")
	sb.WriteString(contextBlock(bear))
	sb.WriteString("\n\nAccount state:\n")
	sb.WriteString(contextBlock(mc.Account))
	sb.WriteString("\n\nRespond with a JSON array of ")
	sb.WriteString(`{"ticker":"...","bull_bear_agreement":"AGREE_BULLISH|AGREE_BEARISH|DISAGREE|INSUFFICIENT_DATA","confidence":0..1,"reasoning":"...","flagged_issues":["..."],"thesis_drift_warning":false}`)
	return sb.String()
}

func decisionPrompt(mc *agents.MarketContext, regime *model.RegimeAssessment, bull, bear []model.TickerAnalysis, verdicts []model.ResearcherVerdict) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Market regime: %s (confidence %.2f).\n", regime.Regime, regime.Confidence)
	sb.WriteString("Given the analyses and cross-check verdicts below, propose portfolio actions for the main sleeve. Size positions as a percentage of sleeve equity.\n\n")
	sb.WriteString("Verdicts:\n")
	sb.WriteString(contextBlock(verdicts))
	sb.WriteString("\n\nBull:\n")
	sb.WriteString(contextBlock(bull))
	sb.WriteString("\n\nBear:\n")
	sb.WriteString(contextBlock(bear))
	sb.WriteString("\n\nAccount state:\n")
	sb.WriteString(contextBlock(mc.Account))
	sb.WriteString("\n\nRespond with one JSON object: ")
	sb.WriteString(`{"trades":[{"ticker":"...","action":"BUY|SELL|HOLD","confidence":0..1,"position_size_pct":0..100,"reasoning":"..."}],"cash_reserve_pct":0..100,"overall_reasoning":"..."}`)
	return sb.String()
}

func highRiskPrompt(mc *agents.MarketContext, ticker string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Evaluate %s as a high-risk small-cap candidate. Require a concrete catalyst and a concrete exit trigger; size in absolute dollars.\n\n", ticker)
	if snap, ok := mc.Tickers[ticker]; ok {
		sb.WriteString(contextBlock(snap))
		sb.WriteString("\n\n")
	}
	sb.WriteString("Account state:\n")
	sb.WriteString(contextBlock(mc.Account))
	sb.WriteString("\n\nRespond with one JSON object: ")
	sb.WriteString(`{"ticker":"...","action":"BUY|SELL|HOLD","confidence":0..1,"position_dollars":0,"reasoning":"...","catalyst":"...","exit_trigger":"..."}`)
	return sb.String()
}
