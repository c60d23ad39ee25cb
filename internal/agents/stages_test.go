package agents

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/classtrader/trading-core/internal/model"
)

func TestDecodeRegime(t *testing.T) {
	v, err := DecodeRegime(json.RawMessage(
		`{"regime":"TRENDING_UP","confidence":0.8,"reasoning":"broad breadth","key_indicators":["SPY>200dma"]}`))
	require.NoError(t, err)
	require.Equal(t, model.RegimeTrendingUp, v.Regime)

	_, err = DecodeRegime(json.RawMessage(`{"regime":"SIDEWAYS","confidence":0.8}`))
	require.ErrorIs(t, err, ErrBadSchema)

	_, err = DecodeRegime(json.RawMessage(`{"regime":"RANGING","confidence":1.4}`))
	require.ErrorIs(t, err, ErrBadSchema)

	_, err = DecodeRegime(json.RawMessage(`not json`))
	require.ErrorIs(t, err, ErrBadSchema)
}

func TestDecodeAnalyses(t *testing.T) {
	list, err := DecodeAnalyses(json.RawMessage(
		`[{"ticker":"AAPL","stance":"BULLISH","confidence":0.7,"reasoning":"momentum"}]`))
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = DecodeAnalyses(json.RawMessage(
		`[{"ticker":"AAPL","stance":"LONG","confidence":0.7}]`))
	require.ErrorIs(t, err, ErrBadSchema)

	_, err = DecodeAnalyses(json.RawMessage(
		`[{"ticker":"","stance":"BULLISH","confidence":0.7}]`))
	require.ErrorIs(t, err, ErrBadSchema)
}

func TestDecodeVerdicts(t *testing.T) {
	list, err := DecodeVerdicts(json.RawMessage(
		`[{"ticker":"AAPL","bull_bear_agreement":"DISAGREE","confidence":0.8,"reasoning":"split"}]`))
	require.NoError(t, err)
	require.Equal(t, model.Disagree, list[0].Agreement)

	_, err = DecodeVerdicts(json.RawMessage(
		`[{"ticker":"AAPL","bull_bear_agreement":"MAYBE","confidence":0.8}]`))
	require.ErrorIs(t, err, ErrBadSchema)
}

func TestDecodeDecision(t *testing.T) {
	d, err := DecodeDecision(json.RawMessage(
		`{"trades":[{"ticker":"AAPL","sleeve":"MAIN","action":"BUY","confidence":0.75,"position_size_pct":15,"reasoning":"agree bullish"}],"cash_reserve_pct":40,"overall_reasoning":"selective"}`))
	require.NoError(t, err)
	require.Len(t, d.Trades, 1)

	_, err = DecodeDecision(json.RawMessage(
		`{"trades":[{"ticker":"AAPL","action":"SHORT","confidence":0.75,"position_size_pct":15}]}`))
	require.ErrorIs(t, err, ErrBadSchema)

	_, err = DecodeDecision(json.RawMessage(`{"trades":[],"cash_reserve_pct":140}`))
	require.ErrorIs(t, err, ErrBadSchema)
}

func TestDecodeHighRisk(t *testing.T) {
	d, err := DecodeHighRisk(json.RawMessage(
		`{"ticker":"PNY","action":"BUY","confidence":0.65,"position_dollars":6,"reasoning":"catalyst","catalyst":"FDA date","exit_trigger":"close below 1.80"}`))
	require.NoError(t, err)
	require.InDelta(t, 6, d.PositionDollars, 1e-9)

	_, err = DecodeHighRisk(json.RawMessage(
		`{"ticker":"PNY","action":"BUY","confidence":0.65,"position_dollars":-2}`))
	require.ErrorIs(t, err, ErrBadSchema)
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"preamble", `Here is the verdict: {"a":1}`, `{"a":1}`},
		{"array", `[{"a":1}]`, `[{"a":1}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := extractJSON(tc.in)
			require.JSONEq(t, tc.want, string(got))
		})
	}

	require.Nil(t, extractJSON("no json here"))
	require.Nil(t, extractJSON(`{"truncated":`))
}
