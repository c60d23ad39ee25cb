package agents

import (
	"context"
	"time"
)

// TickerSnapshot carries everything the stages know about one ticker.
// Per-ticker gaps are tolerated: a missing field degrades that ticker's
// analysis, it never fails the run.
type TickerSnapshot struct {
	Ticker          string             `json:"ticker"`
	Price           float64            `json:"price,omitempty"`
	PriceHistory    []float64          `json:"price_history,omitempty"`
	VolumeHistory   []float64          `json:"volume_history,omitempty"`
	Indicators      map[string]float64 `json:"indicators,omitempty"`
	NewsSentiment   string             `json:"news_sentiment,omitempty"`
	Fundamentals    map[string]string  `json:"fundamentals,omitempty"`
	RetailSentiment string             `json:"retail_sentiment,omitempty"`
}

// AccountState is the portion of the snapshot that must be present; the
// builder fails if it cannot be obtained at all.
type AccountState struct {
	Equity        float64            `json:"equity"`
	Positions     map[string]float64 `json:"positions"`
	WashBlacklist []string           `json:"wash_blacklist,omitempty"`
}

// MarketContext is the immutable snapshot one pipeline run works from.
// The concurrent bull and bear stages share it without synchronization.
type MarketContext struct {
	AsOf    time.Time                 `json:"as_of"`
	Tickers map[string]TickerSnapshot `json:"tickers"`
	Account AccountState              `json:"account"`
}

// ContextBuilder produces the snapshot at the start of a run.
type ContextBuilder interface {
	Build(ctx context.Context, tickers []string) (*MarketContext, error)
}
