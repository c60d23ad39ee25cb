package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/classtrader/trading-core/internal/adapters"
	"github.com/classtrader/trading-core/internal/agents"
	"github.com/classtrader/trading-core/internal/observ"
	"github.com/classtrader/trading-core/internal/store"
)

// BrokerContextBuilder assembles the run snapshot from live brokerage state
// plus the local ledger. Account state is mandatory; a ticker whose price
// lookup fails is carried without a quote rather than failing the run.
type BrokerContextBuilder struct {
	broker adapters.Brokerage
	store  *store.Store
	now    func() time.Time
}

func NewBrokerContextBuilder(b adapters.Brokerage, s *store.Store) *BrokerContextBuilder {
	return &BrokerContextBuilder{broker: b, store: s, now: time.Now}
}

func (cb *BrokerContextBuilder) Build(ctx context.Context, tickers []string) (*agents.MarketContext, error) {
	equity, err := cb.broker.AccountEquity(ctx)
	if err != nil {
		return nil, fmt.Errorf("account equity: %w", err)
	}
	held, err := cb.broker.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	positions := make(map[string]float64, len(held))
	for _, p := range held {
		positions[p.Ticker] = p.Qty
	}

	now := cb.now()
	active, err := cb.store.ListUnexpiredWashSales(now)
	if err != nil {
		return nil, fmt.Errorf("wash blacklist: %w", err)
	}
	blacklist := make([]string, 0, len(active))
	for _, w := range active {
		blacklist = append(blacklist, w.Ticker)
	}

	snaps := make(map[string]agents.TickerSnapshot, len(tickers))
	for _, ticker := range tickers {
		snap := agents.TickerSnapshot{Ticker: ticker}
		price, perr := cb.broker.LatestPrice(ctx, ticker)
		if perr != nil {
			observ.Log("snapshot_price_unavailable", map[string]any{
				"ticker": ticker,
				"err":    perr.Error(),
			})
		} else {
			snap.Price = price
		}
		snaps[ticker] = snap
	}

	return &agents.MarketContext{
		AsOf:    now,
		Tickers: snaps,
		Account: agents.AccountState{
			Equity:        equity,
			Positions:     positions,
			WashBlacklist: blacklist,
		},
	}, nil
}
