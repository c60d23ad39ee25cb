package adapters

import (
	"context"
	"fmt"
	"sync"
)

// MockFill scripts how the mock resolves an order for a ticker.
type MockFill struct {
	Price     float64 // fill price; 0 means fill at the quoted price
	PollsToGo int     // order stays pending for this many status polls
	Reject    bool    // submission fails outright
	NeverFill bool    // order stays pending forever (timeout scenarios)
}

// Mock is an in-memory brokerage with scripted prices and fills.
type Mock struct {
	mu       sync.Mutex
	prices   map[string]float64
	fills    map[string]MockFill
	orders   map[string]*Order
	holdings map[string]float64
	equity   float64
	nextID   int

	Submitted []Order // every order accepted, in submission order
}

func NewMock(equity float64) *Mock {
	return &Mock{
		prices:   make(map[string]float64),
		fills:    make(map[string]MockFill),
		orders:   make(map[string]*Order),
		holdings: make(map[string]float64),
		equity:   equity,
	}
}

func (m *Mock) SetPrice(ticker string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[ticker] = price
}

func (m *Mock) SetFill(ticker string, f MockFill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills[ticker] = f
}

func (m *Mock) SetHolding(ticker string, qty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdings[ticker] = qty
}

func (m *Mock) SetEquity(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = equity
}

func (m *Mock) LatestPrice(ctx context.Context, ticker string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[ticker]
	if !ok {
		return 0, fmt.Errorf("mock: no price for %s", ticker)
	}
	return p, nil
}

func (m *Mock) SubmitMarketOrder(ctx context.Context, ticker, side string, qty float64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qty <= 0 {
		return nil, fmt.Errorf("mock: qty %g not positive", qty)
	}
	f := m.fills[ticker]
	if f.Reject {
		return nil, fmt.Errorf("mock: order for %s rejected", ticker)
	}
	m.nextID++
	o := &Order{
		ID:     fmt.Sprintf("mock-%d", m.nextID),
		Ticker: ticker,
		Side:   side,
		Qty:    qty,
		Status: "accepted",
	}
	m.orders[o.ID] = o
	m.Submitted = append(m.Submitted, *o)
	return o, nil
}

func (m *Mock) OrderStatus(ctx context.Context, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("mock: unknown order %s", orderID)
	}
	if o.Terminal() {
		cp := *o
		return &cp, nil
	}
	f := m.fills[o.Ticker]
	if f.NeverFill {
		cp := *o
		return &cp, nil
	}
	if f.PollsToGo > 0 {
		f.PollsToGo--
		m.fills[o.Ticker] = f
		cp := *o
		return &cp, nil
	}
	price := f.Price
	if price == 0 {
		price = m.prices[o.Ticker]
	}
	o.Status = "filled"
	o.FilledQty = o.Qty
	o.FilledAvgPrice = price
	if o.Side == SideBuy {
		m.holdings[o.Ticker] += o.Qty
	} else {
		m.holdings[o.Ticker] -= o.Qty
	}
	cp := *o
	return &cp, nil
}

func (m *Mock) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("mock: unknown order %s", orderID)
	}
	if !o.Terminal() {
		o.Status = "canceled"
	}
	return nil
}

func (m *Mock) Positions(ctx context.Context) ([]BrokeragePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BrokeragePosition
	for t, q := range m.holdings {
		if q != 0 {
			out = append(out, BrokeragePosition{Ticker: t, Qty: q})
		}
	}
	return out, nil
}

func (m *Mock) AccountEquity(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equity, nil
}
