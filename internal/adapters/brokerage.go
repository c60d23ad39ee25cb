package adapters

import (
	"context"
	"errors"
)

// Order side constants, lowercase on the wire.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order is the brokerage's view of a submitted order.
type Order struct {
	ID             string  `json:"id"`
	Ticker         string  `json:"symbol"`
	Side           string  `json:"side"`
	Qty            float64 `json:"qty,string"`
	Status         string  `json:"status"`
	FilledQty      float64 `json:"filled_qty,string"`
	FilledAvgPrice float64 `json:"filled_avg_price,string"`
}

// Filled reports whether the order reached its fill state.
func (o *Order) Filled() bool { return o.Status == "filled" }

// Terminal reports whether the order can no longer change.
func (o *Order) Terminal() bool {
	switch o.Status {
	case "filled", "canceled", "expired", "rejected":
		return true
	}
	return false
}

// BrokeragePosition is a holding as the external account reports it.
type BrokeragePosition struct {
	Ticker string  `json:"symbol"`
	Qty    float64 `json:"qty,string"`
}

// ErrNoPosition is returned when the account holds none of the ticker.
var ErrNoPosition = errors.New("adapters: no position held")

// Brokerage is the order/account contract the execution engine depends on.
// The external account is the source of truth for what can actually be
// sold; internal position records are a cache of it.
type Brokerage interface {
	LatestPrice(ctx context.Context, ticker string) (float64, error)
	SubmitMarketOrder(ctx context.Context, ticker, side string, qty float64) (*Order, error)
	OrderStatus(ctx context.Context, orderID string) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	Positions(ctx context.Context) ([]BrokeragePosition, error)
	AccountEquity(ctx context.Context) (float64, error)
}
