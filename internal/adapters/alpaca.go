package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// AlpacaConfig holds connection settings for the Alpaca-compatible API.
type AlpacaConfig struct {
	BaseURL            string
	KeyID              string
	SecretKey          string
	TimeoutSeconds     int
	RateLimitPerMinute int
}

// Alpaca is the REST brokerage adapter. All requests share one rate
// limiter so order polling cannot starve price lookups.
type Alpaca struct {
	client  *resty.Client
	limiter *rate.Limiter
}

func NewAlpaca(cfg AlpacaConfig) (*Alpaca, error) {
	if cfg.KeyID == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("alpaca: API key and secret are required")
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 200
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second).
		SetHeader("APCA-API-KEY-ID", cfg.KeyID).
		SetHeader("APCA-API-SECRET-KEY", cfg.SecretKey)

	return &Alpaca{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 5),
	}, nil
}

func (a *Alpaca) wait(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("alpaca rate limiter: %w", err)
	}
	return nil
}

type latestTradeResp struct {
	Trade struct {
		Price float64 `json:"p"`
	} `json:"trade"`
}

func (a *Alpaca) LatestPrice(ctx context.Context, ticker string) (float64, error) {
	if err := a.wait(ctx); err != nil {
		return 0, err
	}
	var out latestTradeResp
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/v2/stocks/%s/trades/latest", ticker))
	if err != nil {
		return 0, fmt.Errorf("latest price %s: %w", ticker, err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("latest price %s: %s", ticker, resp.Status())
	}
	if out.Trade.Price <= 0 {
		return 0, fmt.Errorf("latest price %s: no trade data", ticker)
	}
	return out.Trade.Price, nil
}

func (a *Alpaca) SubmitMarketOrder(ctx context.Context, ticker, side string, qty float64) (*Order, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	var order Order
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"symbol":        ticker,
			"side":          side,
			"qty":           fmt.Sprintf("%g", qty),
			"type":          "market",
			"time_in_force": "day",
		}).
		SetResult(&order).
		Post("/v2/orders")
	if err != nil {
		return nil, fmt.Errorf("submit %s %s: %w", side, ticker, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("submit %s %s: %s: %s", side, ticker, resp.Status(), resp.String())
	}
	return &order, nil
}

func (a *Alpaca) OrderStatus(ctx context.Context, orderID string) (*Order, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	var order Order
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&order).
		Get("/v2/orders/" + orderID)
	if err != nil {
		return nil, fmt.Errorf("order status %s: %w", orderID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("order status %s: %s", orderID, resp.Status())
	}
	return &order, nil
}

func (a *Alpaca) CancelOrder(ctx context.Context, orderID string) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	resp, err := a.client.R().
		SetContext(ctx).
		Delete("/v2/orders/" + orderID)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if resp.IsError() && resp.StatusCode() != 404 {
		return fmt.Errorf("cancel order %s: %s", orderID, resp.Status())
	}
	return nil
}

func (a *Alpaca) Positions(ctx context.Context) ([]BrokeragePosition, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	var out []BrokeragePosition
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v2/positions")
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("positions: %s", resp.Status())
	}
	return out, nil
}

type accountResp struct {
	Equity float64 `json:"equity,string"`
}

func (a *Alpaca) AccountEquity(ctx context.Context) (float64, error) {
	if err := a.wait(ctx); err != nil {
		return 0, err
	}
	var out accountResp
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v2/account")
	if err != nil {
		return 0, fmt.Errorf("account equity: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("account equity: %s", resp.Status())
	}
	return out.Equity, nil
}
