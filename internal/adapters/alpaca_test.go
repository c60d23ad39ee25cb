package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestAlpaca(t *testing.T, handler http.HandlerFunc) *Alpaca {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	a, err := NewAlpaca(AlpacaConfig{
		BaseURL: srv.URL, KeyID: "key", SecretKey: "secret",
	})
	require.NoError(t, err)
	return a
}

func TestAlpacaRequiresCredentials(t *testing.T) {
	_, err := NewAlpaca(AlpacaConfig{BaseURL: "http://localhost"})
	require.Error(t, err)
}

func TestLatestPrice(t *testing.T) {
	a := newTestAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/stocks/AAPL/trades/latest", r.URL.Path)
		require.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"trade": map[string]any{"p": 187.42},
		})
	})

	p, err := a.LatestPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	require.InDelta(t, 187.42, p, 1e-9)
}

func TestSubmitAndPollOrder(t *testing.T) {
	polls := 0
	a := newTestAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/orders":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "market", body["type"])
			json.NewEncoder(w).Encode(map[string]any{
				"id": "ord-1", "symbol": body["symbol"], "side": body["side"],
				"qty": body["qty"], "status": "accepted",
			})
		case r.Method == http.MethodGet && r.URL.Path == "/v2/orders/ord-1":
			polls++
			status := "accepted"
			filled := "0"
			if polls > 1 {
				status = "filled"
				filled = "3"
			}
			json.NewEncoder(w).Encode(map[string]any{
				"id": "ord-1", "symbol": "AAPL", "side": "buy", "qty": "3",
				"status": status, "filled_qty": filled, "filled_avg_price": "100.10",
			})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})
	ctx := context.Background()

	o, err := a.SubmitMarketOrder(ctx, "AAPL", SideBuy, 3)
	require.NoError(t, err)
	require.Equal(t, "ord-1", o.ID)
	require.False(t, o.Terminal())

	o, err = a.OrderStatus(ctx, o.ID)
	require.NoError(t, err)
	require.False(t, o.Filled())

	o, err = a.OrderStatus(ctx, o.ID)
	require.NoError(t, err)
	require.True(t, o.Filled())
	require.InDelta(t, 100.10, o.FilledAvgPrice, 1e-9)
	require.InDelta(t, 3, o.FilledQty, 1e-9)
}

func TestAccountAndPositions(t *testing.T) {
	a := newTestAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v2/account":
			json.NewEncoder(w).Encode(map[string]any{"equity": "2500.75"})
		case "/v2/positions":
			json.NewEncoder(w).Encode([]map[string]any{
				{"symbol": "AAPL", "qty": "4"},
				{"symbol": "PNY", "qty": "120"},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})
	ctx := context.Background()

	eq, err := a.AccountEquity(ctx)
	require.NoError(t, err)
	require.InDelta(t, 2500.75, eq, 1e-9)

	pos, err := a.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 2)
	require.Equal(t, "AAPL", pos[0].Ticker)
	require.InDelta(t, 4, pos[0].Qty, 1e-9)
}

func TestSubmitErrorSurfacesBody(t *testing.T) {
	a := newTestAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"insufficient buying power"}`))
	})

	_, err := a.SubmitMarketOrder(context.Background(), "AAPL", SideBuy, 3)
	require.Error(t, err)
	require.Contains(t, err.Error(), "insufficient buying power")
}
