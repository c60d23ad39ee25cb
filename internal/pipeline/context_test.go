package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/classtrader/trading-core/internal/adapters"
	"github.com/classtrader/trading-core/internal/model"
	"github.com/classtrader/trading-core/internal/store"
)

func TestBrokerContextBuilder(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	broker := adapters.NewMock(10_000)
	broker.SetPrice("AAPL", 180)
	broker.SetHolding("AAPL", 4)

	// An unexpired wash sale lands on the blacklist.
	_, err = s.InsertWashSale(model.WashSaleRecord{
		Ticker: "XYZ", SaleDate: time.Now().Add(-5 * 24 * time.Hour),
		LossAmount: 40, QtySold: 10, SalePrice: 4, CostBasisPerShare: 8,
		BlackoutUntil: time.Now().Add(25 * 24 * time.Hour),
	})
	require.NoError(t, err)

	cb := NewBrokerContextBuilder(broker, s)
	mc, err := cb.Build(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)

	require.Equal(t, 10_000.0, mc.Account.Equity)
	require.Equal(t, 4.0, mc.Account.Positions["AAPL"])
	require.Equal(t, []string{"XYZ"}, mc.Account.WashBlacklist)

	require.Equal(t, 180.0, mc.Tickers["AAPL"].Price)
	// Unknown quote does not fail the build, the snapshot just has no price.
	require.Contains(t, mc.Tickers, "MSFT")
	require.Zero(t, mc.Tickers["MSFT"].Price)
}
