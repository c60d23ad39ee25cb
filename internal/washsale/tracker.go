package washsale

import (
	"errors"
	"fmt"
	"time"

	"github.com/classtrader/trading-core/internal/model"
	"github.com/classtrader/trading-core/internal/observ"
	"github.com/classtrader/trading-core/internal/store"
)

// BlackoutDays is the repurchase window after a loss sale.
const BlackoutDays = 30

// Tracker records loss sales and answers repurchase queries. It never
// deletes history; expiry is a property of the query date, not the row.
type Tracker struct {
	store        *store.Store
	yearEndMonth time.Month
}

func New(s *store.Store, yearEndMonth int) *Tracker {
	return &Tracker{store: s, yearEndMonth: time.Month(yearEndMonth)}
}

// Record persists a wash-sale record for a sell that realized a loss.
// lossAmount is positive. Returns the stored record.
func (t *Tracker) Record(ticker string, saleDate time.Time, lossAmount, qtySold, salePrice, costBasisPerShare float64) (*model.WashSaleRecord, error) {
	if lossAmount <= 0 {
		return nil, fmt.Errorf("wash sale for %s: loss amount %.2f is not a loss", ticker, lossAmount)
	}
	rec := model.WashSaleRecord{
		Ticker:            ticker,
		SaleDate:          saleDate,
		LossAmount:        lossAmount,
		QtySold:           qtySold,
		SalePrice:         salePrice,
		CostBasisPerShare: costBasisPerShare,
		BlackoutUntil:     saleDate.AddDate(0, 0, BlackoutDays),
		YearEndBlocked:    saleDate.Month() == t.yearEndMonth,
	}
	id, err := t.store.InsertWashSale(rec)
	if err != nil {
		return nil, fmt.Errorf("record wash sale for %s: %w", ticker, err)
	}
	rec.ID = id
	observ.Log("wash_sale_recorded", map[string]any{
		"ticker":           ticker,
		"loss_amount":      lossAmount,
		"blackout_until":   rec.BlackoutUntil.Format("2006-01-02"),
		"year_end_blocked": rec.YearEndBlocked,
	})
	return &rec, nil
}

// GetActive returns the ticker's unexpired, un-rebought record as of the
// given day, or nil if the ticker is clear.
func (t *Tracker) GetActive(ticker string, asOf time.Time) (*model.WashSaleRecord, error) {
	rec, err := t.store.ActiveWashSale(ticker, asOf)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// IsBlocked reports whether a buy of the ticker must be refused outright.
// Only year-end loss sales block; an ordinary in-window rebuy is allowed
// and handled by basis adjustment at fill time.
func (t *Tracker) IsBlocked(ticker string, asOf time.Time) (bool, error) {
	return t.store.HasYearEndBlock(ticker, asOf)
}

// MarkRebought stamps a record as repurchased inside its window. The
// caller folds the disallowed loss into the new position's basis.
func (t *Tracker) MarkRebought(rec *model.WashSaleRecord, at time.Time) error {
	if err := t.store.MarkWashSaleRebought(rec.ID, at); err != nil {
		return fmt.Errorf("mark wash sale #%d rebought: %w", rec.ID, err)
	}
	observ.Log("wash_sale_rebought", map[string]any{
		"ticker":      rec.Ticker,
		"loss_amount": rec.LossAmount,
	})
	return nil
}

// Housekeeping logs records whose blackout lapsed inside the window. It is
// a reporting pass only.
func (t *Tracker) Housekeeping(from, to time.Time) error {
	expired, err := t.store.ListWashSalesExpiredBetween(from, to)
	if err != nil {
		return err
	}
	for _, w := range expired {
		observ.Log("wash_sale_expired", map[string]any{
			"ticker":         w.Ticker,
			"sale_date":      w.SaleDate.Format("2006-01-02"),
			"blackout_until": w.BlackoutUntil.Format("2006-01-02"),
		})
	}
	return nil
}
