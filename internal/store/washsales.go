package store

import (
	"database/sql"
	"time"

	"github.com/classtrader/trading-core/internal/model"
)

// InsertWashSale records a loss-generating sell.
func (s *Store) InsertWashSale(w model.WashSaleRecord) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO wash_sales
		 (ticker, sale_date, loss_amount, qty_sold, sale_price, cost_basis_per_share,
		  blackout_until, year_end_blocked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.Ticker, fmtDate(w.SaleDate), w.LossAmount, w.QtySold, w.SalePrice,
		w.CostBasisPerShare, fmtDate(w.BlackoutUntil), boolToInt(w.YearEndBlocked),
		fmtTime(time.Now()),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ActiveWashSale returns the most recent unexpired, un-rebought record for
// a ticker as of the given day, or ErrNotFound. Expiry is computed here at
// query time; nothing is ever deleted.
func (s *Store) ActiveWashSale(ticker string, asOf time.Time) (*model.WashSaleRecord, error) {
	row := s.db.QueryRow(selectWashSale+
		` WHERE ticker = ? AND blackout_until >= ? AND rebought = 0
		  ORDER BY sale_date DESC LIMIT 1`,
		ticker, fmtDate(asOf))
	return scanWashSale(row)
}

// HasYearEndBlock reports whether the ticker carries an unexpired record
// whose loss-sale occurred in the year-end month.
func (s *Store) HasYearEndBlock(ticker string, asOf time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM wash_sales
		 WHERE ticker = ? AND year_end_blocked = 1 AND blackout_until >= ? AND rebought = 0`,
		ticker, fmtDate(asOf)).Scan(&n)
	return n > 0, err
}

// MarkWashSaleRebought stamps the rebought flag on a record.
func (s *Store) MarkWashSaleRebought(id int64, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE wash_sales SET rebought = 1, rebought_at = ? WHERE id = ?`,
		fmtTime(at), id)
	return err
}

// ListUnexpiredWashSales returns all records whose blackout has not lapsed,
// for reporting and housekeeping.
func (s *Store) ListUnexpiredWashSales(asOf time.Time) ([]model.WashSaleRecord, error) {
	rows, err := s.db.Query(selectWashSale+
		` WHERE blackout_until >= ? ORDER BY blackout_until`, fmtDate(asOf))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WashSaleRecord
	for rows.Next() {
		w, err := scanWashSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// ListWashSalesExpiredBetween returns records whose blackout lapsed inside
// the window. The housekeeping pass logs these, it does not delete them.
func (s *Store) ListWashSalesExpiredBetween(from, to time.Time) ([]model.WashSaleRecord, error) {
	rows, err := s.db.Query(selectWashSale+
		` WHERE blackout_until >= ? AND blackout_until < ? ORDER BY blackout_until`,
		fmtDate(from), fmtDate(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WashSaleRecord
	for rows.Next() {
		w, err := scanWashSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

const selectWashSale = `SELECT id, ticker, sale_date, loss_amount, qty_sold, sale_price,
	cost_basis_per_share, blackout_until, year_end_blocked, rebought, rebought_at, created_at
	FROM wash_sales`

func scanWashSale(row rowScanner) (*model.WashSaleRecord, error) {
	var w model.WashSaleRecord
	var saleDate, blackoutUntil, createdAt string
	var yearEnd, rebought int
	var reboughtAt sql.NullString
	err := row.Scan(&w.ID, &w.Ticker, &saleDate, &w.LossAmount, &w.QtySold,
		&w.SalePrice, &w.CostBasisPerShare, &blackoutUntil, &yearEnd, &rebought,
		&reboughtAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.SaleDate = parseDate(saleDate)
	w.BlackoutUntil = parseDate(blackoutUntil)
	w.YearEndBlocked = yearEnd != 0
	w.Rebought = rebought != 0
	w.ReboughtAt = parseTimePtr(reboughtAt)
	w.CreatedAt = parseTime(createdAt)
	return &w, nil
}
