package store

import (
	"database/sql"
	"time"

	"github.com/classtrader/trading-core/internal/model"
)

// GetOpenPosition returns the open position for (ticker, sleeve), if any.
func (s *Store) GetOpenPosition(ticker string, sleeve model.Sleeve) (*model.Position, error) {
	row := s.db.QueryRow(selectPosition+` WHERE ticker = ? AND sleeve = ? AND is_open = 1`,
		ticker, string(sleeve))
	return scanPosition(row)
}

// ListOpenPositions returns all open positions for a sleeve.
func (s *Store) ListOpenPositions(sleeve model.Sleeve) ([]model.Position, error) {
	rows, err := s.db.Query(selectPosition+` WHERE sleeve = ? AND is_open = 1 ORDER BY ticker`,
		string(sleeve))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CountOpenPositions counts open positions in a sleeve (capacity gate input).
func (s *Store) CountOpenPositions(sleeve model.Sleeve) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM positions WHERE sleeve = ? AND is_open = 1`,
		string(sleeve)).Scan(&n)
	return n, err
}

// EverHeld reports whether the ticker has any position history in the
// sleeve, open or closed. A first-time ticker forces manual approval.
func (s *Store) EverHeld(ticker string, sleeve model.Sleeve) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM positions WHERE ticker = ? AND sleeve = ?`,
		ticker, string(sleeve)).Scan(&n)
	return n > 0, err
}

// InsertPosition opens a new position lot.
func (s *Store) InsertPosition(p model.Position) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO positions
		 (ticker, sleeve, entry_price, entry_date, current_qty, cost_basis, adjusted_cost_basis, is_open)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		p.Ticker, string(p.Sleeve), p.EntryPrice, fmtDate(p.EntryDate),
		p.CurrentQty, p.CostBasis, p.AdjustedCostBasis,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdatePosition rewrites a position's mutable fields after a fill.
func (s *Store) UpdatePosition(p model.Position) error {
	var closedAt any
	if p.ClosedAt != nil {
		closedAt = fmtTime(*p.ClosedAt)
	}
	_, err := s.db.Exec(
		`UPDATE positions SET entry_price = ?, current_qty = ?, cost_basis = ?,
		   adjusted_cost_basis = ?, is_open = ?, closed_at = ?, realized_pnl = ?
		 WHERE id = ?`,
		p.EntryPrice, p.CurrentQty, p.CostBasis, p.AdjustedCostBasis,
		boolToInt(p.IsOpen), closedAt, p.RealizedPnL, p.ID,
	)
	return err
}

// RealizedPnLOn sums realized P&L from positions closed on the given day
// for a sleeve. Negative means the sleeve lost money that day.
func (s *Store) RealizedPnLOn(sleeve model.Sleeve, day time.Time) (float64, error) {
	var pnl float64
	err := s.db.QueryRow(
		`SELECT COALESCE(SUM(realized_pnl), 0) FROM positions
		 WHERE sleeve = ? AND is_open = 0 AND realized_pnl IS NOT NULL
		   AND substr(closed_at, 1, 10) = ?`,
		string(sleeve), fmtDate(day)).Scan(&pnl)
	return pnl, err
}

// ConsecutiveLosses counts losing closed positions at the tail of the
// sleeve's close history. The scan is bounded; a streak long enough to trip
// a breaker is far shorter than the window.
func (s *Store) ConsecutiveLosses(sleeve model.Sleeve) (int, error) {
	rows, err := s.db.Query(
		`SELECT realized_pnl FROM positions
		 WHERE sleeve = ? AND is_open = 0 AND realized_pnl IS NOT NULL
		 ORDER BY closed_at DESC LIMIT 10`,
		string(sleeve))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	streak := 0
	for rows.Next() {
		var pnl float64
		if err := rows.Scan(&pnl); err != nil {
			return 0, err
		}
		if pnl >= 0 {
			break
		}
		streak++
	}
	return streak, rows.Err()
}

const selectPosition = `SELECT id, ticker, sleeve, entry_price, entry_date, current_qty,
	cost_basis, adjusted_cost_basis, is_open, closed_at, realized_pnl
	FROM positions`

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var sleeve, entryDate string
	var adjBasis, realized sql.NullFloat64
	var isOpen int
	var closedAt sql.NullString
	err := row.Scan(&p.ID, &p.Ticker, &sleeve, &p.EntryPrice, &entryDate,
		&p.CurrentQty, &p.CostBasis, &adjBasis, &isOpen, &closedAt, &realized)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Sleeve = model.Sleeve(sleeve)
	p.EntryDate = parseDate(entryDate)
	if adjBasis.Valid {
		v := adjBasis.Float64
		p.AdjustedCostBasis = &v
	}
	p.IsOpen = isOpen != 0
	p.ClosedAt = parseTimePtr(closedAt)
	if realized.Valid {
		v := realized.Float64
		p.RealizedPnL = &v
	}
	return &p, nil
}
