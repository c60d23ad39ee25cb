package store

import (
	"database/sql"
	"time"

	"github.com/classtrader/trading-core/internal/model"
)

// InsertExecution writes the execution shell for a decision as soon as the
// order is submitted, so a record exists even if fill polling later fails.
// The UNIQUE constraint on trade_decision_id enforces at most one execution
// per decision.
func (s *Store) InsertExecution(e model.Execution) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO executions
		 (trade_decision_id, order_id, side, qty, intended_price, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TradeDecisionID, e.OrderID, e.Side, e.Qty, e.IntendedPrice, e.Status, fmtTime(time.Now()),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecordFill updates an execution with its fill outcome.
func (s *Store) RecordFill(id int64, filledPrice, filledQty, slippage float64, executedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE executions SET filled_price = ?, qty = ?, slippage = ?, status = ?, executed_at = ?
		 WHERE id = ?`,
		filledPrice, filledQty, slippage, model.OrderFilled, fmtTime(executedAt), id,
	)
	return err
}

// UpdateExecutionStatus records a terminal non-fill outcome (cancelled, failed).
func (s *Store) UpdateExecutionStatus(id int64, status string) error {
	_, err := s.db.Exec(`UPDATE executions SET status = ? WHERE id = ?`, status, id)
	return err
}

// GetExecutionByDecision returns the execution for a decision, if any.
func (s *Store) GetExecutionByDecision(decisionID int64) (*model.Execution, error) {
	row := s.db.QueryRow(
		`SELECT id, trade_decision_id, order_id, side, qty, filled_price, intended_price,
		        slippage, status, executed_at, created_at
		 FROM executions WHERE trade_decision_id = ?`, decisionID)

	var e model.Execution
	var orderID, executedAt sql.NullString
	var filledPrice, intendedPrice, slippage sql.NullFloat64
	var createdAt string
	err := row.Scan(&e.ID, &e.TradeDecisionID, &orderID, &e.Side, &e.Qty,
		&filledPrice, &intendedPrice, &slippage, &e.Status, &executedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.OrderID = orderID.String
	e.FilledPrice = filledPrice.Float64
	e.IntendedPrice = intendedPrice.Float64
	e.Slippage = slippage.Float64
	e.ExecutedAt = parseTimePtr(executedAt)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}
