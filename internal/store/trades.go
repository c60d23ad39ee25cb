package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/classtrader/trading-core/internal/model"
)

// InsertTradeDecision persists a proposal as a PENDING decision record.
func (s *Store) InsertTradeDecision(runID int64, p model.TradeProposal) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO trade_decisions
		 (pipeline_run_id, ticker, sleeve, action, confidence, position_size_pct,
		  reasoning, stop_loss_pct, take_profit_pct, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, p.Ticker, string(p.Sleeve), string(p.Action), p.Confidence,
		p.PositionSizePct, p.Reasoning, p.StopLossPct, p.TakeProfitPct,
		string(model.StatusPending), fmtTime(time.Now()),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetTradeDecision(id int64) (*model.TradeDecisionRecord, error) {
	row := s.db.QueryRow(selectTrade+` WHERE id = ?`, id)
	return scanTrade(row)
}

// ListTradeDecisionsByStatus returns decisions in a given status, newest first.
func (s *Store) ListTradeDecisionsByStatus(status model.Status) ([]model.TradeDecisionRecord, error) {
	return s.listTrades(selectTrade+` WHERE status = ? ORDER BY id DESC`, string(status))
}

// ListTradeDecisionsByRun returns all decisions owned by a pipeline run.
func (s *Store) ListTradeDecisionsByRun(runID int64) ([]model.TradeDecisionRecord, error) {
	return s.listTrades(selectTrade+` WHERE pipeline_run_id = ? ORDER BY id`, runID)
}

// TransitionTrade moves a decision to a new status, enforcing the
// forward-only lattice. The update is conditional on the record still being
// in a state that allows the transition, so two concurrent resolvers cannot
// both win: the loser gets ErrInvalidTransition.
func (s *Store) TransitionTrade(id int64, to model.Status, resolvedBy, blockedReason string, at time.Time) error {
	cur, err := s.GetTradeDecision(id)
	if err != nil {
		return err
	}
	if !model.CanTransition(cur.Status, to) {
		return fmt.Errorf("%w: %s -> %s (trade #%d)", ErrInvalidTransition, cur.Status, to, id)
	}
	res, err := s.db.Exec(
		`UPDATE trade_decisions SET status = ?, resolved_at = ?, resolved_by = ?, blocked_reason = ?
		 WHERE id = ? AND status = ?`,
		string(to), fmtTime(at), resolvedBy, blockedReason, id, string(cur.Status),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: trade #%d changed concurrently", ErrInvalidTransition, id)
	}
	return nil
}

// FlagWashSale marks a decision as wash-sale affected.
func (s *Store) FlagWashSale(id int64) error {
	_, err := s.db.Exec(`UPDATE trade_decisions SET wash_sale_flagged = 1 WHERE id = ?`, id)
	return err
}

const selectTrade = `SELECT id, pipeline_run_id, ticker, sleeve, action, confidence,
	position_size_pct, reasoning, stop_loss_pct, take_profit_pct, status,
	resolved_at, resolved_by, blocked_reason, wash_sale_flagged, created_at
	FROM trade_decisions`

func (s *Store) listTrades(query string, args ...any) ([]model.TradeDecisionRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TradeDecisionRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanTrade(row rowScanner) (*model.TradeDecisionRecord, error) {
	var rec model.TradeDecisionRecord
	var runID sql.NullInt64
	var sleeve, action, status, createdAt string
	var stopLoss, takeProfit sql.NullFloat64
	var resolvedAt, resolvedBy, blockedReason sql.NullString
	var washFlag int
	err := row.Scan(&rec.ID, &runID, &rec.Proposal.Ticker, &sleeve, &action,
		&rec.Proposal.Confidence, &rec.Proposal.PositionSizePct, &rec.Proposal.Reasoning,
		&stopLoss, &takeProfit, &status, &resolvedAt, &resolvedBy, &blockedReason,
		&washFlag, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.PipelineRunID = runID.Int64
	rec.Proposal.Sleeve = model.Sleeve(sleeve)
	rec.Proposal.Action = model.Action(action)
	if stopLoss.Valid {
		v := stopLoss.Float64
		rec.Proposal.StopLossPct = &v
	}
	if takeProfit.Valid {
		v := takeProfit.Float64
		rec.Proposal.TakeProfitPct = &v
	}
	rec.Status = model.Status(status)
	rec.ResolvedAt = parseTimePtr(resolvedAt)
	rec.ResolvedBy = resolvedBy.String
	rec.BlockedReason = blockedReason.String
	rec.WashSaleFlagged = washFlag != 0
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}
