package store

import (
	"database/sql"
	"time"

	"github.com/classtrader/trading-core/internal/model"
)

// CreatePipelineRun inserts a new run in RUNNING state and returns its ID.
func (s *Store) CreatePipelineRun(runType string, startedAt time.Time) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO pipeline_runs (run_type, started_at, status) VALUES (?, ?, ?)`,
		runType, fmtTime(startedAt), model.RunStatusRunning,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CompletePipelineRun marks a run COMPLETED and records the regime outcome.
func (s *Store) CompletePipelineRun(id int64, regime string, regimeConfidence float64, completedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE pipeline_runs SET status = ?, completed_at = ?, regime = ?, regime_confidence = ? WHERE id = ?`,
		model.RunStatusCompleted, fmtTime(completedAt), regime, regimeConfidence, id,
	)
	return err
}

// FailPipelineRun marks a run FAILED with a truncated error message.
func (s *Store) FailPipelineRun(id int64, errMsg string, completedAt time.Time) error {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	_, err := s.db.Exec(
		`UPDATE pipeline_runs SET status = ?, completed_at = ?, error_message = ? WHERE id = ?`,
		model.RunStatusFailed, fmtTime(completedAt), errMsg, id,
	)
	return err
}

func (s *Store) GetPipelineRun(id int64) (*model.PipelineRun, error) {
	row := s.db.QueryRow(
		`SELECT id, run_type, started_at, completed_at, regime, regime_confidence, status, error_message
		 FROM pipeline_runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListPipelineRuns returns the most recent runs, newest first.
func (s *Store) ListPipelineRuns(limit int) ([]model.PipelineRun, error) {
	rows, err := s.db.Query(
		`SELECT id, run_type, started_at, completed_at, regime, regime_confidence, status, error_message
		 FROM pipeline_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// LogAgentInteraction appends one stage call to the run's audit log.
func (s *Store) LogAgentInteraction(ai model.AgentInteraction) error {
	_, err := s.db.Exec(
		`INSERT INTO agent_interactions
		 (pipeline_run_id, stage, prompt, response, parsed_output, tokens_used, latency_ms, retry_count, success, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ai.PipelineRunID, ai.Stage, ai.Prompt, ai.Response, ai.ParsedOutput,
		ai.TokensUsed, ai.LatencyMs, ai.RetryCount, boolToInt(ai.Success), fmtTime(time.Now()),
	)
	return err
}

// ListAgentInteractions returns a run's audit log in call order.
func (s *Store) ListAgentInteractions(runID int64) ([]model.AgentInteraction, error) {
	rows, err := s.db.Query(
		`SELECT id, pipeline_run_id, stage, prompt, response, parsed_output, tokens_used, latency_ms, retry_count, success, created_at
		 FROM agent_interactions WHERE pipeline_run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AgentInteraction
	for rows.Next() {
		var ai model.AgentInteraction
		var parsed sql.NullString
		var success int
		var createdAt string
		if err := rows.Scan(&ai.ID, &ai.PipelineRunID, &ai.Stage, &ai.Prompt, &ai.Response,
			&parsed, &ai.TokensUsed, &ai.LatencyMs, &ai.RetryCount, &success, &createdAt); err != nil {
			return nil, err
		}
		ai.ParsedOutput = parsed.String
		ai.Success = success == 1
		ai.CreatedAt = parseTime(createdAt)
		out = append(out, ai)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var startedAt string
	var completedAt, regime, errMsg sql.NullString
	var regimeConf sql.NullFloat64
	err := row.Scan(&r.ID, &r.RunType, &startedAt, &completedAt, &regime, &regimeConf, &r.Status, &errMsg)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.StartedAt = parseTime(startedAt)
	r.CompletedAt = parseTimePtr(completedAt)
	r.Regime = regime.String
	r.RegimeConfidence = regimeConf.Float64
	r.ErrorMessage = errMsg.String
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
