package agents

import (
	"encoding/json"
	"fmt"

	"github.com/classtrader/trading-core/internal/model"
)

// The decode helpers are the schema boundary: raw stage output either
// becomes a validated verdict or an ErrBadSchema the orchestrator retries.

func DecodeRegime(raw json.RawMessage) (*model.RegimeAssessment, error) {
	var v model.RegimeAssessment
	if err := decode(raw, &v, func() error { return v.Validate() }); err != nil {
		return nil, err
	}
	return &v, nil
}

func DecodeAnalyses(raw json.RawMessage) ([]model.TickerAnalysis, error) {
	var list []model.TickerAnalysis
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSchema, err)
	}
	for _, a := range list {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSchema, err)
		}
	}
	return list, nil
}

func DecodeVerdicts(raw json.RawMessage) ([]model.ResearcherVerdict, error) {
	var list []model.ResearcherVerdict
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSchema, err)
	}
	for _, v := range list {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSchema, err)
		}
	}
	return list, nil
}

func DecodeDecision(raw json.RawMessage) (*model.PortfolioDecision, error) {
	var v model.PortfolioDecision
	if err := decode(raw, &v, func() error { return v.Validate() }); err != nil {
		return nil, err
	}
	return &v, nil
}

func DecodeHighRisk(raw json.RawMessage) (*model.HighRiskDecision, error) {
	var v model.HighRiskDecision
	if err := decode(raw, &v, func() error { return v.Validate() }); err != nil {
		return nil, err
	}
	return &v, nil
}

func decode(raw json.RawMessage, dst any, validate func() error) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSchema, err)
	}
	if err := validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSchema, err)
	}
	return nil
}
