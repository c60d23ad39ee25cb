package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/classtrader/trading-core/internal/config"
	"github.com/classtrader/trading-core/internal/model"
	"github.com/classtrader/trading-core/internal/observ"
	"github.com/classtrader/trading-core/internal/pipeline"
)

// Runner triggers pipeline passes. Satisfied by pipeline.Orchestrator.
type Runner interface {
	Run(ctx context.Context, runType string) (*pipeline.RunResult, error)
	RunHighRisk(ctx context.Context) (*pipeline.RunResult, error)
}

const runTimeout = 15 * time.Minute

// Scheduler fires the market-hours pipeline tracks on cron expressions in
// the configured exchange timezone. A track never overlaps itself: the
// morning, noon, and manual run types all contend for the main track, and
// the gate is shared with the HTTP trigger so a cron tick cannot race a
// manual run either.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	cfg    config.Schedule
	gate   *pipeline.Gate
}

func New(cfg config.Schedule, runner Runner, gate *pipeline.Gate) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule timezone %q: %w", cfg.Timezone, err)
	}
	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		runner: runner,
		cfg:    cfg,
		gate:   gate,
	}
	if err := s.register(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) register() error {
	if _, err := s.cron.AddFunc(s.cfg.Morning, func() { s.fire(model.RunMorning) }); err != nil {
		return fmt.Errorf("register morning track: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.Noon, func() { s.fire(model.RunNoon) }); err != nil {
		return fmt.Errorf("register noon track: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.HighRisk, func() { s.fire(model.RunHighRisk) }); err != nil {
		return fmt.Errorf("register high-risk track: %w", err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	observ.Log("scheduler_started", map[string]any{
		"timezone":  s.cfg.Timezone,
		"morning":   s.cfg.Morning,
		"noon":      s.cfg.Noon,
		"high_risk": s.cfg.HighRisk,
	})
}

// Stop halts the cron loop and waits for in-progress runs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	observ.Log("scheduler_stopped", nil)
}

// fire runs one track tick. Exported indirectly through the cron entries;
// tests call it directly.
func (s *Scheduler) fire(runType string) {
	track := pipeline.Track(runType)
	if !s.gate.TryAcquire(track) {
		observ.IncCounter("scheduler_overlap_skips_total", map[string]string{"track": track})
		observ.Log("scheduled_run_skipped", map[string]any{
			"run_type": runType,
			"track":    track,
			"reason":   "track already in flight",
		})
		return
	}
	defer s.gate.Release(track)

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var err error
	if runType == model.RunHighRisk {
		_, err = s.runner.RunHighRisk(ctx)
	} else {
		_, err = s.runner.Run(ctx, runType)
	}
	if err != nil {
		observ.Log("scheduled_run_failed", map[string]any{
			"run_type": runType,
			"err":      err.Error(),
		})
	}
}
