package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/classtrader/trading-core/internal/config"
	"github.com/classtrader/trading-core/internal/model"
	"github.com/classtrader/trading-core/internal/pipeline"
)

type stubRunner struct {
	mu    sync.Mutex
	runs  []string
	block chan struct{}
}

func (r *stubRunner) Run(ctx context.Context, runType string) (*pipeline.RunResult, error) {
	r.mu.Lock()
	r.runs = append(r.runs, runType)
	r.mu.Unlock()
	if r.block != nil {
		<-r.block
	}
	return &pipeline.RunResult{RunType: runType}, nil
}

func (r *stubRunner) RunHighRisk(ctx context.Context) (*pipeline.RunResult, error) {
	return r.Run(ctx, model.RunHighRisk)
}

func (r *stubRunner) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

func newScheduler(t *testing.T, runner Runner) *Scheduler {
	t.Helper()
	s, err := New(config.Default().Schedule, runner, pipeline.NewGate())
	require.NoError(t, err)
	return s
}

func TestNewRejectsBadTimezone(t *testing.T) {
	cfg := config.Default().Schedule
	cfg.Timezone = "Mars/Olympus_Mons"
	_, err := New(cfg, &stubRunner{}, pipeline.NewGate())
	require.Error(t, err)
}

func TestNewRejectsBadCronExpression(t *testing.T) {
	cfg := config.Default().Schedule
	cfg.Morning = "not a cron line"
	_, err := New(cfg, &stubRunner{}, pipeline.NewGate())
	require.Error(t, err)
	require.Contains(t, err.Error(), "morning")
}

func TestFireDispatchesByTrack(t *testing.T) {
	runner := &stubRunner{}
	s := newScheduler(t, runner)

	s.fire(model.RunMorning)
	s.fire(model.RunNoon)
	s.fire(model.RunHighRisk)

	require.Equal(t, []string{model.RunMorning, model.RunNoon, model.RunHighRisk}, runner.seen())
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	runner := &stubRunner{block: make(chan struct{})}
	s := newScheduler(t, runner)

	done := make(chan struct{})
	go func() {
		s.fire(model.RunMorning)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(runner.seen()) == 1 },
		time.Second, 10*time.Millisecond)

	// Second morning tick while the first is still running: skipped.
	s.fire(model.RunMorning)
	require.Len(t, runner.seen(), 1)

	// Noon shares the main track with morning, so it is skipped too.
	s.fire(model.RunNoon)
	require.Len(t, runner.seen(), 1)

	// High-risk is its own track and is not blocked.
	hr := &sync.WaitGroup{}
	hr.Add(1)
	go func() {
		defer hr.Done()
		s.fire(model.RunHighRisk)
	}()
	require.Eventually(t, func() bool { return len(runner.seen()) == 2 },
		time.Second, 10*time.Millisecond)

	close(runner.block)
	<-done
	hr.Wait()

	// After completion the track can fire again.
	s.fire(model.RunNoon)
	require.Len(t, runner.seen(), 3)
}

func TestSchedulerSharesGateWithOtherTriggers(t *testing.T) {
	runner := &stubRunner{}
	gate := pipeline.NewGate()
	s, err := New(config.Default().Schedule, runner, gate)
	require.NoError(t, err)

	// Another trigger layer holds the main track, e.g. a manual HTTP run.
	require.True(t, gate.TryAcquire(pipeline.TrackMain))
	s.fire(model.RunMorning)
	require.Empty(t, runner.seen())

	gate.Release(pipeline.TrackMain)
	s.fire(model.RunMorning)
	require.Equal(t, []string{model.RunMorning}, runner.seen())
}
