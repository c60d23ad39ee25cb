package pipeline

import (
	"sync"

	"github.com/classtrader/trading-core/internal/model"
)

// Orchestration tracks. Every main-sleeve run type (morning, noon, news,
// manual) shares one track; the penny pass is the only independent one.
const (
	TrackMain     = "main"
	TrackHighRisk = "high_risk"
)

// Track maps a run type onto its orchestration track.
func Track(runType string) string {
	if runType == model.RunHighRisk {
		return TrackHighRisk
	}
	return TrackMain
}

// Gate enforces at most one active run per track. The scheduler and the
// HTTP trigger share the orchestrator's gate, so a cron tick and a manual
// trigger of the same track cannot overlap.
type Gate struct {
	mu       sync.Mutex
	inFlight map[string]bool
}

func NewGate() *Gate {
	return &Gate{inFlight: make(map[string]bool)}
}

// TryAcquire claims the track, reporting false if a run already holds it.
func (g *Gate) TryAcquire(track string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight[track] {
		return false
	}
	g.inFlight[track] = true
	return true
}

func (g *Gate) Release(track string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, track)
}
