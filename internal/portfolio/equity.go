package portfolio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/classtrader/trading-core/internal/adapters"
	"github.com/classtrader/trading-core/internal/config"
	"github.com/classtrader/trading-core/internal/model"
)

// Splitter divides the external account's equity across the sleeves by the
// configured allocation percentages. The brokerage is the source of truth;
// a short-lived cache keeps risk checks from hammering the account endpoint
// during a batch intake.
type Splitter struct {
	broker adapters.Brokerage
	cfg    config.Root

	mu        sync.Mutex
	equity    float64
	fetchedAt time.Time
	ttl       time.Duration
	now       func() time.Time
}

func NewSplitter(b adapters.Brokerage, cfg config.Root) *Splitter {
	return &Splitter{broker: b, cfg: cfg, ttl: 10 * time.Second, now: time.Now}
}

// SleeveEquity returns the current dollar value of one sleeve.
func (sp *Splitter) SleeveEquity(ctx context.Context, s model.Sleeve) (float64, error) {
	total, err := sp.accountEquity(ctx)
	if err != nil {
		return 0, err
	}
	alloc := sp.cfg.Main.Allocation
	if s == model.SleevePenny {
		alloc = sp.cfg.Penny.Allocation
	}
	return total * alloc / 100.0, nil
}

func (sp *Splitter) accountEquity(ctx context.Context) (float64, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.equity > 0 && sp.now().Sub(sp.fetchedAt) < sp.ttl {
		return sp.equity, nil
	}
	eq, err := sp.broker.AccountEquity(ctx)
	if err != nil {
		return 0, fmt.Errorf("account equity: %w", err)
	}
	sp.equity = eq
	sp.fetchedAt = sp.now()
	return eq, nil
}

// Invalidate drops the cached equity, forcing a refetch on next read.
// Called after fills, which change the account.
func (sp *Splitter) Invalidate() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.fetchedAt = time.Time{}
}
