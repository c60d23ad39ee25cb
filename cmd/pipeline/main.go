package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/classtrader/trading-core/internal/adapters"
	"github.com/classtrader/trading-core/internal/agents"
	"github.com/classtrader/trading-core/internal/approval"
	"github.com/classtrader/trading-core/internal/config"
	"github.com/classtrader/trading-core/internal/execution"
	"github.com/classtrader/trading-core/internal/model"
	"github.com/classtrader/trading-core/internal/outbox"
	"github.com/classtrader/trading-core/internal/pipeline"
	"github.com/classtrader/trading-core/internal/portfolio"
	"github.com/classtrader/trading-core/internal/risk"
	"github.com/classtrader/trading-core/internal/store"
	"github.com/classtrader/trading-core/internal/washsale"
)

// One-shot pipeline pass for cron-less environments and manual testing.
// Proposals go through the same risk and approval path as the daemon; with
// auto-approve off everything lands in the pending queue for later review.
func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to config file")
		runType    = flag.String("run-type", model.RunManual, "MORNING, NOON, MANUAL, or HIGH_RISK")
		timeout    = flag.Duration("timeout", 15*time.Minute, "overall run deadline")
	)
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = config.Default()
		} else {
			log.Fatalf("load config: %v", err)
		}
	}

	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer s.Close()

	broker, err := adapters.NewAlpaca(adapters.AlpacaConfig{
		BaseURL:            cfg.Broker.BaseURL,
		KeyID:              os.Getenv("ALPACA_KEY_ID"),
		SecretKey:          os.Getenv("ALPACA_SECRET_KEY"),
		TimeoutSeconds:     cfg.Broker.TimeoutSeconds,
		RateLimitPerMinute: cfg.Broker.RateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("brokerage adapter: %v", err)
	}

	invoker, err := agents.NewAnthropic(cfg.Agents, os.Getenv("ANTHROPIC_API_KEY"))
	if err != nil {
		log.Fatalf("agent client: %v", err)
	}

	box, err := outbox.New(cfg.OutboxPath)
	if err != nil {
		log.Fatalf("open outbox: %v", err)
	}

	wash := washsale.New(s, cfg.Risk.YearEndBlockMonth)
	rm := risk.NewManager(s, wash, cfg)
	equity := portfolio.NewSplitter(broker, cfg)
	engine := execution.NewEngine(s, broker, wash, rm, equity, box, cfg)
	toggle := approval.NewToggle(cfg.AutoApproveDefault)
	queue := approval.NewQueue(s, rm, engine, equity, toggle)
	builder := pipeline.NewBrokerContextBuilder(broker, s)
	orch := pipeline.New(s, builder, invoker, queue, equity, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var res *pipeline.RunResult
	if *runType == model.RunHighRisk {
		res, err = orch.RunHighRisk(ctx)
	} else {
		res, err = orch.Run(ctx, *runType)
	}
	if err != nil {
		log.Fatalf("pipeline run: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		log.Fatalf("encode result: %v", err)
	}
}
