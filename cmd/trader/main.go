package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/classtrader/trading-core/internal/adapters"
	"github.com/classtrader/trading-core/internal/agents"
	"github.com/classtrader/trading-core/internal/alerts"
	"github.com/classtrader/trading-core/internal/api"
	"github.com/classtrader/trading-core/internal/approval"
	"github.com/classtrader/trading-core/internal/config"
	"github.com/classtrader/trading-core/internal/execution"
	"github.com/classtrader/trading-core/internal/model"
	"github.com/classtrader/trading-core/internal/observ"
	"github.com/classtrader/trading-core/internal/outbox"
	"github.com/classtrader/trading-core/internal/pipeline"
	"github.com/classtrader/trading-core/internal/portfolio"
	"github.com/classtrader/trading-core/internal/risk"
	"github.com/classtrader/trading-core/internal/scheduler"
	"github.com/classtrader/trading-core/internal/store"
	"github.com/classtrader/trading-core/internal/transport"
	"github.com/classtrader/trading-core/internal/washsale"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("config %s not found, using defaults", *configPath)
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

	hub := transport.NewHub()
	defer hub.Close()

	notifier := alerts.NewNotifier(cfg.Alerts)
	defer notifier.Close()

	wash := washsale.New(s, cfg.Risk.YearEndBlockMonth)
	rm := risk.NewManager(s, wash, cfg)
	rm.OnBreaker = func(ev model.CircuitBreakerEvent) {
		notifier.Notify("circuit_breaker", map[string]any{
			"event_type": ev.EventType,
			"sleeve":     string(ev.Sleeve),
			"reason":     ev.Reason,
			"active":     ev.Active,
		})
		hub.Broadcast("circuit_breaker", ev)
	}
	equity := portfolio.NewSplitter(broker, cfg)
	engine := execution.NewEngine(s, broker, wash, rm, equity, box, cfg).
		WithNotifier(notifier).
		WithBroadcaster(hub)

	toggle := approval.NewToggle(cfg.AutoApproveDefault)
	queue := approval.NewQueue(s, rm, engine, equity, toggle).
		WithNotifier(notifier).
		WithBroadcaster(hub)

	builder := pipeline.NewBrokerContextBuilder(broker, s)
	orch := pipeline.New(s, builder, invoker, queue, equity, cfg).WithBroadcaster(hub)

	server := api.NewServer(s, queue, rm, toggle, orch, orch.Gate(), hub.Handler())
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var sched *scheduler.Scheduler
	if cfg.Schedule.Enabled {
		sched, err = scheduler.New(cfg.Schedule, orch, orch.Gate())
		if err != nil {
			log.Fatalf("scheduler: %v", err)
		}
		sched.Start()
	}

	go func() {
		observ.Log("http_listening", map[string]any{"addr": cfg.HTTPAddr})
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	observ.Log("shutting_down", nil)
	if sched != nil {
		sched.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}
