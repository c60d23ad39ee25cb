package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Sleeve holds the per-sleeve risk parameters. The main sleeve sizes
// positions as a percentage of its allocation; the penny sleeve is capped
// in absolute dollars.
type Sleeve struct {
	Allocation            float64 `yaml:"allocation"`
	MinConfidence         float64 `yaml:"min_confidence"`
	AutoApproveConfidence float64 `yaml:"auto_approve_confidence"`
	MaxPositionPct        float64 `yaml:"max_position_pct"`
	MaxPositionDollars    float64 `yaml:"max_position_dollars"`
	ManualReviewPct       float64 `yaml:"manual_review_pct"`
	ManualReviewDollars   float64 `yaml:"manual_review_dollars"`
	MaxOpenPositions      int     `yaml:"max_open_positions"`
	DailyLossLimitPct     float64 `yaml:"daily_loss_limit_pct"`
}

type Risk struct {
	ConsecutiveLossLimit    int     `yaml:"consecutive_loss_limit"`
	BreakerCooldownHours    int     `yaml:"breaker_cooldown_hours"`
	YearEndBlockMonth       int     `yaml:"year_end_block_month"`
	DisagreeSizeFactor      float64 `yaml:"disagree_size_factor"`
	DisagreeConfidenceFloor float64 `yaml:"disagree_confidence_floor"`
}

type Broker struct {
	BaseURL            string `yaml:"base_url"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	PollIntervalSecs   int    `yaml:"poll_interval_seconds"`
	PollTimeoutSecs    int    `yaml:"poll_timeout_seconds"`
}

type Agents struct {
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	MaxTokens      int    `yaml:"max_tokens"`
	MaxRetries     int    `yaml:"max_retries"`
	BackoffBaseMs  int    `yaml:"backoff_base_ms"`
	BackoffMaxMs   int    `yaml:"backoff_max_ms"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Alerts struct {
	Enabled          bool   `yaml:"enabled"`
	WebhookURL       string `yaml:"webhook_url"`
	DedupeWindowSecs int    `yaml:"dedupe_window_seconds"`
}

type Schedule struct {
	Enabled  bool   `yaml:"enabled"`
	Timezone string `yaml:"timezone"`
	Morning  string `yaml:"morning"`
	Noon     string `yaml:"noon"`
	HighRisk string `yaml:"high_risk"`
}

type Watchlist struct {
	Main       []string `yaml:"main"`
	Penny      []string `yaml:"penny"`
	Benchmarks []string `yaml:"benchmarks"`
}

type Root struct {
	HTTPAddr           string    `yaml:"http_addr"`
	DatabasePath       string    `yaml:"database_path"`
	OutboxPath         string    `yaml:"outbox_path"`
	AutoApproveDefault bool      `yaml:"auto_approve_default"`
	Main               Sleeve    `yaml:"main_sleeve"`
	Penny              Sleeve    `yaml:"penny_sleeve"`
	Risk               Risk      `yaml:"risk"`
	Broker             Broker    `yaml:"broker"`
	Agents             Agents    `yaml:"agents"`
	Alerts             Alerts    `yaml:"alerts"`
	Schedule           Schedule  `yaml:"schedule"`
	Watchlist          Watchlist `yaml:"watchlist"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	if err := validate(c); err != nil {
		return c, err
	}
	return c, nil
}

// Default returns the built-in configuration used when no file is given.
func Default() Root {
	var c Root
	applyDefaults(&c)
	return c
}

func applyDefaults(c *Root) {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8000"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "data/trading.db"
	}
	if c.OutboxPath == "" {
		c.OutboxPath = "data/outbox.jsonl"
	}

	// Main sleeve defaults
	if c.Main.Allocation == 0 {
		c.Main.Allocation = 75
	}
	if c.Main.MinConfidence == 0 {
		c.Main.MinConfidence = 0.65
	}
	if c.Main.AutoApproveConfidence == 0 {
		c.Main.AutoApproveConfidence = 0.70
	}
	if c.Main.MaxPositionPct == 0 {
		c.Main.MaxPositionPct = 30
	}
	if c.Main.ManualReviewPct == 0 {
		c.Main.ManualReviewPct = 20
	}
	if c.Main.MaxOpenPositions == 0 {
		c.Main.MaxOpenPositions = 8
	}
	if c.Main.DailyLossLimitPct == 0 {
		c.Main.DailyLossLimitPct = 5
	}

	// Penny sleeve defaults
	if c.Penny.Allocation == 0 {
		c.Penny.Allocation = 25
	}
	if c.Penny.MinConfidence == 0 {
		c.Penny.MinConfidence = 0.60
	}
	if c.Penny.AutoApproveConfidence == 0 {
		c.Penny.AutoApproveConfidence = 0.60
	}
	if c.Penny.MaxPositionDollars == 0 {
		c.Penny.MaxPositionDollars = 8
	}
	if c.Penny.ManualReviewDollars == 0 {
		c.Penny.ManualReviewDollars = 5
	}
	if c.Penny.MaxOpenPositions == 0 {
		c.Penny.MaxOpenPositions = 5
	}
	if c.Penny.DailyLossLimitPct == 0 {
		c.Penny.DailyLossLimitPct = 15
	}

	if c.Risk.ConsecutiveLossLimit == 0 {
		c.Risk.ConsecutiveLossLimit = 3
	}
	if c.Risk.BreakerCooldownHours == 0 {
		c.Risk.BreakerCooldownHours = 24
	}
	if c.Risk.YearEndBlockMonth == 0 {
		c.Risk.YearEndBlockMonth = 12
	}
	if c.Risk.DisagreeSizeFactor == 0 {
		c.Risk.DisagreeSizeFactor = 0.5
	}
	if c.Risk.DisagreeConfidenceFloor == 0 {
		c.Risk.DisagreeConfidenceFloor = 0.75
	}

	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = "https://paper-api.alpaca.markets"
	}
	if c.Broker.TimeoutSeconds == 0 {
		c.Broker.TimeoutSeconds = 10
	}
	if c.Broker.RateLimitPerMinute == 0 {
		c.Broker.RateLimitPerMinute = 200
	}
	if c.Broker.PollIntervalSecs == 0 {
		c.Broker.PollIntervalSecs = 2
	}
	if c.Broker.PollTimeoutSecs == 0 {
		c.Broker.PollTimeoutSecs = 90
	}

	if c.Agents.BaseURL == "" {
		c.Agents.BaseURL = "https://api.anthropic.com"
	}
	if c.Agents.Model == "" {
		c.Agents.Model = "claude-haiku-4-5-20251001"
	}
	if c.Agents.MaxTokens == 0 {
		c.Agents.MaxTokens = 4096
	}
	if c.Agents.MaxRetries == 0 {
		c.Agents.MaxRetries = 3
	}
	if c.Agents.BackoffBaseMs == 0 {
		c.Agents.BackoffBaseMs = 1000
	}
	if c.Agents.BackoffMaxMs == 0 {
		c.Agents.BackoffMaxMs = 30000
	}
	if c.Agents.TimeoutSeconds == 0 {
		c.Agents.TimeoutSeconds = 120
	}

	if c.Alerts.DedupeWindowSecs == 0 {
		c.Alerts.DedupeWindowSecs = 60
	}

	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "America/New_York"
	}
	if c.Schedule.Morning == "" {
		c.Schedule.Morning = "35 9 * * 1-5"
	}
	if c.Schedule.Noon == "" {
		c.Schedule.Noon = "0 12 * * 1-5"
	}
	if c.Schedule.HighRisk == "" {
		c.Schedule.HighRisk = "45 9 * * 1-5"
	}
}

func validate(c Root) error {
	if c.Main.MinConfidence < 0 || c.Main.MinConfidence > 1 {
		return fmt.Errorf("main_sleeve.min_confidence %.2f outside [0,1]", c.Main.MinConfidence)
	}
	if c.Penny.MinConfidence < 0 || c.Penny.MinConfidence > 1 {
		return fmt.Errorf("penny_sleeve.min_confidence %.2f outside [0,1]", c.Penny.MinConfidence)
	}
	if c.Main.ManualReviewPct > c.Main.MaxPositionPct {
		return fmt.Errorf("main_sleeve.manual_review_pct %.1f exceeds hard cap %.1f",
			c.Main.ManualReviewPct, c.Main.MaxPositionPct)
	}
	if c.Penny.ManualReviewDollars > c.Penny.MaxPositionDollars {
		return fmt.Errorf("penny_sleeve.manual_review_dollars %.2f exceeds hard cap %.2f",
			c.Penny.ManualReviewDollars, c.Penny.MaxPositionDollars)
	}
	if c.Risk.YearEndBlockMonth < 1 || c.Risk.YearEndBlockMonth > 12 {
		return fmt.Errorf("risk.year_end_block_month %d is not a month", c.Risk.YearEndBlockMonth)
	}
	return nil
}
