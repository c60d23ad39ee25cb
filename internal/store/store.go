package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidTransition is returned when a status change would move a
	// trade decision backward through its lifecycle.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// Store persists the full decision paper trail: pipeline runs, trade
// decisions, executions, positions, wash sales, and circuit breaker events.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// The modernc driver is pure Go; a single connection avoids write
	// contention and gives the serialization point the risk gates need.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			run_type          TEXT NOT NULL,
			started_at        TEXT NOT NULL,
			completed_at      TEXT,
			regime            TEXT,
			regime_confidence REAL,
			status            TEXT NOT NULL DEFAULT 'RUNNING',
			error_message     TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS agent_interactions (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			pipeline_run_id INTEGER NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
			stage           TEXT NOT NULL,
			prompt          TEXT NOT NULL,
			response        TEXT NOT NULL,
			parsed_output   TEXT,
			tokens_used     INTEGER,
			latency_ms      INTEGER,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			success         INTEGER NOT NULL DEFAULT 1,
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_run ON agent_interactions(pipeline_run_id)`,

		`CREATE TABLE IF NOT EXISTS trade_decisions (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			pipeline_run_id   INTEGER REFERENCES pipeline_runs(id) ON DELETE SET NULL,
			ticker            TEXT NOT NULL,
			sleeve            TEXT NOT NULL,
			action            TEXT NOT NULL,
			confidence        REAL NOT NULL,
			position_size_pct REAL NOT NULL,
			reasoning         TEXT NOT NULL,
			stop_loss_pct     REAL,
			take_profit_pct   REAL,
			status            TEXT NOT NULL DEFAULT 'PENDING',
			resolved_at       TEXT,
			resolved_by       TEXT,
			blocked_reason    TEXT,
			wash_sale_flagged INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trade_decisions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_run ON trade_decisions(pipeline_run_id)`,

		`CREATE TABLE IF NOT EXISTS executions (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_decision_id INTEGER NOT NULL UNIQUE REFERENCES trade_decisions(id) ON DELETE CASCADE,
			order_id          TEXT,
			side              TEXT NOT NULL,
			qty               REAL NOT NULL,
			filled_price      REAL,
			intended_price    REAL,
			slippage          REAL,
			status            TEXT NOT NULL DEFAULT 'PENDING',
			executed_at       TEXT,
			created_at        TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			ticker              TEXT NOT NULL,
			sleeve              TEXT NOT NULL,
			entry_price         REAL NOT NULL,
			entry_date          TEXT NOT NULL,
			current_qty         REAL NOT NULL,
			cost_basis          REAL NOT NULL,
			adjusted_cost_basis REAL,
			is_open             INTEGER NOT NULL DEFAULT 1,
			closed_at           TEXT,
			realized_pnl        REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_ticker ON positions(ticker, sleeve)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_open ON positions(sleeve, is_open)`,

		`CREATE TABLE IF NOT EXISTS wash_sales (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			ticker               TEXT NOT NULL,
			sale_date            TEXT NOT NULL,
			loss_amount          REAL NOT NULL,
			qty_sold             REAL NOT NULL,
			sale_price           REAL NOT NULL,
			cost_basis_per_share REAL NOT NULL,
			blackout_until       TEXT NOT NULL,
			year_end_blocked     INTEGER NOT NULL DEFAULT 0,
			rebought             INTEGER NOT NULL DEFAULT 0,
			rebought_at          TEXT,
			created_at           TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wash_sales_ticker ON wash_sales(ticker)`,

		`CREATE TABLE IF NOT EXISTS circuit_breaker_events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type   TEXT NOT NULL,
			sleeve       TEXT,
			reason       TEXT NOT NULL,
			triggered_at TEXT NOT NULL,
			resolved_at  TEXT,
			resolved_by  TEXT,
			active       INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_breakers_active ON circuit_breaker_events(active)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const (
	tsLayout   = time.RFC3339Nano
	dateLayout = "2006-01-02"
)

func fmtTime(t time.Time) string { return t.UTC().Format(tsLayout) }
func fmtDate(t time.Time) string { return t.UTC().Format(dateLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(tsLayout, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDate(s string) time.Time {
	t, _ := time.Parse(dateLayout, s)
	return t
}
