package store

import (
	"context"
	"fmt"
	"time"

	"arena/internal/logger"
)

type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations are forward-only and applied in ascending order, one
// transaction each. Never edit an applied migration; append a new one.
var migrations = []migration{
	{1, "market_data", `
		CREATE TABLE IF NOT EXISTS market_data (
			symbol    TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			open      REAL NOT NULL,
			high      REAL NOT NULL,
			low       REAL NOT NULL,
			close     REAL NOT NULL,
			volume    REAL NOT NULL,
			inserted_at INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000),
			PRIMARY KEY (symbol, timeframe, timestamp)
		);
		CREATE TABLE IF NOT EXISTS funding_rates (
			symbol    TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			funding_rate REAL NOT NULL,
			next_funding_time INTEGER,
			PRIMARY KEY (symbol, timestamp)
		);
		CREATE TABLE IF NOT EXISTS price_snapshots (
			symbol    TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			last_price REAL,
			mark_price REAL,
			index_price REAL,
			PRIMARY KEY (symbol, timestamp)
		);
		CREATE TABLE IF NOT EXISTS open_interest (
			symbol    TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			open_interest REAL,
			open_interest_value REAL,
			PRIMARY KEY (symbol, timestamp)
		);
		CREATE TABLE IF NOT EXISTS ingestion_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT,
			data_type TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			rows_inserted INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT
		);`},
	{2, "trading", `
		CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_order_id TEXT NOT NULL UNIQUE,
			exchange_order_id TEXT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			price TEXT,
			amount TEXT NOT NULL,
			filled_amount TEXT NOT NULL DEFAULT '0',
			leverage REAL,
			status TEXT NOT NULL,
			time_in_force TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status);
		CREATE INDEX IF NOT EXISTS idx_orders_exchange ON orders(exchange_order_id);
		CREATE TABLE IF NOT EXISTS order_lifecycle_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			exchange_status TEXT,
			fill_qty TEXT,
			fill_price TEXT,
			fee TEXT,
			message TEXT,
			raw_payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_lifecycle_order ON order_lifecycle_events(order_id, id);
		CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			price TEXT NOT NULL,
			amount TEXT NOT NULL,
			fee TEXT,
			fee_currency TEXT,
			realized_pnl TEXT,
			timestamp INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id);
		CREATE TABLE IF NOT EXISTS positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL UNIQUE,
			side TEXT NOT NULL,
			size TEXT NOT NULL,
			entry_price TEXT,
			leverage REAL,
			unrealized_pnl TEXT,
			margin TEXT,
			liquidation_price TEXT,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS balance_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange TEXT NOT NULL,
			account_id TEXT,
			timestamp INTEGER NOT NULL,
			currency TEXT NOT NULL,
			total TEXT,
			free TEXT,
			used TEXT,
			raw_payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_balance_ts ON balance_snapshots(timestamp);
		CREATE TABLE IF NOT EXISTS position_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange TEXT NOT NULL,
			account_id TEXT,
			timestamp INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT,
			size TEXT,
			entry_price TEXT,
			leverage REAL,
			raw_payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_possnap_ts ON position_snapshots(timestamp);
		CREATE TABLE IF NOT EXISTS risk_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			symbol TEXT,
			level TEXT NOT NULL,
			rule TEXT NOT NULL,
			details TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_risk_ts ON risk_events(timestamp);`},
	{3, "decisions", `
		CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			regime TEXT,
			allocations TEXT,
			total_position REAL,
			confidence REAL,
			reasoning TEXT,
			source TEXT,
			prompt_version TEXT,
			model_version TEXT,
			action TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(symbol, timestamp);
		CREATE TABLE IF NOT EXISTS llm_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			provider TEXT,
			model TEXT,
			request TEXT,
			response TEXT,
			latency_ms INTEGER,
			outcome TEXT,
			rejection TEXT
		);`},
	{4, "integrity", `
		CREATE TABLE IF NOT EXISTS candle_integrity_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			event_type TEXT NOT NULL,
			start_ts INTEGER,
			end_ts INTEGER,
			expected_bars INTEGER,
			actual_bars INTEGER,
			missing_bars INTEGER,
			duplicate_bars INTEGER,
			severity TEXT,
			detected_at INTEGER NOT NULL,
			repair_job_id TEXT,
			resolved INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_integrity_key ON candle_integrity_events(symbol, timeframe, event_type);
		CREATE TABLE IF NOT EXISTS repair_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL UNIQUE,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			status TEXT NOT NULL,
			repaired_bars INTEGER NOT NULL DEFAULT 0,
			message TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_repair_status ON repair_jobs(symbol, timeframe, status);`},
	{5, "backtest", `
		CREATE TABLE IF NOT EXISTS backtest_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			initial_capital REAL NOT NULL,
			params_json TEXT,
			metrics_json TEXT,
			equity_curve_json TEXT,
			schema_version INTEGER NOT NULL DEFAULT 1
		);
		CREATE TABLE IF NOT EXISTS backtest_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			strategy_id TEXT,
			side TEXT,
			entry_ts INTEGER,
			exit_ts INTEGER,
			entry_price REAL,
			exit_price REAL,
			amount REAL,
			fee REAL,
			pnl REAL,
			return_pct REAL,
			reason TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_bt_trades_run ON backtest_trades(run_id);
		CREATE TABLE IF NOT EXISTS backtest_positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			timestamp INTEGER,
			side TEXT,
			size REAL,
			entry_price REAL,
			equity REAL
		);
		CREATE INDEX IF NOT EXISTS idx_bt_positions_run ON backtest_positions(run_id);
		CREATE TABLE IF NOT EXISTS backtest_decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			timestamp INTEGER,
			regime TEXT,
			allocations TEXT,
			total_position REAL,
			reasoning TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_bt_decisions_run ON backtest_decisions(run_id);`},
	{6, "lifecycle_event_source", `
		ALTER TABLE order_lifecycle_events ADD COLUMN source TEXT;`},
}

// Migrate applies pending migrations in ascending version order. Each
// migration runs in its own transaction and is recorded in schema_version.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("creating schema_version failed: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	last := 0
	for _, m := range migrations {
		if m.Version <= last {
			return fmt.Errorf("migration versions must be strictly ascending (got %d after %d)", m.Version, last)
		}
		last = m.Version
		if applied[m.Version] {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %03d_%s failed: %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_version (version, name, applied_at) VALUES (?, ?, ?)`,
			m.Version, m.Name, time.Now().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		logger.Infof("migration applied: %03d_%s", m.Version, m.Name)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version, 0 if none.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}
