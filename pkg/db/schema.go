package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    instrument TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    filled_qty REAL DEFAULT 0,
    conditions TEXT NOT NULL,
    exec_config TEXT NOT NULL,
    status TEXT NOT NULL,
    strategy_tag TEXT DEFAULT '',
    parent_id TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    expires_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_parent ON orders(parent_id);

CREATE TABLE IF NOT EXISTS order_executions (
    attempt_id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    exec_type TEXT NOT NULL,
    trigger_reason TEXT DEFAULT '',
    price REAL DEFAULT 0,
    filled_qty REAL DEFAULT 0,
    priority_fee REAL DEFAULT 0,
    congestion TEXT DEFAULT '',
    signature TEXT DEFAULT '',
    outcome TEXT NOT NULL,
    detail TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(order_id) REFERENCES orders(id)
);

CREATE INDEX IF NOT EXISTS idx_executions_order ON order_executions(order_id);

CREATE TABLE IF NOT EXISTS trailing_stops (
    id TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    instrument TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    trail_pct REAL NOT NULL,
    activation_price REAL DEFAULT 0,
    water_mark REAL DEFAULT 0,
    status TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS dca_strategies (
    id TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    instrument TEXT NOT NULL,
    side TEXT NOT NULL,
    amount REAL NOT NULL,
    risk_adjusted BOOLEAN DEFAULT 0,
    interval_sec INTEGER NOT NULL,
    max_executions INTEGER DEFAULT 0,
    max_deployed REAL DEFAULT 0,
    end_at DATETIME,
    executions INTEGER DEFAULT 0,
    deployed REAL DEFAULT 0,
    status TEXT NOT NULL,
    next_run_at DATETIME,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS copy_executions (
    id TEXT PRIMARY KEY,
    leader_trade_id TEXT NOT NULL,
    leader TEXT NOT NULL,
    follower TEXT NOT NULL,
    instrument TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    status TEXT NOT NULL,
    detail TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_copy_leader_trade ON copy_executions(leader_trade_id);

CREATE TABLE IF NOT EXISTS leader_trades_seen (
    leader_trade_id TEXT PRIMARY KEY,
    leader TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations creates all tables when missing. Safe to call on every start.
func ApplyMigrations(s *Store) error {
	if _, err := s.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
