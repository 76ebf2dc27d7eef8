package db

import (
	"context"
	"database/sql"
	"time"
)

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanTime(nt sql.NullTime) time.Time {
	if nt.Valid {
		return nt.Time
	}
	return time.Time{}
}

// --- Orders ---

// InsertOrder stores a new order row.
func (s *Store) InsertOrder(ctx context.Context, o OrderRow) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, owner, instrument, side, qty, filled_qty, conditions, exec_config,
			status, strategy_tag, parent_id, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), ?)
	`,
		o.ID, o.Owner, o.Instrument, o.Side, o.Qty, o.FilledQty, o.Conditions, o.ExecConfig,
		o.Status, o.StrategyTag, o.ParentID, nullTime(o.CreatedAt), nullTime(o.ExpiresAt),
	)
	return err
}

// UpdateOrderStatus sets status and filled quantity for an order.
func (s *Store) UpdateOrderStatus(ctx context.Context, id, status string, filledQty float64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE orders SET status = ?, filled_qty = ? WHERE id = ?
	`, status, filledQty, id)
	return err
}

// UpdateOrderQty rewrites the remaining quantity (used when requeueing a
// partial-fill remainder).
func (s *Store) UpdateOrderQty(ctx context.Context, id string, qty, filledQty float64, status string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE orders SET qty = ?, filled_qty = ?, status = ? WHERE id = ?
	`, qty, filledQty, status, id)
	return err
}

const orderColumns = `id, owner, instrument, side, qty, filled_qty, conditions, exec_config,
	status, strategy_tag, parent_id, created_at, expires_at`

func scanOrder(scan func(dest ...any) error) (OrderRow, error) {
	var o OrderRow
	var expires sql.NullTime
	err := scan(&o.ID, &o.Owner, &o.Instrument, &o.Side, &o.Qty, &o.FilledQty,
		&o.Conditions, &o.ExecConfig, &o.Status, &o.StrategyTag, &o.ParentID,
		&o.CreatedAt, &expires)
	o.ExpiresAt = scanTime(expires)
	return o, err
}

// GetOrder returns one order or nil when not found.
func (s *Store) GetOrder(ctx context.Context, id string) (*OrderRow, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOrdersByStatus returns orders in any of the given statuses.
func (s *Store) ListOrdersByStatus(ctx context.Context, statuses ...string) ([]OrderRow, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status IN (?`
	args := []any{statuses[0]}
	for _, st := range statuses[1:] {
		query += `,?`
		args = append(args, st)
	}
	query += `) ORDER BY created_at ASC`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []OrderRow
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// --- Execution log (append-only) ---

// AppendExecution inserts one execution attempt record.
func (s *Store) AppendExecution(ctx context.Context, e ExecutionRow) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO order_executions (
			attempt_id, order_id, exec_type, trigger_reason, price, filled_qty,
			priority_fee, congestion, signature, outcome, detail, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`,
		e.AttemptID, e.OrderID, e.ExecType, e.TriggerReason, e.Price, e.FilledQty,
		e.PriorityFee, e.Congestion, e.Signature, e.Outcome, e.Detail, nullTime(e.CreatedAt),
	)
	return err
}

// ListExecutions returns all attempts for an order, oldest first.
func (s *Store) ListExecutions(ctx context.Context, orderID string) ([]ExecutionRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT attempt_id, order_id, exec_type, trigger_reason, price, filled_qty,
		       priority_fee, congestion, signature, outcome, detail, created_at
		FROM order_executions WHERE order_id = ? ORDER BY created_at ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ExecutionRow
	for rows.Next() {
		var e ExecutionRow
		if err := rows.Scan(&e.AttemptID, &e.OrderID, &e.ExecType, &e.TriggerReason,
			&e.Price, &e.FilledQty, &e.PriorityFee, &e.Congestion, &e.Signature,
			&e.Outcome, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- Trailing stops ---

// UpsertTrailingStop stores the latest state of a trailing stop.
func (s *Store) UpsertTrailingStop(ctx context.Context, t TrailingStopRow) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO trailing_stops (
			id, owner, instrument, side, qty, trail_pct, activation_price,
			water_mark, status, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			water_mark = excluded.water_mark,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP
	`,
		t.ID, t.Owner, t.Instrument, t.Side, t.Qty, t.TrailPct, t.ActivationPrice,
		t.WaterMark, t.Status,
	)
	return err
}

// ListTrailingStops returns stops in the given status.
func (s *Store) ListTrailingStops(ctx context.Context, status string) ([]TrailingStopRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, owner, instrument, side, qty, trail_pct, activation_price,
		       water_mark, status, updated_at
		FROM trailing_stops WHERE status = ?
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []TrailingStopRow
	for rows.Next() {
		var t TrailingStopRow
		if err := rows.Scan(&t.ID, &t.Owner, &t.Instrument, &t.Side, &t.Qty,
			&t.TrailPct, &t.ActivationPrice, &t.WaterMark, &t.Status, &t.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- DCA strategies ---

// UpsertDCA stores a DCA strategy definition and its progress counters.
func (s *Store) UpsertDCA(ctx context.Context, d DCARow) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO dca_strategies (
			id, owner, instrument, side, amount, risk_adjusted, interval_sec,
			max_executions, max_deployed, end_at, executions, deployed, status,
			next_run_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			risk_adjusted = excluded.risk_adjusted,
			interval_sec = excluded.interval_sec,
			max_executions = excluded.max_executions,
			max_deployed = excluded.max_deployed,
			end_at = excluded.end_at,
			executions = excluded.executions,
			deployed = excluded.deployed,
			status = excluded.status,
			next_run_at = excluded.next_run_at,
			updated_at = CURRENT_TIMESTAMP
	`,
		d.ID, d.Owner, d.Instrument, d.Side, d.Amount, d.RiskAdjusted,
		int64(d.Interval/time.Second), d.MaxExecutions, d.MaxDeployed,
		nullTime(d.EndAt), d.Executions, d.Deployed, d.Status, nullTime(d.NextRunAt),
	)
	return err
}

// ListDCA returns strategies in the given status.
func (s *Store) ListDCA(ctx context.Context, status string) ([]DCARow, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, owner, instrument, side, amount, risk_adjusted, interval_sec,
		       max_executions, max_deployed, end_at, executions, deployed, status,
		       next_run_at, updated_at
		FROM dca_strategies WHERE status = ?
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []DCARow
	for rows.Next() {
		var d DCARow
		var intervalSec int64
		var endAt, nextRun sql.NullTime
		if err := rows.Scan(&d.ID, &d.Owner, &d.Instrument, &d.Side, &d.Amount,
			&d.RiskAdjusted, &intervalSec, &d.MaxExecutions, &d.MaxDeployed,
			&endAt, &d.Executions, &d.Deployed, &d.Status, &nextRun, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Interval = time.Duration(intervalSec) * time.Second
		d.EndAt = scanTime(endAt)
		d.NextRunAt = scanTime(nextRun)
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- Copy trading ---

// MarkLeaderTradeSeen records a leader trade id; returns true when the id was
// new, false when it had already been seen (dedupe).
func (s *Store) MarkLeaderTradeSeen(ctx context.Context, leader, tradeID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO leader_trades_seen (leader_trade_id, leader)
		VALUES (?, ?)
	`, tradeID, leader)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertCopyExecution stores a new follower copy record.
func (s *Store) InsertCopyExecution(ctx context.Context, c CopyExecutionRow) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO copy_executions (
			id, leader_trade_id, leader, follower, instrument, side, qty, status, detail, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`,
		c.ID, c.LeaderTradeID, c.Leader, c.Follower, c.Instrument, c.Side, c.Qty,
		c.Status, c.Detail, nullTime(c.CreatedAt),
	)
	return err
}

// UpdateCopyExecution resolves a copy record to its terminal status.
func (s *Store) UpdateCopyExecution(ctx context.Context, id, status, detail string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE copy_executions SET status = ?, detail = ? WHERE id = ?
	`, status, detail, id)
	return err
}

// ListCopyExecutionsByTrade returns all follower copies for one leader trade.
func (s *Store) ListCopyExecutionsByTrade(ctx context.Context, tradeID string) ([]CopyExecutionRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, leader_trade_id, leader, follower, instrument, side, qty, status, detail, created_at
		FROM copy_executions WHERE leader_trade_id = ? ORDER BY created_at ASC
	`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []CopyExecutionRow
	for rows.Next() {
		var c CopyExecutionRow
		if err := rows.Scan(&c.ID, &c.LeaderTradeID, &c.Leader, &c.Follower,
			&c.Instrument, &c.Side, &c.Qty, &c.Status, &c.Detail, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
