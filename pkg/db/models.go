package db

import "time"

// OrderRow is the persisted form of an order. Condition trees and execution
// config travel as JSON blobs; the engine owns their shape.
type OrderRow struct {
	ID          string
	Owner       string
	Instrument  string
	Side        string
	Qty         float64
	FilledQty   float64
	Conditions  string // JSON condition tree
	ExecConfig  string // JSON execution config
	Status      string
	StrategyTag string
	ParentID    string
	CreatedAt   time.Time
	ExpiresAt   time.Time // zero means no expiry
}

// ExecutionRow is one append-only execution attempt record.
type ExecutionRow struct {
	AttemptID     string
	OrderID       string
	ExecType      string
	TriggerReason string
	Price         float64
	FilledQty     float64
	PriorityFee   float64
	Congestion    string
	Signature     string
	Outcome       string
	Detail        string
	CreatedAt     time.Time
}

// TrailingStopRow persists one armed/triggered trailing stop.
type TrailingStopRow struct {
	ID              string
	Owner           string
	Instrument      string
	Side            string
	Qty             float64
	TrailPct        float64
	ActivationPrice float64
	WaterMark       float64
	Status          string
	UpdatedAt       time.Time
}

// DCARow persists one DCA strategy and its cumulative progress.
type DCARow struct {
	ID            string
	Owner         string
	Instrument    string
	Side          string
	Amount        float64
	RiskAdjusted  bool
	Interval      time.Duration
	MaxExecutions int
	MaxDeployed   float64
	EndAt         time.Time // zero means no end date
	Executions    int
	Deployed      float64
	Status        string
	NextRunAt     time.Time
	UpdatedAt     time.Time
}

// CopyExecutionRow persists one follower-side copy of a leader trade.
type CopyExecutionRow struct {
	ID            string
	LeaderTradeID string
	Leader        string
	Follower      string
	Instrument    string
	Side          string
	Qty           float64
	Status        string
	Detail        string
	CreatedAt     time.Time
}
