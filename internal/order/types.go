// Package order owns the standing-order lifecycle: the status state machine,
// the repository with per-order single-flight guards, and persistence of
// orders across restarts.
package order

import (
	"time"

	"trigger-core/internal/trigger"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusTriggered       Status = "TRIGGERED"
	StatusExecuting       Status = "EXECUTING"
	StatusFilled          Status = "FILLED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
	StatusExpired         Status = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusPartiallyFilled, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ExecType classifies how an execution attempt was initiated.
type ExecType string

const (
	ExecTrigger   ExecType = "trigger"
	ExecScheduled ExecType = "scheduled"
	ExecManual    ExecType = "manual"
)

// RetryConfig bounds execution retries.
type RetryConfig struct {
	MaxAttempts    int           `json:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
}

// Backoff returns the exponential delay before the given 1-based attempt.
func (r RetryConfig) Backoff(attempt int) time.Duration {
	d := r.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.MaxBackoff {
			return r.MaxBackoff
		}
	}
	if d > r.MaxBackoff {
		return r.MaxBackoff
	}
	return d
}

// FeeStrategy escalates the priority fee across retries under congestion.
type FeeStrategy struct {
	BaseFee float64 `json:"base_fee"`
	MaxFee  float64 `json:"max_fee"`
}

// Fee computes the escalated fee for a retry attempt, scaled by the
// congestion multiplier and capped at MaxFee.
func (f FeeStrategy) Fee(attempt int, congestionMult float64) float64 {
	fee := f.BaseFee * congestionMult * float64(attempt)
	if f.MaxFee > 0 && fee > f.MaxFee {
		return f.MaxFee
	}
	return fee
}

// PartialFillPolicy decides what happens to the unfilled remainder.
type PartialFillPolicy string

const (
	PartialAccept  PartialFillPolicy = "accept"  // partial is final
	PartialRequeue PartialFillPolicy = "requeue" // remainder returns to Pending
	PartialReject  PartialFillPolicy = "reject"  // partials not allowed, order fails
)

// RiskLimits caps order sizing. Zero values mean unlimited.
type RiskLimits struct {
	MaxOrderQty     float64 `json:"max_order_qty,omitempty"`
	MaxPositionSize float64 `json:"max_position_size,omitempty"`
}

// ExecConfig bundles the execution behavior of one order.
type ExecConfig struct {
	Retry       RetryConfig       `json:"retry"`
	Fee         FeeStrategy       `json:"fee"`
	PartialFill PartialFillPolicy `json:"partial_fill"`
	Risk        RiskLimits        `json:"risk"`
}

// DefaultExecConfig returns conservative execution defaults.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		Fee:         FeeStrategy{BaseFee: 0.000005, MaxFee: 0.0005},
		PartialFill: PartialAccept,
	}
}

// Metadata tags an order with its origin.
type Metadata struct {
	StrategyTag string `json:"strategy_tag,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
}

// Order is one standing instruction.
type Order struct {
	ID         string
	Owner      string
	Instrument string
	Side       Side
	Qty        float64
	FilledQty  float64
	Conditions trigger.Condition
	Exec       ExecConfig
	Status     Status
	Meta       Metadata
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero means no expiry
}

// Expired reports whether the order is past its expiry timestamp.
func (o *Order) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() float64 {
	r := o.Qty - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}
