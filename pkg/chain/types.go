// Package chain defines the narrow interfaces the execution core consumes
// from the blockchain side: trade submission, balance lookup, leader trade
// activity and user notifications. Payloads are opaque to the engine.
package chain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable signals a dependency that cannot serve right now.
	ErrUnavailable = errors.New("chain: dependency unavailable")
	// ErrTimeout signals a submission whose on-chain outcome is unknown.
	ErrTimeout = errors.New("chain: submission timed out")
	// ErrNotFound signals a signature with no on-chain record.
	ErrNotFound = errors.New("chain: signature not found")
)

// FillStatus is the resolved state of a submitted trade.
type FillStatus string

const (
	FillPending   FillStatus = "PENDING"
	FillConfirmed FillStatus = "CONFIRMED"
	FillPartial   FillStatus = "PARTIAL"
	FillFailed    FillStatus = "FAILED"
	FillNotFound  FillStatus = "NOT_FOUND"
)

// CongestionLevel describes observed network load, used for fee escalation.
type CongestionLevel string

const (
	CongestionLow    CongestionLevel = "LOW"
	CongestionMedium CongestionLevel = "MEDIUM"
	CongestionHigh   CongestionLevel = "HIGH"
)

// Multiplier returns the fee bump factor for this congestion level.
func (c CongestionLevel) Multiplier() float64 {
	switch c {
	case CongestionHigh:
		return 2.0
	case CongestionMedium:
		return 1.5
	default:
		return 1.0
	}
}

// Payload is one trade submission request. AttemptID is the idempotency key:
// resubmitting the same attempt id must not double-execute.
type Payload struct {
	AttemptID   string
	OrderID     string
	Owner       string
	Instrument  string
	Side        string
	Qty         float64
	PriorityFee float64
}

// Receipt is the synchronous result of a submission.
type Receipt struct {
	Signature string
	Status    FillStatus
	FilledQty float64
	Price     float64
}

// Submitter sends trades and resolves their status. Status lookups are keyed
// by attempt id so a timed-out submission can be reconciled before retrying.
type Submitter interface {
	Submit(ctx context.Context, p Payload) (Receipt, error)
	Status(ctx context.Context, attemptID string) (Receipt, error)
	Congestion(ctx context.Context) CongestionLevel
}

// BalanceProvider reports spendable balance for an account.
type BalanceProvider interface {
	Balance(ctx context.Context, account string) (float64, error)
}

// LeaderTrade is one observed trade on a monitored leader account.
type LeaderTrade struct {
	ID         string
	Leader     string
	Instrument string
	Side       string
	Qty        float64
	Price      float64
	ObservedAt time.Time
}

// ActivitySource exposes recent trades of a monitored leader account.
type ActivitySource interface {
	RecentTrades(ctx context.Context, leader string) ([]LeaderTrade, error)
}

// Event is a user-facing notification about trigger/fill/failure.
type Event struct {
	Kind    string
	OrderID string
	Owner   string
	Detail  string
}

// Notifier delivers fire-and-forget alerts. Failures never affect order state.
type Notifier interface {
	Notify(e Event)
}
