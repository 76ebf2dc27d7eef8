package chain

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockClient is an in-process chain backend for tests and dry runs. It fills
// submissions at the configured price, simulates latency/failures/partials,
// and keeps receipts per attempt id so Status lookups behave like the real
// reconciliation path.
type MockClient struct {
	mu           sync.Mutex
	receipts     map[string]Receipt // attempt id -> final receipt
	balances     map[string]float64
	leaderTrades map[string][]LeaderTrade
	events       []Event

	Price       float64
	FailureRate float64 // probability a submission fails outright
	PartialRate float64 // probability a fill is partial
	Latency     time.Duration
	Level       CongestionLevel

	// SubmitHook, when set, overrides the default fill behavior. The mock
	// still records the receipt for Status lookups.
	SubmitHook func(p Payload) (Receipt, error)
}

// NewMockClient builds a mock backend that confirms everything at price.
func NewMockClient(price float64) *MockClient {
	return &MockClient{
		receipts:     make(map[string]Receipt),
		balances:     make(map[string]float64),
		leaderTrades: make(map[string][]LeaderTrade),
		Price:        price,
		Level:        CongestionLow,
	}
}

// Submit fills the payload per the mock's configuration. Resubmitting an
// attempt id returns the recorded receipt without executing again.
func (m *MockClient) Submit(ctx context.Context, p Payload) (Receipt, error) {
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.receipts[p.AttemptID]; ok {
		return r, nil
	}

	if m.SubmitHook != nil {
		r, err := m.SubmitHook(p)
		if err != nil {
			return Receipt{}, err
		}
		m.receipts[p.AttemptID] = r
		return r, nil
	}

	if m.FailureRate > 0 && rand.Float64() < m.FailureRate {
		return Receipt{}, fmt.Errorf("%w: simulated submission failure", ErrUnavailable)
	}

	r := Receipt{
		Signature: "sig-" + uuid.NewString(),
		Status:    FillConfirmed,
		FilledQty: p.Qty,
		Price:     m.Price,
	}
	if m.PartialRate > 0 && rand.Float64() < m.PartialRate {
		r.Status = FillPartial
		r.FilledQty = p.Qty / 2
	}
	m.receipts[p.AttemptID] = r
	return r, nil
}

// Status resolves a previously submitted attempt. Unknown attempts return a
// NOT_FOUND receipt, meaning the submission never landed.
func (m *MockClient) Status(ctx context.Context, attemptID string) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.receipts[attemptID]; ok {
		return r, nil
	}
	return Receipt{Status: FillNotFound}, nil
}

// Congestion reports the configured network load level.
func (m *MockClient) Congestion(ctx context.Context) CongestionLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Level
}

// RecordReceipt seeds a receipt for an attempt id, simulating a submission
// that landed on-chain even though the caller saw a timeout.
func (m *MockClient) RecordReceipt(attemptID string, r Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[attemptID] = r
}

// SetBalance seeds an account balance.
func (m *MockClient) SetBalance(account string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] = amount
}

// Balance returns the seeded balance for an account.
func (m *MockClient) Balance(ctx context.Context, account string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[account]
	if !ok {
		return 0, fmt.Errorf("%w: no balance for %s", ErrUnavailable, account)
	}
	return b, nil
}

// AddLeaderTrade appends an observed trade to a leader's activity.
func (m *MockClient) AddLeaderTrade(t LeaderTrade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ObservedAt.IsZero() {
		t.ObservedAt = time.Now()
	}
	m.leaderTrades[t.Leader] = append(m.leaderTrades[t.Leader], t)
}

// RecentTrades returns the leader's activity, newest last.
func (m *MockClient) RecentTrades(ctx context.Context, leader string) ([]LeaderTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trades := m.leaderTrades[leader]
	out := make([]LeaderTrade, len(trades))
	copy(out, trades)
	return out, nil
}

// Notify records the event for inspection.
func (m *MockClient) Notify(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// Events returns a copy of all recorded notifications.
func (m *MockClient) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
