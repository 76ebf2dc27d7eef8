package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"trigger-core/internal/events"
	"trigger-core/internal/executor"
	"trigger-core/internal/order"
	"trigger-core/internal/resilience"
	"trigger-core/internal/trigger"
	"trigger-core/pkg/chain"
	"trigger-core/pkg/db"
)

// Guard dependency/endpoint names for the monitor's outbound calls.
const (
	depLeaderActivity = "leader-activity"
	depBalance        = "balance"
)

// CopyMonitor polls leader accounts and mirrors fresh trades to followers.
type CopyMonitor struct {
	store     *db.Store
	repo      *order.Repository
	coord     *executor.Coordinator
	activity  chain.ActivitySource
	balances  chain.BalanceProvider
	guard     *resilience.Guard
	bus       *events.Bus
	followers []FollowerConfig
	tick      time.Duration

	wg sync.WaitGroup
}

// NewCopyMonitor wires the copy trading loop. Bus may be nil.
func NewCopyMonitor(store *db.Store, repo *order.Repository, coord *executor.Coordinator,
	activity chain.ActivitySource, balances chain.BalanceProvider, guard *resilience.Guard,
	bus *events.Bus, followers []FollowerConfig, tick time.Duration) *CopyMonitor {
	return &CopyMonitor{
		store:     store,
		repo:      repo,
		coord:     coord,
		activity:  activity,
		balances:  balances,
		guard:     guard,
		bus:       bus,
		followers: followers,
		tick:      tick,
	}
}

// Run polls until the context is cancelled, then waits for in-flight
// follower executions.
func (m *CopyMonitor) Run(ctx context.Context) {
	log.Printf("copytrade: monitor started (%d followers, interval %v)", len(m.followers), m.tick)
	runLoop(ctx, m.tick, m.Tick)
	m.wg.Wait()
}

// Wait blocks until all in-flight follower executions have finished.
func (m *CopyMonitor) Wait() {
	m.wg.Wait()
}

// leaders returns the distinct leader accounts referenced by followers.
func (m *CopyMonitor) leaders() []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range m.followers {
		if !seen[f.Leader] {
			seen[f.Leader] = true
			out = append(out, f.Leader)
		}
	}
	return out
}

// Tick polls every leader once and fans fresh trades out to followers.
func (m *CopyMonitor) Tick(ctx context.Context, now time.Time) {
	for _, leader := range m.leaders() {
		trades, err := m.fetchTrades(ctx, leader)
		if err != nil {
			log.Printf("copytrade: poll %s: %v", leader, err)
			continue
		}
		for _, trade := range trades {
			fresh, err := m.store.MarkLeaderTradeSeen(ctx, leader, trade.ID)
			if err != nil {
				log.Printf("copytrade: dedupe %s: %v", trade.ID, err)
				continue
			}
			if !fresh {
				continue
			}
			m.copyTrade(ctx, trade)
		}
	}
}

// fetchTrades reads leader activity through the guard.
func (m *CopyMonitor) fetchTrades(ctx context.Context, leader string) ([]chain.LeaderTrade, error) {
	if _, err := m.guard.Acquire(depLeaderActivity, "activity"); err != nil {
		return nil, err
	}
	trades, err := m.activity.RecentTrades(ctx, leader)
	if err != nil {
		m.guard.ReportFailure(depLeaderActivity)
		return nil, err
	}
	m.guard.ReportSuccess(depLeaderActivity)
	return trades, nil
}

// copyTrade mirrors one fresh leader trade to every eligible follower. Each
// follower runs independently so one failure never blocks the rest.
func (m *CopyMonitor) copyTrade(ctx context.Context, trade chain.LeaderTrade) {
	if m.bus != nil {
		m.bus.Publish(events.EventCopyDetected, trade)
	}
	log.Printf("copytrade: leader %s trade %s detected (%s %s %.6g @ %.6g)",
		trade.Leader, trade.ID, trade.Side, trade.Instrument, trade.Qty, trade.Price)

	for _, f := range m.followers {
		if f.Leader != trade.Leader {
			continue
		}
		f := f
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.copyForFollower(ctx, trade, f); err != nil {
				log.Printf("copytrade: follower %s trade %s: %v", f.Follower, trade.ID, err)
			}
		}()
	}
}

func (m *CopyMonitor) copyForFollower(ctx context.Context, trade chain.LeaderTrade, f FollowerConfig) error {
	rec := db.CopyExecutionRow{
		ID:            uuid.NewString(),
		LeaderTradeID: trade.ID,
		Leader:        trade.Leader,
		Follower:      f.Follower,
		Instrument:    trade.Instrument,
		Side:          trade.Side,
		Status:        CopyPending,
	}

	qty, skipReason, err := m.allocation(ctx, trade, f)
	if err != nil {
		rec.Status = CopyFailed
		rec.Detail = err.Error()
		if ierr := m.store.InsertCopyExecution(ctx, rec); ierr != nil {
			return ierr
		}
		return err
	}
	if qty <= 0 {
		rec.Status = CopySkipped
		rec.Detail = skipReason
		return m.store.InsertCopyExecution(ctx, rec)
	}

	rec.Qty = qty
	if err := m.store.InsertCopyExecution(ctx, rec); err != nil {
		return err
	}

	child := &order.Order{
		Owner:      f.Follower,
		Instrument: trade.Instrument,
		Side:       order.Side(trade.Side),
		Qty:        qty,
		Conditions: &trigger.TimeCondition{ID: "copy-now", Mode: trigger.TimeAt, At: time.Now()},
		Exec:       order.DefaultExecConfig(),
		Meta:       order.Metadata{StrategyTag: "copy_trade", ParentID: trade.ID},
	}
	reason := fmt.Sprintf("copy of leader %s trade %s", trade.Leader, trade.ID)
	if err := createAndExecute(ctx, m.repo, m.coord, child, reason); err != nil {
		if uerr := m.store.UpdateCopyExecution(ctx, rec.ID, CopyFailed, err.Error()); uerr != nil {
			return uerr
		}
		return err
	}
	return m.store.UpdateCopyExecution(ctx, rec.ID, CopySuccess, "")
}

// allocation scales the leader's size by the follower ratio, then caps it by
// the follower's configured allocation and spendable balance.
func (m *CopyMonitor) allocation(ctx context.Context, trade chain.LeaderTrade, f FollowerConfig) (float64, string, error) {
	qty := trade.Qty * f.Ratio
	if qty <= 0 {
		return 0, "ratio yields zero size", nil
	}
	if trade.Price <= 0 {
		return 0, "", fmt.Errorf("leader trade %s has no price", trade.ID)
	}

	if f.MaxAllocation > 0 {
		if maxQty := f.MaxAllocation / trade.Price; qty > maxQty {
			qty = maxQty
		}
	}

	if _, err := m.guard.Acquire(depBalance, "balance"); err != nil {
		return 0, "", err
	}
	balance, err := m.balances.Balance(ctx, f.Follower)
	if err != nil {
		m.guard.ReportFailure(depBalance)
		return 0, "", err
	}
	m.guard.ReportSuccess(depBalance)

	affordable := balance / trade.Price
	if qty > affordable {
		qty = affordable
	}
	if qty <= 0 {
		return 0, "insufficient balance", nil
	}
	return qty, "", nil
}
