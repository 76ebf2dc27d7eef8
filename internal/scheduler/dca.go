package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"trigger-core/internal/events"
	"trigger-core/internal/executor"
	"trigger-core/internal/market"
	"trigger-core/internal/order"
	"trigger-core/internal/trigger"
	"trigger-core/pkg/db"
)

// volatility lookback used for risk-adjusted sizing.
const dcaVolLookback = 20

// DCAScheduler advances active DCA plans on their configured intervals.
type DCAScheduler struct {
	store *db.Store
	repo  *order.Repository
	coord *executor.Coordinator
	feed  market.Feed
	bus   *events.Bus
	tick  time.Duration
}

// NewDCAScheduler wires the DCA loop. Bus may be nil.
func NewDCAScheduler(store *db.Store, repo *order.Repository, coord *executor.Coordinator,
	feed market.Feed, bus *events.Bus, tick time.Duration) *DCAScheduler {
	return &DCAScheduler{store: store, repo: repo, coord: coord, feed: feed, bus: bus, tick: tick}
}

// Run ticks until the context is cancelled.
func (s *DCAScheduler) Run(ctx context.Context) {
	log.Printf("dca: scheduler started (interval %v)", s.tick)
	runLoop(ctx, s.tick, s.Tick)
}

// Tick advances every active plan whose next run is due.
func (s *DCAScheduler) Tick(ctx context.Context, now time.Time) {
	plans, err := s.store.ListDCA(ctx, StatusActive)
	if err != nil {
		log.Printf("dca: list plans: %v", err)
		return
	}

	for _, plan := range plans {
		if plan.NextRunAt.IsZero() {
			// freshly synced plan: anchor its schedule
			plan.NextRunAt = now.Add(plan.Interval)
			if err := s.store.UpsertDCA(ctx, plan); err != nil {
				log.Printf("dca: anchor %s: %v", plan.ID, err)
			}
			continue
		}
		if now.Before(plan.NextRunAt) {
			continue
		}
		if s.completed(&plan, now) {
			plan.Status = StatusCompleted
			if err := s.store.UpsertDCA(ctx, plan); err != nil {
				log.Printf("dca: complete %s: %v", plan.ID, err)
			}
			log.Printf("dca: plan %s completed (%d executions, %.6g deployed)",
				plan.ID, plan.Executions, plan.Deployed)
			continue
		}
		if err := s.executeOnce(ctx, &plan, now); err != nil {
			log.Printf("dca: execute %s: %v", plan.ID, err)
		}
	}
}

// completed checks the plan's stop criteria: execution count, deployed
// capital, end date.
func (s *DCAScheduler) completed(plan *db.DCARow, now time.Time) bool {
	if plan.MaxExecutions > 0 && plan.Executions >= plan.MaxExecutions {
		return true
	}
	if plan.MaxDeployed > 0 && plan.Deployed >= plan.MaxDeployed {
		return true
	}
	if !plan.EndAt.IsZero() && now.After(plan.EndAt) {
		return true
	}
	return false
}

func (s *DCAScheduler) executeOnce(ctx context.Context, plan *db.DCARow, now time.Time) error {
	price, err := s.feed.Price(ctx, plan.Instrument)
	if err != nil {
		// No fresh price: leave the schedule untouched and retry next tick.
		return fmt.Errorf("price for %s: %w", plan.Instrument, err)
	}

	amount := plan.Amount
	if plan.RiskAdjusted {
		amount = s.riskAdjust(ctx, plan.Instrument, amount)
	}
	qty := amount / price
	if qty <= 0 {
		return fmt.Errorf("computed qty %.6g for plan %s", qty, plan.ID)
	}

	child := &order.Order{
		Owner:      plan.Owner,
		Instrument: plan.Instrument,
		Side:       order.Side(plan.Side),
		Qty:        qty,
		Conditions: &trigger.TimeCondition{ID: "dca-now", Mode: trigger.TimeAt, At: now},
		Exec:       order.DefaultExecConfig(),
		Meta:       order.Metadata{StrategyTag: "dca", ParentID: plan.ID},
	}

	reason := fmt.Sprintf("dca interval (plan %s, execution %d)", plan.ID, plan.Executions+1)
	execErr := createAndExecute(ctx, s.repo, s.coord, child, reason)

	// The interval advances and the attempt counts whether or not the child
	// filled; a failed child is its own record, not a free retry.
	plan.Executions++
	plan.Deployed += amount
	plan.NextRunAt = now.Add(plan.Interval)
	if s.completed(plan, now) {
		plan.Status = StatusCompleted
	}
	if err := s.store.UpsertDCA(ctx, *plan); err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.Publish(events.EventDCAExecuted, map[string]any{
			"plan_id": plan.ID, "order_id": child.ID, "amount": amount,
		})
	}
	return execErr
}

// riskAdjust scales the per-execution amount down when recent volatility is
// elevated, floored at a quarter of the configured amount.
func (s *DCAScheduler) riskAdjust(ctx context.Context, instrument string, amount float64) float64 {
	vol, err := s.feed.Indicator(ctx, instrument, "volatility", dcaVolLookback)
	if err != nil {
		return amount
	}
	factor := 1.0 / (1.0 + 10*vol)
	if factor < 0.25 {
		factor = 0.25
	}
	return amount * factor
}
