// Package engine runs the evaluation tick loop: it scans pending orders,
// checks expiry, evaluates condition trees against the market feed, and hands
// fired orders to the execution coordinator.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"trigger-core/internal/events"
	"trigger-core/internal/executor"
	"trigger-core/internal/market"
	"trigger-core/internal/monitor"
	"trigger-core/internal/order"
	"trigger-core/internal/trigger"
)

// Engine drives pending orders through trigger evaluation.
type Engine struct {
	repo    *order.Repository
	eval    *trigger.Evaluator
	feed    market.Feed
	coord   *executor.Coordinator
	bus     *events.Bus
	metrics *monitor.SystemMetrics
	tick    time.Duration

	wg sync.WaitGroup
}

// FiredPayload is published on EventTriggerFired.
type FiredPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// New wires the engine. Bus and metrics may be nil.
func New(repo *order.Repository, eval *trigger.Evaluator, feed market.Feed,
	coord *executor.Coordinator, bus *events.Bus, metrics *monitor.SystemMetrics,
	tick time.Duration) *Engine {

	if tick <= 0 {
		tick = time.Second
	}
	return &Engine{
		repo:    repo,
		eval:    eval,
		feed:    feed,
		coord:   coord,
		bus:     bus,
		metrics: metrics,
		tick:    tick,
	}
}

// Run loops until the context is cancelled, then waits for in-flight
// executions to finish.
func (e *Engine) Run(ctx context.Context) {
	log.Printf("engine: tick loop started (interval %v)", e.tick)
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("engine: tick loop stopping")
			e.wg.Wait()
			return
		case <-ticker.C:
			e.Tick(ctx, time.Now())
		}
	}
}

// Tick runs one evaluation pass over all pending orders. Different orders
// execute concurrently; a single order is protected by its single-flight
// guard so two overlapping ticks cannot double-trigger it.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	if e.metrics != nil {
		e.metrics.IncrementTicks()
	}

	for _, o := range e.repo.List(order.StatusPending) {
		o := o
		if !e.repo.TryAcquire(o.ID) {
			continue
		}

		// Expiry is checked before evaluation each tick.
		if o.Expired(now) {
			if err := e.repo.Expire(ctx, o.ID); err != nil {
				log.Printf("engine: expire %s: %v", o.ID, err)
			}
			e.eval.Forget(o.ID)
			e.repo.Release(o.ID)
			continue
		}

		var timer *monitor.Timer
		if e.metrics != nil {
			timer = monitor.NewTimer(e.metrics.EvalLatency)
		}
		snap, err := e.feed.Snapshot(ctx, o.Instrument)
		if err != nil {
			// Evaluate anyway: an invalid snapshot yields false with a
			// diagnostic reason and resets the edge state.
			snap = market.Snapshot{Instrument: o.Instrument}
		}
		res := e.eval.Evaluate(o.ID, o.Conditions, snap, now)
		if timer != nil {
			timer.Stop()
		}

		if !res.Fired {
			e.repo.Release(o.ID)
			continue
		}

		if e.metrics != nil {
			e.metrics.IncrementTriggers()
		}
		if e.bus != nil {
			e.bus.Publish(events.EventTriggerFired, FiredPayload{OrderID: o.ID, Reason: res.Reason})
		}
		log.Printf("engine: order %s fired: %s", o.ID, res.Reason)

		// Execution proceeds concurrently across orders; the guard is held
		// until this order reaches its outcome.
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.repo.Release(o.ID)
			e.execute(ctx, o.ID, res.Reason)
		}()
	}
}

func (e *Engine) execute(ctx context.Context, orderID, reason string) {
	if err := e.repo.Transition(ctx, orderID, order.StatusTriggered, 0); err != nil {
		log.Printf("engine: trigger %s: %v", orderID, err)
		return
	}
	if err := e.coord.Execute(ctx, orderID, order.ExecTrigger, reason); err != nil {
		log.Printf("engine: execute %s: %v", orderID, err)
	}

	if o, err := e.repo.Get(orderID); err == nil && o.Status.Terminal() {
		e.eval.Forget(orderID)
	}
}

// Wait blocks until all in-flight executions launched by ticks have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}
