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

// TrailingManager advances water-marks for armed stops and fires exit orders
// when price crosses the trailed stop level.
type TrailingManager struct {
	store *db.Store
	repo  *order.Repository
	coord *executor.Coordinator
	feed  market.Feed
	bus   *events.Bus
	tick  time.Duration
}

// NewTrailingManager wires the trailing stop loop. Bus may be nil.
func NewTrailingManager(store *db.Store, repo *order.Repository, coord *executor.Coordinator,
	feed market.Feed, bus *events.Bus, tick time.Duration) *TrailingManager {
	return &TrailingManager{store: store, repo: repo, coord: coord, feed: feed, bus: bus, tick: tick}
}

// Run ticks until the context is cancelled.
func (m *TrailingManager) Run(ctx context.Context) {
	log.Printf("trailing: manager started (interval %v)", m.tick)
	runLoop(ctx, m.tick, m.Tick)
}

// Tick updates every armed stop from the latest available price. Missed
// ticks are tolerated: the water-mark only ever sees real prices, never
// interpolations.
func (m *TrailingManager) Tick(ctx context.Context, now time.Time) {
	stops, err := m.store.ListTrailingStops(ctx, StatusArmed)
	if err != nil {
		log.Printf("trailing: list stops: %v", err)
		return
	}

	for _, stop := range stops {
		price, err := m.feed.Price(ctx, stop.Instrument)
		if err != nil {
			// no fresh price for this instrument; try again next tick
			continue
		}
		if err := m.advance(ctx, &stop, price); err != nil {
			log.Printf("trailing: stop %s: %v", stop.ID, err)
		}
	}
}

// advance moves the water-mark in the favorable direction only, then checks
// the stop level. Side is the exit order's side: SELL guards a long
// position, BUY guards a short.
func (m *TrailingManager) advance(ctx context.Context, stop *db.TrailingStopRow, price float64) error {
	long := stop.Side == string(order.SideSell)

	if stop.WaterMark == 0 {
		// Not yet active: wait for the activation price, then seed the mark.
		if stop.ActivationPrice > 0 {
			if long && price < stop.ActivationPrice {
				return nil
			}
			if !long && price > stop.ActivationPrice {
				return nil
			}
		}
		stop.WaterMark = price
		return m.store.UpsertTrailingStop(ctx, *stop)
	}

	moved := false
	if long && price > stop.WaterMark {
		stop.WaterMark = price
		moved = true
	}
	if !long && price < stop.WaterMark {
		stop.WaterMark = price
		moved = true
	}

	stopPrice := m.stopPrice(stop, long)
	crossed := (long && price <= stopPrice) || (!long && price >= stopPrice)

	if !crossed {
		if moved {
			return m.store.UpsertTrailingStop(ctx, *stop)
		}
		return nil
	}

	// Armed -> Triggered exactly once; the status change removes the stop
	// from subsequent ticks before the exit order goes out.
	stop.Status = StatusTriggered
	if err := m.store.UpsertTrailingStop(ctx, *stop); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.Publish(events.EventStopTriggered, map[string]any{
			"stop_id": stop.ID, "price": price, "stop_price": stopPrice,
		})
	}
	log.Printf("trailing: stop %s triggered at %.6g (stop price %.6g from mark %.6g)",
		stop.ID, price, stopPrice, stop.WaterMark)

	exit := &order.Order{
		Owner:      stop.Owner,
		Instrument: stop.Instrument,
		Side:       order.Side(stop.Side),
		Qty:        stop.Qty,
		Conditions: &trigger.TimeCondition{ID: "stop-now", Mode: trigger.TimeAt, At: time.Now()},
		Exec:       order.DefaultExecConfig(),
		Meta:       order.Metadata{StrategyTag: "trailing_stop", ParentID: stop.ID},
	}
	reason := fmt.Sprintf("trailing stop %s: price %.6g crossed %.6g", stop.ID, price, stopPrice)
	return createAndExecute(ctx, m.repo, m.coord, exit, reason)
}

func (m *TrailingManager) stopPrice(stop *db.TrailingStopRow, long bool) float64 {
	if long {
		return stop.WaterMark * (1 - stop.TrailPct/100)
	}
	return stop.WaterMark * (1 + stop.TrailPct/100)
}
