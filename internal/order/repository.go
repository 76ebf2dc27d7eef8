package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"trigger-core/internal/events"
	"trigger-core/internal/trigger"
	"trigger-core/pkg/db"
)

var (
	ErrNotFound          = errors.New("order: not found")
	ErrInvalidTransition = errors.New("order: invalid status transition")
	ErrInvalidOrder      = errors.New("order: invalid configuration")
	ErrBusy              = errors.New("order: operation already in flight")
)

// allowedTransitions is the lifecycle table. Terminal states absorb: they
// appear as sources of nothing.
var allowedTransitions = map[Status][]Status{
	StatusPending:   {StatusTriggered, StatusCancelled, StatusExpired},
	StatusTriggered: {StatusExecuting, StatusCancelled, StatusExpired},
	StatusExecuting: {StatusFilled, StatusPartiallyFilled, StatusFailed, StatusPending, StatusCancelled},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Repository holds live orders in memory, mirrors every change to the store,
// and serializes per-order mutation with single-flight guards.
type Repository struct {
	mu     sync.RWMutex
	orders map[string]*Order
	flight map[string]bool

	store *db.Store
	bus   *events.Bus
}

// NewRepository creates an empty repository backed by the given store. The
// store may be nil in tests that do not exercise persistence.
func NewRepository(store *db.Store, bus *events.Bus) *Repository {
	return &Repository{
		orders: make(map[string]*Order),
		flight: make(map[string]bool),
		store:  store,
		bus:    bus,
	}
}

// Load restores non-terminal orders from the store so a restart resumes
// in-flight work instead of duplicating it. Orders found in Executing are
// left there for the coordinator to reconcile.
func (r *Repository) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	rows, err := r.store.ListOrdersByStatus(ctx,
		string(StatusPending), string(StatusTriggered), string(StatusExecuting))
	if err != nil {
		return fmt.Errorf("order: load: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		o, err := fromRow(row)
		if err != nil {
			log.Printf("order: skipping unreadable order %s: %v", row.ID, err)
			continue
		}
		r.orders[o.ID] = o
	}
	log.Printf("order: restored %d in-flight orders", len(r.orders))
	return nil
}

// Create validates and stores a new order in Pending.
func (r *Repository) Create(ctx context.Context, o *Order) error {
	if err := validate(o); err != nil {
		return err
	}
	if err := r.checkPositionLimit(o); err != nil {
		return err
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.Status = StatusPending

	if r.store != nil {
		row, err := toRow(o)
		if err != nil {
			return err
		}
		if err := r.store.InsertOrder(ctx, row); err != nil {
			return fmt.Errorf("order: persist %s: %w", o.ID, err)
		}
	}

	r.mu.Lock()
	r.orders[o.ID] = o
	r.mu.Unlock()

	r.publish(events.EventOrderUpdate, o)
	return nil
}

// Get returns a copy of the order, or ErrNotFound.
func (r *Repository) Get(id string) (Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return *o, nil
}

// List returns copies of orders in any of the given statuses, or all orders
// when none are given.
func (r *Repository) List(statuses ...Status) []Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []Order
	for _, o := range r.orders {
		if len(statuses) == 0 {
			res = append(res, *o)
			continue
		}
		for _, s := range statuses {
			if o.Status == s {
				res = append(res, *o)
				break
			}
		}
	}
	return res
}

// TryAcquire takes the single-flight guard for an order. It returns false if
// another caller holds it, which is how concurrent ticks are prevented from
// double-triggering the same order.
func (r *Repository) TryAcquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flight[id] {
		return false
	}
	r.flight[id] = true
	return true
}

// Release returns the single-flight guard.
func (r *Repository) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flight, id)
}

// Transition moves an order to a new status, enforcing the lifecycle table
// and persisting the change. Terminal states absorb; a disallowed move
// returns ErrInvalidTransition without touching anything.
func (r *Repository) Transition(ctx context.Context, id string, to Status, filledQty float64) error {
	r.mu.Lock()
	o, ok := r.orders[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if !transitionAllowed(o.Status, to) {
		from := o.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	o.Status = to
	if filledQty > o.FilledQty {
		o.FilledQty = filledQty
	}
	snapshot := *o
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpdateOrderStatus(ctx, id, string(to), snapshot.FilledQty); err != nil {
			return fmt.Errorf("order: persist status %s: %w", id, err)
		}
	}

	r.publish(statusEvent(to), &snapshot)
	return nil
}

// Requeue rewrites a partially filled order back to Pending for its
// remainder. Only valid from Executing, per the requeue partial-fill policy.
func (r *Repository) Requeue(ctx context.Context, id string, filledQty float64) error {
	r.mu.Lock()
	o, ok := r.orders[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if o.Status != StatusExecuting {
		from := o.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: requeue from %s", ErrInvalidTransition, from)
	}
	o.FilledQty += filledQty
	o.Status = StatusPending
	snapshot := *o
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpdateOrderQty(ctx, id, snapshot.Qty, snapshot.FilledQty, string(StatusPending)); err != nil {
			return fmt.Errorf("order: persist requeue %s: %w", id, err)
		}
	}

	r.publish(events.EventOrderUpdate, &snapshot)
	return nil
}

// Cancel moves any non-terminal order to Cancelled.
func (r *Repository) Cancel(ctx context.Context, id string) error {
	r.mu.RLock()
	o, ok := r.orders[id]
	var status Status
	if ok {
		status = o.Status
	}
	r.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}
	if status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, StatusCancelled)
	}
	return r.Transition(ctx, id, StatusCancelled, 0)
}

// Expire moves an order past its expiry to Expired. Checked each tick before
// trigger evaluation.
func (r *Repository) Expire(ctx context.Context, id string) error {
	return r.Transition(ctx, id, StatusExpired, 0)
}

func (r *Repository) publish(e events.Event, o *Order) {
	if r.bus != nil {
		r.bus.Publish(e, o)
	}
}

func statusEvent(s Status) events.Event {
	switch s {
	case StatusFilled:
		return events.EventOrderFilled
	case StatusPartiallyFilled:
		return events.EventOrderPartialFill
	case StatusFailed:
		return events.EventOrderFailed
	case StatusCancelled:
		return events.EventOrderCancelled
	case StatusExpired:
		return events.EventOrderExpired
	default:
		return events.EventOrderUpdate
	}
}

func validate(o *Order) error {
	if o.Instrument == "" {
		return fmt.Errorf("%w: missing instrument", ErrInvalidOrder)
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, o.Side)
	}
	if o.Qty <= 0 {
		return fmt.Errorf("%w: qty %f", ErrInvalidOrder, o.Qty)
	}
	if o.Conditions == nil {
		return fmt.Errorf("%w: missing conditions", ErrInvalidOrder)
	}
	if o.Exec.Risk.MaxOrderQty > 0 && o.Qty > o.Exec.Risk.MaxOrderQty {
		return fmt.Errorf("%w: qty %f exceeds risk limit %f",
			ErrInvalidOrder, o.Qty, o.Exec.Risk.MaxOrderQty)
	}
	return nil
}

// checkPositionLimit caps total live exposure per owner and instrument.
// Exposure counts the unfilled remainder of every non-terminal order.
func (r *Repository) checkPositionLimit(o *Order) error {
	lim := o.Exec.Risk.MaxPositionSize
	if lim <= 0 {
		return nil
	}
	r.mu.RLock()
	open := 0.0
	for _, cur := range r.orders {
		if cur.Owner == o.Owner && cur.Instrument == o.Instrument && !cur.Status.Terminal() {
			open += cur.Remaining()
		}
	}
	r.mu.RUnlock()
	if open+o.Qty > lim {
		return fmt.Errorf("%w: open position %f plus qty %f exceeds limit %f",
			ErrInvalidOrder, open, o.Qty, lim)
	}
	return nil
}

func toRow(o *Order) (db.OrderRow, error) {
	condJSON, err := trigger.MarshalCondition(o.Conditions)
	if err != nil {
		return db.OrderRow{}, fmt.Errorf("order: encode conditions: %w", err)
	}
	execJSON, err := json.Marshal(o.Exec)
	if err != nil {
		return db.OrderRow{}, fmt.Errorf("order: encode exec config: %w", err)
	}
	return db.OrderRow{
		ID:          o.ID,
		Owner:       o.Owner,
		Instrument:  o.Instrument,
		Side:        string(o.Side),
		Qty:         o.Qty,
		FilledQty:   o.FilledQty,
		Conditions:  string(condJSON),
		ExecConfig:  string(execJSON),
		Status:      string(o.Status),
		StrategyTag: o.Meta.StrategyTag,
		ParentID:    o.Meta.ParentID,
		CreatedAt:   o.CreatedAt,
		ExpiresAt:   o.ExpiresAt,
	}, nil
}

func fromRow(row db.OrderRow) (*Order, error) {
	cond, err := trigger.UnmarshalCondition([]byte(row.Conditions))
	if err != nil {
		return nil, fmt.Errorf("order: decode conditions: %w", err)
	}
	var exec ExecConfig
	if err := json.Unmarshal([]byte(row.ExecConfig), &exec); err != nil {
		return nil, fmt.Errorf("order: decode exec config: %w", err)
	}
	return &Order{
		ID:         row.ID,
		Owner:      row.Owner,
		Instrument: row.Instrument,
		Side:       Side(row.Side),
		Qty:        row.Qty,
		FilledQty:  row.FilledQty,
		Conditions: cond,
		Exec:       exec,
		Status:     Status(row.Status),
		Meta:       Metadata{StrategyTag: row.StrategyTag, ParentID: row.ParentID},
		CreatedAt:  row.CreatedAt,
		ExpiresAt:  row.ExpiresAt,
	}, nil
}
