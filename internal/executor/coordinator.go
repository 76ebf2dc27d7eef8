// Package executor turns a triggered order into a submitted trade under
// retry, fee escalation and idempotent reconciliation discipline.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"trigger-core/internal/events"
	"trigger-core/internal/monitor"
	"trigger-core/internal/order"
	"trigger-core/internal/resilience"
	"trigger-core/pkg/chain"
	"trigger-core/pkg/db"
)

// DepTradeSubmit names the trade-submission dependency for the guard.
const DepTradeSubmit = "trade-submit"

// EndpointSubmit names the submit endpoint for the rate limiter.
const EndpointSubmit = "submit"

// Attempt outcome labels persisted in the execution log.
const (
	OutcomeFilled    = "filled"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
	OutcomeDenied    = "denied"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
	OutcomeRecovered = "recovered" // timed out but found landed on reconcile
)

// Config tunes the coordinator.
type Config struct {
	SubmitTimeout time.Duration

	// DefaultRetry applies to orders that carry no retry settings of
	// their own.
	DefaultRetry order.RetryConfig
}

// Coordinator executes triggered orders through the resilience layer.
type Coordinator struct {
	repo      *order.Repository
	store     *db.Store
	guard     *resilience.Guard
	submitter chain.Submitter
	bus       *events.Bus
	notifier  chain.Notifier
	metrics   *monitor.SystemMetrics
	cfg       Config

	// sleep is swapped in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator wires the coordinator. Store, bus, notifier and metrics may
// be nil when unused.
func NewCoordinator(repo *order.Repository, store *db.Store, guard *resilience.Guard,
	submitter chain.Submitter, bus *events.Bus, notifier chain.Notifier,
	metrics *monitor.SystemMetrics, cfg Config) *Coordinator {

	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	return &Coordinator{
		repo:      repo,
		store:     store,
		guard:     guard,
		submitter: submitter,
		bus:       bus,
		notifier:  notifier,
		metrics:   metrics,
		cfg:       cfg,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute drives one triggered order to a terminal outcome (or back to
// Pending for a requeued partial). Attempts are strictly sequential; each
// carries a fresh idempotency key, and an ambiguous timeout is always
// reconciled via a status lookup before any resubmission.
func (c *Coordinator) Execute(ctx context.Context, orderID string, execType order.ExecType, triggerReason string) error {
	o, err := c.repo.Get(orderID)
	if err != nil {
		return err
	}
	if o.Status != order.StatusTriggered {
		return fmt.Errorf("executor: order %s in %s, expected TRIGGERED", orderID, o.Status)
	}
	if err := c.repo.Transition(ctx, orderID, order.StatusExecuting, 0); err != nil {
		return err
	}
	c.publish(events.EventOrderSubmitted, orderID)

	retry := o.Exec.Retry
	if retry.MaxAttempts <= 0 {
		retry = c.cfg.DefaultRetry
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}

	// Carries an unresolved attempt id across loop iterations after an
	// ambiguous timeout; while set, no new submission happens.
	pendingAttempt := ""

	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Honor cancellation requested while executing.
		cur, err := c.repo.Get(orderID)
		if err != nil {
			return err
		}
		if cur.Status == order.StatusCancelled {
			log.Printf("executor: order %s cancelled mid-execution, stopping", orderID)
			return nil
		}

		if pendingAttempt != "" {
			receipt, resolved := c.reconcile(ctx, pendingAttempt)
			if !resolved {
				lastErr = chain.ErrTimeout
				c.backoff(ctx, retry, attempt)
				continue
			}
			pendingAttempt = ""
			if receipt.Status == chain.FillConfirmed || receipt.Status == chain.FillPartial {
				return c.settle(ctx, &cur, receipt, execType, triggerReason, OutcomeRecovered)
			}
			// Not landed: fall through to a fresh submission this attempt.
		}

		receipt, attemptID, err := c.submitOnce(ctx, &cur, attempt, execType, triggerReason)
		if err == nil {
			switch receipt.Status {
			case chain.FillConfirmed, chain.FillPartial:
				return c.settle(ctx, &cur, receipt, execType, triggerReason, outcomeFor(receipt.Status))
			default:
				// Landed but failed on-chain. Retry with escalated fee.
				lastErr = fmt.Errorf("executor: attempt %s rejected on-chain", attemptID)
				c.backoff(ctx, retry, attempt)
				continue
			}
		}

		lastErr = err
		switch {
		case errors.Is(err, chain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			// Ambiguous: the trade may have landed. Resolve before any retry.
			pendingAttempt = attemptID
		case resilience.Denied(err):
			// Guard denial is transient; the call never went out.
		default:
			// Plain transient failure.
		}
		c.backoff(ctx, retry, attempt)
	}

	// A still-unresolved attempt keeps the order Executing rather than
	// risking a double submission; the restart path reconciles it.
	if pendingAttempt != "" {
		log.Printf("executor: order %s attempt %s unresolved after retry budget, left EXECUTING for reconciliation",
			orderID, pendingAttempt)
		return fmt.Errorf("executor: order %s outcome unresolved: %w", orderID, lastErr)
	}

	if err := c.repo.Transition(ctx, orderID, order.StatusFailed, 0); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.IncrementFailed()
	}
	c.notify(chain.Event{Kind: "order_failed", OrderID: orderID, Owner: o.Owner,
		Detail: fmt.Sprintf("retry budget exhausted: %v", lastErr)})
	return fmt.Errorf("executor: order %s failed after %d attempts: %w", orderID, retry.MaxAttempts, lastErr)
}

// submitOnce performs one guarded submission with a fresh attempt id.
func (c *Coordinator) submitOnce(ctx context.Context, o *order.Order, attempt int,
	execType order.ExecType, triggerReason string) (chain.Receipt, string, error) {

	attemptID := uuid.NewString()
	if c.metrics != nil {
		c.metrics.IncrementAttempts()
	}

	// The permit is consumed by the call itself; Release is only for calls
	// that never go out, which the guard already handles on denial.
	if _, err := c.guard.Acquire(DepTradeSubmit, EndpointSubmit); err != nil {
		if c.metrics != nil {
			c.metrics.IncrementGuardDenials()
		}
		c.publish(events.EventGuardDenied, orderDenial{OrderID: o.ID, Err: err.Error()})
		c.logAttempt(ctx, o, attemptID, execType, triggerReason, chain.Receipt{}, 0, "", OutcomeDenied, err.Error())
		return chain.Receipt{}, attemptID, err
	}

	congestion := c.submitter.Congestion(ctx)
	fee := o.Exec.Fee.Fee(attempt, congestion.Multiplier())

	subCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	timer := monitorTimer(c.metrics)
	receipt, err := c.submitter.Submit(subCtx, chain.Payload{
		AttemptID:   attemptID,
		OrderID:     o.ID,
		Owner:       o.Owner,
		Instrument:  o.Instrument,
		Side:        string(o.Side),
		Qty:         o.Remaining(),
		PriorityFee: fee,
	})
	if timer != nil {
		timer.Stop()
	}

	if err != nil {
		c.guard.ReportFailure(DepTradeSubmit)
		outcome := OutcomeError
		if errors.Is(err, chain.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			outcome = OutcomeTimeout
		}
		c.logAttempt(ctx, o, attemptID, execType, triggerReason, chain.Receipt{}, fee, string(congestion), outcome, err.Error())
		return chain.Receipt{}, attemptID, err
	}

	c.guard.ReportSuccess(DepTradeSubmit)
	c.logAttempt(ctx, o, attemptID, execType, triggerReason, receipt, fee, string(congestion), outcomeFor(receipt.Status), "")
	return receipt, attemptID, nil
}

// reconcile resolves an ambiguous attempt via a status lookup. The second
// return is false while the outcome is still unknown.
func (c *Coordinator) reconcile(ctx context.Context, attemptID string) (chain.Receipt, bool) {
	if c.metrics != nil {
		c.metrics.IncrementReconciliations()
	}
	receipt, err := c.submitter.Status(ctx, attemptID)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			// Never landed: safe to submit again.
			return chain.Receipt{Status: chain.FillNotFound}, true
		}
		log.Printf("executor: reconcile %s: %v", attemptID, err)
		return chain.Receipt{}, false
	}
	if receipt.Status == chain.FillPending {
		return chain.Receipt{}, false
	}
	return receipt, true
}

// settle records a landed fill and advances the order per its partial-fill
// policy.
func (c *Coordinator) settle(ctx context.Context, o *order.Order, receipt chain.Receipt,
	execType order.ExecType, triggerReason, outcome string) error {

	if outcome == OutcomeRecovered {
		// The original attempt timed out before logging a fill; record the
		// reconciled result so the log shows what actually landed.
		c.logAttempt(ctx, o, uuid.NewString(), execType, triggerReason, receipt, 0, "", OutcomeRecovered, "resolved by status lookup")
	}

	filled := o.FilledQty + receipt.FilledQty
	full := receipt.Status == chain.FillConfirmed || receipt.FilledQty >= o.Remaining()

	if full {
		if err := c.repo.Transition(ctx, o.ID, order.StatusFilled, filled); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.IncrementFilled()
		}
		c.notify(chain.Event{Kind: "order_filled", OrderID: o.ID, Owner: o.Owner,
			Detail: fmt.Sprintf("filled %.6g @ %.6g", receipt.FilledQty, receipt.Price)})
		return nil
	}

	switch o.Exec.PartialFill {
	case order.PartialRequeue:
		if err := c.repo.Requeue(ctx, o.ID, receipt.FilledQty); err != nil {
			return err
		}
		c.notify(chain.Event{Kind: "order_partial_requeued", OrderID: o.ID, Owner: o.Owner,
			Detail: fmt.Sprintf("filled %.6g, remainder requeued", receipt.FilledQty)})
		return nil
	case order.PartialReject:
		if err := c.repo.Transition(ctx, o.ID, order.StatusFailed, filled); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.IncrementFailed()
		}
		c.notify(chain.Event{Kind: "order_failed", OrderID: o.ID, Owner: o.Owner,
			Detail: "partial fill rejected by policy"})
		return nil
	default: // PartialAccept
		if err := c.repo.Transition(ctx, o.ID, order.StatusPartiallyFilled, filled); err != nil {
			return err
		}
		c.notify(chain.Event{Kind: "order_partially_filled", OrderID: o.ID, Owner: o.Owner,
			Detail: fmt.Sprintf("accepted partial %.6g of %.6g", filled, o.Qty)})
		return nil
	}
}

func (c *Coordinator) backoff(ctx context.Context, retry order.RetryConfig, attempt int) {
	if attempt >= retry.MaxAttempts {
		return
	}
	if err := c.sleep(ctx, retry.Backoff(attempt)); err != nil {
		log.Printf("executor: backoff interrupted: %v", err)
	}
}

func (c *Coordinator) logAttempt(ctx context.Context, o *order.Order, attemptID string,
	execType order.ExecType, triggerReason string, receipt chain.Receipt,
	fee float64, congestion, outcome, detail string) {

	if c.store == nil {
		return
	}
	err := c.store.AppendExecution(ctx, db.ExecutionRow{
		AttemptID:     attemptID,
		OrderID:       o.ID,
		ExecType:      string(execType),
		TriggerReason: triggerReason,
		Price:         receipt.Price,
		FilledQty:     receipt.FilledQty,
		PriorityFee:   fee,
		Congestion:    congestion,
		Signature:     receipt.Signature,
		Outcome:       outcome,
		Detail:        detail,
	})
	if err != nil {
		log.Printf("executor: append execution %s: %v", attemptID, err)
	}
}

func (c *Coordinator) publish(e events.Event, payload any) {
	if c.bus != nil {
		c.bus.Publish(e, payload)
	}
}

func (c *Coordinator) notify(e chain.Event) {
	if c.notifier != nil {
		c.notifier.Notify(e)
	}
}

func outcomeFor(s chain.FillStatus) string {
	switch s {
	case chain.FillConfirmed:
		return OutcomeFilled
	case chain.FillPartial:
		return OutcomePartial
	default:
		return OutcomeFailed
	}
}

func monitorTimer(m *monitor.SystemMetrics) *monitor.Timer {
	if m == nil {
		return nil
	}
	return monitor.NewTimer(m.SubmitLatency)
}

type orderDenial struct {
	OrderID string `json:"order_id"`
	Err     string `json:"error"`
}
