package executor

import (
	"context"
	"log"

	"trigger-core/internal/order"
	"trigger-core/pkg/chain"
)

// Recover resolves orders found in Executing after a restart. The last
// logged attempt is reconciled against the chain: a landed fill settles the
// order, a confirmed miss returns it to Pending, and anything still unknown
// stays Executing for the next pass.
func (c *Coordinator) Recover(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	for _, o := range c.repo.List(order.StatusExecuting) {
		attempts, err := c.store.ListExecutions(ctx, o.ID)
		if err != nil {
			return err
		}
		if len(attempts) == 0 {
			// Never reached a submission: safe to re-arm.
			if err := c.repo.Transition(ctx, o.ID, order.StatusPending, 0); err != nil {
				return err
			}
			continue
		}

		last := attempts[len(attempts)-1]
		receipt, resolved := c.reconcile(ctx, last.AttemptID)
		if !resolved {
			log.Printf("executor: recover %s: attempt %s still unresolved", o.ID, last.AttemptID)
			continue
		}

		switch receipt.Status {
		case chain.FillConfirmed, chain.FillPartial:
			cur := o
			if err := c.settle(ctx, &cur, receipt, order.ExecType(last.ExecType), last.TriggerReason, OutcomeRecovered); err != nil {
				return err
			}
			log.Printf("executor: recover %s: attempt %s had landed, settled", o.ID, last.AttemptID)
		default:
			if err := c.repo.Transition(ctx, o.ID, order.StatusPending, 0); err != nil {
				return err
			}
			log.Printf("executor: recover %s: attempt %s never landed, re-armed", o.ID, last.AttemptID)
		}
	}
	return nil
}
