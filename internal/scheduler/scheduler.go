package scheduler

import (
	"context"
	"time"

	"trigger-core/internal/executor"
	"trigger-core/internal/order"
)

// Strategy lifecycle statuses shared across the three schedulers.
const (
	StatusActive    = "ACTIVE"
	StatusPaused    = "PAUSED"
	StatusCompleted = "COMPLETED"
	StatusCancelled = "CANCELLED"

	StatusArmed     = "ARMED"
	StatusTriggered = "TRIGGERED"

	CopyPending = "PENDING"
	CopySuccess = "SUCCESS"
	CopyFailed  = "FAILED"
	CopySkipped = "SKIPPED"
)

// runLoop ticks fn on the interval until the context is cancelled.
func runLoop(ctx context.Context, interval time.Duration, fn func(context.Context, time.Time)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fn(ctx, now)
		}
	}
}

// createAndExecute pushes a scheduler-created child order through the full
// lifecycle synchronously.
func createAndExecute(ctx context.Context, repo *order.Repository, coord *executor.Coordinator,
	o *order.Order, reason string) error {

	if err := repo.Create(ctx, o); err != nil {
		return err
	}
	if err := repo.Transition(ctx, o.ID, order.StatusTriggered, 0); err != nil {
		return err
	}
	return coord.Execute(ctx, o.ID, order.ExecScheduled, reason)
}
