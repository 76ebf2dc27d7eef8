package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trigger-core/internal/events"
	"trigger-core/internal/order"
	"trigger-core/internal/resilience"
	"trigger-core/internal/trigger"
	"trigger-core/pkg/chain"
	"trigger-core/pkg/db"
)

// fakeSubmitter scripts submission outcomes per call.
type fakeSubmitter struct {
	mu       sync.Mutex
	submits  []func(p chain.Payload) (chain.Receipt, error)
	statusFn func(attemptID string) (chain.Receipt, error)
	calls    int
	attempts []string
}

func (f *fakeSubmitter) Submit(ctx context.Context, p chain.Payload) (chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.attempts = append(f.attempts, p.AttemptID)
	if i < len(f.submits) {
		return f.submits[i](p)
	}
	return chain.Receipt{Status: chain.FillConfirmed, FilledQty: p.Qty, Price: 100}, nil
}

func (f *fakeSubmitter) Status(ctx context.Context, attemptID string) (chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusFn != nil {
		return f.statusFn(attemptID)
	}
	return chain.Receipt{Status: chain.FillNotFound}, nil
}

func (f *fakeSubmitter) Congestion(ctx context.Context) chain.CongestionLevel {
	return chain.CongestionLow
}

func (f *fakeSubmitter) submitCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	repo  *order.Repository
	store *db.Store
	guard *resilience.Guard
	sub   *fakeSubmitter
	coord *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bus := events.NewBus()
	repo := order.NewRepository(store, bus)
	guard := resilience.NewGuard(
		resilience.LimiterConfig{GlobalRPS: 1000, EndpointRPM: 1000, BurstSize: 10, Cooldown: time.Second},
		resilience.BreakerConfig{FailureThreshold: 100, SuccessThreshold: 1, Timeout: time.Minute},
	)
	sub := &fakeSubmitter{}
	coord := NewCoordinator(repo, store, guard, sub, bus, nil, nil,
		Config{SubmitTimeout: time.Second})
	coord.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	return &harness{repo: repo, store: store, guard: guard, sub: sub, coord: coord}
}

func (h *harness) triggeredOrder(t *testing.T, mutate func(*order.Order)) *order.Order {
	t.Helper()
	ctx := context.Background()
	o := &order.Order{
		Owner:      "alice",
		Instrument: "SOL-USDC",
		Side:       order.SideBuy,
		Qty:        10,
		Conditions: &trigger.PriceCondition{ID: "p1", Cmp: trigger.CmpGTE, Ref: 100},
		Exec:       order.DefaultExecConfig(),
	}
	if mutate != nil {
		mutate(o)
	}
	if err := h.repo.Create(ctx, o); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.repo.Transition(ctx, o.ID, order.StatusTriggered, 0); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	return o
}

func TestExecuteFillsOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.triggeredOrder(t, nil)

	if err := h.coord.Execute(ctx, o.ID, order.ExecTrigger, "price >= 100"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := h.repo.Get(o.ID)
	if got.Status != order.StatusFilled {
		t.Fatalf("status = %s, expected FILLED", got.Status)
	}
	if got.FilledQty != 10 {
		t.Fatalf("filled = %f, expected 10", got.FilledQty)
	}

	log, err := h.store.ListExecutions(ctx, o.ID)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(log) != 1 || log[0].Outcome != OutcomeFilled {
		t.Fatalf("execution log = %+v, expected one filled attempt", log)
	}
	if log[0].TriggerReason != "price >= 100" {
		t.Fatalf("trigger reason = %q", log[0].TriggerReason)
	}
}

func TestRetryBudgetExhaustedFailsOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	fail := func(p chain.Payload) (chain.Receipt, error) {
		return chain.Receipt{}, chain.ErrUnavailable
	}
	h.sub.submits = []func(chain.Payload) (chain.Receipt, error){fail, fail, fail, fail}

	o := h.triggeredOrder(t, func(o *order.Order) {
		o.Exec.Retry.MaxAttempts = 3
	})

	if err := h.coord.Execute(ctx, o.ID, order.ExecTrigger, "r"); err == nil {
		t.Fatal("Execute should report failure after budget exhausted")
	}

	got, _ := h.repo.Get(o.ID)
	if got.Status != order.StatusFailed {
		t.Fatalf("status = %s, expected FAILED", got.Status)
	}
	if h.sub.submitCalls() != 3 {
		t.Fatalf("submissions = %d, expected 3", h.sub.submitCalls())
	}

	log, _ := h.store.ListExecutions(ctx, o.ID)
	if len(log) != 3 {
		t.Fatalf("execution log entries = %d, expected 3", len(log))
	}
	// Every attempt carries a distinct idempotency key.
	seen := map[string]bool{}
	for _, e := range log {
		if seen[e.AttemptID] {
			t.Fatalf("attempt id %s reused", e.AttemptID)
		}
		seen[e.AttemptID] = true
	}
}

func TestTimeoutLandedIsReconciledNotResubmitted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The submission lands on-chain but the caller sees a timeout.
	h.sub.submits = []func(chain.Payload) (chain.Receipt, error){
		func(p chain.Payload) (chain.Receipt, error) {
			return chain.Receipt{}, chain.ErrTimeout
		},
	}
	h.sub.statusFn = func(attemptID string) (chain.Receipt, error) {
		return chain.Receipt{Signature: "sig-1", Status: chain.FillConfirmed, FilledQty: 10, Price: 101}, nil
	}

	o := h.triggeredOrder(t, nil)
	if err := h.coord.Execute(ctx, o.ID, order.ExecTrigger, "r"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := h.repo.Get(o.ID)
	if got.Status != order.StatusFilled {
		t.Fatalf("status = %s, expected FILLED", got.Status)
	}
	// One submission only: the timed-out attempt was resolved by a status
	// lookup, never resubmitted.
	if h.sub.submitCalls() != 1 {
		t.Fatalf("submissions = %d, expected 1", h.sub.submitCalls())
	}
}

func TestTimeoutNotLandedRetriesWithFreshAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sub.submits = []func(chain.Payload) (chain.Receipt, error){
		func(p chain.Payload) (chain.Receipt, error) {
			return chain.Receipt{}, chain.ErrTimeout
		},
		// second submission succeeds (default behavior)
	}
	// Status lookup confirms the first attempt never landed.
	h.sub.statusFn = func(attemptID string) (chain.Receipt, error) {
		return chain.Receipt{Status: chain.FillNotFound}, nil
	}

	o := h.triggeredOrder(t, nil)
	if err := h.coord.Execute(ctx, o.ID, order.ExecTrigger, "r"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := h.repo.Get(o.ID)
	if got.Status != order.StatusFilled {
		t.Fatalf("status = %s, expected FILLED", got.Status)
	}
	if h.sub.submitCalls() != 2 {
		t.Fatalf("submissions = %d, expected 2", h.sub.submitCalls())
	}
	h.sub.mu.Lock()
	a, b := h.sub.attempts[0], h.sub.attempts[1]
	h.sub.mu.Unlock()
	if a == b {
		t.Fatal("retry reused the timed-out attempt id")
	}
}

func TestGuardDenialConsumesRetryBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Open the breaker so every acquire is denied.
	strict := resilience.NewGuard(
		resilience.LimiterConfig{GlobalRPS: 1000, EndpointRPM: 1000, BurstSize: 10, Cooldown: time.Second},
		resilience.BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour},
	)
	strict.ReportFailure(DepTradeSubmit)
	h.coord.guard = strict

	o := h.triggeredOrder(t, func(o *order.Order) {
		o.Exec.Retry.MaxAttempts = 2
	})

	err := h.coord.Execute(ctx, o.ID, order.ExecTrigger, "r")
	if err == nil {
		t.Fatal("Execute should fail once the budget is spent on denials")
	}
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, expected wrapped ErrCircuitOpen", err)
	}

	// The call never went out.
	if h.sub.submitCalls() != 0 {
		t.Fatalf("submissions = %d, expected 0", h.sub.submitCalls())
	}

	got, _ := h.repo.Get(o.ID)
	if got.Status != order.StatusFailed {
		t.Fatalf("status = %s, expected FAILED", got.Status)
	}
	log, _ := h.store.ListExecutions(ctx, o.ID)
	for _, e := range log {
		if e.Outcome != OutcomeDenied {
			t.Fatalf("outcome = %s, expected denied", e.Outcome)
		}
	}
}

func TestPartialFillPolicies(t *testing.T) {
	partial := func(p chain.Payload) (chain.Receipt, error) {
		return chain.Receipt{Signature: "s", Status: chain.FillPartial, FilledQty: 4, Price: 100}, nil
	}

	tests := []struct {
		name       string
		policy     order.PartialFillPolicy
		wantStatus order.Status
		wantFilled float64
	}{
		{"accept is terminal", order.PartialAccept, order.StatusPartiallyFilled, 4},
		{"requeue re-arms remainder", order.PartialRequeue, order.StatusPending, 4},
		{"reject fails order", order.PartialReject, order.StatusFailed, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.sub.submits = []func(chain.Payload) (chain.Receipt, error){partial}

			o := h.triggeredOrder(t, func(o *order.Order) {
				o.Exec.PartialFill = tt.policy
			})

			if err := h.coord.Execute(ctx, o.ID, order.ExecTrigger, "r"); err != nil {
				t.Fatalf("Execute: %v", err)
			}

			got, _ := h.repo.Get(o.ID)
			if got.Status != tt.wantStatus {
				t.Fatalf("status = %s, expected %s", got.Status, tt.wantStatus)
			}
			if got.FilledQty != tt.wantFilled {
				t.Fatalf("filled = %f, expected %f", got.FilledQty, tt.wantFilled)
			}
			if tt.policy == order.PartialRequeue && got.Remaining() != 6 {
				t.Fatalf("remaining = %f, expected 6", got.Remaining())
			}
		})
	}
}

func TestCancellationHonoredBeforeRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var o *order.Order
	h.sub.submits = []func(chain.Payload) (chain.Receipt, error){
		func(p chain.Payload) (chain.Receipt, error) {
			// A cancel request arrives while the first attempt is failing.
			if err := h.repo.Cancel(ctx, o.ID); err != nil {
				t.Errorf("Cancel: %v", err)
			}
			return chain.Receipt{}, chain.ErrUnavailable
		},
	}

	o = h.triggeredOrder(t, func(o *order.Order) {
		o.Exec.Retry.MaxAttempts = 5
	})

	if err := h.coord.Execute(ctx, o.ID, order.ExecTrigger, "r"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := h.repo.Get(o.ID)
	if got.Status != order.StatusCancelled {
		t.Fatalf("status = %s, expected CANCELLED", got.Status)
	}
	if h.sub.submitCalls() != 1 {
		t.Fatalf("submissions = %d, expected 1 (no retry after cancel)", h.sub.submitCalls())
	}
}

func TestRecoverSettlesLandedAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.triggeredOrder(t, nil)
	if err := h.repo.Transition(ctx, o.ID, order.StatusExecuting, 0); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	// Simulate a crash after submission: the attempt is logged, the outcome
	// unknown.
	if err := h.store.AppendExecution(ctx, db.ExecutionRow{
		AttemptID: "attempt-crash", OrderID: o.ID,
		ExecType: string(order.ExecTrigger), Outcome: OutcomeTimeout,
	}); err != nil {
		t.Fatalf("AppendExecution: %v", err)
	}
	h.sub.statusFn = func(attemptID string) (chain.Receipt, error) {
		if attemptID != "attempt-crash" {
			t.Errorf("reconciled wrong attempt %s", attemptID)
		}
		return chain.Receipt{Signature: "s", Status: chain.FillConfirmed, FilledQty: 10, Price: 100}, nil
	}

	if err := h.coord.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, _ := h.repo.Get(o.ID)
	if got.Status != order.StatusFilled {
		t.Fatalf("status = %s, expected FILLED", got.Status)
	}
}

func TestRecoverReArmsUnlandedAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.triggeredOrder(t, nil)
	h.repo.Transition(ctx, o.ID, order.StatusExecuting, 0)
	h.store.AppendExecution(ctx, db.ExecutionRow{
		AttemptID: "attempt-lost", OrderID: o.ID,
		ExecType: string(order.ExecTrigger), Outcome: OutcomeTimeout,
	})
	// Status says the attempt never landed.

	if err := h.coord.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, _ := h.repo.Get(o.ID)
	if got.Status != order.StatusPending {
		t.Fatalf("status = %s, expected PENDING", got.Status)
	}
}
