package db

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := ApplyMigrations(store); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return store
}

func TestOrderRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	row := OrderRow{
		ID:         "ord-1",
		Owner:      "alice",
		Instrument: "SOL/USDC",
		Side:       "BUY",
		Qty:        10,
		Conditions: `{"type":"price"}`,
		ExecConfig: `{}`,
		Status:     "PENDING",
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := store.InsertOrder(ctx, row); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}

	got, err := store.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got == nil {
		t.Fatal("GetOrder returned nil for existing order")
	}
	if got.Instrument != "SOL/USDC" || got.Status != "PENDING" || got.Qty != 10 {
		t.Fatalf("unexpected row: %+v", got)
	}
	if got.ExpiresAt.IsZero() {
		t.Fatal("expiry was not persisted")
	}

	if err := store.UpdateOrderStatus(ctx, "ord-1", "FILLED", 10); err != nil {
		t.Fatalf("UpdateOrderStatus: %v", err)
	}
	got, _ = store.GetOrder(ctx, "ord-1")
	if got.Status != "FILLED" || got.FilledQty != 10 {
		t.Fatalf("status update not applied: %+v", got)
	}

	missing, err := store.GetOrder(ctx, "nope")
	if err != nil {
		t.Fatalf("GetOrder(missing): %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil for missing order")
	}
}

func TestListOrdersByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, o := range []OrderRow{
		{ID: "a", Owner: "u", Instrument: "X", Side: "BUY", Qty: 1, Conditions: "{}", ExecConfig: "{}", Status: "PENDING"},
		{ID: "b", Owner: "u", Instrument: "X", Side: "BUY", Qty: 1, Conditions: "{}", ExecConfig: "{}", Status: "EXECUTING"},
		{ID: "c", Owner: "u", Instrument: "X", Side: "BUY", Qty: 1, Conditions: "{}", ExecConfig: "{}", Status: "FILLED"},
	} {
		if err := store.InsertOrder(ctx, o); err != nil {
			t.Fatalf("InsertOrder(%s): %v", o.ID, err)
		}
	}

	open, err := store.ListOrdersByStatus(ctx, "PENDING", "EXECUTING")
	if err != nil {
		t.Fatalf("ListOrdersByStatus: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open orders, got %d", len(open))
	}
}

func TestExecutionLogAppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, outcome := range []string{"TRANSIENT_FAILURE", "FILLED"} {
		e := ExecutionRow{
			AttemptID: "att-" + string(rune('a'+i)),
			OrderID:   "ord-1",
			ExecType:  "TRIGGER",
			Outcome:   outcome,
		}
		if err := store.AppendExecution(ctx, e); err != nil {
			t.Fatalf("AppendExecution: %v", err)
		}
	}

	execs, err := store.ListExecutions(ctx, "ord-1")
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(execs))
	}
	if execs[1].Outcome != "FILLED" {
		t.Fatalf("expected last outcome FILLED, got %s", execs[1].Outcome)
	}
}

func TestLeaderTradeDedupe(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fresh, err := store.MarkLeaderTradeSeen(ctx, "leader-1", "trade-1")
	if err != nil {
		t.Fatalf("MarkLeaderTradeSeen: %v", err)
	}
	if !fresh {
		t.Fatal("first sighting should be fresh")
	}

	again, err := store.MarkLeaderTradeSeen(ctx, "leader-1", "trade-1")
	if err != nil {
		t.Fatalf("MarkLeaderTradeSeen repeat: %v", err)
	}
	if again {
		t.Fatal("repeat sighting must not be fresh")
	}
}

func TestDCAUpsertProgress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d := DCARow{
		ID: "dca-1", Owner: "u", Instrument: "SOL/USDC", Side: "BUY",
		Amount: 25, Interval: 3600 * time.Second, MaxExecutions: 3,
		Status: "ACTIVE", NextRunAt: time.Now(),
	}
	if err := store.UpsertDCA(ctx, d); err != nil {
		t.Fatalf("UpsertDCA: %v", err)
	}

	d.Executions = 3
	d.Deployed = 75
	d.Status = "COMPLETED"
	if err := store.UpsertDCA(ctx, d); err != nil {
		t.Fatalf("UpsertDCA update: %v", err)
	}

	done, err := store.ListDCA(ctx, "COMPLETED")
	if err != nil {
		t.Fatalf("ListDCA: %v", err)
	}
	if len(done) != 1 || done[0].Executions != 3 || done[0].Interval != time.Hour {
		t.Fatalf("unexpected strategies: %+v", done)
	}
}
