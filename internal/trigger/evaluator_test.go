package trigger

import (
	"strings"
	"testing"
	"time"

	"trigger-core/internal/market"
)

func snapAt(price float64, at time.Time) market.Snapshot {
	return market.Snapshot{
		Instrument: "SOL-USDC",
		LastPrice:  price,
		MidPrice:   price,
		Volume:     0,
		At:         at,
		Valid:      true,
	}
}

type fixedIndicators map[string]float64

func (f fixedIndicators) Value(instrument, kind string, lookback int) (float64, bool) {
	v, ok := f[kind]
	return v, ok
}

func TestEdgeTriggerFiresOncePerEdge(t *testing.T) {
	e := NewEvaluator()
	cond := &PriceCondition{ID: "p1", Cmp: CmpGTE, Ref: 100}
	now := time.Now()

	if r := e.Evaluate("ord-1", cond, snapAt(95, now), now); r.Fired {
		t.Fatalf("fired below reference: %s", r.Reason)
	}

	r := e.Evaluate("ord-1", cond, snapAt(101, now), now)
	if !r.Fired {
		t.Fatalf("did not fire on false->true edge: %s", r.Reason)
	}

	// Condition stays true: no re-fire on subsequent ticks.
	for i := 0; i < 3; i++ {
		if r := e.Evaluate("ord-1", cond, snapAt(102+float64(i), now), now); r.Fired {
			t.Fatalf("re-fired on tick %d while condition stayed true", i)
		}
	}

	// Falls back below, then crosses again: a fresh edge fires again.
	e.Evaluate("ord-1", cond, snapAt(90, now), now)
	if r := e.Evaluate("ord-1", cond, snapAt(105, now), now); !r.Fired {
		t.Fatal("did not fire on second false->true edge")
	}
}

func TestCrossAboveNeedsPriorSampleBelow(t *testing.T) {
	e := NewEvaluator()
	cond := &PriceCondition{ID: "p1", Cmp: CmpCrossAbove, Ref: 100}
	now := time.Now()

	// First sample already above the reference: no crossing observed.
	if r := e.Evaluate("ord-1", cond, snapAt(110, now), now); r.Fired {
		t.Fatal("fired without an observed crossing")
	}
	if r := e.Evaluate("ord-1", cond, snapAt(120, now), now); r.Fired {
		t.Fatal("fired while staying above without crossing")
	}

	// Dips below, then crosses: now it fires.
	e.Evaluate("ord-1", cond, snapAt(95, now), now)
	if r := e.Evaluate("ord-1", cond, snapAt(101, now), now); !r.Fired {
		t.Fatalf("did not fire on genuine crossing: %s", r.Reason)
	}
}

func TestCrossBelow(t *testing.T) {
	e := NewEvaluator()
	cond := &PriceCondition{ID: "p1", Cmp: CmpCrossBelow, Ref: 100}
	now := time.Now()

	e.Evaluate("ord-1", cond, snapAt(105, now), now)
	if r := e.Evaluate("ord-1", cond, snapAt(99, now), now); !r.Fired {
		t.Fatalf("did not fire on downward crossing: %s", r.Reason)
	}
}

func TestInvalidSnapshotIsFalseNotError(t *testing.T) {
	e := NewEvaluator()
	cond := &PriceCondition{ID: "p1", Cmp: CmpGTE, Ref: 100}
	now := time.Now()

	stale := market.Snapshot{Instrument: "SOL-USDC", Valid: false}
	r := e.Evaluate("ord-1", cond, stale, now)
	if r.Fired {
		t.Fatal("fired on invalid snapshot")
	}
	if !strings.Contains(r.Reason, "unavailable") {
		t.Fatalf("reason = %q, expected unavailable diagnostic", r.Reason)
	}

	// Fresh data arriving true still produces a clean edge.
	if r := e.Evaluate("ord-1", cond, snapAt(150, now), now); !r.Fired {
		t.Fatal("did not fire once data returned")
	}
}

func TestMissingIndicatorIsFalse(t *testing.T) {
	e := NewEvaluator()
	cond := &TechnicalCondition{ID: "t1", Indicator: "rsi", Cmp: CmpLTE, Value: 30, Lookback: 14}
	now := time.Now()

	// Snapshot without an indicator source: insufficient history.
	if r := e.Evaluate("ord-1", cond, snapAt(100, now), now); r.Fired {
		t.Fatal("fired with missing indicator")
	}

	snap := snapAt(100, now).WithIndicators(fixedIndicators{"rsi": 25})
	if r := e.Evaluate("ord-1", cond, snap, now); !r.Fired {
		t.Fatalf("did not fire once indicator available: %s", r.Reason)
	}
}

func TestNestedCombinators(t *testing.T) {
	e := NewEvaluator()
	// (price >= 100 AND NOT volume >= 50) fires only when price is high
	// while volume stays quiet.
	cond := &And{ID: "root", Conds: []Condition{
		&PriceCondition{ID: "p1", Cmp: CmpGTE, Ref: 100},
		&Not{ID: "n1", Cond: &VolumeCondition{ID: "v1", Cmp: CmpGTE, Threshold: 50}},
	}}
	now := time.Now()

	loud := snapAt(110, now)
	loud.Volume = 80
	if r := e.Evaluate("ord-1", cond, loud, now); r.Fired {
		t.Fatal("fired despite loud volume")
	}

	quiet := snapAt(110, now)
	quiet.Volume = 10
	if r := e.Evaluate("ord-1", cond, quiet, now); !r.Fired {
		t.Fatalf("did not fire with high price and quiet volume: %s", r.Reason)
	}
}

func TestOrFiresOnAnyChild(t *testing.T) {
	e := NewEvaluator()
	cond := &Or{ID: "root", Conds: []Condition{
		&PriceCondition{ID: "p1", Cmp: CmpGTE, Ref: 200},
		&PriceCondition{ID: "p2", Cmp: CmpLTE, Ref: 90},
	}}
	now := time.Now()

	if r := e.Evaluate("ord-1", cond, snapAt(150, now), now); r.Fired {
		t.Fatal("fired between the two bands")
	}
	if r := e.Evaluate("ord-1", cond, snapAt(85, now), now); !r.Fired {
		t.Fatal("did not fire on lower band")
	}
}

func TestTimeWindowGate(t *testing.T) {
	e := NewEvaluator()
	cond := &And{ID: "root", Conds: []Condition{
		&PriceCondition{ID: "p1", Cmp: CmpGTE, Ref: 100},
		&TimeCondition{ID: "w1", Mode: TimeWindow, WindowStart: "09:00", WindowEnd: "17:00"},
	}}

	outside := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	if r := e.Evaluate("ord-1", cond, snapAt(150, outside), outside); r.Fired {
		t.Fatal("fired outside the trading window")
	}

	inside := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if r := e.Evaluate("ord-1", cond, snapAt(150, inside), inside); !r.Fired {
		t.Fatalf("did not fire inside the window")
	}
}

func TestOvernightWindowWraps(t *testing.T) {
	e := NewEvaluator()
	cond := &TimeCondition{ID: "w1", Mode: TimeWindow, WindowStart: "22:00", WindowEnd: "02:00"}

	late := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	if r := e.Evaluate("ord-1", cond, snapAt(1, late), late); !r.Fired {
		t.Fatal("did not fire inside the wrapped window")
	}

	noon := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	e.Forget("ord-1")
	if r := e.Evaluate("ord-1", cond, snapAt(1, noon), noon); r.Fired {
		t.Fatal("fired outside the wrapped window")
	}
}

func TestRecurringGateArmsThenFires(t *testing.T) {
	e := NewEvaluator()
	cond := &TimeCondition{ID: "e1", Mode: TimeEvery, EverySec: 60}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if r := e.Evaluate("ord-1", cond, snapAt(1, base), base); r.Fired {
		t.Fatal("fired before the interval elapsed")
	}
	half := base.Add(30 * time.Second)
	if r := e.Evaluate("ord-1", cond, snapAt(1, half), half); r.Fired {
		t.Fatal("fired halfway through the interval")
	}
	due := base.Add(61 * time.Second)
	if r := e.Evaluate("ord-1", cond, snapAt(1, due), due); !r.Fired {
		t.Fatalf("did not fire after the interval")
	}
}

func TestForgetClearsMemory(t *testing.T) {
	e := NewEvaluator()
	cond := &PriceCondition{ID: "p1", Cmp: CmpCrossAbove, Ref: 100}
	now := time.Now()

	e.Evaluate("ord-1", cond, snapAt(95, now), now)
	e.Forget("ord-1")

	// After Forget the next sample has no predecessor, so no crossing yet.
	if r := e.Evaluate("ord-1", cond, snapAt(105, now), now); r.Fired {
		t.Fatal("fired using stale pre-Forget sample")
	}
}

func TestConditionJSONRoundTrip(t *testing.T) {
	orig := &And{ID: "root", Conds: []Condition{
		&PriceCondition{ID: "p1", Cmp: CmpCrossAbove, Source: SourceOracle, Ref: 100},
		&Or{ID: "o1", Conds: []Condition{
			&TechnicalCondition{ID: "t1", Indicator: "rsi", Cmp: CmpLTE, Value: 30, Lookback: 14},
			&Not{ID: "n1", Cond: &VolumeCondition{ID: "v1", Cmp: CmpGTE, Threshold: 5000}},
		}},
		&TimeCondition{ID: "w1", Mode: TimeWindow, WindowStart: "09:00", WindowEnd: "17:00"},
	}}

	data, err := MarshalCondition(orig)
	if err != nil {
		t.Fatalf("MarshalCondition: %v", err)
	}

	back, err := UnmarshalCondition(data)
	if err != nil {
		t.Fatalf("UnmarshalCondition: %v", err)
	}

	root, ok := back.(*And)
	if !ok {
		t.Fatalf("root type = %T, expected *And", back)
	}
	if len(root.Conds) != 3 {
		t.Fatalf("root children = %d, expected 3", len(root.Conds))
	}
	price, ok := root.Conds[0].(*PriceCondition)
	if !ok || price.Cmp != CmpCrossAbove || price.Source != SourceOracle || price.Ref != 100 {
		t.Fatalf("price leaf did not survive round trip: %+v", root.Conds[0])
	}
	or, ok := root.Conds[1].(*Or)
	if !ok || len(or.Conds) != 2 {
		t.Fatalf("or node did not survive round trip: %+v", root.Conds[1])
	}
	if _, ok := or.Conds[1].(*Not); !ok {
		t.Fatalf("not node did not survive round trip: %+v", or.Conds[1])
	}
}

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	if _, err := UnmarshalCondition([]byte(`{"type":"bogus"}`)); err == nil {
		t.Fatal("expected error for unknown condition type")
	}
}
