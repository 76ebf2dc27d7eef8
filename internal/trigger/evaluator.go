package trigger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"trigger-core/internal/market"
)

// Result is the outcome of one condition-tree evaluation.
type Result struct {
	Fired  bool
	Reason string
	Trace  []string
}

// Evaluator walks condition trees bottom-up. It owns two small pieces of
// state: the previous raw sample per (order, condition) for crossing
// predicates, and the previous whole-tree result per order for edge
// detection. Everything else is a pure function of the snapshot.
type Evaluator struct {
	mu         sync.Mutex
	lastSample map[string]float64
	lastResult map[string]bool
}

// NewEvaluator creates an evaluator with empty memory.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		lastSample: make(map[string]float64),
		lastResult: make(map[string]bool),
	}
}

// Evaluate runs the tree against the snapshot and edge-detects the result:
// Fired is true only when the tree flips from false to true, so a condition
// that stays true never re-fires.
func (e *Evaluator) Evaluate(orderID string, cond Condition, snap market.Snapshot, now time.Time) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !snap.Valid {
		e.lastResult[orderID] = false
		return Result{
			Fired:  false,
			Reason: fmt.Sprintf("market data unavailable for %s", snap.Instrument),
		}
	}

	w := &walker{ev: e, orderID: orderID, snap: snap, now: now}
	raw, reason := w.eval(cond)

	fired := raw && !e.lastResult[orderID]
	e.lastResult[orderID] = raw

	return Result{Fired: fired, Reason: reason, Trace: w.trace}
}

// Forget drops all per-order memory; called when an order reaches a terminal
// state.
func (e *Evaluator) Forget(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lastResult, orderID)
	prefix := orderID + "/"
	for k := range e.lastSample {
		if strings.HasPrefix(k, prefix) {
			delete(e.lastSample, k)
		}
	}
}

type walker struct {
	ev      *Evaluator
	orderID string
	snap    market.Snapshot
	now     time.Time
	trace   []string
}

// eval walks one node. Combinators evaluate every child without short
// circuiting so crossing predicates keep their previous-sample memory current
// on every tick.
func (w *walker) eval(c Condition) (bool, string) {
	switch n := c.(type) {
	case *PriceCondition:
		return w.evalPrice(n)
	case *VolumeCondition:
		return w.evalVolume(n)
	case *TimeCondition:
		return w.evalTime(n)
	case *TechnicalCondition:
		return w.evalTechnical(n)
	case *And:
		all := true
		reasons := make([]string, 0, len(n.Conds))
		for _, child := range n.Conds {
			ok, r := w.eval(child)
			all = all && ok
			reasons = append(reasons, r)
		}
		return all, "(" + strings.Join(reasons, " AND ") + ")"
	case *Or:
		any := false
		reasons := make([]string, 0, len(n.Conds))
		for _, child := range n.Conds {
			ok, r := w.eval(child)
			any = any || ok
			reasons = append(reasons, r)
		}
		return any, "(" + strings.Join(reasons, " OR ") + ")"
	case *Not:
		ok, r := w.eval(n.Cond)
		return !ok, "NOT " + r
	default:
		w.record(fmt.Sprintf("unknown condition %T treated as false", c))
		return false, "unknown condition"
	}
}

func (w *walker) evalPrice(n *PriceCondition) (bool, string) {
	cur := w.snap.LastPrice
	switch n.Source {
	case SourceMid:
		cur = w.snap.MidPrice
	case SourceOracle:
		cur = w.snap.OraclePrice
	}

	ref := n.Ref
	if n.MAKind != "" {
		v, ok := w.snap.Indicator(n.MAKind, n.MALookback)
		if !ok {
			reason := fmt.Sprintf("%s(%d) unavailable for %s", n.MAKind, n.MALookback, w.snap.Instrument)
			w.record(reason)
			return false, reason
		}
		ref = v
	}

	ok := w.compare(n.ID, cur, ref, n.Cmp)
	reason := fmt.Sprintf("price %.6g %s %.6g = %v", cur, n.Cmp, ref, ok)
	w.record(reason)
	return ok, reason
}

func (w *walker) evalVolume(n *VolumeCondition) (bool, string) {
	cur := w.snap.Volume
	ok := w.compare(n.ID, cur, n.Threshold, n.Cmp)
	reason := fmt.Sprintf("volume %.6g %s %.6g = %v", cur, n.Cmp, n.Threshold, ok)
	w.record(reason)
	return ok, reason
}

func (w *walker) evalTime(n *TimeCondition) (bool, string) {
	switch n.Mode {
	case TimeAt:
		ok := !w.now.Before(n.At)
		reason := fmt.Sprintf("time gate %s reached = %v", n.At.Format(time.RFC3339), ok)
		w.record(reason)
		return ok, reason

	case TimeEvery:
		every := time.Duration(n.EverySec) * time.Second
		if every <= 0 {
			w.record("recurring gate with no interval = false")
			return false, "recurring gate misconfigured"
		}
		key := w.key(n.ID)
		anchor, seen := w.ev.lastSample[key]
		if !seen {
			// first evaluation arms the anchor
			w.ev.lastSample[key] = float64(w.now.Unix())
			w.record("recurring gate armed")
			return false, "recurring gate armed"
		}
		elapsed := w.now.Sub(time.Unix(int64(anchor), 0))
		if elapsed >= every {
			w.ev.lastSample[key] = float64(w.now.Unix())
			reason := fmt.Sprintf("recurring gate elapsed (%v >= %v)", elapsed.Round(time.Second), every)
			w.record(reason)
			return true, reason
		}
		reason := fmt.Sprintf("recurring gate waiting (%v of %v)", elapsed.Round(time.Second), every)
		w.record(reason)
		return false, reason

	case TimeWindow:
		ok := inDailyWindow(w.now.UTC(), n.WindowStart, n.WindowEnd)
		reason := fmt.Sprintf("time window %s-%s = %v", n.WindowStart, n.WindowEnd, ok)
		w.record(reason)
		return ok, reason

	default:
		w.record("unknown time mode = false")
		return false, "unknown time mode"
	}
}

func (w *walker) evalTechnical(n *TechnicalCondition) (bool, string) {
	cur, found := w.snap.Indicator(n.Indicator, n.Lookback)
	if !found {
		reason := fmt.Sprintf("%s(%d) unavailable for %s", n.Indicator, n.Lookback, w.snap.Instrument)
		w.record(reason)
		return false, reason
	}
	ok := w.compare(n.ID, cur, n.Value, n.Cmp)
	reason := fmt.Sprintf("%s(%d) %.6g %s %.6g = %v", n.Indicator, n.Lookback, cur, n.Cmp, n.Value, ok)
	w.record(reason)
	return ok, reason
}

// compare resolves a comparator, consulting and updating the previous-sample
// side table for crossing predicates.
func (w *walker) compare(condID string, cur, ref float64, cmp Comparator) bool {
	key := w.key(condID)
	prev, seen := w.ev.lastSample[key]
	w.ev.lastSample[key] = cur

	switch cmp {
	case CmpGTE:
		return cur >= ref
	case CmpLTE:
		return cur <= ref
	case CmpCrossAbove:
		return seen && prev < ref && cur >= ref
	case CmpCrossBelow:
		return seen && prev > ref && cur <= ref
	default:
		return false
	}
}

func (w *walker) key(condID string) string {
	return w.orderID + "/" + condID
}

func (w *walker) record(entry string) {
	w.trace = append(w.trace, entry)
}

// inDailyWindow reports whether t falls inside the daily [start, end) window.
// A start after end wraps past midnight.
func inDailyWindow(t time.Time, start, end string) bool {
	s, err := time.Parse("15:04", start)
	if err != nil {
		return false
	}
	e, err := time.Parse("15:04", end)
	if err != nil {
		return false
	}

	minutes := t.Hour()*60 + t.Minute()
	sm := s.Hour()*60 + s.Minute()
	em := e.Hour()*60 + e.Minute()

	if sm <= em {
		return minutes >= sm && minutes < em
	}
	return minutes >= sm || minutes < em
}
