// Package trigger evaluates standing-order condition trees against market
// snapshots. Leaves are pure functions of the snapshot plus a small
// per-(order, condition) memory of the previous sample, which is what makes
// crossing predicates edge-triggered without external debouncing.
package trigger

import "time"

// Comparator relates an observed value to a reference.
type Comparator string

const (
	CmpGTE        Comparator = "gte"
	CmpLTE        Comparator = "lte"
	CmpCrossAbove Comparator = "cross_above"
	CmpCrossBelow Comparator = "cross_below"
)

// PriceSource selects which price a PriceCondition reads.
type PriceSource string

const (
	SourceLast   PriceSource = "last"
	SourceMid    PriceSource = "mid"
	SourceOracle PriceSource = "oracle"
)

// Condition is one node of a trigger tree.
type Condition interface {
	// CondID uniquely identifies the node within its order, keying the
	// previous-sample side table.
	CondID() string
}

// PriceCondition compares a price against a static reference or a moving
// average.
type PriceCondition struct {
	ID     string      `json:"id"`
	Cmp    Comparator  `json:"cmp"`
	Source PriceSource `json:"source,omitempty"`
	Ref    float64     `json:"ref,omitempty"`
	// When MAKind is set the reference is the named moving average instead
	// of Ref.
	MAKind     string `json:"ma_kind,omitempty"`
	MALookback int    `json:"ma_lookback,omitempty"`
}

func (c *PriceCondition) CondID() string { return c.ID }

// VolumeCondition compares rolling window volume against a threshold.
type VolumeCondition struct {
	ID        string     `json:"id"`
	Cmp       Comparator `json:"cmp"`
	Threshold float64    `json:"threshold"`
	WindowSec int        `json:"window_sec,omitempty"`
}

func (c *VolumeCondition) CondID() string { return c.ID }

// TimeMode selects TimeCondition behavior.
type TimeMode string

const (
	TimeAt     TimeMode = "at"     // true once the absolute time passes
	TimeEvery  TimeMode = "every"  // true each time the interval elapses
	TimeWindow TimeMode = "window" // true only inside the daily window
)

// TimeCondition gates on wall-clock time. Outside a window it is plainly
// false, never an error.
type TimeCondition struct {
	ID          string    `json:"id"`
	Mode        TimeMode  `json:"mode"`
	At          time.Time `json:"at,omitempty"`
	EverySec    int       `json:"every_sec,omitempty"`
	WindowStart string    `json:"window_start,omitempty"` // "15:04", UTC
	WindowEnd   string    `json:"window_end,omitempty"`
}

func (c *TimeCondition) CondID() string { return c.ID }

// TechnicalCondition compares a named indicator (rsi, sma, ...) against a
// value, with crossing support.
type TechnicalCondition struct {
	ID        string     `json:"id"`
	Indicator string     `json:"indicator"`
	Cmp       Comparator `json:"cmp"`
	Value     float64    `json:"value"`
	Lookback  int        `json:"lookback"`
}

func (c *TechnicalCondition) CondID() string { return c.ID }

// And is true when every child is true.
type And struct {
	ID    string      `json:"id,omitempty"`
	Conds []Condition `json:"-"`
}

func (c *And) CondID() string { return c.ID }

// Or is true when any child is true.
type Or struct {
	ID    string      `json:"id,omitempty"`
	Conds []Condition `json:"-"`
}

func (c *Or) CondID() string { return c.ID }

// Not inverts its child.
type Not struct {
	ID   string    `json:"id,omitempty"`
	Cond Condition `json:"-"`
}

func (c *Not) CondID() string { return c.ID }
