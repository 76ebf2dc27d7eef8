// Package market supplies the current price/volume/indicator view the trigger
// engine evaluates against. Feeds never guess: unavailable data is reported as
// such and the evaluator treats it as condition-false.
package market

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable signals that no fresh data exists for the instrument.
var ErrUnavailable = errors.New("market: data unavailable")

// IndicatorSource computes a named indicator over a trailing lookback.
type IndicatorSource interface {
	Value(instrument, kind string, lookback int) (float64, bool)
}

// Snapshot is one instrument's market view at a point in time. Trigger leaves
// are pure functions of a snapshot.
type Snapshot struct {
	Instrument  string
	LastPrice   float64
	MidPrice    float64
	OraclePrice float64
	Volume      float64 // rolling window volume
	At          time.Time
	Valid       bool

	ind IndicatorSource
}

// Indicator resolves a named indicator for this snapshot's instrument.
func (s Snapshot) Indicator(kind string, lookback int) (float64, bool) {
	if s.ind == nil {
		return 0, false
	}
	return s.ind.Value(s.Instrument, kind, lookback)
}

// WithIndicators attaches an indicator source; used by feeds and tests.
func (s Snapshot) WithIndicators(src IndicatorSource) Snapshot {
	s.ind = src
	return s
}

// Feed is the market data collaborator interface.
type Feed interface {
	Price(ctx context.Context, instrument string) (float64, error)
	Volume(ctx context.Context, instrument string, window time.Duration) (float64, error)
	Indicator(ctx context.Context, instrument, kind string, lookback int) (float64, error)
	Snapshot(ctx context.Context, instrument string) (Snapshot, error)
}
