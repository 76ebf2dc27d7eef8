package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trigger-core/internal/indicators"
)

type volumeSample struct {
	at  time.Time
	qty float64
}

type tickerState struct {
	last   float64
	bid    float64
	ask    float64
	oracle float64
	at     time.Time
	vols   []volumeSample
}

// CachedFeed keeps the latest tick per instrument and serves snapshots from
// memory. Ticks arrive from a stream client or a poller; readers never block
// on the network.
type CachedFeed struct {
	mu         sync.RWMutex
	state      map[string]*tickerState
	ind        *indicators.Engine
	staleAfter time.Duration
	volWindow  time.Duration
}

// NewCachedFeed builds a feed whose snapshots go stale after staleAfter.
// staleAfter <= 0 disables staleness checks (useful in tests).
func NewCachedFeed(ind *indicators.Engine, staleAfter time.Duration) *CachedFeed {
	return &CachedFeed{
		state:      make(map[string]*tickerState),
		ind:        ind,
		staleAfter: staleAfter,
		volWindow:  time.Minute,
	}
}

// ApplyTick ingests a trade tick: last price plus traded quantity.
func (f *CachedFeed) ApplyTick(instrument string, price, qty float64) {
	f.applyTickAt(instrument, price, qty, time.Now())
}

func (f *CachedFeed) applyTickAt(instrument string, price, qty float64, at time.Time) {
	f.mu.Lock()
	st, ok := f.state[instrument]
	if !ok {
		st = &tickerState{}
		f.state[instrument] = st
	}
	st.last = price
	st.at = at
	if qty > 0 {
		st.vols = append(st.vols, volumeSample{at: at, qty: qty})
	}
	// prune volume samples outside the rolling window
	cutoff := at.Add(-f.volWindow)
	for len(st.vols) > 0 && st.vols[0].at.Before(cutoff) {
		st.vols = st.vols[1:]
	}
	f.mu.Unlock()

	if f.ind != nil {
		f.ind.Update(instrument, price)
	}
}

// ApplyQuote ingests best bid/ask for mid price computation.
func (f *CachedFeed) ApplyQuote(instrument string, bid, ask float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.state[instrument]
	if !ok {
		st = &tickerState{}
		f.state[instrument] = st
	}
	st.bid = bid
	st.ask = ask
}

// ApplyOracle ingests an oracle price reading.
func (f *CachedFeed) ApplyOracle(instrument string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.state[instrument]
	if !ok {
		st = &tickerState{}
		f.state[instrument] = st
	}
	st.oracle = price
}

func (f *CachedFeed) fresh(st *tickerState) bool {
	if st == nil || st.at.IsZero() {
		return false
	}
	if f.staleAfter <= 0 {
		return true
	}
	return time.Since(st.at) <= f.staleAfter
}

// Price returns the last trade price.
func (f *CachedFeed) Price(ctx context.Context, instrument string) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st := f.state[instrument]
	if !f.fresh(st) {
		return 0, fmt.Errorf("%w: %s", ErrUnavailable, instrument)
	}
	return st.last, nil
}

// Volume returns the traded quantity over the trailing window.
func (f *CachedFeed) Volume(ctx context.Context, instrument string, window time.Duration) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st := f.state[instrument]
	if !f.fresh(st) {
		return 0, fmt.Errorf("%w: %s", ErrUnavailable, instrument)
	}
	if window <= 0 || window > f.volWindow {
		window = f.volWindow
	}
	cutoff := time.Now().Add(-window)
	total := 0.0
	for _, v := range st.vols {
		if !v.at.Before(cutoff) {
			total += v.qty
		}
	}
	return total, nil
}

// Indicator resolves a named indicator from the attached engine.
func (f *CachedFeed) Indicator(ctx context.Context, instrument, kind string, lookback int) (float64, error) {
	if f.ind == nil {
		return 0, fmt.Errorf("%w: no indicator engine", ErrUnavailable)
	}
	v, ok := f.ind.Value(instrument, kind, lookback)
	if !ok {
		return 0, fmt.Errorf("%w: %s %s(%d)", ErrUnavailable, instrument, kind, lookback)
	}
	return v, nil
}

// Snapshot assembles the current market view for one instrument. A stale or
// missing instrument yields an invalid snapshot and ErrUnavailable.
func (f *CachedFeed) Snapshot(ctx context.Context, instrument string) (Snapshot, error) {
	f.mu.RLock()
	st := f.state[instrument]
	if !f.fresh(st) {
		f.mu.RUnlock()
		return Snapshot{Instrument: instrument}, fmt.Errorf("%w: %s", ErrUnavailable, instrument)
	}

	snap := Snapshot{
		Instrument:  instrument,
		LastPrice:   st.last,
		OraclePrice: st.oracle,
		At:          st.at,
		Valid:       true,
	}
	if st.bid > 0 && st.ask > 0 {
		snap.MidPrice = (st.bid + st.ask) / 2
	} else {
		snap.MidPrice = st.last
	}
	if snap.OraclePrice == 0 {
		snap.OraclePrice = st.last
	}
	cutoff := time.Now().Add(-f.volWindow)
	for _, v := range st.vols {
		if !v.at.Before(cutoff) {
			snap.Volume += v.qty
		}
	}
	f.mu.RUnlock()

	if f.ind != nil {
		snap = snap.WithIndicators(f.ind)
	}
	return snap, nil
}
