package indicators

import "sync"

// Engine maintains per-instrument price windows and calculates the core
// indicators consumed by technical trigger conditions.
type Engine struct {
	mu     sync.Mutex
	prices map[string][]float64
	window int
}

// NewEngine builds an indicator engine keeping at most window samples per
// instrument.
func NewEngine(window int) *Engine {
	if window <= 0 {
		window = 200
	}
	return &Engine{
		prices: make(map[string][]float64),
		window: window,
	}
}

// Update ingests a new price sample for an instrument.
func (e *Engine) Update(instrument string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	arr := append(e.prices[instrument], price)
	if len(arr) > e.window {
		arr = arr[len(arr)-e.window:]
	}
	e.prices[instrument] = arr
}

// Value computes the named indicator over the trailing lookback.
// Unknown kinds or insufficient data return (0, false).
func (e *Engine) Value(instrument, kind string, lookback int) (float64, bool) {
	e.mu.Lock()
	arr := e.prices[instrument]
	e.mu.Unlock()

	switch kind {
	case "rsi":
		if len(arr) < lookback+1 {
			return 0, false
		}
		return RSI(arr, lookback), true
	case "sma":
		if len(arr) < lookback {
			return 0, false
		}
		return SMA(arr, lookback), true
	case "ema":
		if len(arr) < lookback {
			return 0, false
		}
		return EMA(arr, lookback), true
	case "volatility":
		if len(arr) < lookback+1 {
			return 0, false
		}
		return Volatility(arr, lookback), true
	default:
		return 0, false
	}
}

// Samples returns how many prices are buffered for an instrument.
func (e *Engine) Samples(instrument string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.prices[instrument])
}
