package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrGlobalLimit is returned when the global token bucket has no capacity.
var ErrGlobalLimit = errors.New("resilience: global rate limit exceeded")

// CooldownError reports how long an endpoint remains locked out.
type CooldownError struct {
	Endpoint  string
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("resilience: endpoint %s cooling down for %v", e.Endpoint, e.Remaining.Round(time.Millisecond))
}

// LimiterConfig shapes outbound throughput.
type LimiterConfig struct {
	GlobalRPS   float64       // global token bucket refill rate
	EndpointRPM int           // sliding-window cap per endpoint per minute
	BurstSize   int           // extra allowance once the window cap is hit
	Cooldown    time.Duration // lockout after window and burst are exhausted
}

// DefaultLimiterConfig returns the throughput defaults.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		GlobalRPS:   50,
		EndpointRPM: 120,
		BurstSize:   20,
		Cooldown:    15 * time.Second,
	}
}

const windowSize = time.Minute

type endpointWindow struct {
	stamps        []time.Time
	burstUsed     int
	cooldownUntil time.Time
}

// RateLimiter combines a global token bucket with per-endpoint sliding
// windows. All state is owned here; callers only Acquire and Release.
type RateLimiter struct {
	global *rate.Limiter

	mu        sync.Mutex
	endpoints map[string]*endpointWindow
	cfg       LimiterConfig
}

// NewRateLimiter builds a limiter from cfg.
func NewRateLimiter(cfg LimiterConfig) *RateLimiter {
	if cfg.GlobalRPS <= 0 {
		cfg.GlobalRPS = 1
	}
	if cfg.EndpointRPM <= 0 {
		cfg.EndpointRPM = 1
	}
	return &RateLimiter{
		global:    rate.NewLimiter(rate.Limit(cfg.GlobalRPS), int(cfg.GlobalRPS)+1),
		endpoints: make(map[string]*endpointWindow),
		cfg:       cfg,
	}
}

// Permit represents acquired capacity. Release returns it when the guarded
// call is abandoned before being made.
type Permit struct {
	once    sync.Once
	release func()
}

// Release hands capacity back. Safe to call more than once.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

// Acquire claims one request slot for the endpoint, consuming burst allowance
// once the per-minute window is full. Exhausting both starts a cooldown.
func (l *RateLimiter) Acquire(endpoint string) (*Permit, error) {
	res := l.global.Reserve()
	if !res.OK() || res.Delay() > 0 {
		res.Cancel()
		return nil, ErrGlobalLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.endpoints[endpoint]
	if !ok {
		w = &endpointWindow{}
		l.endpoints[endpoint] = w
	}

	if now.Before(w.cooldownUntil) {
		res.Cancel()
		return nil, &CooldownError{Endpoint: endpoint, Remaining: w.cooldownUntil.Sub(now)}
	}

	// prune stamps that left the window; a drained window restores burst
	cutoff := now.Add(-windowSize)
	for len(w.stamps) > 0 && w.stamps[0].Before(cutoff) {
		w.stamps = w.stamps[1:]
	}
	if len(w.stamps) == 0 {
		w.burstUsed = 0
	}

	switch {
	case len(w.stamps) < l.cfg.EndpointRPM:
		// within window cap
	case w.burstUsed < l.cfg.BurstSize:
		w.burstUsed++
	default:
		w.cooldownUntil = now.Add(l.cfg.Cooldown)
		res.Cancel()
		return nil, &CooldownError{Endpoint: endpoint, Remaining: l.cfg.Cooldown}
	}

	w.stamps = append(w.stamps, now)

	return &Permit{release: func() {
		res.Cancel()
		l.mu.Lock()
		defer l.mu.Unlock()
		for i := len(w.stamps) - 1; i >= 0; i-- {
			if w.stamps[i].Equal(now) {
				w.stamps = append(w.stamps[:i], w.stamps[i+1:]...)
				break
			}
		}
	}}, nil
}

// Endpoints returns the endpoint names seen so far.
func (l *RateLimiter) Endpoints() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.endpoints))
	for name := range l.endpoints {
		out = append(out, name)
	}
	return out
}

// Usage reports how many requests an endpoint has in the current window.
func (l *RateLimiter) Usage(endpoint string) (used, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.endpoints[endpoint]
	if !ok {
		return 0, l.cfg.EndpointRPM
	}
	cutoff := time.Now().Add(-windowSize)
	n := 0
	for _, s := range w.stamps {
		if !s.Before(cutoff) {
			n++
		}
	}
	return n, l.cfg.EndpointRPM
}
