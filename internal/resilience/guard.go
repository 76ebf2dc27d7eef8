package resilience

import (
	"errors"
	"sync"
)

// Guard applies both protections to an outbound call: rate limiter first,
// then the dependency's circuit breaker. It owns one breaker per dependency
// name and is safe for concurrent use.
type Guard struct {
	limiter *RateLimiter

	mu         sync.Mutex
	breakers   map[string]*CircuitBreaker
	breakerCfg BreakerConfig
}

// NewGuard builds a guard with shared limiter and breaker thresholds.
func NewGuard(limiterCfg LimiterConfig, breakerCfg BreakerConfig) *Guard {
	return &Guard{
		limiter:    NewRateLimiter(limiterCfg),
		breakers:   make(map[string]*CircuitBreaker),
		breakerCfg: breakerCfg,
	}
}

// Breaker returns (creating if needed) the breaker for a dependency.
func (g *Guard) Breaker(dep string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[dep]
	if !ok {
		b = NewCircuitBreaker(dep, g.breakerCfg)
		g.breakers[dep] = b
	}
	return b
}

// Acquire claims capacity for one call to dep's endpoint. On denial the
// returned error distinguishes limiter exhaustion from an open circuit; the
// caller must not make the call.
func (g *Guard) Acquire(dep, endpoint string) (*Permit, error) {
	permit, err := g.limiter.Acquire(endpoint)
	if err != nil {
		return nil, err
	}
	if err := g.Breaker(dep).Allow(); err != nil {
		permit.Release()
		return nil, err
	}
	return permit, nil
}

// ReportSuccess records a successful call against dep's breaker.
func (g *Guard) ReportSuccess(dep string) {
	g.Breaker(dep).RecordSuccess()
}

// ReportFailure records a failed call against dep's breaker.
func (g *Guard) ReportFailure(dep string) {
	g.Breaker(dep).RecordFailure()
}

// Limiter exposes the shared rate limiter for stats.
func (g *Guard) Limiter() *RateLimiter { return g.limiter }

// Snapshots returns stats for every known breaker.
func (g *Guard) Snapshots() []Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Stats, 0, len(g.breakers))
	for _, b := range g.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// Denied reports whether err came from a guard rather than the guarded call.
func Denied(err error) bool {
	var cd *CooldownError
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrGlobalLimit) || errors.As(err, &cd)
}
