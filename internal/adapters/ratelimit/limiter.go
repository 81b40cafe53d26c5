package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"atlas/pkg/errors"
)

// Limiter provides rate limiting for upstream API and RPC calls
type Limiter struct {
	limiter *rate.Limiter
	name    string
}

// NewLimiter creates a new rate limiter
// requestsPerMinute: maximum number of requests allowed per minute
func NewLimiter(name string, requestsPerMinute int) *Limiter {
	// Convert to requests per second
	rps := float64(requestsPerMinute) / 60.0

	// Allow burst of 10% of per-minute limit
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}

	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		name:    name,
	}
}

// Wait blocks until the rate limiter allows the request
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return errors.Wrapf(err, "rate limiter %s", l.name)
	}
	return nil
}

// Allow checks if a request is allowed without blocking
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Reserve reserves a token for future use
func (l *Limiter) Reserve() *rate.Reservation {
	return l.limiter.Reserve()
}

// MultiLimiter manages multiple rate limiters (per source, global, etc.)
type MultiLimiter struct {
	limiters map[string]*Limiter
	mu       sync.RWMutex
}

// NewMultiLimiter creates a new multi-limiter
func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{
		limiters: make(map[string]*Limiter),
	}
}

// AddLimiter adds a rate limiter for a specific key
func (m *MultiLimiter) AddLimiter(key string, limiter *Limiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[key] = limiter
}

// Wait waits for all specified limiters
func (m *MultiLimiter) Wait(ctx context.Context, keys ...string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, key := range keys {
		if limiter, ok := m.limiters[key]; ok {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
	}

	return nil
}

// SourceLimiters contains rate limiters for each upstream data source.
// Public APIs throttle hard; archive-grade RPC endpoints less so.
type SourceLimiters struct {
	RPC    *Limiter
	Yields *Limiter
	Prices *Limiter
	Vaults *Limiter
}

// NewSourceLimiters creates rate limiters for all upstream sources
func NewSourceLimiters(rpcPerMin, restPerMin int) *SourceLimiters {
	if rpcPerMin <= 0 {
		rpcPerMin = 600
	}
	if restPerMin <= 0 {
		restPerMin = 60
	}
	return &SourceLimiters{
		RPC:    NewLimiter("evm-rpc", rpcPerMin),
		Yields: NewLimiter("yields-api", restPerMin),
		Prices: NewLimiter("prices-api", restPerMin),
		Vaults: NewLimiter("vault-graphql", restPerMin),
	}
}
