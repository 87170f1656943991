package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedTenants caps limiter state so rotating tokens cannot exhaust
// memory.
const maxTrackedTenants = 4096

// RateLimiter applies a per-tenant requests-per-minute budget with a small
// burst. rpm <= 0 disables limiting. Safe for concurrent use.
type RateLimiter struct {
	rpm   int
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{rpm: rpm, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (r *RateLimiter) Enabled() bool { return r.rpm > 0 }

// Allow reports whether the tenant may proceed.
func (r *RateLimiter) Allow(tenantID string) bool {
	if !r.Enabled() {
		return true
	}
	r.mu.Lock()
	l, ok := r.limiters[tenantID]
	if !ok {
		if len(r.limiters) >= maxTrackedTenants {
			for k := range r.limiters {
				delete(r.limiters, k)
				break
			}
		}
		l = rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)
		r.limiters[tenantID] = l
	}
	r.mu.Unlock()
	return l.Allow()
}
