package api

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/austindbirch/callhook/internal/metrics"
)

var errRateLimited = errors.New("rate limit exceeded, slow down")

// TenantLimiter is a token bucket per tenant. Idle buckets are dropped.
type TenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*tenantBucket
	r        rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
	swept    time.Time
}

type tenantBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewTenantLimiter allows rps requests per second per tenant with the given burst.
func NewTenantLimiter(rps float64, burst int) *TenantLimiter {
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &TenantLimiter{
		limiters: make(map[string]*tenantBucket),
		r:        rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

// Allow reports whether tenantID may make a request now.
func (l *TenantLimiter) Allow(tenantID string) bool {
	l.mu.Lock()
	now := l.now()
	b, ok := l.limiters[tenantID]
	if !ok {
		b = &tenantBucket{limiter: rate.NewLimiter(l.r, l.burst)}
		l.limiters[tenantID] = b
	}
	b.seen = now
	if now.Sub(l.swept) > l.idle {
		l.sweep(now)
	}
	l.mu.Unlock()

	if !b.limiter.AllowN(now, 1) {
		metrics.RecordRateLimited()
		return false
	}
	return true
}

func (l *TenantLimiter) sweep(now time.Time) {
	for id, b := range l.limiters {
		if now.Sub(b.seen) > l.idle {
			delete(l.limiters, id)
		}
	}
	l.swept = now
}
