package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterSweepEvery = 5 * time.Minute
	limiterIdleAfter  = 10 * time.Minute
)

// clientLimits holds one token bucket per client IP.
type clientLimits struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newClientLimits(rps, burst int) *clientLimits {
	return &clientLimits{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

// take spends one token for ip. When the bucket is empty it returns false
// and how long until a token is available.
func (cl *clientLimits) take(ip string, now time.Time) (bool, time.Duration) {
	cl.mu.Lock()
	b, ok := cl.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(cl.rps, cl.burst)}
		cl.buckets[ip] = b
	}
	b.seen = now
	cl.mu.Unlock()

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// sweep drops buckets not used since cutoff.
func (cl *clientLimits) sweep(cutoff time.Time) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for ip, b := range cl.buckets {
		if b.seen.Before(cutoff) {
			delete(cl.buckets, ip)
		}
	}
}

// RateLimiter returns a Gin middleware that limits each client IP to rps
// requests per second with bursts of up to burst. Rejected requests get 429
// with a Retry-After in whole seconds. Idle buckets are swept until ctx is
// done.
func RateLimiter(ctx context.Context, rps, burst int) gin.HandlerFunc {
	limits := newClientLimits(rps, burst)

	go func() {
		ticker := time.NewTicker(limiterSweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				limits.sweep(now.Add(-limiterIdleAfter))
			}
		}
	}()

	return func(c *gin.Context) {
		ok, wait := limits.take(c.ClientIP(), time.Now())
		if ok {
			c.Next()
			return
		}
		auditRateLimitedTotal.Inc()
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "rate limit exceeded",
		})
	}
}
