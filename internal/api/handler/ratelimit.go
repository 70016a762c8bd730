package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// buckets is a set of token buckets keyed by caller identity.
type buckets struct {
	mu    sync.Mutex
	rps   rate.Limit
	burst int
	byKey map[string]*bucket
}

func newBuckets(rps, burst int) *buckets {
	return &buckets{rps: rate.Limit(rps), burst: burst, byKey: make(map[string]*bucket)}
}

func (b *buckets) allow(key string, now time.Time) bool {
	b.mu.Lock()
	l, ok := b.byKey[key]
	if !ok {
		l = &bucket{limiter: rate.NewLimiter(b.rps, b.burst)}
		b.byKey[key] = l
	}
	l.lastSeen = now
	b.mu.Unlock()
	return l.limiter.AllowN(now, 1)
}

func (b *buckets) sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, l := range b.byKey {
		if now.Sub(l.lastSeen) > limiterIdleTTL {
			delete(b.byKey, key)
		}
	}
}

// RateLimiter returns a Gin middleware that enforces token-bucket limits per
// client IP and, when the request names a service agreement, per agreement
// as well. A request must fit in both buckets, so rotating IPs does not
// lift an agreement's limit and naming many agreements does not lift an
// IP's. rps is the steady-state rate and burst the bucket size for each.
// Idle buckets are swept until ctx is done.
func RateLimiter(ctx context.Context, rps, burst int) gin.HandlerFunc {
	perIP := newBuckets(rps, burst)
	perAgreement := newBuckets(rps, burst)

	go func() {
		ticker := time.NewTicker(limiterSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				perIP.sweep(now)
				perAgreement.sweep(now)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(c *gin.Context) {
		now := time.Now()
		allowed := perIP.allow(c.ClientIP(), now)
		if id, err := uuid.Parse(c.GetHeader(HeaderAgreementID)); err == nil {
			allowed = perAgreement.allow(id.String(), now) && allowed
		}
		if !allowed {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody("rate_limited", "rate limit exceeded", true))
			return
		}
		c.Next()
	}
}
