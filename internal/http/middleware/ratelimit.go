// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements a process-local token-bucket rate limiter with one
// bucket per client identity. Buckets idle for longer than the TTL are
// evicted by a ttlcache.
package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// keyFunc maps a request to the identity its bucket is keyed by.
type keyFunc func(*gin.Context) string

// HeaderClientID lets a UI tab identify itself so tabs behind one address
// get separate buckets.
const HeaderClientID = "X-Client-ID"

// KeyByClientOrIP prefers the X-Client-ID header and falls back to the
// client IP. Keys are prefixed to keep the namespaces apart.
func KeyByClientOrIP() keyFunc {
	return func(c *gin.Context) string {
		if id := c.GetHeader(HeaderClientID); id != "" && len(id) <= 128 {
			return "client:" + id
		}
		return "ip:" + c.ClientIP()
	}
}

// RateLimiter is a per-key token-bucket limiter. Safe for concurrent use.
type RateLimiter struct {
	rps     rate.Limit
	burst   int
	keyFn   keyFunc
	buckets *ttlcache.Cache[string, *rate.Limiter]
	exempt  map[string]struct{}
}

// NewRateLimiter builds a limiter allowing rps tokens per second with the
// given burst (coerced to >= 1). Requests whose route is in exempt are
// never limited.
func NewRateLimiter(rps float64, burst int, keyFn keyFunc, exempt ...string) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	ex := make(map[string]struct{}, len(exempt))
	for _, p := range exempt {
		ex[p] = struct{}{}
	}
	return &RateLimiter{
		rps:   rate.Limit(rps),
		burst: burst,
		keyFn: keyFn,
		// touch on hit: an active client keeps its bucket
		buckets: ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](10 * time.Minute),
		),
		exempt: ex,
	}
}

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	lim, _ := rl.buckets.GetOrSet(key, rate.NewLimiter(rl.rps, rl.burst))
	return lim.Value()
}

// Sweep drops idle buckets.
func (rl *RateLimiter) Sweep() { rl.buckets.DeleteExpired() }

// IsRateBypass reports whether IdempotencyValidator marked this request as
// a replay that should not consume tokens.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler enforces the limit, answering 429 with Retry-After when a bucket
// is empty.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := rl.exempt[c.FullPath()]; ok || IsRateBypass(c) {
			c.Next()
			return
		}
		if rl.bucket(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": RequestIDFrom(c),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}
