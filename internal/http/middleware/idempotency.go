// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements Idempotency-Key handling for writes routed into the
// outbox. The validator checks the header, stashes the key, and asks a
// lookup whether the key was already accepted for the same topic. Handlers
// then answer a replay with the original result instead of enqueueing a
// second write.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v3"
)

// HeaderIdempotencyKey is the request header carrying the client's key.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderIdempotencyReplayed is set to "true" on responses served from a
// previously accepted request.
const HeaderIdempotencyReplayed = "Idempotency-Replayed"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the validated key stashed by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the key was already accepted for this scope.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	// MaxLen caps the key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters; nil selects ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
	// Scope names the namespace a key lives in. Defaults to the :topic
	// route parameter.
	Scope func(*gin.Context) string
}

// IdempotencyLookup reports whether key was already accepted in scope.
// Errors are treated as a miss.
type IdempotencyLookup func(ctx context.Context, scope, key string, now time.Time) (exists bool, err error)

// IdempotencyValidator validates the Idempotency-Key header when present.
// Invalid keys get a 400. A lookup hit marks the request as a replay and
// lets it skip rate limiting.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}
	scope := opts.Scope
	if scope == nil {
		scope = func(c *gin.Context) string { return c.Param("topic") }
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			if hit, _ := lookup(c.Request.Context(), scope(c), key, time.Now().UTC()); hit {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}
		c.Next()
	}
}

// IdempotencyCache remembers the result accepted for each (scope, key) for
// a fixed TTL. Its Lookup method plugs into IdempotencyValidator.
type IdempotencyCache struct {
	items *ttlcache.Cache[string, string]
}

// NewIdempotencyCache returns a cache whose entries live for ttl.
func NewIdempotencyCache(ttl time.Duration) *IdempotencyCache {
	return &IdempotencyCache{
		items: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](ttl),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
}

func cacheKey(scope, key string) string { return scope + "\x00" + key }

// Lookup implements IdempotencyLookup.
func (ic *IdempotencyCache) Lookup(_ context.Context, scope, key string, _ time.Time) (bool, error) {
	_, ok := ic.Get(scope, key)
	return ok, nil
}

// Get returns the remembered result for (scope, key).
func (ic *IdempotencyCache) Get(scope, key string) (string, bool) {
	it := ic.items.Get(cacheKey(scope, key))
	if it == nil || it.IsExpired() {
		return "", false
	}
	return it.Value(), true
}

// Put remembers result for (scope, key). Expired entries are pruned on
// each write.
func (ic *IdempotencyCache) Put(scope, key, result string) {
	ic.items.DeleteExpired()
	ic.items.Set(cacheKey(scope, key), result, ttlcache.DefaultTTL)
}

// Len reports the number of live entries.
func (ic *IdempotencyCache) Len() int { return ic.items.Len() }
