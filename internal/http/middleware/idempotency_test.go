package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestIdempotencyValidator_NoHeaderSkipsLookup(t *testing.T) {
	gin.SetMode(gin.TestMode)
	called := false
	r := gin.New()
	r.Use(IdempotencyValidator(IdempotencyOptions{}, func(context.Context, string, string, time.Time) (bool, error) {
		called = true
		return false, nil
	}))
	r.POST("/topics/:topic/messages", func(c *gin.Context) {
		if _, ok := GetIdempotencyKey(c); ok {
			t.Fatal("no key expected")
		}
		c.Status(http.StatusAccepted)
	})
	if w := do(r, http.MethodPost, "/topics/messages:1/messages", nil); w.Code != http.StatusAccepted {
		t.Fatalf("status=%d", w.Code)
	}
	if called {
		t.Fatal("lookup must not run without a key")
	}
}

func TestIdempotencyValidator_RejectsBadKeys(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		opts IdempotencyOptions
		key  string
	}{
		{IdempotencyOptions{MaxLen: 5}, "abcdef"},
		{IdempotencyOptions{}, "has space"},
		{IdempotencyOptions{Pattern: regexp.MustCompile(`^[0-9]+$`)}, "abc123"},
	}
	for _, tc := range cases {
		r := gin.New()
		r.Use(RequestID(), IdempotencyValidator(tc.opts, nil))
		r.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
		w := do(r, http.MethodPost, "/x", map[string]string{HeaderIdempotencyKey: tc.key})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("key %q: status=%d", tc.key, w.Code)
		}
		var body map[string]any
		_ = json.Unmarshal(w.Body.Bytes(), &body)
		if body["code"] != "bad_idempotency_key" || body["request_id"] == "" {
			t.Fatalf("key %q: body=%v", tc.key, body)
		}
	}
}

func TestIdempotencyValidator_ScopesKeysByTopic(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cache := NewIdempotencyCache(time.Hour)
	cache.Put("messages:1", "k-1", "local-abc")

	r := gin.New()
	r.Use(IdempotencyValidator(IdempotencyOptions{}, cache.Lookup))
	var replay, bypass bool
	r.POST("/topics/:topic/messages", func(c *gin.Context) {
		replay, bypass = IsReplay(c), IsRateBypass(c)
		if k, ok := GetIdempotencyKey(c); !ok || k != "k-1" {
			t.Fatalf("key=%q ok=%v", k, ok)
		}
		c.Status(http.StatusOK)
	})

	do(r, http.MethodPost, "/topics/messages:1/messages", map[string]string{HeaderIdempotencyKey: "k-1"})
	if !replay || !bypass {
		t.Fatalf("same topic should replay: replay=%v bypass=%v", replay, bypass)
	}
	do(r, http.MethodPost, "/topics/messages:2/messages", map[string]string{HeaderIdempotencyKey: "k-1"})
	if replay || bypass {
		t.Fatal("a key must not replay across topics")
	}
}

func TestIdempotencyCache_Expires(t *testing.T) {
	cache := NewIdempotencyCache(20 * time.Millisecond)
	cache.Put("s", "k", "v")
	if v, ok := cache.Get("s", "k"); !ok || v != "v" {
		t.Fatalf("get=%q,%v", v, ok)
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := cache.Get("s", "k"); ok {
		t.Fatal("entry should have expired")
	}
	cache.Put("s", "k2", "v2")
	if n := cache.Len(); n != 1 {
		t.Fatalf("expired entry should be pruned on write, len=%d", n)
	}
}

func TestReplayHelpers_IgnoreWrongTypes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", strings.NewReader(""))
	c.Set(ctxKeyIdemKey, 123)
	c.Set(ctxKeyIdemReplay, "yes")
	if _, ok := GetIdempotencyKey(c); ok || IsReplay(c) {
		t.Fatal("non-typed values must read as absent")
	}
}
