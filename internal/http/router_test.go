package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/incident-sync/internal/collab"
	"github.com/tbourn/incident-sync/internal/collab/collabtest"
	"github.com/tbourn/incident-sync/internal/config"
	"github.com/tbourn/incident-sync/internal/http/middleware"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	data := collabtest.NewDataStore()
	e := collab.New(data, collabtest.NewOutboxStore(), nil, collab.Options{
		LocalActorID: "me",
		StartOffline: true,
		Logger:       zerolog.Nop(),
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(e.Stop)
	return Deps{Engine: e, History: data, Idempotency: middleware.NewIdempotencyCache(time.Hour)}
}

func baseConfig() config.Config {
	return config.Config{
		APIBasePath:    "/api/v1",
		RateRPS:        100,
		RateBurst:      10,
		IdempotencyTTL: time.Hour,
		OTEL:           config.OTELConfig{ServiceName: "test-svc"},
	}
}

func serve(r http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader = http.NoBody
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDeps(t), baseConfig())

	w := serve(r, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if !strings.Contains(w.Body.String(), `"mode":"poll-fallback"`) {
		t.Fatalf("health body: %s", w.Body.String())
	}

	w = serve(r, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "http_requests_total") {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	if w := serve(r, http.MethodGet, "/nope", "", nil); w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), `"code":"not_found"`) {
		t.Fatalf("GET /nope = %d %s", w.Code, w.Body.String())
	}
	if w := serve(r, http.MethodPost, "/health", "", nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
	// swagger is off by default
	if w := serve(r, http.MethodGet, "/swagger/index.html", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("swagger should be unmounted, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	cfg := baseConfig()
	cfg.APIBasePath = "/api/v2"
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	RegisterRoutes(r, newTestDeps(t), cfg)

	w := serve(r, http.MethodGet, "/health", "", map[string]string{"Origin": "http://example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
	if w := serve(r, http.MethodGet, "/api/v2/outbox", "", nil); w.Code != http.StatusOK {
		t.Fatalf("GET /api/v2/outbox = %d", w.Code)
	}
}

func TestRegisterRoutes_APIFlowAndHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDeps(t), baseConfig())

	w := serve(r, http.MethodPost, "/api/v1/topics/incident:9:messages/subscriptions", "", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("subscribe = %d %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control=%q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID")
	}

	hdr := map[string]string{middleware.HeaderIdempotencyKey: "abc-1"}
	first := serve(r, http.MethodPost, "/api/v1/topics/incident:9:messages/events", `{"payload":{"text":"hi"}}`, hdr)
	second := serve(r, http.MethodPost, "/api/v1/topics/incident:9:messages/events", `{"payload":{"text":"hi"}}`, hdr)
	if first.Code != http.StatusAccepted || second.Code != http.StatusAccepted {
		t.Fatalf("writes = %d, %d", first.Code, second.Code)
	}
	if second.Header().Get(middleware.HeaderIdempotencyReplayed) != "true" || first.Body.String() != second.Body.String() {
		t.Fatalf("expected replay: %v %s vs %s", second.Header(), first.Body.String(), second.Body.String())
	}

	w = serve(r, http.MethodGet, "/api/v1/topics/incident:9:messages/view", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"state":"provisional"`) {
		t.Fatalf("view = %d %s", w.Code, w.Body.String())
	}

	bad := serve(r, http.MethodPost, "/api/v1/topics/incident:9:messages/events", `{"payload":{}}`,
		map[string]string{middleware.HeaderIdempotencyKey: "bad key!"})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("bad key = %d", bad.Code)
	}
}

func TestRegisterRoutes_RateLimitExemptsHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	cfg := baseConfig()
	cfg.RateRPS = 0.001
	cfg.RateBurst = 1
	RegisterRoutes(r, newTestDeps(t), cfg)

	if w := serve(r, http.MethodGet, "/api/v1/outbox", "", nil); w.Code != http.StatusOK {
		t.Fatalf("first = %d", w.Code)
	}
	w := serve(r, http.MethodGet, "/api/v1/outbox", "", nil)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("second = %d", w.Code)
	}
	for i := 0; i < 3; i++ {
		if w := serve(r, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
			t.Fatalf("health #%d = %d", i, w.Code)
		}
	}
	// a different client gets its own bucket
	if w := serve(r, http.MethodGet, "/api/v1/outbox", "", map[string]string{middleware.HeaderClientID: "tab-2"}); w.Code != http.StatusOK {
		t.Fatalf("other client = %d", w.Code)
	}
}

func TestRegisterRoutes_Swagger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	cfg := baseConfig()
	cfg.SwaggerEnabled = true
	RegisterRoutes(r, newTestDeps(t), cfg)

	w := serve(r, http.MethodGet, "/swagger/doc.json", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/topics/{topic}/view") {
		t.Fatalf("doc.json = %d %s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_Gzip(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDeps(t), baseConfig())

	w := serve(r, http.MethodGet, "/api/v1/transport", "", map[string]string{"Accept-Encoding": "gzip"})
	if w.Code != http.StatusOK || w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("transport = %d encoding=%q", w.Code, w.Header().Get("Content-Encoding"))
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	if w := serve(r, http.MethodPost, "/echo", "0123456789AB", nil); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
	if w := serve(r, http.MethodPost, "/echo", "short", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 under the cap, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		if w := serve(r, http.MethodGet, path, "", nil); w.Code != http.StatusOK || w.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, w.Code, w.Body.String())
		}
	}
}
