package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = zerolog.New(&buf)
	return &buf
}

func do(r http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	var seen string
	r.GET("/rid", func(c *gin.Context) {
		seen = RequestIDFrom(c)
		c.Status(http.StatusNoContent)
	})

	w := do(r, http.MethodGet, "/rid", nil)
	if gen := w.Header().Get(requestIDHeader); gen == "" || gen != seen {
		t.Fatalf("generated id header=%q context=%q", gen, seen)
	}

	w = do(r, http.MethodGet, "/rid", map[string]string{"x-request-id": " abc-123 "})
	if got := w.Header().Get(requestIDHeader); got != "abc-123" || seen != "abc-123" {
		t.Fatalf("propagated id header=%q context=%q", got, seen)
	}
}

func TestLogger_LevelsTopicAndQuietPaths(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), Logger())
	r.GET("/topics/:topic/view", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/err", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
		c.Status(http.StatusBadRequest)
	})

	do(r, http.MethodGet, "/topics/messages:42/view", nil)
	do(r, http.MethodGet, "/health", nil)
	do(r, http.MethodGet, "/missing", nil)
	do(r, http.MethodGet, "/err", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("want 4 access lines, got %d:\n%s", len(lines), buf.String())
	}
	type entry struct {
		Level string `json:"level"`
		Path  string `json:"path"`
		Topic string `json:"topic"`
		RID   string `json:"request_id"`
	}
	var got []entry
	for _, ln := range lines {
		var e entry
		if err := json.Unmarshal([]byte(ln), &e); err != nil {
			t.Fatalf("bad log line %q: %v", ln, err)
		}
		got = append(got, e)
	}
	if got[0].Level != "info" || got[0].Path != "/topics/:topic/view" || got[0].Topic != "messages:42" || got[0].RID == "" {
		t.Fatalf("view log=%+v", got[0])
	}
	if got[1].Level != "debug" || got[1].Path != "/health" {
		t.Fatalf("health log=%+v", got[1])
	}
	if got[2].Level != "warn" || got[2].Path != "/missing" {
		t.Fatalf("404 log=%+v", got[2])
	}
	if got[3].Level != "error" {
		t.Fatalf("gin error log=%+v", got[3])
	}
}

func TestRecovery_PanicBecomesEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), Logger(), Recovery())
	r.GET("/panic", func(c *gin.Context) { panic("kaboom") })
	r.GET("/late", func(c *gin.Context) {
		c.String(http.StatusOK, "partial")
		panic("late kaboom")
	})

	w := do(r, http.MethodGet, "/panic", map[string]string{requestIDHeader: "rid-9"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json body: %v", err)
	}
	if body["code"] != "internal_error" || body["request_id"] != "rid-9" {
		t.Fatalf("body=%v", body)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("expected panic log, got:\n%s", buf.String())
	}

	w = do(r, http.MethodGet, "/late", nil)
	if strings.Contains(w.Body.String(), "internal_error") {
		t.Fatalf("no envelope after a partial write, got %q", w.Body.String())
	}
}

func TestLoggerFrom_FallbackAndScoped(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	bare := gin.New()
	bare.GET("/use", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("fallback")
		c.Status(http.StatusOK)
	})
	do(bare, http.MethodGet, "/use", nil)
	if out := buf.String(); !strings.Contains(out, `"fallback"`) || strings.Contains(out, "request_id") {
		t.Fatalf("fallback logger output: %s", out)
	}

	buf.Reset()
	scoped := gin.New()
	scoped.Use(RequestID(), Logger())
	scoped.GET("/use", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("scoped")
		c.Status(http.StatusOK)
	})
	do(scoped, http.MethodGet, "/use", nil)
	if out := buf.String(); !strings.Contains(out, `"scoped"`) || !strings.Contains(out, "request_id") {
		t.Fatalf("scoped logger output: %s", out)
	}
}

func TestTruncate(t *testing.T) {
	if truncate("hello", 10) != "hello" || truncate("abc", 0) != "abc" {
		t.Fatal("truncate should be a no-op within bounds")
	}
	if got := truncate("abcdefgh", 5); got != "abcde…" {
		t.Fatalf("truncate=%q", got)
	}
}
