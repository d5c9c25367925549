package middleware

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountsRoutesAndFallbackPaths(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.GET("/topics/:topic/view", func(c *gin.Context) { c.String(http.StatusOK, "view") })
	r.GET("/empty", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	baseView := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/topics/:topic/view", "200"))
	baseMiss := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/nope", "404"))

	do(r, http.MethodGet, "/topics/messages:1/view", nil)
	do(r, http.MethodGet, "/topics/messages:2/view", nil)
	do(r, http.MethodGet, "/nope", nil)
	do(r, http.MethodGet, "/empty", nil)

	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/topics/:topic/view", "200")); got != baseView+2 {
		t.Fatalf("route counter=%v want %v", got, baseView+2)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/nope", "404")); got != baseMiss+1 {
		t.Fatalf("fallback counter=%v want %v", got, baseMiss+1)
	}
	if v := testutil.ToFloat64(httpInflight); v != 0 {
		t.Fatalf("inflight=%v", v)
	}
}

func TestMarkStream_MovesBetweenGauges(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())

	var during, inflightDuring float64
	r.GET("/stream", func(c *gin.Context) {
		done := MarkStream(c)
		during = testutil.ToFloat64(httpStreams)
		inflightDuring = testutil.ToFloat64(httpInflight)
		done()
		c.Status(http.StatusOK)
	})
	base := testutil.ToFloat64(httpStreams)
	do(r, http.MethodGet, "/stream", nil)

	if during != base+1 || inflightDuring != 0 {
		t.Fatalf("during stream: streams=%v inflight=%v", during, inflightDuring)
	}
	if after := testutil.ToFloat64(httpStreams); after != base {
		t.Fatalf("streams after=%v want %v", after, base)
	}
	if v := testutil.ToFloat64(httpInflight); v != 0 {
		t.Fatalf("inflight after=%v", v)
	}
}
