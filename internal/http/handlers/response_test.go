package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/incident-sync/internal/collab"
	"github.com/tbourn/incident-sync/internal/domain"
	"github.com/tbourn/incident-sync/internal/http/middleware"
)

func TestFail_ServerErrorsAreLogged(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	lg := zerolog.New(&buf)

	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(func(c *gin.Context) {
		c.Set("logger", &lg)
		c.Next()
	})
	r.GET("/boom", func(c *gin.Context) { fail(c, http.StatusBadGateway, ErrCodeInternal, "upstream") })
	r.GET("/client", func(c *gin.Context) { Fail(c, http.StatusBadRequest, ErrCodeBadRequest, "nope") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("X-Request-ID", "rid-502")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if w.Code != http.StatusBadGateway || resp.RequestID != "rid-502" || resp.Code != ErrCodeInternal {
		t.Fatalf("unexpected: %d %+v", w.Code, resp)
	}
	if !strings.Contains(buf.String(), `"level":"error"`) || !strings.Contains(buf.String(), `"status":502`) {
		t.Fatalf("expected error log, got: %s", buf.String())
	}

	buf.Reset()
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/client", nil))
	if w.Code != http.StatusBadRequest || buf.Len() != 0 {
		t.Fatalf("4xx should not log: %d %q", w.Code, buf.String())
	}
}

func TestEngineError_Mapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrInvalidTopic, http.StatusBadRequest, ErrCodeInvalidTopic},
		{collab.ErrUnknownTopic, http.StatusNotFound, ErrCodeUnknownTopic},
		{collab.ErrUnknownHandle, http.StatusNotFound, ErrCodeNotFound},
		{fmt.Errorf("wrapped: %w", collab.ErrItemNotFound), http.StatusNotFound, ErrCodeNotFound},
		{collab.ErrItemNotFailed, http.StatusConflict, ErrCodeItemNotFailed},
		{collab.ErrUnsupportedOperation, http.StatusNotImplemented, ErrCodeUnsupported},
		{collab.ErrEngineStopped, http.StatusServiceUnavailable, ErrCodeEngineStopped},
		{context.Canceled, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{errors.New("disk full"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tc := range cases {
		r := gin.New()
		r.GET("/x", func(c *gin.Context) { engineError(c, tc.err) })
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

		var resp ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%v: json: %v", tc.err, err)
		}
		if w.Code != tc.status || resp.Code != tc.code {
			t.Fatalf("%v: got %d %q, want %d %q", tc.err, w.Code, resp.Code, tc.status, tc.code)
		}
	}
}

func TestSuccessHelpers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ok", func(c *gin.Context) { ok(c, http.StatusAccepted, gin.H{"local_id": "l1"}) })
	r.DELETE("/gone", func(c *gin.Context) { noContent(c) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w.Code != http.StatusAccepted || !strings.Contains(w.Body.String(), `"local_id":"l1"`) {
		t.Fatalf("ok: %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/gone", nil))
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Fatalf("noContent: %d %q", w.Code, w.Body.String())
	}
}
