package ginlog

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/spidey52/api-logs/apilog"
	"github.com/spidey52/api-logs/apilog/capture"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingSink struct {
	mu      sync.Mutex
	entries []apilog.LogEntry
}

func (s *recordingSink) Log(e apilog.LogEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return true
}

func (s *recordingSink) all() []apilog.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]apilog.LogEntry(nil), s.entries...)
}

func newRouter(sink capture.Logger, opts Options) *gin.Engine {
	l := zerolog.Nop()
	opts.Logger = &l

	r := gin.New()
	r.Use(Middleware(sink, opts))
	r.GET("/users/:id", func(c *gin.Context) {
		c.Set("user_id", c.Param("id"))
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})
	r.PUT("/users/:id", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		c.JSON(http.StatusOK, body)
	})
	r.GET("/error", func(c *gin.Context) {
		_ = c.Error(errors.New("simulated failure"))
		c.String(http.StatusInternalServerError, "boom")
	})
	return r
}

func TestMiddleware_LogsRequestWithUserAndBody(t *testing.T) {
	sink := &recordingSink{}
	r := newRouter(sink, Options{
		CaptureResponseBody: true,
		GetUserInfo: func(c *gin.Context) *capture.UserInfo {
			return &capture.UserInfo{UserID: c.GetString("user_id"), UserIdentifier: "api"}
		},
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/9?a=1&a=2", nil))

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("expected one entry, got %d", len(got))
	}
	e := got[0]
	if e.Path != "/users/9" || e.StatusCode != http.StatusOK || e.UserID != "9" || e.UserIdentifier != "api" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.QueryParams["a"] != "1" {
		t.Fatalf("expected first value to win, got %v", e.QueryParams)
	}
	if body, ok := e.ResponseBody.(map[string]any); !ok || body["id"] != "9" {
		t.Fatalf("unexpected response body %#v", e.ResponseBody)
	}
	if !strings.Contains(rec.Body.String(), `"id":"9"`) {
		t.Fatalf("client body changed: %s", rec.Body.String())
	}
}

func TestMiddleware_InvalidJSONBodyIsSkipped(t *testing.T) {
	sink := &recordingSink{}
	r := newRouter(sink, Options{CaptureRequestBody: true})

	req := httptest.NewRequest(http.MethodPut, "/users/3", strings.NewReader(`{"name":`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(httptest.NewRecorder(), req)

	e := sink.all()[0]
	if e.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", e.StatusCode)
	}
	if e.RequestBody != nil {
		t.Fatalf("expected malformed body to be left out, got %#v", e.RequestBody)
	}
	if e.ErrorMessage == "" {
		t.Fatal("expected the bind error as message")
	}
}

func TestMiddleware_ContextErrorBecomesMessage(t *testing.T) {
	sink := &recordingSink{}
	r := newRouter(sink, Options{})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/error", nil))

	e := sink.all()[0]
	if e.StatusCode != http.StatusInternalServerError || e.ErrorMessage != "simulated failure" {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestMiddleware_UnsupportedMethodIsSkipped(t *testing.T) {
	sink := &recordingSink{}
	r := newRouter(sink, Options{})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("PROPFIND", "/users/1", nil))
	if n := len(sink.all()); n != 0 {
		t.Fatalf("expected no entries, got %d", n)
	}
}
