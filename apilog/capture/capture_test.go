package capture

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/spidey52/api-logs/apilog"
)

type sinkFunc func(apilog.LogEntry) bool

func (f sinkFunc) Log(e apilog.LogEntry) bool { return f(e) }

func resolved() Options[*http.Request] {
	return Options[*http.Request]{}.Resolved(zerolog.Nop())
}

func TestQueryParams_FirstValueWins(t *testing.T) {
	got := QueryParams(url.Values{"tag": {"a", "b"}, "page": {"2"}})
	if got["tag"] != "a" || got["page"] != "2" {
		t.Fatalf("unexpected params: %v", got)
	}
}

func TestErrorMessage(t *testing.T) {
	cases := []struct {
		status int
		err    error
		want   string
	}{
		{http.StatusOK, nil, ""},
		{http.StatusNotFound, nil, "HTTP 404 Not Found"},
		{http.StatusInternalServerError, errors.New("db down"), "db down"},
	}
	for _, tc := range cases {
		if got := ErrorMessage(tc.status, "", tc.err); got != tc.want {
			t.Errorf("ErrorMessage(%d, %v) = %q, want %q", tc.status, tc.err, got, tc.want)
		}
	}
}

func TestExcluded_DefaultsAndPrefixes(t *testing.T) {
	o := resolved()
	if !o.Excluded("/health") || !o.Excluded("/metrics/prom") {
		t.Fatal("expected default exclusions to apply")
	}
	if o.Excluded("/users") {
		t.Fatal("did not expect /users to be excluded")
	}

	o = Options[*http.Request]{ExcludePaths: []string{}}.Resolved(zerolog.Nop())
	if o.Excluded("/health") {
		t.Fatal("expected empty ExcludePaths to log everything")
	}
}

func TestDecodeJSON(t *testing.T) {
	v, err := DecodeJSON("request_body", "application/json; charset=utf-8", []byte(`{"name":"a"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m, ok := v.(map[string]any); !ok || m["name"] != "a" {
		t.Fatalf("unexpected value %#v", v)
	}

	if v, err := DecodeJSON("request_body", "text/plain", []byte("hello")); v != nil || err != nil {
		t.Fatalf("expected non-JSON body to be ignored, got %v %v", v, err)
	}

	_, err = DecodeJSON("response_body", "application/problem+json", []byte(`{"broken`))
	var serr *apilog.SerializationError
	if !errors.As(err, &serr) || serr.Field != "response_body" {
		t.Fatalf("expected SerializationError for response_body, got %v", err)
	}
}

func TestFlattenHeaders_RedactsAndKeepsMultiValues(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	h.Set("Content-Type", "application/json")
	h.Add("Accept", "text/html")
	h.Add("Accept", "application/json")

	got := FlattenHeaders(h, DefaultRedactHeaders)
	if got["Authorization"] != "[REDACTED]" {
		t.Fatalf("expected Authorization redacted, got %v", got["Authorization"])
	}
	if got["Content-Type"] != "application/json" {
		t.Fatalf("unexpected Content-Type %v", got["Content-Type"])
	}
	if accept, ok := got["Accept"].([]string); !ok || len(accept) != 2 {
		t.Fatalf("expected two Accept values, got %#v", got["Accept"])
	}
}

func TestBufferRequestBody_RestoresStream(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`{"name":"a"}`))
	body := BufferRequestBody(r, 1024)
	if string(body) != `{"name":"a"}` {
		t.Fatalf("unexpected captured body %q", body)
	}
	rest, _ := io.ReadAll(r.Body)
	if string(rest) != `{"name":"a"}` {
		t.Fatalf("handler would see %q", rest)
	}

	big := strings.Repeat("x", 100)
	r = httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(big))
	if got := BufferRequestBody(r, 10); got != nil {
		t.Fatalf("expected oversized body not to be captured, got %d bytes", len(got))
	}
	rest, _ = io.ReadAll(r.Body)
	if string(rest) != big {
		t.Fatalf("expected full body to reach the handler, got %d bytes", len(rest))
	}
}

func TestLimitedBuffer(t *testing.T) {
	b := NewLimitedBuffer(4)
	n, err := b.Write([]byte("ab"))
	if n != 2 || err != nil {
		t.Fatalf("write: %d %v", n, err)
	}
	if string(b.Bytes()) != "ab" {
		t.Fatalf("unexpected bytes %q", b.Bytes())
	}
	_, _ = b.Write([]byte("cdef"))
	if b.Bytes() != nil {
		t.Fatal("expected truncated buffer to report nil")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if got := ClientIP(r); got != "10.0.0.1" {
		t.Fatalf("expected peer address, got %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := ClientIP(r); got != "203.0.113.7" {
		t.Fatalf("expected forwarded address, got %q", got)
	}
}

func TestEntry_BuildsFromObservation(t *testing.T) {
	o := Options[*http.Request]{CaptureRequestBody: true, CaptureHeaders: true}.Resolved(zerolog.Nop())
	u, _ := url.Parse("/users/42?expand=orders&expand=x")

	entry, ok := o.Entry(Observation{
		Method:        "post",
		URL:           u,
		Status:        http.StatusBadRequest,
		Elapsed:       42 * time.Millisecond,
		ContentLength: 12,
		RequestHeader: http.Header{"X-Api-Key": {"secret"}},
		RequestBody:   []byte(`{"name":"a"}`),
		RequestType:   "application/json",
		User:          &UserInfo{UserID: "42", UserName: "Ada"},
	})
	if !ok {
		t.Fatal("expected entry")
	}
	if entry.Method != apilog.MethodPOST || entry.Path != "/users/42" {
		t.Fatalf("unexpected method/path %s %s", entry.Method, entry.Path)
	}
	if entry.QueryParams["expand"] != "orders" {
		t.Fatalf("unexpected query params %v", entry.QueryParams)
	}
	if entry.ResponseTimeMs != 42 || entry.ContentLength != 12 {
		t.Fatalf("unexpected timing/length %d %d", entry.ResponseTimeMs, entry.ContentLength)
	}
	if entry.UserID != "42" || entry.UserName != "Ada" {
		t.Fatalf("unexpected user %q %q", entry.UserID, entry.UserName)
	}
	if entry.ErrorMessage != "HTTP 400 Bad Request" {
		t.Fatalf("unexpected error message %q", entry.ErrorMessage)
	}
	if entry.RequestHeaders["X-Api-Key"] != "[REDACTED]" {
		t.Fatalf("expected api key redacted, got %v", entry.RequestHeaders)
	}
	if entry.RequestBody == nil {
		t.Fatal("expected request body")
	}
}

func TestEntry_SkipsUnsupportedMethod(t *testing.T) {
	if _, ok := resolved().Entry(Observation{Method: "TRACE", Status: 200}); ok {
		t.Fatal("expected TRACE to be skipped")
	}
}

func TestDispatch_RecoversPanics(t *testing.T) {
	logger := zerolog.Nop()
	Dispatch(sinkFunc(func(apilog.LogEntry) bool { panic("sink exploded") }), &logger, func() (apilog.LogEntry, bool) {
		return apilog.LogEntry{Method: apilog.MethodGET, Path: "/"}, true
	})

	var logged int
	Dispatch(sinkFunc(func(apilog.LogEntry) bool { logged++; return true }), &logger, func() (apilog.LogEntry, bool) {
		return apilog.LogEntry{}, false
	})
	if logged != 0 {
		t.Fatal("expected skipped entry not to reach the sink")
	}
}
