package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/spidey52/api-logs/apilog"
	"github.com/spidey52/api-logs/internal/config"
)

type memSender struct {
	mu      sync.Mutex
	batches []apilog.Batch
}

func (m *memSender) SendBatch(_ context.Context, b apilog.Batch) (*apilog.BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, b)
	n := len(b.Request.Logs)
	return &apilog.BatchResult{SuccessCount: n, Total: n}, nil
}

func (m *memSender) entries() []apilog.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []apilog.LogEntry
	for _, b := range m.batches {
		out = append(out, b.Request.Logs...)
	}
	return out
}

type memArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memArchive) PutObject(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = data
	return nil
}

func (m *memArchive) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Exporter.APIKey = "test-key-1234567"
	cfg.Exporter.Environment = apilog.EnvDev
	cfg.Exporter.BatchSize = 100
	cfg.Exporter.FlushInterval = time.Hour
	cfg.Capture.ExcludePaths = []string{"/health"}
	return cfg
}

func newTestServer(t *testing.T, opts Options) (*Server, *memSender) {
	t.Helper()
	sender := &memSender{}
	l := zerolog.Nop()
	opts.Logger = &l
	opts.Sender = sender
	s, err := New(testConfig(), opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, sender
}

func do(s *Server, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	return rec
}

func TestServer_RequestsAreLoggedAndFlushed(t *testing.T) {
	s, sender := newTestServer(t, Options{})

	rec := do(s, http.MethodPost, "/users", `{"name":"Ada","email":"ada@example.com"}`,
		map[string]string{"X-User-ID": "u-1", "X-User-Email": "ada@example.com"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user: %d %s", rec.Code, rec.Body.String())
	}
	do(s, http.MethodGet, "/health", "", nil)
	do(s, http.MethodGet, "/error", "", nil)

	if got := s.Exporter.QueueSize(); got != 2 {
		t.Fatalf("expected 2 queued entries (health excluded), got %d", got)
	}

	rec = do(s, http.MethodPost, "/telemetry/flush", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("flush: %d %s", rec.Code, rec.Body.String())
	}

	entries := sender.entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 delivered entries, got %d", len(entries))
	}
	if entries[0].Path != "/users" || entries[0].StatusCode != http.StatusCreated || entries[0].UserID != "u-1" {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Path != "/error" || entries[1].StatusCode != http.StatusInternalServerError || entries[1].ErrorMessage == "" {
		t.Fatalf("unexpected second entry %+v", entries[1])
	}
}

func TestServer_TelemetryStatusAndToggle(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	rec := do(s, http.MethodPut, "/telemetry/enabled", `{"enabled":false}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable: %d %s", rec.Code, rec.Body.String())
	}
	do(s, http.MethodGet, "/users", "", nil)
	if got := s.Exporter.QueueSize(); got != 0 {
		t.Fatalf("expected nothing queued while disabled, got %d", got)
	}

	rec = do(s, http.MethodGet, "/telemetry/status", "", nil)
	var body struct {
		Data struct {
			Enabled bool           `json:"enabled"`
			Config  map[string]any `json:"config"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body.Data.Enabled {
		t.Fatal("expected status to report disabled")
	}
	if key, _ := body.Data.Config["api_key"].(string); key != "test-key..." {
		t.Fatalf("expected masked key, got %q", key)
	}

	if rec := do(s, http.MethodPut, "/telemetry/enabled", `{}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing flag, got %d", rec.Code)
	}
}

func TestServer_ArchiveMirrorsDeliveredBatches(t *testing.T) {
	store := &memArchive{}
	s, _ := newTestServer(t, Options{Store: store})

	do(s, http.MethodGet, "/", "", nil)
	if _, err := s.Exporter.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("expected one archived batch, got %d", store.count())
	}
}

func TestServer_UserNotFoundUsesErrorEnvelope(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	rec := do(s, http.MethodGet, "/users/6f1c1d2e-0000-4000-8000-000000000000", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["message"] != "user not found" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestServer_ShutdownDrainsQueue(t *testing.T) {
	s, sender := newTestServer(t, Options{})
	do(s, http.MethodGet, "/users", "", nil)

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if n := len(sender.entries()); n != 1 {
		t.Fatalf("expected the queued entry to be delivered on shutdown, got %d", n)
	}
}

func TestServer_StartFailureShutsDownExporter(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()
	_, port, _ := net.SplitHostPort(busy.Addr().String())

	cfg := testConfig()
	cfg.Server.Port = port
	cfg.Server.ShutdownTimeout = time.Second
	sender := &memSender{}
	l := zerolog.Nop()
	s, err := New(cfg, Options{Logger: &l, Sender: sender})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	s.Exporter.Log(apilog.LogEntry{Method: apilog.MethodGET, Path: "/queued", StatusCode: http.StatusOK})

	errc := make(chan error, 1)
	go func() { errc <- s.Start(context.Background()) }()
	select {
	case err = <-errc:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after the listener failed")
	}
	if err == nil {
		t.Fatal("expected an error for a port already in use")
	}

	if s.Exporter.Log(apilog.LogEntry{Method: apilog.MethodGET, Path: "/late", StatusCode: http.StatusOK}) {
		t.Fatal("expected the exporter to be shut down")
	}
	if err := s.Exporter.Shutdown(context.Background()); !errors.Is(err, apilog.ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
	if got := sender.entries(); len(got) != 1 || got[0].Path != "/queued" {
		t.Fatalf("expected the queued entry to be drained, got %+v", got)
	}
}
