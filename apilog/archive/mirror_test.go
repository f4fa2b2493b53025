package archive

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spidey52/api-logs/apilog"
)

type stubSender struct {
	err   error
	calls int
}

func (s *stubSender) SendBatch(_ context.Context, b apilog.Batch) (*apilog.BatchResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	n := len(b.Request.Logs)
	return &apilog.BatchResult{SuccessCount: n, Total: n}, nil
}

type memStore struct {
	mu      sync.Mutex
	err     error
	objects map[string][]byte
}

func (m *memStore) PutObject(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if contentType != ContentType {
		return errors.New("unexpected content type " + contentType)
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = data
	return nil
}

func batchOf(env apilog.Environment, paths ...string) apilog.Batch {
	logs := make([]apilog.LogEntry, 0, len(paths))
	for _, p := range paths {
		logs = append(logs, apilog.LogEntry{Method: apilog.MethodGET, Path: p, StatusCode: 200})
	}
	return apilog.Batch{
		ID:      uuid.New(),
		Target:  apilog.Target{Environment: env},
		Request: apilog.BatchRequest{Logs: logs, CreateUsers: true},
	}
}

func TestKeyForBatch(t *testing.T) {
	at := time.Date(2026, 3, 9, 23, 30, 0, 0, time.FixedZone("x", -2*3600))
	got := KeyForBatch(apilog.EnvProduction, "b1", at)
	if got != "logs/production/2026/03/10/b1.json.gz" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := KeyForBatch("", "b2", at); !strings.HasPrefix(got, "logs/dev/") {
		t.Fatalf("expected dev default, got %q", got)
	}
}

func TestMirror_UploadsAcceptedBatch(t *testing.T) {
	next := &stubSender{}
	store := &memStore{}
	m := NewMirror(next, store, time.Second, zerolog.Nop())

	b := batchOf(apilog.EnvDev, "/a", "/b")
	res, err := m.SendBatch(context.Background(), b)
	if err != nil || res.SuccessCount != 2 {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	if len(store.objects) != 1 {
		t.Fatalf("expected one archived object, got %d", len(store.objects))
	}
	for key, data := range store.objects {
		if !strings.HasSuffix(key, b.ID.String()+".json.gz") {
			t.Fatalf("unexpected key %q", key)
		}
		entries, err := DecodeBatch(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(entries) != 2 || entries[1].Path != "/b" {
			t.Fatalf("unexpected archived entries %+v", entries)
		}
	}
}

func TestMirror_FailedSendIsNotArchived(t *testing.T) {
	next := &stubSender{err: errors.New("collector down")}
	store := &memStore{}
	m := NewMirror(next, store, time.Second, zerolog.Nop())

	if _, err := m.SendBatch(context.Background(), batchOf(apilog.EnvDev, "/a")); err == nil {
		t.Fatal("expected the send error to propagate")
	}
	if len(store.objects) != 0 {
		t.Fatal("expected nothing archived")
	}
}

func TestMirror_UploadFailureDoesNotFailBatch(t *testing.T) {
	next := &stubSender{}
	m := NewMirror(next, &memStore{err: errors.New("bucket gone")}, time.Second, zerolog.Nop())

	res, err := m.SendBatch(context.Background(), batchOf(apilog.EnvProduction, "/a"))
	if err != nil || res.SuccessCount != 1 {
		t.Fatalf("expected success despite upload failure, got %+v %v", res, err)
	}
}

func TestNilClientReportsNotConfigured(t *testing.T) {
	c, err := NewClient(Config{})
	if err != nil || c != nil {
		t.Fatalf("expected nil client, got %v %v", c, err)
	}
	if err := c.PutObject(context.Background(), "k", nil, ContentType); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := c.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("expected nil client EnsureBucket to be a no-op, got %v", err)
	}
}
