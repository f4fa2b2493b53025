package handler

import (
	"context"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/spidey52/api-logs/apilog"
	"github.com/spidey52/api-logs/apilog/archive"
	"github.com/spidey52/api-logs/internal/response"
)

// Telemetry is the part of *apilog.Exporter exposed over HTTP.
type Telemetry interface {
	Flush(ctx context.Context) (*apilog.BatchResult, error)
	SetEnabled(enabled bool)
	Enabled() bool
	QueueSize() int
	Dropped() uint64
	Config() apilog.Config
}

// ArchiveReader is the read side of *archive.Client.
type ArchiveReader interface {
	ListObjects(ctx context.Context, prefix string) ([]archive.ObjectInfo, error)
	GetBatch(ctx context.Context, key string) ([]apilog.LogEntry, error)
}

// FlushStatus remembers the outcome of the most recent flushes. Record is
// meant to be installed as apilog.Options.OnFlush.
type FlushStatus struct {
	mu        sync.Mutex
	lastAt    time.Time
	lastBatch string
	lastCount int
	lastErr   string
	delivered int
	failed    int
	lost      int
}

func (s *FlushStatus) Record(ev apilog.FlushEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAt = time.Now().UTC()
	s.lastBatch = ev.BatchID.String()
	s.lastCount = ev.Count
	s.lastErr = ""
	switch {
	case ev.Err == nil:
		s.delivered += ev.Count
	case ev.Dropped:
		s.lost += ev.Count
		s.lastErr = ev.Err.Error()
	default:
		s.failed++
		s.lastErr = ev.Err.Error()
	}
}

func (s *FlushStatus) snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]any{
		"delivered_count": s.delivered,
		"failed_flushes":  s.failed,
		"lost_count":      s.lost,
	}
	if !s.lastAt.IsZero() {
		out["last_flush_at"] = s.lastAt
		out["last_batch_id"] = s.lastBatch
		out["last_batch_count"] = s.lastCount
		out["last_error"] = s.lastErr
	}
	return out
}

// TelemetryHandler serves /telemetry.
type TelemetryHandler struct {
	Exporter Telemetry
	Status   *FlushStatus
	Archive  ArchiveReader // nil when archiving is off
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// GetStatus handles GET /telemetry/status.
func (h *TelemetryHandler) GetStatus(c echo.Context) error {
	data := map[string]any{
		"enabled":    h.Exporter.Enabled(),
		"queue_size": h.Exporter.QueueSize(),
		"dropped":    h.Exporter.Dropped(),
		"config":     h.Exporter.Config(),
		"archive":    h.Archive != nil,
	}
	if h.Status != nil {
		data["flush"] = h.Status.snapshot()
	}
	return response.OK(c, data, "")
}

// Flush handles POST /telemetry/flush. A failed flush leaves the entries
// queued, so the response is 503 and the client may retry.
func (h *TelemetryHandler) Flush(c echo.Context) error {
	res, err := h.Exporter.Flush(c.Request().Context())
	if err != nil {
		return response.ServiceUnavailable(c, "flush failed, entries kept for retry", err.Error())
	}
	if res == nil {
		return response.OK(c, map[string]any{"sent": 0}, "queue empty")
	}
	return response.OK(c, res, "flushed")
}

// SetEnabled handles PUT /telemetry/enabled with {"enabled": bool}.
func (h *TelemetryHandler) SetEnabled(c echo.Context) error {
	var req enabledRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid body", err.Error())
	}
	if req.Enabled == nil {
		return response.BadRequest(c, "validation failed", "enabled is required")
	}
	h.Exporter.SetEnabled(*req.Enabled)
	return response.OK(c, map[string]bool{"enabled": h.Exporter.Enabled()}, "")
}

// ListArchive handles GET /telemetry/archive?prefix=.
func (h *TelemetryHandler) ListArchive(c echo.Context) error {
	if h.Archive == nil {
		return response.OK(c, map[string]any{"objects": []archive.ObjectInfo{}}, "archive not configured")
	}
	prefix := c.QueryParam("prefix")
	if prefix == "" {
		prefix = "logs/"
	}
	list, err := h.Archive.ListObjects(c.Request().Context(), prefix)
	if err != nil {
		return response.InternalError(c, "list archive failed", err.Error())
	}
	return response.OK(c, map[string]any{"objects": list}, "")
}

// ArchiveContent handles GET /telemetry/archive/content?key=.
func (h *TelemetryHandler) ArchiveContent(c echo.Context) error {
	if h.Archive == nil {
		return response.BadRequest(c, "archive not configured", "archive not configured")
	}
	key := c.QueryParam("key")
	if key == "" {
		return response.BadRequest(c, "missing key", "query param key is required")
	}
	logs, err := h.Archive.GetBatch(c.Request().Context(), key)
	if err != nil {
		return response.InternalError(c, "get archived batch failed", err.Error())
	}
	return response.OK(c, map[string]any{"logs": logs, "key": key}, "")
}
