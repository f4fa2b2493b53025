package apilog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

const maxResponseBody = 1 << 20

// Target identifies the collector and the credentials for one send.
// The Exporter supplies it; transports never choose it.
type Target struct {
	BaseURL     string
	APIKey      string
	Environment Environment
}

// Batch is a drained group of entries on its way to the collector.
type Batch struct {
	ID      uuid.UUID
	Target  Target
	Request BatchRequest
}

// Sender submits batches. HTTPTransport is the production implementation;
// tests and decorators such as archive.Mirror provide others.
type Sender interface {
	SendBatch(ctx context.Context, batch Batch) (*BatchResult, error)
}

// TransportConfig configures HTTPTransport.
type TransportConfig struct {
	MaxRetries int           // additional attempts after the first
	RetryDelay time.Duration // base delay, doubled after every failed attempt
	Timeout    time.Duration // per request
	Compress   bool          // gzip request bodies
	Client     *http.Client  // optional; Timeout is ignored when set
}

// HTTPTransport posts JSON to the collector and retries failures with
// exponential backoff: attempt n (from 0) is followed by a wait of
// RetryDelay * 2^n.
type HTTPTransport struct {
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	compress   bool
	logger     zerolog.Logger
}

// NewHTTPTransport builds a transport; zero values take the package defaults.
func NewHTTPTransport(cfg TransportConfig, logger zerolog.Logger) *HTTPTransport {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPTransport{
		client:     client,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		compress:   cfg.Compress,
		logger:     logger,
	}
}

// SendBatch posts batch to {BaseURL}/logs/batch and returns the collector's
// result. Partial failures reported by the collector are returned as is.
func (t *HTTPTransport) SendBatch(ctx context.Context, batch Batch) (*BatchResult, error) {
	body, err := t.encode(batch.Request)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	var result *BatchResult
	err = t.retry(ctx, "batch", batch.ID.String(), func(ctx context.Context) error {
		raw, err := t.post(ctx, batch.Target, "/logs/batch", body)
		if err != nil {
			return err
		}
		var envelope struct {
			Data BatchResult `json:"data"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			// The collector accepted the batch; resending it would duplicate entries.
			t.logger.Warn().Err(err).Str("batch_id", batch.ID.String()).Msg("unreadable collector response")
			result = &BatchResult{Total: len(batch.Request.Logs)}
			return nil
		}
		result = &envelope.Data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SendEntry posts a single entry to {BaseURL}/logs with the same retry policy.
func (t *HTTPTransport) SendEntry(ctx context.Context, target Target, entry LogEntry) error {
	body, err := t.encode(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	return t.retry(ctx, "entry", "", func(ctx context.Context) error {
		_, err := t.post(ctx, target, "/logs", body)
		return err
	})
}

func (t *HTTPTransport) encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if !t.compress {
		return raw, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *HTTPTransport) post(ctx context.Context, target Target, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", target.APIKey)
	req.Header.Set("X-Environment", target.Environment.String())
	if t.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}
	return raw, nil
}

// retry runs fn until it succeeds, exhausts maxRetries, or ctx is done.
// Every failure is retried, collector rejections included; only an error
// marked permanent by fn ends the loop early. Failures come back as
// *TransportError.
func (t *HTTPTransport) retry(ctx context.Context, op, batchID string, fn func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.retryDelay
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxInterval = time.Duration(math.MaxInt64)
	policy.MaxElapsedTime = 0
	policy.Reset()

	attempts := 0
	var last error
	operation := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		return err
	}
	notify := func(err error, wait time.Duration) {
		t.logger.Warn().
			Err(err).
			Str("op", op).
			Str("batch_id", batchID).
			Int("attempt", attempts).
			Dur("backoff", wait).
			Msg("send failed, retrying")
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(t.maxRetries)), ctx), notify)
	if err == nil {
		return nil
	}
	if last == nil {
		last = err
	}
	var permanent *backoff.PermanentError
	if errors.As(last, &permanent) {
		last = permanent.Err
	}
	return &TransportError{Op: op, Attempts: attempts, Err: last}
}
