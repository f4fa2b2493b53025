// Package apilog batches API request logs and ships them to the api-logs
// collector.
//
// Handlers (usually through one of the middleware adapters) call Log for
// every completed request. Entries are buffered and sent in batches when the
// queue reaches BatchSize, when FlushInterval elapses, or when Flush or
// Shutdown is called. Log never waits on the network. Failed batches are
// retried with exponential backoff and then put back at the head of the
// queue for the next flush; only the final flush of Shutdown drops them.
package apilog

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type state int

const (
	stateDisabled state = iota
	stateEnabled
	stateShuttingDown
	stateClosed
)

// FlushEvent describes one non-empty flush, successful or not.
type FlushEvent struct {
	BatchID  uuid.UUID
	Count    int
	Result   *BatchResult
	Err      error
	Requeued bool // entries went back to the queue
	Dropped  bool // failed after Shutdown began; entries are gone
	Duration time.Duration
}

// Options carries the collaborators of an Exporter. Every field is optional.
type Options struct {
	Logger  *zerolog.Logger
	Sender  Sender          // defaults to an HTTPTransport built from Config
	Clock   clockwork.Clock // drives the flush scheduler
	// OnFlush runs on the flushing goroutine. It must not call SetEnabled
	// or Shutdown.
	OnFlush func(FlushEvent)
}

// Exporter is safe for concurrent use.
type Exporter struct {
	cfg     Config
	target  Target
	queue   *Queue
	sched   *Scheduler
	sender  Sender
	logger  zerolog.Logger
	onFlush func(FlushEvent)

	// toggle serializes SetEnabled and Shutdown so scheduler start/stop
	// calls happen in the same order as the state changes.
	toggle sync.Mutex
	mu     sync.RWMutex
	state  state

	flushing atomic.Bool
	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// DefaultLogger is the logger used when Options.Logger is nil.
func DefaultLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Str("component", "apilog").
		Logger()
}

// New validates cfg and returns a running exporter (or a disabled one when
// cfg.Enabled is false). A missing API key yields a *ConfigurationError.
func New(cfg Config, opts *Options) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}
	cfg = cfg.withDefaults()

	logger := DefaultLogger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	sender := opts.Sender
	if sender == nil {
		sender = NewHTTPTransport(TransportConfig{
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
			Timeout:    cfg.RequestTimeout,
			Compress:   cfg.Compress,
		}, logger)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	e := &Exporter{
		cfg: cfg,
		target: Target{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Environment: cfg.Environment,
		},
		queue:    NewQueue(cfg.MaxQueueSize),
		sched:    NewScheduler(opts.Clock, logger),
		sender:   sender,
		logger:   logger,
		onFlush:  opts.OnFlush,
		state:    stateDisabled,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
	if *cfg.Enabled {
		e.state = stateEnabled
		e.sched.Start(cfg.FlushInterval, e.scheduledFlush)
	}

	logger.Info().
		Str("base_url", cfg.BaseURL).
		Str("environment", cfg.Environment.String()).
		Int("batch_size", cfg.BatchSize).
		Dur("flush_interval", cfg.FlushInterval).
		Bool("enabled", *cfg.Enabled).
		Msg("api log exporter started")
	return e, nil
}

// Log queues entry and returns whether it was accepted. Entries are dropped
// while the exporter is disabled or shutting down. Reaching BatchSize starts
// a flush in the background; Log itself never waits for the network.
func (e *Exporter) Log(entry LogEntry) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != stateEnabled {
		return false
	}
	if n := e.queue.Enqueue(entry); n >= e.cfg.BatchSize {
		e.triggerFlushLocked()
	}
	return true
}

// triggerFlushLocked must run under e.mu (read or write) so bg.Add cannot
// race with the Wait in Shutdown. At most one size-triggered flush runs at a
// time; it keeps going while full batches remain and stops on the first
// failure, leaving the requeued entries to the next trigger.
func (e *Exporter) triggerFlushLocked() {
	if !e.flushing.CompareAndSwap(false, true) {
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer e.flushing.Store(false)
		for {
			if _, err := e.flush(e.bgCtx, false); err != nil {
				return
			}
			if e.queue.Len() < e.cfg.BatchSize {
				return
			}
		}
	}()
}

// Flush sends everything queued as one batch and waits for the outcome.
// It returns (nil, nil) without touching the network when the queue is
// empty. On failure the entries are back in the queue and the error is
// usually a *TransportError. A failure that ends after Shutdown began drops
// the entries instead.
func (e *Exporter) Flush(ctx context.Context) (*BatchResult, error) {
	return e.flush(ctx, false)
}

func (e *Exporter) scheduledFlush(ctx context.Context) error {
	// failures are logged and requeued by flush
	_, _ = e.flush(ctx, false)
	return nil
}

func (e *Exporter) flush(ctx context.Context, final bool) (*BatchResult, error) {
	entries := e.queue.Drain()
	if len(entries) == 0 {
		return nil, nil
	}

	batch := Batch{
		ID:     uuid.New(),
		Target: e.target,
		Request: BatchRequest{
			Logs:        entries,
			CreateUsers: *e.cfg.CreateUsers,
		},
	}
	start := time.Now()
	result, err := e.sender.SendBatch(ctx, batch)
	event := FlushEvent{
		BatchID:  batch.ID,
		Count:    len(entries),
		Result:   result,
		Err:      err,
		Duration: time.Since(start),
	}

	requeued, queued := false, 0
	if err != nil && !final {
		requeued, queued = e.requeue(entries)
	}

	switch {
	case err == nil:
		sent := e.logger.Debug().Str("batch_id", batch.ID.String()).Int("entries", len(entries))
		if result != nil {
			sent = sent.Int("success_count", result.SuccessCount).Int("failed_count", result.FailedCount)
		}
		sent.Dur("took", event.Duration).Msg("batch sent")
	case requeued:
		event.Requeued = true
		e.logger.Warn().
			Err(err).
			Str("batch_id", batch.ID.String()).
			Int("entries", len(entries)).
			Int("queue_size", queued).
			Msg("flush failed, entries requeued")
	default:
		event.Dropped = true
		e.logger.Warn().
			Err(err).
			Str("batch_id", batch.ID.String()).
			Int("entries", len(entries)).
			Msg("flush failed during shutdown, dropping entries")
	}

	e.notify(event)
	return result, err
}

// requeue puts a failed batch back unless Shutdown has begun. The state is
// held for the whole call so that a requeue always lands before the final
// flush drains the queue.
func (e *Exporter) requeue(entries []LogEntry) (bool, int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == stateShuttingDown || e.state == stateClosed {
		return false, 0
	}
	return true, e.queue.Requeue(entries)
}

func (e *Exporter) notify(event FlushEvent) {
	if e.onFlush == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("flush observer panicked")
		}
	}()
	e.onFlush(event)
}

// SetEnabled switches between enabled and disabled. Disabling stops the
// scheduler but keeps queued entries. It has no effect once Shutdown began.
func (e *Exporter) SetEnabled(enabled bool) {
	e.toggle.Lock()
	defer e.toggle.Unlock()

	e.mu.Lock()
	stop := false
	switch {
	case e.state == stateShuttingDown || e.state == stateClosed:
	case enabled && e.state == stateDisabled:
		e.state = stateEnabled
		e.sched.Start(e.cfg.FlushInterval, e.scheduledFlush)
	case !enabled && e.state == stateEnabled:
		e.state = stateDisabled
		stop = true
	}
	e.mu.Unlock()
	if stop {
		e.sched.Stop()
	}
}

// Shutdown stops accepting entries, stops the scheduler, waits for
// background flushes and performs one final flush. ctx bounds the whole
// operation; when it expires the final batch is dropped. Calling Shutdown
// twice returns ErrShutdown.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.toggle.Lock()
	e.mu.Lock()
	if e.state == stateShuttingDown || e.state == stateClosed {
		e.mu.Unlock()
		e.toggle.Unlock()
		return ErrShutdown
	}
	e.state = stateShuttingDown
	e.mu.Unlock()
	e.sched.Stop()
	e.toggle.Unlock()

	waited := make(chan struct{})
	go func() {
		e.bg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		e.bgCancel()
		<-waited
	}

	_, err := e.flush(ctx, true)
	e.bgCancel()

	e.mu.Lock()
	e.state = stateClosed
	e.mu.Unlock()

	e.logger.Info().Int("queue_size", e.queue.Len()).Msg("api log exporter stopped")
	return err
}

// QueueSize returns the number of buffered entries. Steady growth means the
// collector is unreachable.
func (e *Exporter) QueueSize() int { return e.queue.Len() }

// Dropped returns how many entries the bounded queue discarded.
func (e *Exporter) Dropped() uint64 { return e.queue.Dropped() }

// ClearQueue discards buffered entries and returns how many there were.
func (e *Exporter) ClearQueue() int { return e.queue.Clear() }

// Enabled reports whether Log currently accepts entries.
func (e *Exporter) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == stateEnabled
}

// Config returns the effective configuration with the API key masked.
func (e *Exporter) Config() Config {
	cfg := e.cfg.Redacted()
	cfg.Enabled = Bool(e.Enabled())
	return cfg
}

// Logger returns the exporter's logger so adapters report through the
// same sink.
func (e *Exporter) Logger() zerolog.Logger { return e.logger }
