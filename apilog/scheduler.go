package apilog

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Scheduler calls a function at a fixed period on its own goroutine.
//
// Ticks never overlap: the callback runs on the scheduler goroutine and ticks
// that arrive while it is still running are dropped by the ticker. A failing
// or panicking callback is logged and the next tick still fires. The
// goroutine does not keep a Go program alive once main returns, so a
// forgotten Stop never blocks process exit.
type Scheduler struct {
	clock  clockwork.Clock
	logger zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler returns a stopped scheduler. A nil clock means the real clock.
func NewScheduler(clock clockwork.Clock, logger zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{clock: clock, logger: logger}
}

// Start begins invoking fn every interval. The context passed to fn is
// cancelled by Stop. Start returns false if the scheduler is already running
// or interval is not positive.
func (s *Scheduler) Start(interval time.Duration, fn func(context.Context) error) bool {
	if interval <= 0 || fn == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ticker := s.clock.NewTicker(interval)
	s.cancel = cancel
	s.done = done
	go s.run(ctx, ticker, fn, done)
	return true
}

// Stop cancels future ticks and waits for a tick in progress to return.
// It is safe to call on a stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) run(ctx context.Context, ticker clockwork.Ticker, fn func(context.Context) error, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.tick(ctx, fn)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("scheduled flush panicked")
		}
	}()
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Msg("scheduled flush failed")
	}
}
