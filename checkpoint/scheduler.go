package checkpoint

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the two independent checkpoint thresholds. A zero value
// disables that threshold.
type Config struct {
	Ops      int              `yaml:"ops" validate:"gte=0"`
	Interval time.Duration    `yaml:"interval" validate:"gte=0"`
	Now      func() time.Time `yaml:"-"`
}

// Func persists the current state.
type Func func(ctx context.Context) error

// Scheduler decides when the context CSN should be written back and runs the
// write. Failed checkpoints are logged and retried at the next threshold.
type Scheduler struct {
	cfg    Config
	fn     Func
	logger *slog.Logger

	mu      sync.Mutex
	ops     int
	last    time.Time
	pending bool
	count   int

	running   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	triggerCh chan struct{}
}

// NewScheduler returns a scheduler running fn.
func NewScheduler(cfg Config, fn Func, logger *slog.Logger) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:       cfg,
		fn:        fn,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		triggerCh: make(chan struct{}, 1),
	}
}

// Track records one tracked write and reports whether a checkpoint is due.
func (s *Scheduler) Track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = true
	due := false
	if s.cfg.Ops > 0 {
		s.ops++
		if s.ops >= s.cfg.Ops {
			due = true
			s.ops = 0
		}
	}
	if s.cfg.Interval > 0 {
		now := s.cfg.Now()
		switch {
		case s.last.IsZero():
			s.last = now
		case now.Sub(s.last) >= s.cfg.Interval:
			due = true
			s.last = now
		}
	}
	return due
}

// MarkPending forces the next Checkpoint or Stop-time flush to write.
func (s *Scheduler) MarkPending() {
	s.mu.Lock()
	s.pending = true
	s.mu.Unlock()
}

// Pending reports whether writes happened since the last successful checkpoint.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Count returns the number of successful checkpoints.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Checkpoint runs fn. A failure is logged and leaves the scheduler pending;
// the error is returned for callers that report it.
func (s *Scheduler) Checkpoint(ctx context.Context) error {
	if err := s.fn(ctx); err != nil {
		s.logger.Error("checkpoint failed", "err", err)
		return err
	}
	s.mu.Lock()
	s.pending = false
	s.ops = 0
	s.count++
	if s.cfg.Interval > 0 {
		s.last = s.cfg.Now()
	}
	s.mu.Unlock()
	return nil
}

// Start runs the interval loop until Stop. Without an interval only Trigger
// wakes it.
func (s *Scheduler) Start(ctx context.Context) {
	if s.running.Swap(true) {
		return
	}
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)
	var tick <-chan time.Time
	if s.cfg.Interval > 0 {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-tick:
			if s.elapsed() {
				_ = s.Checkpoint(ctx)
			}
		case <-s.triggerCh:
			if s.Pending() {
				_ = s.Checkpoint(ctx)
			}
		}
	}
}

func (s *Scheduler) elapsed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending && (s.last.IsZero() || s.cfg.Now().Sub(s.last) >= s.cfg.Interval)
}

// Trigger asks the loop to checkpoint if anything is pending. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Stop ends the loop started by Start and waits for it.
func (s *Scheduler) Stop() {
	if !s.running.Load() {
		return
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}
