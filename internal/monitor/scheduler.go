package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Scheduler defaults.
const (
	DefaultInterval      = 60 * time.Second
	DefaultShutdownGrace = 30 * time.Second
)

// Evaluator performs one evaluation. *Monitor satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context) Transition
}

// SchedulerConfig tunes a Scheduler.
type SchedulerConfig struct {
	// Interval between ticks. The first evaluation runs immediately.
	Interval time.Duration

	// ShutdownGrace is how long Run waits for an in-flight evaluation after
	// its context is cancelled before abandoning it.
	ShutdownGrace time.Duration
}

// SchedulerStats counts dispatch decisions.
type SchedulerStats struct {
	Ticks     int64 `json:"ticks"`
	Skipped   int64 `json:"skipped"`
	Triggered int64 `json:"triggered"`
}

// Scheduler runs evaluations on a fixed interval, one at a time.
type Scheduler struct {
	eval   Evaluator
	cfg    SchedulerConfig
	sem    *semaphore.Weighted
	logger Logger

	mu      sync.Mutex
	evalCtx context.Context
	running bool

	ticks     atomic.Int64
	skipped   atomic.Int64
	triggered atomic.Int64
}

// NewScheduler creates a Scheduler for eval.
func NewScheduler(eval Evaluator, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	return &Scheduler{
		eval:   eval,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(1),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the scheduler.
func (s *Scheduler) SetLogger(logger Logger) {
	s.logger = logger
}

// Stats returns dispatch counters.
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Ticks:     s.ticks.Load(),
		Skipped:   s.skipped.Load(),
		Triggered: s.triggered.Load(),
	}
}

// Run evaluates immediately and then every Interval until ctx is cancelled.
//
// Evaluations run on their own context. On cancellation Run stops
// dispatching, waits up to ShutdownGrace for an in-flight evaluation, then
// cancels it and waits for it to return. When Run returns no evaluation is in
// progress, so the caller may release the sessions the evaluator uses.
func (s *Scheduler) Run(ctx context.Context) error {
	evalCtx, cancelEval := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelEval()

	s.mu.Lock()
	s.evalCtx = evalCtx
	s.running = true
	s.mu.Unlock()

	s.logger.Info("evaluation scheduler started", "interval", s.cfg.Interval)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.dispatch(evalCtx)
	for {
		select {
		case <-ctx.Done():
			s.shutdown(cancelEval)
			return nil
		case <-ticker.C:
			s.dispatch(evalCtx)
		}
	}
}

// dispatch starts an evaluation unless one is in flight.
func (s *Scheduler) dispatch(ctx context.Context) {
	if !s.sem.TryAcquire(1) {
		s.skipped.Add(1)
		s.logger.Warn("previous evaluation still running, skipping tick")
		return
	}
	s.ticks.Add(1)
	go func() {
		defer s.sem.Release(1)
		s.eval.Evaluate(ctx)
	}()
}

func (s *Scheduler) shutdown(cancelEval context.CancelFunc) {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	graceCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()

	if err := s.sem.Acquire(graceCtx, 1); err != nil {
		s.logger.Warn("abandoning in-flight evaluation", "grace", s.cfg.ShutdownGrace)
		cancelEval()
		// Wait for the cancelled evaluation to unwind.
		_ = s.sem.Acquire(context.Background(), 1) //nolint:errcheck // background never cancels
	}
	s.sem.Release(1)
	s.logger.Info("evaluation scheduler stopped")
}

// Trigger runs an evaluation now, outside the tick cadence, and returns its
// transition. It returns ErrBusy if an evaluation is in flight and
// ErrNotRunning if Run is not active.
func (s *Scheduler) Trigger(ctx context.Context) (Transition, error) {
	s.mu.Lock()
	evalCtx, running := s.evalCtx, s.running
	s.mu.Unlock()
	if !running {
		return Transition{}, ErrNotRunning
	}

	if !s.sem.TryAcquire(1) {
		return Transition{}, ErrBusy
	}
	defer s.sem.Release(1)

	if err := ctx.Err(); err != nil {
		return Transition{}, err
	}

	s.triggered.Add(1)
	s.logger.Info("evaluation triggered")
	return s.eval.Evaluate(evalCtx), nil
}
