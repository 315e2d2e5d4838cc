package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingEvaluator counts evaluations and blocks each one until released or
// its context is cancelled.
type blockingEvaluator struct {
	calls     atomic.Int32
	started   chan struct{}
	release   chan struct{}
	cancelled atomic.Int32
	block     bool
}

func newBlockingEvaluator(block bool) *blockingEvaluator {
	return &blockingEvaluator{
		started: make(chan struct{}, 100),
		release: make(chan struct{}),
		block:   block,
	}
}

func (e *blockingEvaluator) Evaluate(ctx context.Context) Transition {
	e.calls.Add(1)
	e.started <- struct{}{}
	if e.block {
		select {
		case <-e.release:
		case <-ctx.Done():
			e.cancelled.Add(1)
		}
	}
	return Transition{Action: ActionNone, Outcome: OutcomeUnchanged}
}

func waitStarted(t *testing.T, e *blockingEvaluator) {
	t.Helper()
	select {
	case <-e.started:
	case <-time.After(2 * time.Second):
		t.Fatal("evaluation did not start")
	}
}

func runScheduler(t *testing.T, s *Scheduler) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestNewScheduler_Defaults(t *testing.T) {
	s := NewScheduler(newBlockingEvaluator(false), SchedulerConfig{})
	assert.Equal(t, DefaultInterval, s.cfg.Interval)
	assert.Equal(t, DefaultShutdownGrace, s.cfg.ShutdownGrace)
}

func TestScheduler_EvaluatesImmediately(t *testing.T) {
	eval := newBlockingEvaluator(false)
	s := NewScheduler(eval, SchedulerConfig{Interval: time.Hour})

	cancel, done := runScheduler(t, s)
	waitStarted(t, eval)
	cancel()
	waitDone(t, done)

	assert.Equal(t, int32(1), eval.calls.Load())
}

func TestScheduler_TicksRepeatedly(t *testing.T) {
	eval := newBlockingEvaluator(false)
	s := NewScheduler(eval, SchedulerConfig{Interval: 5 * time.Millisecond})

	cancel, done := runScheduler(t, s)
	for i := 0; i < 3; i++ {
		waitStarted(t, eval)
	}
	cancel()
	waitDone(t, done)

	assert.GreaterOrEqual(t, eval.calls.Load(), int32(3))
}

func TestScheduler_SkipsOverlappingTicks(t *testing.T) {
	eval := newBlockingEvaluator(true)
	s := NewScheduler(eval, SchedulerConfig{Interval: 5 * time.Millisecond, ShutdownGrace: time.Second})

	cancel, done := runScheduler(t, s)
	waitStarted(t, eval)

	assert.Eventually(t, func() bool { return s.Stats().Skipped >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), eval.calls.Load(), "no evaluation may start while one is in flight")

	close(eval.release)
	cancel()
	waitDone(t, done)
	assert.Zero(t, eval.cancelled.Load())
}

func TestScheduler_TriggerBusy(t *testing.T) {
	eval := newBlockingEvaluator(true)
	s := NewScheduler(eval, SchedulerConfig{Interval: time.Hour, ShutdownGrace: time.Second})

	cancel, done := runScheduler(t, s)
	waitStarted(t, eval)

	_, err := s.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(eval.release)
	assert.Eventually(t, func() bool {
		_, err := s.Trigger(context.Background())
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), s.Stats().Triggered)

	cancel()
	waitDone(t, done)
}

func TestScheduler_TriggerNotRunning(t *testing.T) {
	s := NewScheduler(newBlockingEvaluator(false), SchedulerConfig{})

	_, err := s.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestScheduler_ShutdownWaitsForInFlight(t *testing.T) {
	eval := newBlockingEvaluator(true)
	s := NewScheduler(eval, SchedulerConfig{Interval: time.Hour, ShutdownGrace: 5 * time.Second})

	cancel, done := runScheduler(t, s)
	waitStarted(t, eval)
	cancel()

	// Run must not return while the evaluation is still inside its grace.
	select {
	case <-done:
		t.Fatal("Run returned before the in-flight evaluation finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(eval.release)
	waitDone(t, done)
	assert.Zero(t, eval.cancelled.Load(), "evaluation within grace must not be cancelled")
}

func TestScheduler_ShutdownAbandonsAfterGrace(t *testing.T) {
	eval := newBlockingEvaluator(true)
	s := NewScheduler(eval, SchedulerConfig{Interval: time.Hour, ShutdownGrace: 20 * time.Millisecond})

	cancel, done := runScheduler(t, s)
	waitStarted(t, eval)
	cancel()
	waitDone(t, done)

	assert.Equal(t, int32(1), eval.cancelled.Load())

	_, err := s.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestScheduler_WithMonitor(t *testing.T) {
	m, ctrl, _ := newTestMonitor(t, script("safe", "safe", "unsafe"), Config{})
	var mu sync.Mutex
	s := NewScheduler(evaluatorFunc(func(ctx context.Context) Transition {
		mu.Lock()
		defer mu.Unlock()
		return m.Evaluate(ctx)
	}), SchedulerConfig{Interval: time.Hour})

	cancel, done := runScheduler(t, s)
	assert.Eventually(t, func() bool { return m.Snapshot().Evaluations == 1 }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 2; i++ {
		assert.Eventually(t, func() bool {
			_, err := s.Trigger(context.Background())
			return err == nil
		}, 2*time.Second, 5*time.Millisecond)
	}

	cancel()
	waitDone(t, done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ensureScheduleRunning", "abort"}, ctrl.calls)
}

type evaluatorFunc func(ctx context.Context) Transition

func (f evaluatorFunc) Evaluate(ctx context.Context) Transition { return f(ctx) }
