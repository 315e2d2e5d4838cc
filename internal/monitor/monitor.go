package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/skyguard-core/internal/actions"
	"github.com/nerrad567/skyguard-core/internal/control"
	"github.com/nerrad567/skyguard-core/internal/safety"
)

// SafetySource provides safety readings. safety.Source satisfies it.
type SafetySource interface {
	Read(ctx context.Context) (safety.Reading, error)
}

// Controller drives the Ekos scheduler. control.Client satisfies it.
type Controller interface {
	EnsureScheduleRunning(ctx context.Context) error
	Abort(ctx context.Context) error
	StopService(ctx context.Context) error
}

// ActionRunner runs the configured side-effect sequences. actions.Executor
// satisfies it.
type ActionRunner interface {
	BeforeStart(ctx context.Context) actions.Result
	AfterStop(ctx context.Context) actions.Result
}

// Recorder receives every successful reading and every evaluation.
type Recorder interface {
	RecordReading(ctx context.Context, r safety.Reading) error
	RecordTransition(ctx context.Context, t Transition) error
}

// Config tunes a Monitor.
type Config struct {
	// StopServiceOnUnsafe also stops the Ekos service after a successful
	// abort.
	StopServiceOnUnsafe bool
}

// Logger defines the logging interface for the monitor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Snapshot is a point-in-time view of the monitor's state.
type Snapshot struct {
	LastApplied     *bool           `json:"last_applied"`
	LastReading     *safety.Reading `json:"last_reading,omitempty"`
	LastTransition  *Transition     `json:"last_transition,omitempty"`
	LastEvaluatedAt time.Time       `json:"last_evaluated_at,omitempty"`
	Evaluations     int             `json:"evaluations"`
}

// Monitor is the safety state machine.
type Monitor struct {
	source    SafetySource
	control   Controller
	actions   ActionRunner
	recorders []Recorder
	cfg       Config
	logger    Logger
	now       func() time.Time

	mu          sync.RWMutex
	lastApplied *bool
	snapshot    Snapshot
}

// New creates a Monitor with no applied state: the first successful reading
// always acts.
func New(source SafetySource, ctrl Controller, runner ActionRunner, cfg Config) (*Monitor, error) {
	if source == nil || ctrl == nil || runner == nil {
		return nil, fmt.Errorf("%w: source, controller and action runner are required", ErrInvalidConfig)
	}
	return &Monitor{
		source:  source,
		control: ctrl,
		actions: runner,
		cfg:     cfg,
		logger:  noopLogger{},
		now:     time.Now,
	}, nil
}

// SetLogger sets the logger for the monitor.
func (m *Monitor) SetLogger(logger Logger) {
	m.logger = logger
}

// AddRecorder registers r. Not safe to call once evaluations have started.
func (m *Monitor) AddRecorder(r Recorder) {
	m.recorders = append(m.recorders, r)
}

// LastApplied returns the applied safety state, or nil if none yet.
func (m *Monitor) LastApplied() *bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyBool(m.lastApplied)
}

// Snapshot returns the current state for status reporting.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.snapshot
	s.LastApplied = copyBool(m.lastApplied)
	return s
}

// Evaluate performs one evaluation: read, compare, act.
func (m *Monitor) Evaluate(ctx context.Context) Transition {
	t := Transition{
		ID:        uuid.NewString(),
		StartedAt: m.now().UTC(),
		Action:    ActionNone,
		Previous:  m.LastApplied(),
	}

	reading, err := m.source.Read(ctx)
	if err != nil {
		m.logger.Warn("safety reading failed, skipping evaluation", "error", err)
		t.Outcome = OutcomeSkipped
		t.setErr(err)
		return m.finish(ctx, t)
	}
	t.Reading = &reading
	m.recordReading(ctx, reading)

	switch {
	case t.Previous != nil && *t.Previous == reading.IsSafe:
		m.logger.Debug("safety state unchanged", "safe", reading.IsSafe)
		t.Outcome = OutcomeUnchanged
	case reading.IsSafe:
		m.logger.Info("conditions safe, starting schedule", "previous", describe(t.Previous))
		m.applySafe(ctx, &t)
	default:
		m.logger.Warn("conditions unsafe, aborting schedule", "previous", describe(t.Previous))
		m.applyUnsafe(ctx, &t)
	}

	return m.finish(ctx, t)
}

// applySafe runs the pre-start sequence and starts the schedule. A failed
// pre-start sequence leaves the applied state untouched, so the transition is
// attempted again next tick.
func (m *Monitor) applySafe(ctx context.Context, t *Transition) {
	t.Action = ActionStart

	res := m.actions.BeforeStart(ctx)
	t.Sequences = append(t.Sequences, newSequenceRun(res))
	if !res.OK() {
		m.logger.Warn("pre-start actions failed, schedule not started",
			"completed", res.Completed,
			"steps", res.Total,
			"error", res.Err,
		)
		t.fail(res.Err)
		return
	}

	if err := m.control.EnsureScheduleRunning(ctx); err != nil {
		t.fail(err)
		if retryable(err) {
			m.logger.Error("failed to start schedule, will retry", "error", err)
			return
		}
		m.logger.Error("failed to start schedule", "error", err)
		m.apply(t, true)
		return
	}

	t.Outcome = OutcomeStarted
	m.apply(t, true)
}

// applyUnsafe aborts the schedule and runs the post-stop sequence whatever
// the abort's result.
func (m *Monitor) applyUnsafe(ctx context.Context, t *Transition) {
	t.Action = ActionAbort

	abortErr := m.control.Abort(ctx)
	if abortErr != nil {
		m.logger.Error("failed to abort schedule", "error", abortErr)
	} else if m.cfg.StopServiceOnUnsafe {
		if err := m.control.StopService(ctx); err != nil {
			m.logger.Warn("failed to stop ekos service", "error", err)
		}
	}

	res := m.actions.AfterStop(ctx)
	t.Sequences = append(t.Sequences, newSequenceRun(res))
	if !res.OK() {
		m.logger.Warn("post-stop actions failed",
			"completed", res.Completed,
			"steps", res.Total,
			"error", res.Err,
		)
	}

	if abortErr != nil {
		t.fail(abortErr)
		if retryable(abortErr) {
			return
		}
		m.apply(t, false)
		return
	}

	t.Outcome = OutcomeStopped
	m.apply(t, false)
}

func (m *Monitor) apply(t *Transition, safe bool) {
	m.mu.Lock()
	m.lastApplied = &safe
	m.mu.Unlock()
	t.Applied = true
}

func (m *Monitor) finish(ctx context.Context, t Transition) Transition {
	t.FinishedAt = m.now().UTC()

	m.mu.Lock()
	m.snapshot.Evaluations++
	m.snapshot.LastEvaluatedAt = t.FinishedAt
	if t.Reading != nil {
		r := *t.Reading
		m.snapshot.LastReading = &r
	}
	if t.Acted() {
		last := t
		m.snapshot.LastTransition = &last
	}
	m.mu.Unlock()

	if t.Acted() {
		m.logger.Info("evaluation complete",
			"action", t.Action,
			"outcome", t.Outcome,
			"applied", t.Applied,
			"duration", t.Duration(),
		)
	}

	for _, r := range m.recorders {
		if err := r.RecordTransition(ctx, t); err != nil {
			m.logger.Warn("recording transition failed", "error", err)
		}
	}
	return t
}

func (m *Monitor) recordReading(ctx context.Context, reading safety.Reading) {
	for _, r := range m.recorders {
		if err := r.RecordReading(ctx, reading); err != nil {
			m.logger.Warn("recording reading failed", "error", err)
		}
	}
}

// retryable reports whether a failed control action should be attempted
// again on the next tick rather than recorded as applied.
func retryable(err error) bool {
	return control.IsConnectionError(err) ||
		errors.Is(err, control.ErrServiceNotRunning) ||
		errors.Is(err, control.ErrCommandRejected) ||
		errors.Is(err, context.Canceled)
}

func describe(b *bool) string {
	switch {
	case b == nil:
		return "unknown"
	case *b:
		return "safe"
	default:
		return "unsafe"
	}
}

func copyBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}
