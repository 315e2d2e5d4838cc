package actions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nerrad567/skyguard-core/internal/retry"
)

// Executor defaults.
const (
	defaultTimeout      = 10 * time.Second
	defaultDelayBetween = 5 * time.Second

	// maxLoggedBody caps how much of a response body is logged at debug level.
	maxLoggedBody = 500
)

// Names of the two configured sequences.
const (
	SequenceBeforeStart = "before_start"
	SequenceAfterStop   = "after_stop"
)

// Step is a single HTTP call within a sequence.
type Step struct {
	URL     string
	Method  string // only GET is supported; empty means GET
	Headers map[string]string

	// DelayAfter overrides the executor's default pause after this step.
	DelayAfter *time.Duration
}

// Sequence is an ordered list of steps.
type Sequence []Step

// Config configures an Executor.
type Config struct {
	// Enabled turns the executor on. A disabled executor reports success
	// without issuing requests.
	Enabled bool

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// Retry governs each step.
	Retry retry.Policy

	// DefaultDelay is the pause after a step without its own DelayAfter.
	// Nil uses the package default (5s); an explicit zero disables it.
	DefaultDelay *time.Duration

	BeforeStart Sequence
	AfterStop   Sequence
}

// Result summarises one sequence run.
type Result struct {
	Name       string
	Total      int
	Completed  int
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// OK reports whether every step completed.
func (r Result) OK() bool {
	return r.Err == nil
}

// Skipped reports whether nothing was executed because the sequence was
// empty or the executor disabled.
func (r Result) Skipped() bool {
	return r.Total == 0 && r.Err == nil
}

// Logger defines the logging interface for the executor.
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

// Executor runs action sequences.
//
// Thread Safety: Run is safe for concurrent use, but sequences are expected
// to be driven from the single evaluation path.
type Executor struct {
	cfg          Config
	defaultDelay time.Duration
	client       *http.Client
	logger       Logger
}

// NewExecutor creates an Executor, applying defaults for zero values.
func NewExecutor(cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.Retry = cfg.Retry.Normalize()

	delay := defaultDelayBetween
	if cfg.DefaultDelay != nil && *cfg.DefaultDelay >= 0 {
		delay = *cfg.DefaultDelay
	}

	return &Executor{
		cfg:          cfg,
		defaultDelay: delay,
		client:       &http.Client{Timeout: cfg.Timeout},
		logger:       noopLogger{},
	}
}

// SetLogger sets the logger for the executor.
func (e *Executor) SetLogger(logger Logger) {
	e.logger = logger
}

// Enabled reports whether the executor issues requests.
func (e *Executor) Enabled() bool {
	return e.cfg.Enabled
}

// BeforeStart runs the sequence configured to precede a scheduler start.
func (e *Executor) BeforeStart(ctx context.Context) Result {
	return e.Run(ctx, SequenceBeforeStart, e.cfg.BeforeStart)
}

// AfterStop runs the sequence configured to follow a scheduler stop.
func (e *Executor) AfterStop(ctx context.Context) Result {
	return e.Run(ctx, SequenceAfterStop, e.cfg.AfterStop)
}

// Run executes seq step by step, failing fast on the first step that
// exhausts its retries. Already-executed steps are left in place.
func (e *Executor) Run(ctx context.Context, name string, seq Sequence) (res Result) {
	res = Result{Name: name, StartedAt: time.Now().UTC()}
	defer func() { res.FinishedAt = time.Now().UTC() }()

	if !e.cfg.Enabled || len(seq) == 0 {
		e.logger.Debug("action sequence skipped", "sequence", name, "enabled", e.cfg.Enabled, "steps", len(seq))
		return res
	}

	res.Total = len(seq)
	e.logger.Info("running action sequence", "sequence", name, "steps", len(seq))

	for i, step := range seq {
		if err := e.runStep(ctx, name, i, step); err != nil {
			res.Err = &SequenceError{Sequence: name, Index: i, URL: step.URL, Err: err}
			e.logger.Error("action sequence aborted",
				"sequence", name,
				"step", i+1,
				"steps", len(seq),
				"completed", res.Completed,
				"error", err,
			)
			return res
		}
		res.Completed++

		if i == len(seq)-1 {
			break
		}

		delay := e.defaultDelay
		if step.DelayAfter != nil {
			delay = *step.DelayAfter
		}
		if delay <= 0 {
			continue
		}
		e.logger.Debug("pausing before next action", "sequence", name, "delay", delay)
		if err := sleep(ctx, delay); err != nil {
			res.Err = &SequenceError{Sequence: name, Index: i + 1, URL: seq[i+1].URL, Err: err}
			return res
		}
	}

	e.logger.Info("action sequence completed", "sequence", name, "steps", len(seq))
	return res
}

// runStep executes one step with retries.
func (e *Executor) runStep(ctx context.Context, name string, index int, step Step) error {
	method := strings.ToUpper(strings.TrimSpace(step.Method))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet {
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	if step.URL == "" {
		return fmt.Errorf("%w: missing url", ErrInvalidStep)
	}

	return retry.Do(ctx, e.cfg.Retry, func(ctx context.Context, attempt int) error {
		e.logger.Info("executing action",
			"sequence", name,
			"step", index+1,
			"method", method,
			"url", step.URL,
			"attempt", attempt,
		)
		return e.call(ctx, method, step)
	}, func(attempt int, err error, next time.Duration) {
		e.logger.Warn("action failed, retrying",
			"sequence", name,
			"step", index+1,
			"attempt", attempt,
			"error", err,
			"retry_in", next,
		)
	})
}

func (e *Executor) call(ctx context.Context, method string, step Step) error {
	req, err := http.NewRequestWithContext(ctx, method, step.URL, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("%w: %w", ErrInvalidStep, err))
	}
	for k, v := range step.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", step.URL, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody)) //nolint:errcheck // body is informational
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned %d", ErrStepFailed, step.URL, resp.StatusCode)
	}

	e.logger.Debug("action succeeded", "url", step.URL, "status", resp.StatusCode, "body", string(body))
	return nil
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
