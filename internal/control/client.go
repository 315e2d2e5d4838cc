package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Default values applied by NewClient for zero config fields.
const (
	DefaultService            = "org.kde.kstars"
	DefaultPath               = "/KStars/Ekos"
	DefaultInterface          = "org.kde.kstars.Ekos"
	DefaultSchedulerInterface = "org.kde.kstars.Ekos.Scheduler"

	defaultCallTimeout          = 5 * time.Second
	defaultServiceStartAttempts = 5
	defaultServicePollInterval  = time.Second
	defaultWorkloadExtension    = ".esl"
)

// ekosStatusSuccess is the Ekos CommunicationStatus value for a started service.
const ekosStatusSuccess = 2

// SessionState is the connection state of a Client.
type SessionState int

// Session states.
const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "invalid"
	}
}

// SchedulerStatus is the state of the remote Ekos scheduler.
type SchedulerStatus int

// Scheduler states. The numeric values of Idle, Running and Paused match the
// wire encoding.
const (
	StatusUnknown SchedulerStatus = -1
	StatusIdle    SchedulerStatus = 0
	StatusRunning SchedulerStatus = 1
	StatusPaused  SchedulerStatus = 2
)

func (s SchedulerStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// ParseStatus maps a wire value to a SchedulerStatus. Anything other than
// 0, 1 or 2 is StatusUnknown.
func ParseStatus(v any) SchedulerStatus {
	n, ok := toInt(v)
	if !ok {
		return StatusUnknown
	}
	switch SchedulerStatus(n) {
	case StatusIdle, StatusRunning, StatusPaused:
		return SchedulerStatus(n)
	default:
		return StatusUnknown
	}
}

// Address locates the control plane on the bus.
type Address struct {
	Service            string
	Path               string
	Interface          string
	SchedulerInterface string

	// SchedulerPath defaults to Path + "/Scheduler".
	SchedulerPath string
}

// WorkloadConfig describes the scheduler workload (an Ekos .esl file).
type WorkloadConfig struct {
	Path      string
	Extension string

	// LoadOnStart loads Path before every scheduler start.
	LoadOnStart bool
}

// Config configures a Client.
type Config struct {
	Address

	// CallTimeout bounds each remote call.
	CallTimeout time.Duration

	// ServiceStartAttempts is how many times EnsureServiceRunning checks for
	// the service after asking it to start.
	ServiceStartAttempts int

	// ServicePollInterval spaces those checks.
	ServicePollInterval time.Duration

	Workload WorkloadConfig
}

// Logger defines the logging interface for the client.
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

// Client is a session to the Ekos control plane.
//
// Thread Safety: a Client is not safe for concurrent use. It is driven from
// the single evaluation path.
type Client struct {
	cfg       Config
	factory   TransportFactory
	transport Transport
	launcher  HostLauncher
	logger    Logger

	state  SessionState
	caps   Capabilities
	status SchedulerStatus

	// partial is set when a runtime refresh left operations unresolved, most
	// likely because the remote side was restarting. Missing operations are
	// then resolved again on demand.
	partial bool
}

// NewClient creates a disconnected Client. factory supplies a fresh transport
// for each connection.
func NewClient(cfg Config, factory TransportFactory) (*Client, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: transport factory is required", ErrInvalidConfig)
	}
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Interface == "" {
		cfg.Interface = DefaultInterface
	}
	if cfg.SchedulerInterface == "" {
		cfg.SchedulerInterface = DefaultSchedulerInterface
	}
	if cfg.SchedulerPath == "" {
		cfg.SchedulerPath = strings.TrimSuffix(cfg.Path, "/") + "/Scheduler"
	}
	if !strings.HasPrefix(cfg.Path, "/") || !strings.HasPrefix(cfg.SchedulerPath, "/") {
		return nil, fmt.Errorf("%w: object paths must be absolute", ErrInvalidConfig)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.ServiceStartAttempts < 1 {
		cfg.ServiceStartAttempts = defaultServiceStartAttempts
	}
	if cfg.ServicePollInterval <= 0 {
		cfg.ServicePollInterval = defaultServicePollInterval
	}
	if cfg.Workload.Extension == "" {
		cfg.Workload.Extension = defaultWorkloadExtension
	}

	return &Client{
		cfg:     cfg,
		factory: factory,
		logger:  noopLogger{},
		state:   StateDisconnected,
		status:  StatusUnknown,
	}, nil
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// SetHostLauncher configures the process used to bring up KStars when it is
// not on the bus.
func (c *Client) SetHostLauncher(l HostLauncher) {
	c.launcher = l
}

// State returns the session state.
func (c *Client) State() SessionState {
	return c.state
}

// LastStatus returns the scheduler status observed by the last query.
func (c *Client) LastStatus() SchedulerStatus {
	return c.status
}

// Capabilities returns a copy of the resolved capability table.
func (c *Client) Capabilities() Capabilities {
	out := make(Capabilities, len(c.caps))
	for op, s := range c.caps {
		out[op] = s
	}
	return out
}

// Connect opens a new session and resolves capabilities. A connected client
// is disconnected first.
//
// Returns an error wrapping ErrConnection if the bus is unreachable.
// Unresolvable operations are logged, not returned.
func (c *Client) Connect(ctx context.Context) error {
	if c.state == StateConnected {
		c.Disconnect()
	}
	c.state = StateConnecting

	tr := c.factory()
	if err := tr.Connect(ctx); err != nil {
		c.state = StateDisconnected
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	c.transport = tr
	c.status = StatusUnknown
	c.caps = c.resolve(ctx)
	c.partial = false
	c.state = StateConnected

	c.logger.Info("connected to control plane", "service", c.cfg.Service, "path", c.cfg.Path)
	return nil
}

// Disconnect closes the session and discards its capability table and status.
func (c *Client) Disconnect() {
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("closing control transport", "error", err)
		}
	}
	wasConnected := c.state == StateConnected
	c.transport = nil
	c.caps = nil
	c.partial = false
	c.status = StatusUnknown
	c.state = StateDisconnected
	if wasConnected {
		c.logger.Info("disconnected from control plane")
	}
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if c.state == StateConnected {
		return nil
	}
	return c.Connect(ctx)
}

// refresh re-resolves capabilities over the current transport.
func (c *Client) refresh(ctx context.Context) {
	c.caps = c.resolve(ctx)
	c.partial = len(c.caps) < len(Operations)
}

// lookup returns the strategy for op. After an incomplete runtime refresh a
// missing operation triggers one more resolution first.
func (c *Client) lookup(ctx context.Context, op Operation) (Strategy, bool) {
	s, ok := c.caps[op]
	if ok || !c.partial {
		return s, ok
	}
	c.logger.Debug("operation missing after refresh, resolving again", "operation", op)
	c.refresh(ctx)
	s, ok = c.caps[op]
	return s, ok
}

// reconnect replaces the session, used after the remote objects changed.
func (c *Client) reconnect(ctx context.Context) error {
	c.Disconnect()
	return c.Connect(ctx)
}

// invoke performs one call using s.
func (c *Client) invoke(ctx context.Context, s Strategy, args ...any) (any, error) {
	if c.transport == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	if s.Kind == PropertyIndirection {
		return c.transport.GetProperty(ctx, s.Path, s.Interface, s.Member)
	}
	out, err := c.transport.Call(ctx, s.Path, s.Interface, s.Member, args...)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

// perform runs op through its cached strategy. When the cached strategy fails
// the table is re-resolved once and the call retried. If that refresh comes up
// incomplete, later calls for the missing operations resolve again rather
// than failing from the stale table.
func (c *Client) perform(ctx context.Context, op Operation, args ...any) (any, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	s, ok := c.lookup(ctx, op)
	if !ok {
		return nil, &CapabilityError{Op: op, Tried: candidates(c.cfg.Address)[op]}
	}

	v, err := c.invoke(ctx, s, args...)
	if err == nil {
		return v, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	c.logger.Warn("control call failed, re-resolving capabilities",
		"operation", op,
		"strategy", s.String(),
		"error", err,
	)
	c.refresh(ctx)

	retryStrategy, ok := c.caps[op]
	if !ok {
		return nil, c.sessionError(ctx, op, err)
	}
	v, retryErr := c.invoke(ctx, retryStrategy, args...)
	if retryErr != nil {
		return nil, c.sessionError(ctx, op, retryErr)
	}
	return v, nil
}

// sessionError classifies a call failure that survived re-resolution. If the
// bus itself no longer answers, the session is dropped so the next operation
// reconnects.
func (c *Client) sessionError(ctx context.Context, op Operation, err error) error {
	if c.transport != nil {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		_, busErr := c.transport.NameHasOwner(callCtx, c.cfg.Service)
		cancel()
		if busErr != nil {
			c.Disconnect()
			return fmt.Errorf("%w: %s: %w", ErrConnection, op, err)
		}
	}
	if errors.Is(err, ErrCapabilityUnresolved) {
		return err
	}
	return fmt.Errorf("control: %s: %w", op, err)
}

// command performs a state-changing operation. An explicit false reply is
// reported as ErrCommandRejected.
func (c *Client) command(ctx context.Context, op Operation, args ...any) error {
	v, err := c.perform(ctx, op, args...)
	if err != nil {
		if errors.Is(err, ErrCapabilityUnresolved) {
			c.logger.Warn("control command skipped", "operation", op, "error", err)
		}
		return err
	}
	if ok, isBool := v.(bool); isBool && !ok {
		return fmt.Errorf("%w: %s", ErrCommandRejected, op)
	}
	return nil
}

// Status queries the scheduler status, connecting if needed.
//
// StatusUnknown is returned with a non-nil error when the status could not be
// obtained, including when getStatus is unresolved.
func (c *Client) Status(ctx context.Context) (SchedulerStatus, error) {
	v, err := c.perform(ctx, OpGetStatus)
	if err != nil {
		c.status = StatusUnknown
		return StatusUnknown, err
	}
	c.status = ParseStatus(v)
	c.logger.Debug("scheduler status", "status", c.status.String())
	return c.status, nil
}

// precheck queries status ahead of a command. Connection failures abort the
// command; any other failure leaves the status Unknown, which never counts as
// the command's target state.
func (c *Client) precheck(ctx context.Context) (SchedulerStatus, error) {
	status, err := c.Status(ctx)
	if err != nil {
		if IsConnectionError(err) {
			return StatusUnknown, err
		}
		c.logger.Warn("scheduler status unavailable", "error", err)
	}
	return status, nil
}

// Start starts the scheduler. It is a no-op when the scheduler is already
// running.
func (c *Client) Start(ctx context.Context) error {
	status, err := c.precheck(ctx)
	if err != nil {
		return err
	}
	if status == StatusRunning {
		c.logger.Info("scheduler already running")
		return nil
	}
	if err := c.command(ctx, OpStart); err != nil {
		return err
	}
	c.status = StatusRunning
	c.logger.Info("scheduler started")
	return nil
}

// Stop stops the scheduler. It is a no-op when the scheduler is idle.
func (c *Client) Stop(ctx context.Context) error {
	return c.halt(ctx, "stop")
}

// Abort stops the scheduler immediately. Ekos offers no graceful stop, so
// Abort issues exactly the same call as Stop.
func (c *Client) Abort(ctx context.Context) error {
	return c.halt(ctx, "abort")
}

func (c *Client) halt(ctx context.Context, verb string) error {
	status, err := c.precheck(ctx)
	if err != nil {
		return err
	}
	if status == StatusIdle {
		c.logger.Info("scheduler already idle", "request", verb)
		return nil
	}
	if err := c.command(ctx, OpStop); err != nil {
		return err
	}
	c.status = StatusIdle
	c.logger.Info("scheduler stopped", "request", verb)
	return nil
}

// IsServiceRunning reports whether KStars owns its bus name and Ekos reports
// its service as started. The Ekos scheduler may still be idle.
func (c *Client) IsServiceRunning(ctx context.Context) (bool, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	owned, err := c.transport.NameHasOwner(callCtx, c.cfg.Service)
	cancel()
	if err != nil {
		c.Disconnect()
		return false, fmt.Errorf("%w: name owner: %w", ErrConnection, err)
	}
	if !owned {
		return false, nil
	}

	v, err := c.perform(ctx, OpIsRunning)
	if err != nil {
		return false, err
	}
	if b, ok := v.(bool); ok {
		return b, nil
	}
	n, ok := toInt(v)
	return ok && n == ekosStatusSuccess, nil
}

// EnsureServiceRunning brings the Ekos service up if needed: it launches the
// host process when configured and absent, asks Ekos to start, then checks up
// to ServiceStartAttempts times spaced by ServicePollInterval. Once the
// service is up the session is re-established, since the exported objects
// changed.
//
// Returns an error wrapping ErrServiceNotRunning if the service never came up.
func (c *Client) EnsureServiceRunning(ctx context.Context) error {
	running, err := c.IsServiceRunning(ctx)
	if err != nil && IsConnectionError(err) && c.launcher == nil {
		return err
	}
	if running {
		return nil
	}

	if err := c.launchHost(ctx); err != nil {
		return err
	}

	c.logger.Info("starting ekos service", "attempts", c.cfg.ServiceStartAttempts)
	requested := false
	for attempt := 1; attempt <= c.cfg.ServiceStartAttempts; attempt++ {
		if !requested {
			requested = c.requestServiceStart(ctx)
		}

		if err := sleep(ctx, c.cfg.ServicePollInterval); err != nil {
			return err
		}

		running, err := c.IsServiceRunning(ctx)
		if running {
			c.logger.Info("ekos service running", "attempt", attempt)
			return c.reconnect(ctx)
		}
		c.logger.Debug("ekos service not running yet", "attempt", attempt, "error", err)

		if c.state == StateConnected {
			if _, ok := c.caps[OpIsRunning]; !ok {
				c.refresh(ctx)
			}
		}
	}

	return fmt.Errorf("%w after %d checks", ErrServiceNotRunning, c.cfg.ServiceStartAttempts)
}

// launchHost starts the host process if one is configured and nothing owns
// the service name.
func (c *Client) launchHost(ctx context.Context) error {
	if c.launcher == nil || c.launcher.IsRunning() {
		return nil
	}
	if c.state == StateConnected {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		owned, err := c.transport.NameHasOwner(callCtx, c.cfg.Service)
		cancel()
		if err == nil && owned {
			return nil
		}
	}

	c.logger.Info("launching control plane host process")
	if err := c.launcher.Start(ctx); err != nil {
		return fmt.Errorf("launching host process: %w", err)
	}
	return nil
}

// requestServiceStart issues startService, resolving again first when the
// operation was not available (the host may have just appeared on the bus).
func (c *Client) requestServiceStart(ctx context.Context) bool {
	if err := c.ensureConnected(ctx); err != nil {
		c.logger.Debug("control plane not reachable yet", "error", err)
		return false
	}
	if _, ok := c.caps[OpStartService]; !ok {
		c.refresh(ctx)
	}
	if err := c.command(ctx, OpStartService); err != nil {
		c.logger.Debug("service start request failed", "error", err)
		return false
	}
	return true
}

// StopService asks Ekos to stop its service.
func (c *Client) StopService(ctx context.Context) error {
	if err := c.command(ctx, OpStopService); err != nil {
		return err
	}
	c.status = StatusUnknown
	c.logger.Info("ekos service stop requested")
	return nil
}

// EnsureScheduleRunning makes sure the scheduler is running: it returns
// immediately if it already is, otherwise it ensures the service, loads the
// configured workload when LoadOnStart is set, and starts the scheduler.
func (c *Client) EnsureScheduleRunning(ctx context.Context) error {
	status, err := c.Status(ctx)
	if err == nil && status == StatusRunning {
		c.logger.Debug("scheduler already running")
		return nil
	}
	if err != nil && IsConnectionError(err) && c.launcher == nil {
		return err
	}

	if err := c.EnsureServiceRunning(ctx); err != nil {
		return err
	}

	if c.cfg.Workload.LoadOnStart && c.cfg.Workload.Path != "" {
		if err := c.LoadWorkload(ctx, c.cfg.Workload.Path); err != nil {
			return err
		}
	}

	return c.Start(ctx)
}

// LoadWorkload submits a scheduler workload file.
//
// A missing file fails with ErrWorkloadNotFound and is not retried. An
// unexpected extension is only logged. Acceptance is verified by reading the
// job list back; a failed read-back is logged and the load still counts as
// successful.
func (c *Client) LoadWorkload(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: %s", ErrWorkloadNotFound, path)
	}
	if ext := filepath.Ext(path); !strings.EqualFold(ext, c.cfg.Workload.Extension) {
		c.logger.Warn("workload has unexpected extension",
			"path", path,
			"extension", ext,
			"expected", c.cfg.Workload.Extension,
		)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	if err := c.EnsureServiceRunning(ctx); err != nil {
		return err
	}

	if err := c.command(ctx, OpLoadWorkload, abs); err != nil {
		return fmt.Errorf("loading workload %s: %w", abs, err)
	}
	c.logger.Info("workload submitted", "path", abs)

	jobs, err := c.perform(ctx, OpReadWorkload)
	if err != nil {
		c.logger.Warn("workload read-back failed, assuming loaded", "path", abs, "error", err)
		return nil
	}
	c.logger.Debug("workload read back", "path", abs, "jobs", fmt.Sprint(jobs))
	return nil
}

// toInt converts the integer types a bus reply may carry.
func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true //nolint:gosec // status codes are small
	default:
		return 0, false
	}
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
