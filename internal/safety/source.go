package safety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nerrad567/skyguard-core/internal/retry"
)

// Default values applied by NewSource for zero config fields.
const (
	defaultDeviceType = "safetymonitor"
	defaultAPIVersion = 1
	defaultClientID   = 1
	defaultEndpoint   = "safe-status"
	defaultTimeout    = 5 * time.Second

	// maxResponseSize caps how much of a device response is read.
	maxResponseSize = 1 << 20
)

// Reading is one observation of the safety signal.
type Reading struct {
	IsSafe     bool      `json:"is_safe"`
	ObservedAt time.Time `json:"observed_at"`
}

// Config describes how to reach the safety device.
type Config struct {
	// BaseURL overrides the URL derived from Host/Port/DeviceType/DeviceNumber.
	BaseURL string

	Host         string
	Port         int
	DeviceType   string
	DeviceNumber int
	APIVersion   int
	ClientID     int

	// Endpoint is the path below the device base that returns the safety value.
	Endpoint string

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// Retry governs Read.
	Retry retry.Policy
}

// Logger defines the logging interface for the safety source.
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

// Source reads the safety signal from an Alpaca device.
type Source struct {
	cfg     Config
	baseURL string
	client  *http.Client
	logger  Logger
	now     func() time.Time

	connected atomic.Bool
	txID      atomic.Uint32
}

// NewSource creates a Source. No network traffic happens until the first Read.
func NewSource(cfg Config) (*Source, error) {
	if cfg.DeviceType == "" {
		cfg.DeviceType = defaultDeviceType
	}
	if cfg.APIVersion == 0 {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.ClientID == 0 {
		cfg.ClientID = defaultClientID
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.Retry = cfg.Retry.Normalize()

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		if cfg.Host == "" || cfg.Port < 1 || cfg.Port > 65535 {
			return nil, fmt.Errorf("%w: host and port (1-65535) are required", ErrInvalidConfig)
		}
		base = fmt.Sprintf("http://%s:%d/api/v%d/%s/%d",
			cfg.Host, cfg.Port, cfg.APIVersion, cfg.DeviceType, cfg.DeviceNumber)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("%w: base url: %w", ErrInvalidConfig, err)
	}

	return &Source{
		cfg:     cfg,
		baseURL: base,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  noopLogger{},
		now:     time.Now,
	}, nil
}

// SetLogger sets the logger for the source.
func (s *Source) SetLogger(logger Logger) {
	s.logger = logger
}

// BaseURL returns the device base URL requests are made against.
func (s *Source) BaseURL() string {
	return s.baseURL
}

// IsConnected reports whether the device connection has been established.
func (s *Source) IsConnected() bool {
	return s.connected.Load()
}

// Connect marks the device connected (PUT connected=true).
func (s *Source) Connect(ctx context.Context) error {
	if _, err := s.put(ctx, "connected", url.Values{"Connected": {"True"}}); err != nil {
		return fmt.Errorf("connecting safety device: %w", err)
	}
	s.connected.Store(true)
	s.logger.Info("safety device connected", "url", s.baseURL)
	return nil
}

// Close disconnects from the device. Failures are logged, not returned, since
// the device may already be gone during shutdown.
func (s *Source) Close(ctx context.Context) error {
	if !s.connected.Swap(false) {
		return nil
	}
	if _, err := s.put(ctx, "connected", url.Values{"Connected": {"False"}}); err != nil {
		s.logger.Warn("safety device disconnect failed", "error", err)
		return nil
	}
	s.logger.Info("safety device disconnected", "url", s.baseURL)
	return nil
}

// Read queries the safety value, connecting first if needed.
//
// Transport and protocol failures are retried per the configured policy. An
// error is returned only after the policy is exhausted or ctx is cancelled;
// the caller is expected to skip its tick in that case.
func (s *Source) Read(ctx context.Context) (Reading, error) {
	var reading Reading

	err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context, _ int) error {
		if !s.IsConnected() {
			if err := s.Connect(ctx); err != nil {
				return err
			}
		}

		safe, err := s.querySafe(ctx)
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) && perr.NotConnected() {
				s.connected.Store(false)
			}
			return err
		}

		reading = Reading{IsSafe: safe, ObservedAt: s.now()}
		return nil
	}, s.logRetry)
	if err != nil {
		return Reading{}, fmt.Errorf("reading safety signal: %w", err)
	}

	s.logger.Debug("safety reading", "safe", reading.IsSafe)
	return reading, nil
}

// logRetry logs a failed attempt, separating device-reported errors from
// transport failures.
func (s *Source) logRetry(attempt int, err error, next time.Duration) {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		s.logger.Warn("safety device reported error",
			"attempt", attempt,
			"max_attempts", s.cfg.Retry.MaxAttempts,
			"error_number", perr.Number,
			"error_message", perr.Message,
			"retry_in", next,
		)
		return
	}
	s.logger.Warn("safety device unreachable",
		"attempt", attempt,
		"max_attempts", s.cfg.Retry.MaxAttempts,
		"error", err,
		"retry_in", next,
	)
}

// response is the Alpaca JSON envelope.
type response struct {
	ClientTransactionID uint32          `json:"ClientTransactionID"`
	ServerTransactionID uint32          `json:"ServerTransactionID"`
	ErrorNumber         int             `json:"ErrorNumber"`
	ErrorMessage        string          `json:"ErrorMessage"`
	Value               json.RawMessage `json:"Value"`
}

func (s *Source) querySafe(ctx context.Context) (bool, error) {
	resp, err := s.get(ctx, s.cfg.Endpoint)
	if err != nil {
		return false, err
	}
	if len(resp.Value) == 0 {
		return false, fmt.Errorf("%w: missing Value", ErrMalformedResponse)
	}
	var safe bool
	if err := json.Unmarshal(resp.Value, &safe); err != nil {
		return false, fmt.Errorf("%w: Value is not a boolean: %w", ErrMalformedResponse, err)
	}
	return safe, nil
}

// nextTransactionID returns a fresh ClientTransactionID.
func (s *Source) nextTransactionID() string {
	return strconv.FormatUint(uint64(s.txID.Add(1)), 10)
}

func (s *Source) get(ctx context.Context, endpoint string) (*response, error) {
	q := url.Values{}
	q.Set("ClientID", strconv.Itoa(s.cfg.ClientID))
	q.Set("ClientTransactionID", s.nextTransactionID())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", ErrTransport, err)
	}
	return s.do(req)
}

func (s *Source) put(ctx context.Context, endpoint string, form url.Values) (*response, error) {
	form.Set("ClientID", strconv.Itoa(s.cfg.ClientID))
	form.Set("ClientTransactionID", s.nextTransactionID())

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+"/"+endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(req)
}

func (s *Source) do(req *http.Request) (*response, error) {
	req.Header.Set("Accept", "application/json")

	httpResp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer httpResp.Body.Close() //nolint:errcheck // read-only body

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrTransport, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s %s returned %d", ErrTransport, req.Method, req.URL.Path, httpResp.StatusCode)
	}

	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if resp.ErrorNumber != 0 {
		return nil, &ProtocolError{Number: resp.ErrorNumber, Message: resp.ErrorMessage}
	}
	return &resp, nil
}
