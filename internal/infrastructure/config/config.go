package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/skyguard-core/internal/retry"
)

// DefaultPath is used when neither -config nor SKYGUARD_CONFIG is set.
const DefaultPath = "configs/config.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SKYGUARD_"

// minJWTSecretLength is the shortest accepted api.auth.jwt_secret.
const minJWTSecretLength = 32

// Config is the root configuration.
type Config struct {
	Site         SiteConfig         `yaml:"site"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	SafetySource SafetySourceConfig `yaml:"safety_source"`
	Control      ControlConfig      `yaml:"control"`
	Actions      ActionsConfig      `yaml:"actions"`
	Database     DatabaseConfig     `yaml:"database"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`
	API          APIConfig          `yaml:"api"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// SiteConfig identifies the observatory in telemetry and MQTT payloads.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// MonitorConfig controls the evaluation cadence.
type MonitorConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// JournalRetention prunes journal entries older than this at startup.
	// Zero keeps everything.
	JournalRetention time.Duration `yaml:"journal_retention"`
}

// SafetySourceConfig locates the Alpaca safety device.
type SafetySourceConfig struct {
	// BaseURL overrides the URL built from the fields below.
	BaseURL      string        `yaml:"base_url"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	DeviceType   string        `yaml:"device_type"`
	DeviceNumber int           `yaml:"device_number"`
	APIVersion   int           `yaml:"api_version"`
	ClientID     int           `yaml:"client_id"`
	Endpoint     string        `yaml:"endpoint"`
	Timeout      time.Duration `yaml:"timeout"`
	Retry        retry.Policy  `yaml:"retry"`
}

// ControlConfig addresses the Ekos control plane on D-Bus.
type ControlConfig struct {
	Bus                  string         `yaml:"bus"`
	Service              string         `yaml:"service"`
	Path                 string         `yaml:"path"`
	Interface            string         `yaml:"interface"`
	SchedulerInterface   string         `yaml:"scheduler_interface"`
	SchedulerPath        string         `yaml:"scheduler_path"`
	CallTimeout          time.Duration  `yaml:"call_timeout"`
	ServiceStartAttempts int            `yaml:"service_start_attempts"`
	ServicePollInterval  time.Duration  `yaml:"service_poll_interval"`
	StopServiceOnUnsafe  bool           `yaml:"stop_service_on_unsafe"`
	Workload             WorkloadConfig `yaml:"workload"`
	Host                 HostConfig     `yaml:"host"`
}

// WorkloadConfig names the Ekos schedule file.
type WorkloadConfig struct {
	Path        string `yaml:"path"`
	Extension   string `yaml:"extension"`
	LoadOnStart bool   `yaml:"load_on_start"`
}

// HostConfig describes how to run KStars when SkyGuard manages it.
type HostConfig struct {
	Managed          bool          `yaml:"managed"`
	Binary           string        `yaml:"binary"`
	Args             []string      `yaml:"args"`
	Env              []string      `yaml:"env"`
	RestartOnFailure bool          `yaml:"restart_on_failure"`
	RestartDelay     time.Duration `yaml:"restart_delay"`
	GracefulTimeout  time.Duration `yaml:"graceful_timeout"`
}

// ActionsConfig lists the HTTP side effects around transitions.
type ActionsConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
	Retry   retry.Policy  `yaml:"retry"`

	// DefaultDelay is the pause after a step without delay_after. Unset
	// means 5s.
	DefaultDelay *time.Duration `yaml:"default_delay"`

	BeforeStart []ActionStepConfig `yaml:"before_start"`
	AfterStop   []ActionStepConfig `yaml:"after_stop"`
}

// ActionStepConfig is one HTTP call.
type ActionStepConfig struct {
	URL        string            `yaml:"url"`
	Method     string            `yaml:"method"`
	Headers    map[string]string `yaml:"headers"`
	DelayAfter *time.Duration    `yaml:"delay_after"`
}

// DatabaseConfig contains SQLite settings.
type DatabaseConfig struct {
	Path        string        `yaml:"path"`
	WALMode     bool          `yaml:"wal_mode"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig locates the broker.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig holds broker credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig bounds the reconnect backoff.
type MQTTReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB settings.
type InfluxDBConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// APIConfig contains status API settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	Auth      APIAuthConfig    `yaml:"auth"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
}

// APIAuthConfig protects the control endpoints (evaluate, websocket) with
// HS256 bearer tokens. An empty secret leaves them open.
type APIAuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// WebSocketConfig tunes the live event stream.
type WebSocketConfig struct {
	MaxMessageSize int64         `yaml:"max_message_size"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
}

// APITimeoutConfig holds HTTP server timeouts.
type APITimeoutConfig struct {
	Read  time.Duration `yaml:"read"`
	Write time.Duration `yaml:"write"`
	Idle  time.Duration `yaml:"idle"`
}

// Addr returns host:port.
func (a APIConfig) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig is used when Output is "file".
type FileLoggingConfig struct {
	Path string `yaml:"path"`
}

// ResolvePath picks the configuration file: the flag value, then
// SKYGUARD_CONFIG, then DefaultPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(EnvPrefix + "CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads configuration from a YAML file and applies environment overrides.
//
// The loading process:
//  1. Starts with default values
//  2. Overlays values from the YAML file
//  3. Applies SKYGUARD_* environment variable overrides
//  4. Validates the final configuration
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If the file cannot be read or parsed, an override is malformed,
//     or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "observatory",
			Name: "SkyGuard",
		},
		Monitor: MonitorConfig{
			PollInterval:  60 * time.Second,
			ShutdownGrace: 30 * time.Second,
		},
		SafetySource: SafetySourceConfig{
			Host:       "localhost",
			Port:       11111,
			DeviceType: "safetymonitor",
			APIVersion: 1,
			ClientID:   1,
			Endpoint:   "safe-status",
			Timeout:    5 * time.Second,
			Retry:      retry.Policy{MaxAttempts: 3, Delay: 5 * time.Second},
		},
		Control: ControlConfig{
			Bus:                  "session",
			Service:              "org.kde.kstars",
			Path:                 "/KStars/Ekos",
			Interface:            "org.kde.kstars.Ekos",
			SchedulerInterface:   "org.kde.kstars.Ekos.Scheduler",
			CallTimeout:          5 * time.Second,
			ServiceStartAttempts: 5,
			ServicePollInterval:  time.Second,
			Workload:             WorkloadConfig{Extension: ".esl"},
			Host: HostConfig{
				Binary:          "kstars",
				RestartDelay:    5 * time.Second,
				GracefulTimeout: 10 * time.Second,
			},
		},
		Actions: ActionsConfig{
			Enabled: true,
			Timeout: 10 * time.Second,
			Retry:   retry.Policy{MaxAttempts: 3, Delay: 2 * time.Second},
		},
		Database: DatabaseConfig{
			Path:        "./data/skyguard.db",
			WALMode:     true,
			BusyTimeout: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "skyguard",
			},
			QoS:         1,
			TopicPrefix: "skyguard",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: time.Second,
				MaxDelay:     60 * time.Second,
			},
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Bucket:        "skyguard",
			BatchSize:     100,
			FlushInterval: 10 * time.Second,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  10 * time.Second,
				Write: 60 * time.Second,
				Idle:  60 * time.Second,
			},
			Auth: APIAuthConfig{TokenTTL: 24 * time.Hour},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 8 << 10,
				PingInterval:   30 * time.Second,
				PongTimeout:    10 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies SKYGUARD_* variables.
func applyEnvOverrides(cfg *Config) error {
	var errs []string

	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
	dur := func(name string, dst *time.Duration) {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
			return
		}
		*dst = d
	}

	dur("POLL_INTERVAL", &cfg.Monitor.PollInterval)

	str("SAFETY_URL", &cfg.SafetySource.BaseURL)
	str("SAFETY_HOST", &cfg.SafetySource.Host)
	num("SAFETY_PORT", &cfg.SafetySource.Port)
	num("SAFETY_DEVICE_NUMBER", &cfg.SafetySource.DeviceNumber)

	str("CONTROL_BUS", &cfg.Control.Bus)
	str("WORKLOAD_PATH", &cfg.Control.Workload.Path)

	str("DATABASE_PATH", &cfg.Database.Path)

	str("MQTT_HOST", &cfg.MQTT.Broker.Host)
	num("MQTT_PORT", &cfg.MQTT.Broker.Port)
	str("MQTT_USERNAME", &cfg.MQTT.Auth.Username)
	str("MQTT_PASSWORD", &cfg.MQTT.Auth.Password)

	str("INFLUXDB_URL", &cfg.InfluxDB.URL)
	str("INFLUXDB_TOKEN", &cfg.InfluxDB.Token)

	str("API_HOST", &cfg.API.Host)
	num("API_PORT", &cfg.API.Port)
	str("API_JWT_SECRET", &cfg.API.Auth.JWTSecret)

	str("LOG_LEVEL", &cfg.Logging.Level)

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if c.Site.ID == "" {
		add("site.id is required")
	}

	if c.Monitor.PollInterval <= 0 {
		add("monitor.poll_interval must be positive")
	}
	if c.Monitor.ShutdownGrace < 0 {
		add("monitor.shutdown_grace must not be negative")
	}
	if c.Monitor.JournalRetention < 0 {
		add("monitor.journal_retention must not be negative")
	}

	s := c.SafetySource
	if s.BaseURL != "" {
		if err := validateHTTPURL(s.BaseURL); err != nil {
			add("safety_source.base_url: %v", err)
		}
	} else {
		if s.Host == "" {
			add("safety_source.host or safety_source.base_url is required")
		}
		if !validPort(s.Port) {
			add("safety_source.port must be between 1 and 65535")
		}
	}
	if s.DeviceNumber < 0 {
		add("safety_source.device_number must not be negative")
	}
	if s.Timeout <= 0 {
		add("safety_source.timeout must be positive")
	}
	if err := s.Retry.Validate(); err != nil {
		add("safety_source.retry: %v", err)
	}

	ctl := c.Control
	if ctl.Bus != "session" && ctl.Bus != "system" {
		add("control.bus must be session or system")
	}
	if ctl.Service == "" {
		add("control.service is required")
	}
	if !strings.HasPrefix(ctl.Path, "/") {
		add("control.path must be an absolute object path")
	}
	if ctl.SchedulerPath != "" && !strings.HasPrefix(ctl.SchedulerPath, "/") {
		add("control.scheduler_path must be an absolute object path")
	}
	if ctl.Interface == "" || ctl.SchedulerInterface == "" {
		add("control.interface and control.scheduler_interface are required")
	}
	if ctl.CallTimeout <= 0 {
		add("control.call_timeout must be positive")
	}
	if ctl.ServiceStartAttempts < 1 {
		add("control.service_start_attempts must be at least 1")
	}
	if ctl.ServicePollInterval <= 0 {
		add("control.service_poll_interval must be positive")
	}
	if ctl.Workload.LoadOnStart && ctl.Workload.Path == "" {
		add("control.workload.path is required when load_on_start is set")
	}
	if ctl.Host.Managed && ctl.Host.Binary == "" {
		add("control.host.binary is required when the host is managed")
	}

	a := c.Actions
	if a.Timeout <= 0 {
		add("actions.timeout must be positive")
	}
	if err := a.Retry.Validate(); err != nil {
		add("actions.retry: %v", err)
	}
	if a.DefaultDelay != nil && *a.DefaultDelay < 0 {
		add("actions.default_delay must not be negative")
	}
	for name, steps := range map[string][]ActionStepConfig{"before_start": a.BeforeStart, "after_stop": a.AfterStop} {
		for i, step := range steps {
			if err := step.validate(); err != nil {
				add("actions.%s[%d]: %v", name, i, err)
			}
		}
	}

	if c.Database.Path == "" {
		add("database.path is required")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker.Host == "" {
			add("mqtt.broker.host is required")
		}
		if !validPort(c.MQTT.Broker.Port) {
			add("mqtt.broker.port must be between 1 and 65535")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			add("mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.TopicPrefix == "" {
			add("mqtt.topic_prefix is required")
		}
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			add("influxdb.url, influxdb.org and influxdb.bucket are required")
		}
	}

	if c.API.Enabled {
		if !validPort(c.API.Port) {
			add("api.port must be between 1 and 65535")
		}
		if sec := c.API.Auth.JWTSecret; sec != "" && len(sec) < minJWTSecretLength {
			add("api.auth.jwt_secret must be at least %d characters", minJWTSecretLength)
		}
		if c.API.Auth.TokenTTL <= 0 {
			add("api.auth.token_ttl must be positive")
		}
		ws := c.API.WebSocket
		if ws.MaxMessageSize <= 0 || ws.PingInterval <= 0 || ws.PongTimeout <= 0 {
			add("api.websocket max_message_size, ping_interval and pong_timeout must be positive")
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level must be debug, info, warn or error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text")
	}
	switch strings.ToLower(c.Logging.Output) {
	case "stdout", "stderr":
	case "file":
		if c.Logging.File.Path == "" {
			add("logging.file.path is required when logging.output is file")
		}
	default:
		add("logging.output must be stdout, stderr or file")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s ActionStepConfig) validate() error {
	if err := validateHTTPURL(s.URL); err != nil {
		return err
	}
	if m := strings.ToUpper(strings.TrimSpace(s.Method)); m != "" && m != "GET" {
		return fmt.Errorf("method %q is not supported (only GET)", s.Method)
	}
	if s.DelayAfter != nil && *s.DelayAfter < 0 {
		return fmt.Errorf("delay_after must not be negative")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url %q must be an absolute http(s) URL", raw)
	}
	return nil
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}
