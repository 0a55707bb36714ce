package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/bigtest/pkg/convergence"
	bterrors "github.com/odvcencio/bigtest/pkg/errors"
	"github.com/odvcencio/bigtest/pkg/logging"
	"github.com/odvcencio/bigtest/pkg/protocol"
)

// Default configuration values exported for documentation and validation
const (
	DefaultServerAddr       = "127.0.0.1:24001"
	DefaultMaxAgents        = 64
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultLaneStartTimeout = 10 * time.Second
	DefaultLaneTimeout      = 5 * time.Minute
	DefaultRunEndTimeout    = 5 * time.Second
	DefaultStepTimeout      = 2 * time.Second
	DefaultWatchDebounce    = 200 * time.Millisecond
	DefaultQueryRate        = 50.0
	DefaultQueryBurst       = 100
	DefaultBusTimeout       = 10 * time.Second
	DefaultLogLevel         = "info"
	DefaultServiceName      = "bigtest"
)

// Config represents the complete bigtest configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Manifest    ManifestConfig    `yaml:"manifest"`
	Runs        RunConfig         `yaml:"runs"`
	Convergence ConvergenceConfig `yaml:"convergence"`
	Query       QueryConfig       `yaml:"query"`
	Bus         BusConfig         `yaml:"bus"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig controls the orchestrator's HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// MaxAgents caps concurrent agent connections (0 = unlimited).
	MaxAgents        int           `yaml:"max_agents"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// ManifestConfig locates the manifest served to agents.
type ManifestConfig struct {
	Path string `yaml:"path"`
	// URL is sent to agents with every run command (manifestUrl).
	URL string `yaml:"url"`
	// AppURL is the application under test (appUrl).
	AppURL   string        `yaml:"app_url"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// RunConfig bounds the waits of a test run.
type RunConfig struct {
	LaneStartTimeout time.Duration `yaml:"lane_start_timeout"`
	LaneTimeout      time.Duration `yaml:"lane_timeout"`
	RunEndTimeout    time.Duration `yaml:"run_end_timeout"`
	StepTimeout      time.Duration `yaml:"step_timeout"`
}

// ConvergenceConfig tunes polling of eventually/always steps.
type ConvergenceConfig struct {
	Interval       time.Duration `yaml:"interval"`
	AlwaysFraction float64       `yaml:"always_fraction"`
	AlwaysMin      time.Duration `yaml:"always_min"`
}

// Polling is the form sent to agents with every run command.
func (c ConvergenceConfig) Polling() *protocol.Polling {
	return &protocol.Polling{
		Interval:       c.Interval.Milliseconds(),
		AlwaysFraction: c.AlwaysFraction,
		AlwaysMin:      c.AlwaysMin.Milliseconds(),
	}
}

// QueryConfig throttles query connections.
type QueryConfig struct {
	RequestRate  float64 `yaml:"request_rate"`
	RequestBurst int     `yaml:"request_burst"`
}

// BusConfig selects where folded run events are republished. An empty URL
// keeps them in process.
type BusConfig struct {
	URL     string        `yaml:"url"`
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig toggles metrics and tracing.
type TelemetryConfig struct {
	Metrics     bool   `yaml:"metrics"`
	Tracing     bool   `yaml:"tracing"`
	ServiceName string `yaml:"service_name"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	conv := convergence.DefaultOptions()
	return &Config{
		Server: ServerConfig{
			Addr:             DefaultServerAddr,
			MaxAgents:        DefaultMaxAgents,
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		Manifest: ManifestConfig{
			Watch:    true,
			Debounce: DefaultWatchDebounce,
		},
		Runs: RunConfig{
			LaneStartTimeout: DefaultLaneStartTimeout,
			LaneTimeout:      DefaultLaneTimeout,
			RunEndTimeout:    DefaultRunEndTimeout,
			StepTimeout:      DefaultStepTimeout,
		},
		Convergence: ConvergenceConfig{
			Interval:       conv.Interval,
			AlwaysFraction: conv.AlwaysFraction,
			AlwaysMin:      conv.AlwaysMin,
		},
		Query: QueryConfig{
			RequestRate:  DefaultQueryRate,
			RequestBurst: DefaultQueryBurst,
		},
		Bus: BusConfig{
			Name:    DefaultServiceName,
			Timeout: DefaultBusTimeout,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: string(logging.FormatJSON),
		},
		Telemetry: TelemetryConfig{
			Metrics:     true,
			ServiceName: DefaultServiceName,
		},
	}
}

// Load loads configuration from default locations with proper precedence:
// defaults, ~/.bigtest/config.yaml, ./.bigtest/config.yaml, then BIGTEST_*
// environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	configEnv := loadConfigEnvVars()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".bigtest", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, bterrors.Wrap(err, bterrors.ErrCodeConfigLoad, "loading user config").
				WithContext("path", userConfigPath)
		}
	}

	projectConfigPath := filepath.Join(".", ".bigtest", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, bterrors.Wrap(err, bterrors.ErrCodeConfigLoad, "loading project config").
			WithContext("path", projectConfigPath)
	}

	if err := applyEnvOverrides(cfg, configEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()
	configEnv := loadConfigEnvVars()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, bterrors.Wrap(err, bterrors.ErrCodeConfigLoad, "loading config").
			WithContext("path", path)
	}
	if err := applyEnvOverrides(cfg, configEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies BIGTEST_* variables. Values from the process
// environment win over those in ~/.bigtest/config.env.
func applyEnvOverrides(cfg *Config, configEnv map[string]string) error {
	get := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return configEnv[key]
	}

	if v := get("BIGTEST_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := get("BIGTEST_MANIFEST"); v != "" {
		cfg.Manifest.Path = v
	}
	if v := get("BIGTEST_MANIFEST_URL"); v != "" {
		cfg.Manifest.URL = v
	}
	if v := get("BIGTEST_APP_URL"); v != "" {
		cfg.Manifest.AppURL = v
	}
	if v := get("BIGTEST_BUS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := get("BIGTEST_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := get("BIGTEST_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if val, ok := envBool(get("BIGTEST_MANIFEST_WATCH")); ok {
		cfg.Manifest.Watch = val
	}
	if val, ok := envBool(get("BIGTEST_TRACING")); ok {
		cfg.Telemetry.Tracing = val
	}
	if val, ok := envBool(get("BIGTEST_METRICS")); ok {
		cfg.Telemetry.Metrics = val
	}
	if v := get("BIGTEST_MAX_AGENTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError("BIGTEST_MAX_AGENTS", v, err)
		}
		cfg.Server.MaxAgents = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"BIGTEST_HANDSHAKE_TIMEOUT", &cfg.Server.HandshakeTimeout},
		{"BIGTEST_LANE_START_TIMEOUT", &cfg.Runs.LaneStartTimeout},
		{"BIGTEST_LANE_TIMEOUT", &cfg.Runs.LaneTimeout},
		{"BIGTEST_RUN_END_TIMEOUT", &cfg.Runs.RunEndTimeout},
		{"BIGTEST_STEP_TIMEOUT", &cfg.Runs.StepTimeout},
		{"BIGTEST_CONVERGENCE_INTERVAL", &cfg.Convergence.Interval},
	}
	for _, d := range durations {
		v := get(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return envError(d.key, v, err)
		}
		*d.dst = parsed
	}
	return nil
}

func envError(key, value string, err error) error {
	return bterrors.Wrap(err, bterrors.ErrCodeConfigParse, "invalid environment override").
		WithContext("variable", key).
		WithContext("value", value)
}

func envBool(val string) (bool, bool) {
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	invalid := func(msg, field string, value any) error {
		return bterrors.New(bterrors.ErrCodeConfigInvalid, msg).
			WithContext("field", field).
			WithContext("value", value)
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		return invalid("server address required", "server.addr", c.Server.Addr)
	}
	if c.Server.MaxAgents < 0 {
		return invalid("max agents must not be negative", "server.max_agents", c.Server.MaxAgents)
	}

	timeouts := []struct {
		field string
		value time.Duration
	}{
		{"server.handshake_timeout", c.Server.HandshakeTimeout},
		{"runs.lane_start_timeout", c.Runs.LaneStartTimeout},
		{"runs.lane_timeout", c.Runs.LaneTimeout},
		{"runs.run_end_timeout", c.Runs.RunEndTimeout},
		{"runs.step_timeout", c.Runs.StepTimeout},
		{"convergence.interval", c.Convergence.Interval},
	}
	for _, t := range timeouts {
		if t.value <= 0 {
			return invalid("timeout must be positive", t.field, t.value.String())
		}
	}
	if c.Convergence.Interval >= c.Runs.StepTimeout {
		return invalid("convergence interval must be shorter than the step timeout", "convergence.interval", c.Convergence.Interval.String())
	}
	if c.Convergence.AlwaysFraction <= 0 || c.Convergence.AlwaysFraction >= 1 {
		return invalid("always fraction must be between 0 and 1", "convergence.always_fraction", c.Convergence.AlwaysFraction)
	}
	if c.Convergence.AlwaysMin < 0 {
		return invalid("always minimum must not be negative", "convergence.always_min", c.Convergence.AlwaysMin.String())
	}

	if c.Query.RequestRate <= 0 {
		return invalid("query request rate must be positive", "query.request_rate", c.Query.RequestRate)
	}
	if c.Query.RequestBurst <= 0 {
		return invalid("query request burst must be positive", "query.request_burst", c.Query.RequestBurst)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return invalid("invalid log level", "logging.level", c.Logging.Level)
	}
	switch logging.Format(strings.ToLower(c.Logging.Format)) {
	case "", logging.FormatJSON, logging.FormatText:
	default:
		return invalid("invalid log format (valid: json, text)", "logging.format", c.Logging.Format)
	}

	if c.Manifest.Watch && c.Manifest.Debounce < 0 {
		return invalid("debounce must not be negative", "manifest.debounce", c.Manifest.Debounce.String())
	}
	return nil
}

// ValidationWarnings returns non-fatal configuration concerns.
func (c *Config) ValidationWarnings() []string {
	var warnings []string
	if strings.TrimSpace(c.Manifest.Path) == "" {
		warnings = append(warnings, "manifest.path is not set; runs must supply a tree")
	}
	if exposedAddr(c.Server.Addr) {
		warnings = append(warnings, fmt.Sprintf("server.addr %s is reachable from other hosts and has no authentication", c.Server.Addr))
	}
	if c.Runs.LaneStartTimeout > c.Runs.LaneTimeout {
		warnings = append(warnings, "runs.lane_start_timeout exceeds runs.lane_timeout")
	}
	return warnings
}

func loadConfigEnvVars() map[string]string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(home, ".bigtest", "config.env"))
	if err != nil {
		return nil
	}

	vars := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		vars[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	return vars
}
