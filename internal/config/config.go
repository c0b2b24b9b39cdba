// Package config loads and validates the HealthRelay YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// APIURL is the base URL of the matchup service (e.g. "https://api.example.com/v1").
	APIURL string `yaml:"api_url"`

	// APIToken is the bearer token used to authenticate with the matchup service.
	APIToken string `yaml:"api_token"`

	// UserID is the matchup participant this instance syncs for.
	UserID string `yaml:"user_id"`

	// HealthExport is the path of the health data export file.
	HealthExport string `yaml:"health_export"`

	// StateDB overrides the sync ledger location. Defaults to
	// ~/.local/share/healthrelay/state.db.
	StateDB string `yaml:"state_db,omitempty"`

	// ThrottleWindow suppresses repeat syncs of the same matchup or user after
	// a success. Minimum 1s. Defaults to 60s.
	ThrottleWindow time.Duration `yaml:"throttle_window"`

	// ObserverPollInterval controls how often the export file is checked for
	// changes. Minimum 1s, maximum 5m. Defaults to 15s.
	ObserverPollInterval time.Duration `yaml:"observer_poll_interval"`

	// BackgroundTaskInterval is the period of scheduled background syncs.
	// Minimum 1m. Defaults to 15m.
	BackgroundTaskInterval time.Duration `yaml:"background_task_interval"`

	// BackgroundTaskBudget bounds each scheduled background sync. Minimum 1s,
	// maximum 10m. Defaults to 30s.
	BackgroundTaskBudget time.Duration `yaml:"background_task_budget"`

	// MaxConcurrentQueries bounds per-day provider queries per metric kind.
	// Zero means unbounded.
	MaxConcurrentQueries int `yaml:"max_concurrent_queries"`

	// ElevatedHeartRateBPM is the threshold for elevated-heart-rate minutes.
	// Defaults to 100.
	ElevatedHeartRateBPM float64 `yaml:"elevated_heart_rate_bpm"`

	// APIRateLimit is the sustained request rate to the matchup service in
	// requests per second. Defaults to 5.
	APIRateLimit float64 `yaml:"api_rate_limit"`

	// APIBurst is the token-bucket burst size. Defaults to 5.
	APIBurst int `yaml:"api_burst"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "healthrelay".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/healthrelay/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "healthrelay", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write saves c as YAML at path, creating parent directories. The file is
// readable only by the owner since it holds the API token.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	u, err := url.ParseRequestURI(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("api_url %q must be a valid http or https URL", c.APIURL)
	}

	if c.APIToken == "" {
		return fmt.Errorf("api_token is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.HealthExport == "" {
		return fmt.Errorf("health_export is required")
	}

	if c.ThrottleWindow == 0 {
		c.ThrottleWindow = 60 * time.Second
	}
	if c.ThrottleWindow < time.Second {
		return fmt.Errorf("throttle_window %v is too short (minimum 1s)", c.ThrottleWindow)
	}

	if c.ObserverPollInterval == 0 {
		c.ObserverPollInterval = 15 * time.Second
	}
	if c.ObserverPollInterval < time.Second {
		return fmt.Errorf("observer_poll_interval %v is too short (minimum 1s)", c.ObserverPollInterval)
	}
	if c.ObserverPollInterval > 5*time.Minute {
		return fmt.Errorf("observer_poll_interval %v is too long (maximum 5m)", c.ObserverPollInterval)
	}

	if c.BackgroundTaskInterval == 0 {
		c.BackgroundTaskInterval = 15 * time.Minute
	}
	if c.BackgroundTaskInterval < time.Minute {
		return fmt.Errorf("background_task_interval %v is too short (minimum 1m)", c.BackgroundTaskInterval)
	}

	if c.BackgroundTaskBudget == 0 {
		c.BackgroundTaskBudget = 30 * time.Second
	}
	if c.BackgroundTaskBudget < time.Second {
		return fmt.Errorf("background_task_budget %v is too short (minimum 1s)", c.BackgroundTaskBudget)
	}
	if c.BackgroundTaskBudget > 10*time.Minute {
		return fmt.Errorf("background_task_budget %v is too long (maximum 10m)", c.BackgroundTaskBudget)
	}

	if c.MaxConcurrentQueries < 0 {
		return fmt.Errorf("max_concurrent_queries must not be negative")
	}

	if c.ElevatedHeartRateBPM == 0 {
		c.ElevatedHeartRateBPM = 100
	}
	if c.ElevatedHeartRateBPM < 0 {
		return fmt.Errorf("elevated_heart_rate_bpm must be positive")
	}

	if c.APIRateLimit == 0 {
		c.APIRateLimit = 5
	}
	if c.APIRateLimit < 0 {
		return fmt.Errorf("api_rate_limit must be positive")
	}
	if c.APIBurst == 0 {
		c.APIBurst = 5
	}
	if c.APIBurst < 0 {
		return fmt.Errorf("api_burst must be positive")
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
