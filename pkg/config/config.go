package config

import (
	"strconv"
	"time"

	"github.com/ajitpratap0/vdf/pkg/errors"
)

// BackendConfig is the configuration handed to every backend adapter.
// Backend-specific settings (host, port, dsn, collection prefix) live in
// Options.
type BackendConfig struct {
	// Name identifies the backend instance in logs
	Name string `yaml:"name" json:"name"`
	// Type is the backend slug used for registry lookup (e.g. "qdrant", "pgvector")
	Type string `yaml:"type" json:"type"`

	// Options holds backend-specific settings
	Options map[string]string `yaml:"options" json:"options"`

	Timeouts    TimeoutConfig     `yaml:"timeouts" json:"timeouts"`
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`
	Security    SecurityConfig    `yaml:"security" json:"security"`
}

// TimeoutConfig contains call-level deadlines
type TimeoutConfig struct {
	// Request is the deadline of a single remote call
	Request time.Duration `yaml:"request" json:"request"`
	// Connection is the deadline for establishing the client
	Connection time.Duration `yaml:"connection" json:"connection"`
}

// ReliabilityConfig contains retry and throttling settings
type ReliabilityConfig struct {
	// RetryAttempts bounds plain retries of a failed call before it is reported
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the pause between shrink-and-retry attempts
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RateLimitPerSec throttles remote calls (0 = unlimited)
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	// RateLimitBurst is the burst allowed by the limiter
	RateLimitBurst int `yaml:"rate_limit_burst" json:"rate_limit_burst"`
}

// SecurityConfig contains credentials and transport settings
type SecurityConfig struct {
	EnableTLS bool   `yaml:"enable_tls" json:"enable_tls"`
	APIKey    string `yaml:"api_key" json:"api_key"`
	// Credentials stores additional secrets (use ${ENV} substitution)
	Credentials map[string]string `yaml:"credentials" json:"credentials"`
}

// NewBackendConfig creates a BackendConfig with defaults
func NewBackendConfig(name, backendType string) *BackendConfig {
	return &BackendConfig{
		Name:    name,
		Type:    backendType,
		Options: make(map[string]string),
		Timeouts: TimeoutConfig{
			Request:    60 * time.Second,
			Connection: 10 * time.Second,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      time.Second,
			RateLimitPerSec: 0,
			RateLimitBurst:  1,
		},
		Security: SecurityConfig{
			Credentials: make(map[string]string),
		},
	}
}

// Validate validates the backend configuration
func (bc *BackendConfig) Validate() error {
	if bc.Type == "" {
		return errors.New(errors.ErrorTypeConfig, "backend type is required")
	}
	if bc.Reliability.RetryAttempts < 0 {
		return errors.New(errors.ErrorTypeConfig, "retry_attempts cannot be negative")
	}
	if bc.Reliability.RateLimitPerSec < 0 {
		return errors.New(errors.ErrorTypeConfig, "rate_limit_per_sec cannot be negative")
	}
	if bc.Timeouts.Request < 0 || bc.Timeouts.Connection < 0 {
		return errors.New(errors.ErrorTypeConfig, "timeouts cannot be negative")
	}
	return nil
}

// Option returns an option value or def when unset
func (bc *BackendConfig) Option(key, def string) string {
	if v, ok := bc.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// IntOption returns an integer option or def when unset
func (bc *BackendConfig) IntOption(key string, def int) (int, error) {
	v, ok := bc.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConfig, "option must be an integer").WithDetail("option", key)
	}
	return n, nil
}

// BoolOption returns a boolean option or def when unset
func (bc *BackendConfig) BoolOption(key string, def bool) (bool, error) {
	v, ok := bc.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeConfig, "option must be a boolean").WithDetail("option", key)
	}
	return b, nil
}

// IsRateLimited returns true if rate limiting is enabled
func (r *ReliabilityConfig) IsRateLimited() bool {
	return r.RateLimitPerSec > 0
}
