// Package config provides YAML configuration loading with validation and
// environment variable substitution for the WebQx gateway.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server          ServerConfig         `yaml:"server" json:"server"`
	Metrics         MetricsConfig        `yaml:"metrics" json:"metrics"`
	Logging         LoggingConfig        `yaml:"logging" json:"logging"`
	Audit           AuditConfig          `yaml:"audit" json:"audit"`
	RateLimit       RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	Auth            AuthConfig           `yaml:"auth" json:"auth"`
	Exchange        ExchangeConfig       `yaml:"exchange" json:"exchange"`
	CredentialCache CacheConfig          `yaml:"credential_cache" json:"credential_cache"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Detector        DetectorConfig       `yaml:"detector" json:"detector"`
	Admin           AdminConfig          `yaml:"admin" json:"admin"`
	Routes          []RouteConfig        `yaml:"routes" json:"routes"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself so Load is safe to call concurrently
	// from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	GlobalTimeoutMs int           `yaml:"global_timeout_ms" json:"global_timeout_ms"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// GlobalTimeout returns the global request deadline as a time.Duration.
// Returns 0 (disabled) when GlobalTimeoutMs is not set.
func (s ServerConfig) GlobalTimeout() time.Duration {
	if s.GlobalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default "1.2"
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds access log output settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // rotation size for file output; default 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // rotated files to keep; default 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// AuditConfig holds audit sink settings.
type AuditConfig struct {
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default "stdout"
	BufferSize int    `yaml:"buffer_size" json:"buffer_size"` // events buffered before drops; default 1024
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // rotation size for file output; default 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// RateLimitConfig holds the global rate limiter settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// AuthConfig holds bearer token validation settings for the identity
// provider boundary.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// ExchangeConfig holds credential exchange endpoint settings.
type ExchangeConfig struct {
	Endpoint   string        `yaml:"endpoint" json:"endpoint"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
}

// CacheConfig holds credential cache settings.
type CacheConfig struct {
	Capacity int `yaml:"capacity" json:"capacity"`
}

// CircuitBreakerConfig holds the breaker's base parameters and the safety
// bounds the adaptive logic may never leave.
type CircuitBreakerConfig struct {
	BaseFailureThreshold int           `yaml:"base_failure_threshold" json:"base_failure_threshold"`
	MinFailureThreshold  int           `yaml:"min_failure_threshold" json:"min_failure_threshold"`
	MaxFailureThreshold  int           `yaml:"max_failure_threshold" json:"max_failure_threshold"`
	BaseRecoveryTime     time.Duration `yaml:"base_recovery_time" json:"base_recovery_time"`
	MinRecoveryTime      time.Duration `yaml:"min_recovery_time" json:"min_recovery_time"`
	MaxRecoveryTime      time.Duration `yaml:"max_recovery_time" json:"max_recovery_time"`
}

// DetectorConfig holds the error pattern detector settings.
type DetectorConfig struct {
	AnalysisWindow         time.Duration `yaml:"analysis_window" json:"analysis_window"`
	MinErrorsForPattern    int           `yaml:"min_errors_for_pattern" json:"min_errors_for_pattern"`
	IntermittentThreshold  float64       `yaml:"intermittent_threshold" json:"intermittent_threshold"`
	MaxThresholdMultiplier float64       `yaml:"max_threshold_multiplier" json:"max_threshold_multiplier"`
	MinRecoveryReduction   float64       `yaml:"min_recovery_reduction" json:"min_recovery_reduction"`
	BurstGap               time.Duration `yaml:"burst_gap" json:"burst_gap"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// RouteConfig defines a single proxied route to the downstream EHR.
type RouteConfig struct {
	PathPrefix   string            `yaml:"path_prefix" json:"path_prefix"`
	Backend      string            `yaml:"backend" json:"backend"`
	RouteTag     string            `yaml:"route_tag" json:"route_tag"` // e.g. "patient-api"
	Group        string            `yaml:"group" json:"group"`         // breaker group; defaults to route_tag
	StripPrefix  bool              `yaml:"strip_prefix" json:"strip_prefix"`
	Methods      []string          `yaml:"methods" json:"methods"`
	AuthRequired bool              `yaml:"auth_required" json:"auth_required"`
	TimeoutMs    int               `yaml:"timeout_ms" json:"timeout_ms"`
	Headers      map[string]string `yaml:"headers" json:"headers,omitempty"`
}

// Timeout returns the route timeout as a time.Duration.
func (r RouteConfig) Timeout() time.Duration {
	if r.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// BreakerGroup returns the breaker partition for the route.
func (r RouteConfig) BreakerGroup() string {
	if r.Group != "" {
		return r.Group
	}
	if r.RouteTag != "" {
		return r.RouteTag
	}
	return r.PathPrefix
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.Audit.Output == "" {
		cfg.Audit.Output = "stdout"
	}
	if cfg.Audit.BufferSize == 0 {
		cfg.Audit.BufferSize = 1024
	}
	if cfg.Audit.MaxSizeMB == 0 {
		cfg.Audit.MaxSizeMB = 100
	}
	if cfg.Audit.MaxBackups == 0 {
		cfg.Audit.MaxBackups = 3
	}
	if cfg.Audit.MaxAgeDays == 0 {
		cfg.Audit.MaxAgeDays = 30
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}

	if cfg.Exchange.Timeout == 0 {
		cfg.Exchange.Timeout = 5 * time.Second
	}
	if cfg.Exchange.DefaultTTL == 0 {
		cfg.Exchange.DefaultTTL = time.Minute
	}

	if cfg.CredentialCache.Capacity == 0 {
		cfg.CredentialCache.Capacity = 10000
	}

	cb := &cfg.CircuitBreaker
	if cb.BaseFailureThreshold == 0 {
		cb.BaseFailureThreshold = 5
	}
	if cb.MinFailureThreshold == 0 {
		cb.MinFailureThreshold = 2
	}
	if cb.MaxFailureThreshold == 0 {
		cb.MaxFailureThreshold = 20
	}
	if cb.BaseRecoveryTime == 0 {
		cb.BaseRecoveryTime = 30 * time.Second
	}
	if cb.MinRecoveryTime == 0 {
		cb.MinRecoveryTime = 5 * time.Second
	}
	if cb.MaxRecoveryTime == 0 {
		cb.MaxRecoveryTime = 5 * time.Minute
	}

	det := &cfg.Detector
	if det.AnalysisWindow == 0 {
		det.AnalysisWindow = 5 * time.Minute
	}
	if det.MinErrorsForPattern == 0 {
		det.MinErrorsForPattern = 3
	}
	if det.IntermittentThreshold == 0 {
		det.IntermittentThreshold = 0.7
	}
	if det.MaxThresholdMultiplier == 0 {
		det.MaxThresholdMultiplier = 2.0
	}
	if det.MinRecoveryReduction == 0 {
		det.MinRecoveryReduction = 0.5
	}
	if det.BurstGap == 0 {
		det.BurstGap = det.AnalysisWindow / 20
	}

	for i := range cfg.Routes {
		if cfg.Routes[i].TimeoutMs == 0 {
			cfg.Routes[i].TimeoutMs = 30000
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if cfg.Server.GlobalTimeoutMs < 0 {
		return fmt.Errorf("server.global_timeout_ms must be non-negative")
	}

	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
		}
	}

	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
		if cfg.Exchange.Endpoint == "" {
			return fmt.Errorf("exchange.endpoint is required when auth is enabled")
		}
		if u, err := url.Parse(cfg.Exchange.Endpoint); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("exchange.endpoint must be a valid http(s) URL, got %q", cfg.Exchange.Endpoint)
		}
	}

	if cfg.CredentialCache.Capacity < 0 {
		return fmt.Errorf("credential_cache.capacity must be non-negative")
	}

	cb := cfg.CircuitBreaker
	if cb.MinFailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.min_failure_threshold must be positive")
	}
	if cb.BaseFailureThreshold < cb.MinFailureThreshold || cb.BaseFailureThreshold > cb.MaxFailureThreshold {
		return fmt.Errorf("circuit_breaker.base_failure_threshold must lie in [min_failure_threshold, max_failure_threshold]")
	}
	if cb.MinRecoveryTime <= 0 {
		return fmt.Errorf("circuit_breaker.min_recovery_time must be positive")
	}
	if cb.BaseRecoveryTime < cb.MinRecoveryTime || cb.BaseRecoveryTime > cb.MaxRecoveryTime {
		return fmt.Errorf("circuit_breaker.base_recovery_time must lie in [min_recovery_time, max_recovery_time]")
	}

	det := cfg.Detector
	if det.AnalysisWindow <= 0 {
		return fmt.Errorf("detector.analysis_window must be positive")
	}
	if det.MinErrorsForPattern < 1 {
		return fmt.Errorf("detector.min_errors_for_pattern must be positive")
	}
	if det.IntermittentThreshold <= 0 || det.IntermittentThreshold >= 1 {
		return fmt.Errorf("detector.intermittent_threshold must be between 0 and 1 (exclusive)")
	}
	if det.MaxThresholdMultiplier <= 1 {
		return fmt.Errorf("detector.max_threshold_multiplier must be greater than 1")
	}
	if det.MinRecoveryReduction <= 0 || det.MinRecoveryReduction > 1 {
		return fmt.Errorf("detector.min_recovery_reduction must be in (0, 1]")
	}

	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route must be configured")
	}

	seen := make(map[string]bool)
	for i, r := range cfg.Routes {
		if r.PathPrefix == "" {
			return fmt.Errorf("routes[%d].path_prefix is required", i)
		}
		if !strings.HasPrefix(r.PathPrefix, "/") {
			return fmt.Errorf("routes[%d].path_prefix must start with /", i)
		}
		if r.Backend == "" {
			return fmt.Errorf("routes[%d].backend is required", i)
		}
		u, err := url.Parse(r.Backend)
		if err != nil {
			return fmt.Errorf("routes[%d].backend: invalid URL: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("routes[%d].backend: scheme must be http or https, got %q", i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("routes[%d].backend: host is required", i)
		}
		if r.RouteTag == "" {
			return fmt.Errorf("routes[%d].route_tag is required", i)
		}
		if seen[r.PathPrefix] {
			return fmt.Errorf("duplicate route path_prefix: %s", r.PathPrefix)
		}
		seen[r.PathPrefix] = true
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	if !cfg.Auth.Enabled {
		warnings = append(warnings, "auth is disabled; requests are proxied without credential exchange")
	}
	return warnings
}
