// Package config manages the FEP daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete fepd configuration.
type Config struct {
	Terminator TerminatorConfig `koanf:"terminator"`
	AdminHTTP  AdminHTTPConfig  `koanf:"admin_http"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Log        LogConfig        `koanf:"log"`
	Repository RepositoryConfig `koanf:"repository"`
	HSM        HSMConfig        `koanf:"hsm"`
	Duplicate  DuplicateConfig  `koanf:"duplicate"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	LimitCheck LimitCheckConfig `koanf:"limit_check"`
	Blacklist  BlacklistConfig  `koanf:"blacklist"`
	Routes     []RouteConfig    `koanf:"routes"`

	// SchemaFiles lists YAML schema documents to load into the C1 schema
	// registry at startup (SPEC_FULL.md added module #6). Files are
	// registered in order, and a later file with the same Name/Version
	// replaces an earlier one; the schema registered under
	// Terminator.SchemaName/SchemaVersion becomes the acquirer-facing
	// wire schema.
	SchemaFiles []string `koanf:"schema_files"`
}

// LimitCheckConfig configures the C9 limit-check stage.
type LimitCheckConfig struct {
	// AccountField and AmountField name the request fields the limit
	// check reads (typically F102 and F4).
	AccountField string `koanf:"account_field"`
	AmountField  string `koanf:"amount_field"`

	SingleTransactionMax int64 `koanf:"single_transaction_max"`
	DailyAmountMax       int64 `koanf:"daily_amount_max"`
	MonthlyAmountMax     int64 `koanf:"monthly_amount_max"`
	DailyCountMax        int   `koanf:"daily_count_max"`
}

// BlacklistConfig configures the VALIDATION-stage blacklist check.
type BlacklistConfig struct {
	// FieldID names the request field checked against the blacklist
	// store (typically F2, the PAN). Empty disables the check.
	FieldID string `koanf:"field_id"`
}

// TerminatorConfig holds the C10 server terminator configuration.
type TerminatorConfig struct {
	// Addr is the TCP listen address for inbound acquirer connections
	// (e.g., ":6000").
	Addr string `koanf:"addr"`

	// MaxInFlightPerConnection bounds concurrent pipelines per connection
	// (spec §5 "Backpressure").
	MaxInFlightPerConnection int `koanf:"max_in_flight_per_connection"`

	// SchemaName/SchemaVersion selects the acquirer-facing wire schema
	// from the schema registry.
	SchemaName    string `koanf:"schema"`
	SchemaVersion string `koanf:"schema_version"`
}

// AdminHTTPConfig holds the read-only diagnostics HTTP endpoint
// configuration.
type AdminHTTPConfig struct {
	// Addr is the HTTP listen address (e.g., ":8081"). Empty disables
	// the endpoint.
	Addr string `koanf:"addr"`

	// JWTSecret signs and verifies the bearer tokens the diagnostics
	// endpoint requires.
	JWTSecret string `koanf:"jwt_secret"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// RepositoryConfig selects and configures the repository backend (the
// "opaque repository interface" spec.md §6 requires).
type RepositoryConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `koanf:"driver"`
	// PostgresDSN is the connection string used when Driver is "postgres".
	PostgresDSN string `koanf:"postgres_dsn"`
}

// HSMConfig selects and configures the HSM collaborator.
type HSMConfig struct {
	// Driver is "local" (the only driver this repo ships).
	Driver string `koanf:"driver"`
	// KeyHex is the hex-encoded HMAC key for the local driver.
	KeyHex string `koanf:"key_hex"`
}

// DuplicateConfig configures the C8 duplicate detector.
type DuplicateConfig struct {
	Horizon    time.Duration `koanf:"horizon"`
	MaxEntries int           `koanf:"max_entries"`
}

// PipelineConfig configures the C7 pipeline's transaction-wide deadlines.
type PipelineConfig struct {
	// DefaultDeadline applies when no entry in Deadlines matches the
	// transaction's processing-code prefix.
	DefaultDeadline time.Duration `koanf:"default_deadline"`

	// Deadlines maps a two-digit processing-code prefix (e.g. "30" for
	// balance inquiry, "01" for withdrawal) to its stage deadline.
	Deadlines map[string]time.Duration `koanf:"deadlines"`
}

// RouteConfig describes one C5/C9 route: the Channel pool backing it, the
// destination MTI and processing-code prefixes ROUTING dispatches to it,
// and its C6 resilience gate.
type RouteConfig struct {
	Name string `koanf:"name"`

	// ProcessingCodePrefixes lists the two-digit F3 prefixes this route
	// serves. Default marks the fallback route used when no prefix
	// matches.
	ProcessingCodePrefixes []string `koanf:"processing_code_prefixes"`
	Default                bool     `koanf:"default"`
	DestinationMTI         string   `koanf:"destination_mti"`

	MaxSize             int           `koanf:"max_size"`
	MaxSignOnFailures   int           `koanf:"max_sign_on_failures"`
	MaintenanceInterval time.Duration `koanf:"maintenance_interval"`

	Members     []ChannelProfileConfig `koanf:"members"`
	Breaker     BreakerConfig          `koanf:"breaker"`
	RateLimiter RateLimiterConfig      `koanf:"rate_limiter"`
}

// ChannelProfileConfig mirrors channel.Profile's static fields.
type ChannelProfileConfig struct {
	Name string `koanf:"name"`

	// Mode is "dual_socket" or "single_socket".
	Mode string `koanf:"mode"`

	SendAddr    string `koanf:"send_addr"`
	ReceiveAddr string `koanf:"receive_addr"`
	AcquirerID  string `koanf:"acquirer_id"`

	// SchemaName/SchemaVersion selects this member's wire schema from the
	// registry (typically "bank-core" or "interbank-switch", as opposed
	// to the acquirer-facing "atm"/"pos" schema Terminator uses).
	SchemaName    string `koanf:"schema"`
	SchemaVersion string `koanf:"schema_version"`

	ConnectTimeout    time.Duration `koanf:"connect_timeout"`
	ResponseTimeout   time.Duration `koanf:"response_timeout"`
	IdleInterval      time.Duration `koanf:"idle_interval"`
	MaxEchoFailures   int           `koanf:"max_echo_failures"`
	BackoffInitial    time.Duration `koanf:"backoff_initial"`
	BackoffMax        time.Duration `koanf:"backoff_max"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
}

// BreakerConfig mirrors resilience.BreakerConfig.
type BreakerConfig struct {
	FailureRateThreshold       float64       `koanf:"failure_rate_threshold"`
	MinimumCalls               int           `koanf:"minimum_calls"`
	WindowSize                 int           `koanf:"window_size"`
	WaitDurationInOpen         time.Duration `koanf:"wait_duration_in_open"`
	PermittedProbesInHalfOpen  int           `koanf:"permitted_probes_in_half_open"`
	SuccessThresholdInHalfOpen float64       `koanf:"success_threshold_in_half_open"`
}

// RateLimiterConfig selects and configures one of resilience's Limiter
// implementations. Kind "" disables rate limiting for the route.
type RateLimiterConfig struct {
	// Kind is "", "fixed_window", "sliding_window", "token_bucket", or
	// "leaky_bucket".
	Kind string `koanf:"kind"`

	// Limit and Window apply to fixed_window and sliding_window.
	Limit  int           `koanf:"limit"`
	Window time.Duration `koanf:"window"`

	// Capacity and RefillPerSecond apply to token_bucket; Capacity and
	// LeakPerSecond apply to leaky_bucket.
	Capacity        float64 `koanf:"capacity"`
	RefillPerSecond float64 `koanf:"refill_per_second"`
	LeakPerSecond   float64 `koanf:"leak_per_second"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Terminator: TerminatorConfig{
			Addr:                     ":6000",
			MaxInFlightPerConnection: 32,
		},
		AdminHTTP: AdminHTTPConfig{
			Addr: ":8081",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Repository: RepositoryConfig{
			Driver: "memory",
		},
		HSM: HSMConfig{
			Driver: "local",
		},
		Duplicate: DuplicateConfig{
			Horizon:    15 * time.Minute,
			MaxEntries: 100_000,
		},
		Pipeline: PipelineConfig{
			DefaultDeadline: 10 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for fepd configuration.
// Variables are named FEP_<section>_<key>, e.g., FEP_TERMINATOR_ADDR.
const envPrefix = "FEP_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (FEP_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms FEP_TERMINATOR_ADDR -> terminator.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"terminator.addr":                         defaults.Terminator.Addr,
		"terminator.max_in_flight_per_connection": defaults.Terminator.MaxInFlightPerConnection,
		"admin_http.addr":                         defaults.AdminHTTP.Addr,
		"metrics.addr":                            defaults.Metrics.Addr,
		"metrics.path":                            defaults.Metrics.Path,
		"log.level":                               defaults.Log.Level,
		"log.format":                              defaults.Log.Format,
		"repository.driver":                       defaults.Repository.Driver,
		"hsm.driver":                              defaults.HSM.Driver,
		"duplicate.horizon":                       defaults.Duplicate.Horizon.String(),
		"duplicate.max_entries":                   defaults.Duplicate.MaxEntries,
		"pipeline.default_deadline":               defaults.Pipeline.DefaultDeadline.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrEmptyTerminatorAddr     = errors.New("terminator.addr must not be empty")
	ErrInvalidRepository       = errors.New("repository.driver must be memory or postgres")
	ErrMissingPostgresDSN      = errors.New("repository.postgres_dsn is required when repository.driver is postgres")
	ErrInvalidHSMDriver        = errors.New("hsm.driver must be local")
	ErrMissingHSMKey           = errors.New("hsm.key_hex is required when hsm.driver is local")
	ErrInvalidDuplicateHorizon = errors.New("duplicate.horizon must be > 0")
	ErrInvalidPipelineDeadline = errors.New("pipeline.default_deadline must be > 0")
	ErrDuplicateRouteName      = errors.New("duplicate route name")
	ErrRouteMissingMembers     = errors.New("route has no members")
	ErrMultipleDefaultRoutes   = errors.New("more than one route marked default")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Terminator.Addr == "" {
		return ErrEmptyTerminatorAddr
	}

	switch cfg.Repository.Driver {
	case "memory":
	case "postgres":
		if cfg.Repository.PostgresDSN == "" {
			return ErrMissingPostgresDSN
		}
	default:
		return ErrInvalidRepository
	}

	switch cfg.HSM.Driver {
	case "local":
		if cfg.HSM.KeyHex == "" {
			return ErrMissingHSMKey
		}
	default:
		return ErrInvalidHSMDriver
	}

	if cfg.Duplicate.Horizon <= 0 {
		return ErrInvalidDuplicateHorizon
	}

	if cfg.Pipeline.DefaultDeadline <= 0 {
		return ErrInvalidPipelineDeadline
	}

	return validateRoutes(cfg.Routes)
}

func validateRoutes(routes []RouteConfig) error {
	seen := make(map[string]struct{}, len(routes))
	defaults := 0

	for i, rc := range routes {
		if _, dup := seen[rc.Name]; dup {
			return fmt.Errorf("routes[%d] name %q: %w", i, rc.Name, ErrDuplicateRouteName)
		}
		seen[rc.Name] = struct{}{}

		if len(rc.Members) == 0 {
			return fmt.Errorf("routes[%d] %q: %w", i, rc.Name, ErrRouteMissingMembers)
		}

		if rc.Default {
			defaults++
		}

		if err := rc.Breaker.Valid(); err != nil {
			return fmt.Errorf("routes[%d] %q breaker: %w", i, rc.Name, err)
		}
		if err := rc.RateLimiter.Valid(); err != nil {
			return fmt.Errorf("routes[%d] %q rate_limiter: %w", i, rc.Name, err)
		}
	}

	if defaults > 1 {
		return ErrMultipleDefaultRoutes
	}

	return nil
}

// Valid range-checks b, erroring on values outside the sane range this
// repo supports. It does not fill in defaults or otherwise modify b;
// zero values are defaulted later by resilience.BreakerConfig.setDefaults.
func (b *BreakerConfig) Valid() error {
	if b.FailureRateThreshold < 0 || b.FailureRateThreshold > 100 {
		return errors.New("breaker.failure_rate_threshold must be in [0, 100]")
	}
	if b.SuccessThresholdInHalfOpen < 0 || b.SuccessThresholdInHalfOpen > 100 {
		return errors.New("breaker.success_threshold_in_half_open must be in [0, 100]")
	}
	if b.WindowSize < 0 {
		return errors.New("breaker.window_size must be >= 0")
	}
	if b.MinimumCalls < 0 {
		return errors.New("breaker.minimum_calls must be >= 0")
	}
	return nil
}

// Valid range-checks r.
func (r *RateLimiterConfig) Valid() error {
	switch r.Kind {
	case "":
		return nil
	case "fixed_window", "sliding_window":
		if r.Limit <= 0 {
			return errors.New("rate_limiter.limit must be > 0")
		}
		if r.Window <= 0 {
			return errors.New("rate_limiter.window must be > 0")
		}
	case "token_bucket":
		if r.Capacity <= 0 || r.RefillPerSecond <= 0 {
			return errors.New("rate_limiter.capacity and refill_per_second must be > 0")
		}
	case "leaky_bucket":
		if r.Capacity <= 0 || r.LeakPerSecond <= 0 {
			return errors.New("rate_limiter.capacity and leak_per_second must be > 0")
		}
	default:
		return fmt.Errorf("rate_limiter.kind %q: %w", r.Kind, errUnknownLimiterKind)
	}
	return nil
}

var errUnknownLimiterKind = errors.New("unrecognized rate limiter kind")

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
