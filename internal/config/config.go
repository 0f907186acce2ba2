// Package config handles loading and validation of chainproxy configuration
// from YAML files, an optional .env file and environment variables.
// Environment variables always override file-based values. Env var names
// follow the struct path with a CHAINPROXY_ prefix:
//
//	server.address → CHAINPROXY_SERVER_ADDRESS
//	upstream.api_key → CHAINPROXY_UPSTREAM_API_KEY
//	rate_limit.key_strategy.header_name → CHAINPROXY_RATE_LIMIT_KEY_STRATEGY_HEADER_NAME
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via CHAINPROXY_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/chainproxy/config.yaml"

// envPrefix is prepended to every environment variable name.
const envPrefix = "CHAINPROXY_"

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// Mode selects the failure and disclosure posture of the process. It is the
// single switch for fail-open vs fail-closed rate limiting and for exposing
// diagnostic error details.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeDevelopment, ModeProduction:
		return true
	}
	return false
}

// IsDevelopment reports whether diagnostics may be exposed and store
// failures tolerated.
func (m Mode) IsDevelopment() bool { return m == ModeDevelopment }

// KeyStrategyType defines how a per-client rate-limit key is derived.
type KeyStrategyType string

const (
	KeyStrategyAPIKey   KeyStrategyType = "apikey"
	KeyStrategyClientIP KeyStrategyType = "clientip"
	KeyStrategyHeader   KeyStrategyType = "header"
)

func (k KeyStrategyType) Valid() bool {
	switch k {
	case KeyStrategyAPIKey, KeyStrategyClientIP, KeyStrategyHeader:
		return true
	}
	return false
}

// StoreType selects the rate-limit counter backend.
type StoreType string

const (
	StoreRedis  StoreType = "redis"
	StoreMemory StoreType = "memory"
)

func (s StoreType) Valid() bool {
	switch s {
	case StoreRedis, StoreMemory:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level chainproxy configuration.
type Config struct {
	Mode      Mode            `yaml:"mode"       env:"MODE"`
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	Upstream  UpstreamConfig  `yaml:"upstream"   envPrefix:"UPSTREAM_"`
	Proxy     ProxyConfig     `yaml:"proxy"      envPrefix:"PROXY_"`
	Auth      AuthConfig      `yaml:"auth"       envPrefix:"AUTH_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Redis     RedisConfig     `yaml:"redis"      envPrefix:"REDIS_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the main proxy server settings.
type ServerConfig struct {
	Address        string          `yaml:"address"         env:"ADDRESS"`
	ReadTimeout    string          `yaml:"read_timeout"    env:"READ_TIMEOUT"`
	WriteTimeout   string          `yaml:"write_timeout"   env:"WRITE_TIMEOUT"`
	IdleTimeout    string          `yaml:"idle_timeout"    env:"IDLE_TIMEOUT"`
	DrainTimeout   string          `yaml:"drain_timeout"   env:"DRAIN_TIMEOUT"`
	RequestTimeout string          `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	TLS            ServerTLSConfig `yaml:"tls"             envPrefix:"TLS_"`

	// MaxRequestBodyBytes caps inbound request bodies forwarded upstream.
	// 0 means unlimited.
	MaxRequestBodyBytes int64 `yaml:"max_request_body_bytes" env:"MAX_REQUEST_BODY_BYTES"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// UpstreamConfig defines the blockchain-data API every route forwards to.
type UpstreamConfig struct {
	BaseURL      string         `yaml:"base_url"       env:"BASE_URL"`
	APIKey       RedactedString `yaml:"api_key"        env:"API_KEY"`
	APIKeyHeader string         `yaml:"api_key_header" env:"API_KEY_HEADER"`
	Timeout      string         `yaml:"timeout"        env:"TIMEOUT"`

	MaxIdleConns     int    `yaml:"max_idle_conns"     env:"MAX_IDLE_CONNS"`
	IdleConnTimeout  string `yaml:"idle_conn_timeout"  env:"IDLE_CONN_TIMEOUT"`
	MaxResponseBytes int64  `yaml:"max_response_bytes" env:"MAX_RESPONSE_BYTES"`

	// MaxConcurrent caps simultaneous outbound calls per instance. 0 means
	// unlimited.
	MaxConcurrent int64 `yaml:"max_concurrent" env:"MAX_CONCURRENT"`

	Retry     RetryConfig     `yaml:"retry"     envPrefix:"RETRY_"`
	Transport TransportConfig `yaml:"transport" envPrefix:"TRANSPORT_"`
}

// RetryConfig holds the bounded retry policy for upstream calls.
type RetryConfig struct {
	MaxRetries   int     `yaml:"max_retries"   env:"MAX_RETRIES"`
	InitialDelay string  `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     string  `yaml:"max_delay"     env:"MAX_DELAY"`
	Multiplier   float64 `yaml:"multiplier"    env:"MULTIPLIER"`
}

// TransportConfig holds low-level HTTP transport tuning for upstream calls.
type TransportConfig struct {
	DialTimeout         string `yaml:"dial_timeout"          env:"DIAL_TIMEOUT"`
	DialKeepAlive       string `yaml:"dial_keep_alive"       env:"DIAL_KEEP_ALIVE"`
	TLSHandshakeTimeout string `yaml:"tls_handshake_timeout" env:"TLS_HANDSHAKE_TIMEOUT"`
}

// ProxyConfig tunes the orchestrator that sits between routes and upstream.
type ProxyConfig struct {
	// MaxSubrequests bounds outbound calls per inbound request.
	MaxSubrequests int `yaml:"max_subrequests" env:"MAX_SUBREQUESTS"`
	// DedupWindow is how long an in-flight GET/HEAD stays shareable,
	// measured from registration.
	DedupWindow string `yaml:"dedup_window" env:"DEDUP_WINDOW"`
}

// AuthConfig holds the static API-key authenticator settings.
type AuthConfig struct {
	Enabled bool     `yaml:"enabled" env:"ENABLED"`
	APIKeys []string `yaml:"api_keys" env:"API_KEYS" envSeparator:","`
	// Header is checked before the Authorization bearer token.
	Header string `yaml:"header" env:"HEADER"`
}

// RateLimitConfig holds fixed-window rate limiting settings.
type RateLimitConfig struct {
	Enabled     bool              `yaml:"enabled"      env:"ENABLED"`
	Limit       int64             `yaml:"limit"        env:"LIMIT"`
	Window      string            `yaml:"window"       env:"WINDOW"`
	KeyPrefix   string            `yaml:"key_prefix"   env:"KEY_PREFIX"`
	Store       StoreType         `yaml:"store"        env:"STORE"`
	KeyStrategy KeyStrategyConfig `yaml:"key_strategy" envPrefix:"KEY_STRATEGY_"`

	// MemoryMaxKeys bounds the in-memory store. 0 uses the default.
	MemoryMaxKeys int64 `yaml:"memory_max_keys" env:"MEMORY_MAX_KEYS"`
}

// KeyStrategyConfig defines how the per-client rate-limit key is extracted.
type KeyStrategyConfig struct {
	Type       KeyStrategyType `yaml:"type"        env:"TYPE"`
	HeaderName string          `yaml:"header_name" env:"HEADER_NAME"`

	// TrustedProxies is a list of CIDR ranges whose X-Forwarded-For and
	// X-Real-IP headers are trusted. When empty, proxy headers are always
	// trusted.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`

	// TrustedIPDepth selects the Nth X-Forwarded-For entry from the right
	// when the request arrives through a trusted proxy. 0 uses the leftmost.
	TrustedIPDepth int `yaml:"trusted_ip_depth" env:"TRUSTED_IP_DEPTH"`
}

// RedisConfig holds Redis connection and topology settings. An empty
// Endpoints list means no counter store is configured.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// Configured reports whether at least one endpoint is set.
func (rc RedisConfig) Configured() bool { return len(rc.Endpoints) > 0 }

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// LoggingConfig holds structured logging settings. When File is set, logs
// go to a size-rotated file instead of stdout.
type LoggingConfig struct {
	Level      LogLevel  `yaml:"level"        env:"LEVEL"`
	Format     LogFormat `yaml:"format"       env:"FORMAT"`
	File       string    `yaml:"file"         env:"FILE"`
	MaxSizeMB  int       `yaml:"max_size_mb"  env:"MAX_SIZE_MB"`
	MaxBackups int       `yaml:"max_backups"  env:"MAX_BACKUPS"`
	MaxAgeDays int       `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Mode: ModeProduction,
		Server: ServerConfig{
			Address:             ":8080",
			ReadTimeout:         "30s",
			WriteTimeout:        "60s",
			IdleTimeout:         "120s",
			DrainTimeout:        "30s",
			RequestTimeout:      "55s",
			MaxRequestBodyBytes: 1 << 20,
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Upstream: UpstreamConfig{
			BaseURL:          "https://api.sim.dune.com",
			APIKeyHeader:     "X-Sim-Api-Key",
			Timeout:          "15s",
			MaxIdleConns:     100,
			IdleConnTimeout:  "90s",
			MaxResponseBytes: 10 << 20,
			Retry: RetryConfig{
				MaxRetries:   3,
				InitialDelay: "1s",
				MaxDelay:     "10s",
				Multiplier:   2,
			},
			Transport: TransportConfig{
				DialTimeout:         "10s",
				DialKeepAlive:       "30s",
				TLSHandshakeTimeout: "10s",
			},
		},
		Proxy: ProxyConfig{
			MaxSubrequests: 45,
			DedupWindow:    "500ms",
		},
		Auth: AuthConfig{
			Header: "X-Api-Key",
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			Limit:     100,
			Window:    "60s",
			KeyPrefix: "ratelimit",
			Store:     StoreRedis,
			KeyStrategy: KeyStrategyConfig{
				Type: KeyStrategyAPIKey,
			},
			MemoryMaxKeys: 100_000,
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Logging: LoggingConfig{
			Level:      LogLevelInfo,
			Format:     LogFormatJSON,
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Tracing: TracingConfig{
			ServiceName: "chainproxy",
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv(envPrefix + "CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/chainproxy/config.yaml and
// can be overridden via CHAINPROXY_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that values like "Production" or
// "MEMORY" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Mode = Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	cfg.RateLimit.Store = StoreType(strings.ToLower(string(cfg.RateLimit.Store)))
	cfg.RateLimit.KeyStrategy.Type = KeyStrategyType(strings.ToLower(string(cfg.RateLimit.KeyStrategy.Type)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
	cfg.Upstream.BaseURL = strings.TrimRight(cfg.Upstream.BaseURL, "/")

	keys := cfg.Auth.APIKeys[:0]
	for _, k := range cfg.Auth.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	cfg.Auth.APIKeys = keys
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if !cfg.Mode.Valid() {
		return fmt.Errorf("invalid mode %q: must be development or production", cfg.Mode)
	}
	if err := validateUpstream(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateProxy(cfg); err != nil {
		return err
	}
	if err := validateAuth(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateUpstream(cfg *Config) error {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid upstream.base_url %q: %w", cfg.Upstream.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid upstream.base_url %q: scheme must be http or https", cfg.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid upstream.base_url %q: host is required", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.APIKeyHeader == "" {
		return fmt.Errorf("upstream.api_key_header must not be empty")
	}
	if cfg.Upstream.MaxResponseBytes <= 0 {
		return fmt.Errorf("upstream.max_response_bytes must be > 0")
	}
	if cfg.Upstream.MaxConcurrent < 0 {
		return fmt.Errorf("upstream.max_concurrent must be >= 0")
	}
	r := cfg.Upstream.Retry
	if r.MaxRetries < 1 {
		return fmt.Errorf("upstream.retry.max_retries must be >= 1")
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("upstream.retry.multiplier must be >= 1")
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"server.request_timeout", cfg.Server.RequestTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"upstream.timeout", cfg.Upstream.Timeout},
		{"upstream.idle_conn_timeout", cfg.Upstream.IdleConnTimeout},
		{"upstream.retry.initial_delay", cfg.Upstream.Retry.InitialDelay},
		{"upstream.retry.max_delay", cfg.Upstream.Retry.MaxDelay},
		{"upstream.transport.dial_timeout", cfg.Upstream.Transport.DialTimeout},
		{"upstream.transport.dial_keep_alive", cfg.Upstream.Transport.DialKeepAlive},
		{"upstream.transport.tls_handshake_timeout", cfg.Upstream.Transport.TLSHandshakeTimeout},
		{"proxy.dedup_window", cfg.Proxy.DedupWindow},
		{"rate_limit.window", cfg.RateLimit.Window},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateProxy(cfg *Config) error {
	if cfg.Proxy.MaxSubrequests < 1 {
		return fmt.Errorf("proxy.max_subrequests must be >= 1")
	}
	return nil
}

func validateAuth(cfg *Config) error {
	if cfg.Auth.Enabled && len(cfg.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.api_keys must contain at least one key when auth is enabled")
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-Api-Key"
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	rl := cfg.RateLimit
	if !rl.Enabled {
		return nil
	}
	if rl.Limit < 1 {
		return fmt.Errorf("rate_limit.limit must be >= 1")
	}
	if w := MustParseDuration(rl.Window, 0); w < time.Second {
		return fmt.Errorf("rate_limit.window must be at least 1s, got %q", rl.Window)
	}
	if !rl.Store.Valid() {
		return fmt.Errorf("invalid rate_limit.store %q: must be redis or memory", rl.Store)
	}
	if err := validateKeyStrategy(rl.KeyStrategy); err != nil {
		return err
	}
	// A missing store is fatal only in production; development keeps serving
	// without limits.
	if rl.Store == StoreRedis && !cfg.Redis.Configured() && cfg.Mode == ModeProduction {
		return fmt.Errorf("rate_limit.store is redis but redis.endpoints is empty (required in production)")
	}
	return nil
}

func validateKeyStrategy(ks KeyStrategyConfig) error {
	if ks.Type != "" && !ks.Type.Valid() {
		return fmt.Errorf("unknown rate_limit.key_strategy.type %q", ks.Type)
	}
	if ks.Type == KeyStrategyHeader && ks.HeaderName == "" {
		return fmt.Errorf("rate_limit.key_strategy.header_name is required when type is %q", ks.Type)
	}
	return nil
}

func validateRedis(cfg *Config) error {
	rc := cfg.Redis
	if !rc.Configured() {
		return nil
	}
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}
	return nil
}

// TracingSampleRate resolves the effective sample rate. An unset rate
// samples everything in development and 10% in production.
func (c *Config) TracingSampleRate() float64 {
	if c.Tracing.SampleRate > 0 {
		return c.Tracing.SampleRate
	}
	if c.Mode.IsDevelopment() {
		return 1.0
	}
	return 0.1
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely. Only auth keys, rate-limit
// parameters (other than the store) and the log level reload in place.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Mode != old.Mode {
		fields = append(fields, "mode")
	}
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Server.TLS != old.Server.TLS {
		fields = append(fields, "server.tls")
	}
	if !reflect.DeepEqual(c.Upstream, old.Upstream) {
		fields = append(fields, "upstream")
	}
	if c.Proxy != old.Proxy {
		fields = append(fields, "proxy")
	}
	if c.RateLimit.Store != old.RateLimit.Store || c.RateLimit.Enabled != old.RateLimit.Enabled {
		fields = append(fields, "rate_limit.store")
	}
	if !reflect.DeepEqual(c.Redis, old.Redis) {
		fields = append(fields, "redis")
	}
	if c.Logging.Format != old.Logging.Format || c.Logging.File != old.Logging.File {
		fields = append(fields, "logging.format")
	}
	if c.Tracing != old.Tracing {
		fields = append(fields, "tracing")
	}
	return fields
}
