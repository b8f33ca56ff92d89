// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/redis/go-redis/v9"

	"xroad-gateway/internal/target"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/xroad-gateway/config.toml",
	"configs/config.toml",
}

// placeholderAPIKey is the value shipped in the example config.
const placeholderAPIKey = "YOUR_API_KEY_HERE"

// Environment names accepted for per-environment upstream overrides.
const (
	EnvDev  = "dev"
	EnvProd = "prod"
	EnvTest = "test"
)

// EnvironmentNames lists the accepted environment names.
var EnvironmentNames = []string{EnvDev, EnvProd, EnvTest}

// Surface identifies one of the two X-Road management APIs.
type Surface string

const (
	Central  Surface = "central"
	Security Surface = "security"
)

// Surfaces lists every upstream surface in display order.
var Surfaces = []Surface{Central, Security}

func init() {
	validation.ErrorTag = "toml"
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	CentralBaseURL  string `kong:"help='Central Server API base URL (overrides config).',env='XROAD_BASE_URL'"`
	CentralAPIKey   string `kong:"help='Central Server API key (overrides config).',env='XROAD_API_KEY'"`
	CentralTimeout  int    `kong:"help='Central Server call timeout in seconds (overrides config).',env='XROAD_TIMEOUT'"`
	SecurityBaseURL string `kong:"help='Security Server API base URL (overrides config).',env='XROAD_BASE_URL_SS'"`
	SecurityAPIKey  string `kong:"help='Security Server API key (overrides config).',env='XROAD_API_KEY_SS'"`
	SecurityTimeout int    `kong:"help='Security Server call timeout in seconds (overrides config; defaults to XROAD_TIMEOUT).',env='XROAD_TIMEOUT_SS'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Central  SurfaceConfig  `toml:"central"`
	Security SurfaceConfig  `toml:"security"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`

	// AllowTargetOverrides lets callers pick an arbitrary upstream with the
	// custom_base_url / custom_api_key query parameters.
	AllowTargetOverrides bool `toml:"allow_target_overrides"`
	// AllowedOverrideHosts restricts custom_base_url to these hostnames.
	// Empty allows any host.
	AllowedOverrideHosts []string `toml:"allowed_override_hosts"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	RedisURL          string  `toml:"redis_url"` // empty keeps counters in memory
}

// SurfaceConfig holds the default upstream of one X-Road API surface and
// its per-environment overrides.
type SurfaceConfig struct {
	BaseURL        string                       `toml:"base_url"`
	APIKey         string                       `toml:"api_key"`
	TimeoutSeconds int                          `toml:"timeout_seconds"`
	Environments   map[string]EnvironmentConfig `toml:"environments"`
}

// EnvironmentConfig overrides individual fields of a surface default.
type EnvironmentConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// UpstreamConfig holds settings shared by all upstream connections.
type UpstreamConfig struct {
	IdleConnections int `toml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file, overlays XROAD_<ENV>_* environment
// variables and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/xroad-gateway/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	if err := cfg.applyEnvironment(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.CentralBaseURL != "" {
		c.Central.BaseURL = cli.CentralBaseURL
	}
	if cli.CentralAPIKey != "" {
		c.Central.APIKey = cli.CentralAPIKey
	}
	if cli.CentralTimeout != 0 {
		c.Central.TimeoutSeconds = cli.CentralTimeout
	}
	if cli.SecurityBaseURL != "" {
		c.Security.BaseURL = cli.SecurityBaseURL
	}
	if cli.SecurityAPIKey != "" {
		c.Security.APIKey = cli.SecurityAPIKey
	}
	// XROAD_TIMEOUT also covers the Security Server unless it has its own.
	switch {
	case cli.SecurityTimeout != 0:
		c.Security.TimeoutSeconds = cli.SecurityTimeout
	case cli.CentralTimeout != 0 && c.Security.TimeoutSeconds == 0:
		c.Security.TimeoutSeconds = cli.CentralTimeout
	}
}

// applyEnvironment overlays XROAD_<ENV>_{BASE_URL,API_KEY,TIMEOUT} onto the
// Central Server environments and XROAD_SS_<ENV>_* onto the Security Server
// ones. Only set variables override file values.
func (c *Config) applyEnvironment(lookup func(string) (string, bool)) error {
	prefixes := map[Surface]string{
		Central:  "XROAD_",
		Security: "XROAD_SS_",
	}
	for _, s := range Surfaces {
		sc := c.Surface(s)
		for _, name := range EnvironmentNames {
			prefix := prefixes[s] + strings.ToUpper(name) + "_"
			env := sc.Environments[name]
			changed := false

			if v, ok := lookup(prefix + "BASE_URL"); ok && v != "" {
				env.BaseURL = v
				changed = true
			}
			if v, ok := lookup(prefix + "API_KEY"); ok && v != "" {
				env.APIKey = v
				changed = true
			}
			if v, ok := lookup(prefix + "TIMEOUT"); ok && v != "" {
				secs, err := strconv.Atoi(v)
				if err != nil {
					return fmt.Errorf("%sTIMEOUT: %w", prefix, err)
				}
				env.TimeoutSeconds = secs
				changed = true
			}

			if changed {
				if sc.Environments == nil {
					sc.Environments = make(map[string]EnvironmentConfig)
				}
				sc.Environments[name] = env
			}
		}
	}
	return nil
}

func (c *Config) validate() error {
	if err := validation.ValidateStruct(&c.Server,
		validation.Field(&c.Server.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&c.Server.BodyMaxBytes, validation.Min(0)),
		validation.Field(&c.Server.AllowedOverrideHosts, validation.Each(validation.Required, is.Host)),
	); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	rl := &c.Server.RateLimit
	if err := validation.ValidateStruct(rl,
		validation.Field(&rl.RequestsPerSecond, validation.When(rl.Enabled, validation.Required, validation.Min(0.0).Exclusive())),
		validation.Field(&rl.Burst, validation.Min(0)),
		validation.Field(&rl.RedisURL, validation.By(redisURL)),
	); err != nil {
		return fmt.Errorf("server.rate_limit: %w", err)
	}

	for _, s := range Surfaces {
		if err := c.Surface(s).validate(); err != nil {
			return fmt.Errorf("%s: %w", s, err)
		}
	}

	if err := validation.ValidateStruct(&c.Upstream,
		validation.Field(&c.Upstream.IdleConnections, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}

	if err := validation.ValidateStruct(&c.Log,
		validation.Field(&c.Log.Level, validation.By(oneOfFold("debug", "info", "warn", "error"))),
		validation.Field(&c.Log.Format, validation.By(oneOfFold("json", "text"))),
	); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/xroad-cs", "/xroad-ss", "/healthz", "/gateway/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (s *SurfaceConfig) validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.BaseURL, validation.Required, validation.By(httpsURL)),
		validation.Field(&s.APIKey, validation.NotIn(placeholderAPIKey).Error("contains placeholder value; set a real key")),
		validation.Field(&s.TimeoutSeconds, validation.Min(0)),
		validation.Field(&s.Environments, validation.By(environments)),
	)
}

// environments validates the per-environment override table.
func environments(value any) error {
	envs, _ := value.(map[string]EnvironmentConfig)
	for name, env := range envs {
		if err := validation.Validate(name, validation.In(EnvDev, EnvProd, EnvTest)); err != nil {
			return fmt.Errorf("unknown environment %q: must be one of %v", name, EnvironmentNames)
		}
		if err := validation.ValidateStruct(&env,
			validation.Field(&env.BaseURL, validation.By(httpsURL)),
			validation.Field(&env.APIKey, validation.NotIn(placeholderAPIKey).Error("contains placeholder value; set a real key")),
			validation.Field(&env.TimeoutSeconds, validation.Min(0)),
		); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// httpsURL requires an absolute HTTPS URL; empty values are left to Required.
func httpsURL(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("must be an absolute HTTPS URL; got %q", s)
	}
	return nil
}

func redisURL(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := redis.ParseURL(s); err != nil {
		return fmt.Errorf("not a valid redis URL: %w", err)
	}
	return nil
}

// oneOfFold accepts the empty string or any of allowed, ignoring case.
func oneOfFold(allowed ...string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s == "" {
			return nil
		}
		for _, a := range allowed {
			if strings.EqualFold(s, a) {
				return nil
			}
		}
		return fmt.Errorf("must be one of: %s; got %q", strings.Join(allowed, ", "), s)
	}
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 50 * 1024 * 1024 // backups are uploaded through the gateway
	}
	for _, s := range Surfaces {
		if sc := c.Surface(s); sc.TimeoutSeconds == 0 {
			sc.TimeoutSeconds = 30
		}
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Surface returns the configuration of one upstream surface.
func (c *Config) Surface(s Surface) *SurfaceConfig {
	if s == Security {
		return &c.Security
	}
	return &c.Central
}

// Profile builds the target resolution profile of one upstream surface.
func (c *Config) Profile(s Surface) target.Profile {
	sc := c.Surface(s)
	p := target.Profile{
		Default:      target.New(sc.BaseURL, sc.APIKey, seconds(sc.TimeoutSeconds)),
		Environments: make(map[string]target.Partial, len(sc.Environments)),
	}
	for name, env := range sc.Environments {
		p.Environments[strings.ToLower(name)] = target.Partial{
			BaseURL: env.BaseURL,
			APIKey:  env.APIKey,
			Timeout: seconds(env.TimeoutSeconds),
		}
	}
	return p
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// WarnInsecure logs the settings an operator should be aware of at startup.
func (c *Config) WarnInsecure(logger *slog.Logger) {
	logger.Warn("upstream TLS certificate verification is disabled; X-Road servers are trusted by network placement")
	if c.Server.AllowTargetOverrides {
		logger.Warn("custom_base_url/custom_api_key overrides are enabled; callers can direct requests at any host")
	}
	for _, s := range Surfaces {
		if c.Surface(s).APIKey == "" {
			logger.Warn("no default API key configured", "surface", s)
		}
	}
}
