// ABOUTME: Configuration loading and parsing for emailpilot
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by applyDefaults when a field is left empty.
const (
	DefaultTokenTTL          = 24 * time.Hour
	DefaultMaxAttempts       = 3
	DefaultGenerator         = "template"
	DefaultGeminiModel       = "gemini-2.0-flash"
	DefaultKlaviyoBaseURL    = "https://a.klaviyo.com"
	DefaultKlaviyoRevision   = "2024-10-15"
	DefaultKlaviyoRPS        = 3.0
	DefaultAsanaBaseURL      = "https://app.asana.com"
	DefaultImageMaxBytes     = 5 << 20
	DefaultImageCacheTTL     = time.Hour
	DefaultImageCacheEntries = 512
)

// Config represents the complete emailpilot configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing" toml:"tracing"`
	Planning PlanningConfig `yaml:"planning" toml:"planning"`
	Klaviyo  KlaviyoConfig  `yaml:"klaviyo" toml:"klaviyo"`
	Asana    AsanaConfig    `yaml:"asana" toml:"asana"`
	Images   ImagesConfig   `yaml:"images" toml:"images"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // optional, serves the gRPC health service
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TracingConfig controls OpenTelemetry span export
type TracingConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Output  string `yaml:"output" toml:"output"` // file path, empty writes to stdout
}

// PlanningConfig controls the calendar planning pipeline
type PlanningConfig struct {
	RulesFile   string       `yaml:"rules_file" toml:"rules_file"`
	MaxAttempts int          `yaml:"max_attempts" toml:"max_attempts"`
	Generator   string       `yaml:"generator" toml:"generator"` // "template" or "gemini"
	Gemini      GeminiConfig `yaml:"gemini" toml:"gemini"`

	// Brief defaults. Zero values fall back to the planner's defaults.
	TargetCount int      `yaml:"target_count" toml:"target_count"`
	SendHour    int      `yaml:"send_hour" toml:"send_hour"` // local hour, 0-23
	Segments    []string `yaml:"segments" toml:"segments"`
}

// GeminiConfig holds credentials for the LLM-backed generator
type GeminiConfig struct {
	APIKey string `yaml:"api_key" toml:"api_key"`
	Model  string `yaml:"model" toml:"model"`
}

// KlaviyoConfig holds Klaviyo API settings
type KlaviyoConfig struct {
	BaseURL           string  `yaml:"base_url" toml:"base_url"`
	APIKey            string  `yaml:"api_key" toml:"api_key"`
	Revision          string  `yaml:"revision" toml:"revision"`
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`

	// ConversionMetricID is the "Placed Order" metric used for campaign revenue history.
	// Empty disables history ingest.
	ConversionMetricID string `yaml:"conversion_metric_id" toml:"conversion_metric_id"`
}

// Enabled reports whether publishing and history ingest can reach Klaviyo
func (k KlaviyoConfig) Enabled() bool {
	return k.APIKey != ""
}

// AsanaConfig holds Asana API settings
type AsanaConfig struct {
	BaseURL   string `yaml:"base_url" toml:"base_url"`
	Token     string `yaml:"token" toml:"token"`
	ProjectID string `yaml:"project_id" toml:"project_id"`
}

// Enabled reports whether review tasks should be opened in Asana
func (a AsanaConfig) Enabled() bool {
	return a.Token != ""
}

// ImagesConfig controls the image proxy
type ImagesConfig struct {
	AllowedHosts []string      `yaml:"allowed_hosts" toml:"allowed_hosts"`
	MaxBytes     int64         `yaml:"max_bytes" toml:"max_bytes"`
	CacheTTL     time.Duration `yaml:"-" toml:"-"`
	CacheTTLRaw  string        `yaml:"cache_ttl" toml:"cache_ttl"`
	CacheEntries int           `yaml:"cache_entries" toml:"cache_entries"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded before parsing.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes. It performs the same env expansion,
// duration parsing, defaulting and validation as Load.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Planning.Generator {
	case "template":
	case "gemini":
		if c.Planning.Gemini.APIKey == "" {
			return fmt.Errorf("planning.gemini.api_key is required when generator is gemini")
		}
	default:
		return fmt.Errorf("planning.generator %q is not supported (use template or gemini)", c.Planning.Generator)
	}

	if c.Planning.MaxAttempts < 1 {
		return fmt.Errorf("planning.max_attempts must be at least 1")
	}
	if c.Planning.TargetCount < 0 {
		return fmt.Errorf("planning.target_count must not be negative")
	}
	if c.Planning.SendHour < 0 || c.Planning.SendHour > 23 {
		return fmt.Errorf("planning.send_hour must be between 0 and 23")
	}

	if c.Klaviyo.RequestsPerSecond <= 0 {
		return fmt.Errorf("klaviyo.requests_per_second must be positive")
	}

	if c.Asana.Enabled() && c.Asana.ProjectID == "" {
		return fmt.Errorf("asana.project_id is required when asana.token is set")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (use text or json)", c.Logging.Format)
	}

	return nil
}

// applyDefaults fills in zero values that have a sensible default
func applyDefaults(cfg *Config) {
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = DefaultTokenTTL
	}
	if cfg.Planning.MaxAttempts == 0 {
		cfg.Planning.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Planning.Generator == "" {
		cfg.Planning.Generator = DefaultGenerator
	}
	if cfg.Planning.Gemini.Model == "" {
		cfg.Planning.Gemini.Model = DefaultGeminiModel
	}
	if cfg.Klaviyo.BaseURL == "" {
		cfg.Klaviyo.BaseURL = DefaultKlaviyoBaseURL
	}
	if cfg.Klaviyo.Revision == "" {
		cfg.Klaviyo.Revision = DefaultKlaviyoRevision
	}
	if cfg.Klaviyo.RequestsPerSecond == 0 {
		cfg.Klaviyo.RequestsPerSecond = DefaultKlaviyoRPS
	}
	if cfg.Asana.BaseURL == "" {
		cfg.Asana.BaseURL = DefaultAsanaBaseURL
	}
	if cfg.Images.MaxBytes == 0 {
		cfg.Images.MaxBytes = DefaultImageMaxBytes
	}
	if cfg.Images.CacheTTL == 0 {
		cfg.Images.CacheTTL = DefaultImageCacheTTL
	}
	if cfg.Images.CacheEntries == 0 {
		cfg.Images.CacheEntries = DefaultImageCacheEntries
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}

	if cfg.Images.CacheTTLRaw != "" {
		cfg.Images.CacheTTL, err = time.ParseDuration(cfg.Images.CacheTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing cache_ttl %q: %w", cfg.Images.CacheTTLRaw, err)
		}
	}

	return nil
}

// Starter returns a commented starter configuration used by the init command.
func Starter(dbPath string) string {
	return fmt.Sprintf(`# emailpilot configuration
server:
  http_addr: "127.0.0.1:8080"
  # grpc_addr: "127.0.0.1:50051"

database:
  path: %q

auth:
  jwt_secret: "${EMAILPILOT_JWT_SECRET}"
  token_ttl: "24h"

logging:
  level: "info"
  format: "text"

tracing:
  enabled: false

planning:
  # rules_file: "/etc/emailpilot/rules.yaml"
  max_attempts: 3
  generator: "template"
  # target_count: 8
  send_hour: 10
  # segments: ["Engaged 90 Days", "Full List", "VIP Customers"]

klaviyo:
  api_key: "${KLAVIYO_API_KEY}"
  # conversion_metric_id: "${KLAVIYO_CONVERSION_METRIC_ID}"

asana:
  token: "${ASANA_TOKEN}"
  project_id: "${ASANA_PROJECT_ID}"

images:
  cache_ttl: "1h"
`, dbPath)
}
