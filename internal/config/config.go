// ABOUTME: Configuration loading and parsing for bq-gateway
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

// Default values applied when a field is left empty.
const (
	DefaultModel            = "gemini-2.5-flash"
	DefaultMaxSteps         = 10
	DefaultMaxRows          = 100
	DefaultProjectsPageSize = 100
)

// DefaultScopes are the OAuth scopes the browser requests for the user token.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/bigquery.readonly",
	"https://www.googleapis.com/auth/cloud-platform.read-only",
}

// Config represents the complete bq-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Gemini    GeminiConfig    `yaml:"gemini" toml:"gemini"`
	OAuth     OAuthConfig     `yaml:"oauth" toml:"oauth"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Upstream  UpstreamConfig  `yaml:"upstream" toml:"upstream"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration.
// GRPCAddr is optional; when empty no gRPC health server is started.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTPS with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// GeminiConfig holds the server-side LLM settings. APIKey is a server secret
// and is never accepted from or returned to clients.
type GeminiConfig struct {
	APIKey            string        `yaml:"api_key" toml:"api_key"`
	Model             string        `yaml:"model" toml:"model"`
	RequestsPerSecond float64       `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int           `yaml:"burst" toml:"burst"`
	CallTimeout       time.Duration `yaml:"-" toml:"-"`

	CallTimeoutRaw string `yaml:"call_timeout" toml:"call_timeout"`
}

// OAuthConfig holds the browser-side OAuth client settings exposed via /api/config.
type OAuthConfig struct {
	ClientID string   `yaml:"client_id" toml:"client_id"`
	Scopes   []string `yaml:"scopes" toml:"scopes"`
}

// AgentConfig bounds a single query session.
type AgentConfig struct {
	MaxSteps       int           `yaml:"max_steps" toml:"max_steps"`
	MaxRows        int64         `yaml:"max_rows" toml:"max_rows"`
	RenderMarkdown bool          `yaml:"render_markdown" toml:"render_markdown"`
	ToolTimeout    time.Duration `yaml:"-" toml:"-"`
	SessionTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ToolTimeoutRaw    string `yaml:"tool_timeout" toml:"tool_timeout"`
	SessionTimeoutRaw string `yaml:"session_timeout" toml:"session_timeout"`
}

// UpstreamConfig holds settings for the discovery calls to Google APIs.
type UpstreamConfig struct {
	ProjectsPageSize  int64         `yaml:"projects_page_size" toml:"projects_page_size"`
	RequestsPerSecond float64       `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int           `yaml:"burst" toml:"burst"`
	Timeout           time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes. ext selects the format (".toml" or YAML otherwise).
func Parse(data []byte, ext string) (*Config, error) {
	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(ext, ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero-valued fields. The Gemini key falls back to
// GOOGLE_API_KEY, then GEMINI_API_KEY.
func (c *Config) applyDefaults() {
	if c.Gemini.APIKey == "" {
		c.Gemini.APIKey = os.Getenv("GOOGLE_API_KEY")
	}
	if c.Gemini.APIKey == "" {
		c.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = DefaultModel
	}
	if c.Gemini.CallTimeout == 0 {
		c.Gemini.CallTimeout = 60 * time.Second
	}
	if c.Gemini.Burst == 0 && c.Gemini.RequestsPerSecond > 0 {
		c.Gemini.Burst = 1
	}

	if len(c.OAuth.Scopes) == 0 {
		c.OAuth.Scopes = DefaultScopes
	}

	if c.Agent.MaxSteps == 0 {
		c.Agent.MaxSteps = DefaultMaxSteps
	}
	if c.Agent.MaxRows == 0 {
		c.Agent.MaxRows = DefaultMaxRows
	}
	if c.Agent.ToolTimeout == 0 {
		c.Agent.ToolTimeout = 60 * time.Second
	}
	if c.Agent.SessionTimeout == 0 {
		c.Agent.SessionTimeout = 5 * time.Minute
	}

	if c.Upstream.ProjectsPageSize == 0 {
		c.Upstream.ProjectsPageSize = DefaultProjectsPageSize
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 15 * time.Second
	}
	if c.Upstream.Burst == 0 && c.Upstream.RequestsPerSecond > 0 {
		c.Upstream.Burst = 1
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Gemini.APIKey == "" {
		return fmt.Errorf("gemini.api_key is required (or set GOOGLE_API_KEY)")
	}

	if c.Gemini.RequestsPerSecond < 0 || c.Upstream.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must not be negative")
	}

	if c.Agent.MaxSteps < 0 {
		return fmt.Errorf("agent.max_steps must be positive")
	}

	if c.Agent.MaxRows < 0 {
		return fmt.Errorf("agent.max_rows must be positive")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gemini.call_timeout", cfg.Gemini.CallTimeoutRaw, &cfg.Gemini.CallTimeout},
		{"agent.tool_timeout", cfg.Agent.ToolTimeoutRaw, &cfg.Agent.ToolTimeout},
		{"agent.session_timeout", cfg.Agent.SessionTimeoutRaw, &cfg.Agent.SessionTimeout},
		{"upstream.timeout", cfg.Upstream.TimeoutRaw, &cfg.Upstream.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
