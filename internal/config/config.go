// ABOUTME: Configuration loading and parsing for coven-chat
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Provider sources
const (
	SourceSystem  = "system"
	SourceCustom  = "custom"
	SourceBuiltin = "builtin"
)

// Provider kinds
const (
	KindOpenAI = "openai"
	KindOllama = "ollama"
)

// Config represents the complete coven-chat configuration
type Config struct {
	Database  DatabaseConfig   `yaml:"database" toml:"database"`
	Local     LocalConfig      `yaml:"local" toml:"local"`
	Backend   BackendConfig    `yaml:"backend" toml:"backend"`
	Auth      AuthConfig       `yaml:"auth" toml:"auth"`
	Chat      ChatConfig       `yaml:"chat" toml:"chat"`
	Catalog   CatalogConfig    `yaml:"catalog" toml:"catalog"`
	Providers []ProviderConfig `yaml:"providers" toml:"providers"`
	Manager   ManagerConfig    `yaml:"manager" toml:"manager"`
	Logging   LoggingConfig    `yaml:"logging" toml:"logging"`
}

// DatabaseConfig holds the durable per-account store location
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LocalConfig holds device-local storage locations
type LocalConfig struct {
	Path     string `yaml:"path" toml:"path"`
	MediaDir string `yaml:"media_dir" toml:"media_dir"`
}

// BackendConfig describes the managed chat/job backend used by the "system" source
type BackendConfig struct {
	BaseURL      string `yaml:"base_url" toml:"base_url"`
	Kind         string `yaml:"kind" toml:"kind"`
	RequiresAuth *bool  `yaml:"requires_auth" toml:"requires_auth"`
}

// AuthConfig holds identity configuration. An empty subject means the
// session is unauthenticated.
type AuthConfig struct {
	Subject   string        `yaml:"subject" toml:"subject"`
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// ChatConfig holds conversation defaults
type ChatConfig struct {
	DefaultModel string `yaml:"default_model" toml:"default_model"`
	ImageModel   string `yaml:"image_model" toml:"image_model"`
	SystemPrompt string `yaml:"system_prompt" toml:"system_prompt"`
	CustomPrompt string `yaml:"custom_prompt" toml:"custom_prompt"`
}

// CatalogConfig lists the models served by the managed backend
type CatalogConfig struct {
	Models []string `yaml:"models" toml:"models"`
}

// ProviderConfig is a user-configured endpoint reached by source tag and id
type ProviderConfig struct {
	ID           string `yaml:"id" toml:"id"`
	Source       string `yaml:"source" toml:"source"`
	Kind         string `yaml:"kind" toml:"kind"`
	BaseURL      string `yaml:"base_url" toml:"base_url"`
	APIKey       string `yaml:"api_key" toml:"api_key"`
	RequiresAuth bool   `yaml:"requires_auth" toml:"requires_auth"`
}

// ManagerConfig holds conversation manager sizing and timing
type ManagerConfig struct {
	CacheSize            int `yaml:"cache_size" toml:"cache_size"`
	ConversationPageSize int `yaml:"conversation_page_size" toml:"conversation_page_size"`
	MessagePageSize      int `yaml:"message_page_size" toml:"message_page_size"`

	CacheTTL         time.Duration `yaml:"-" toml:"-"`
	Debounce         time.Duration `yaml:"-" toml:"-"`
	MinSaveInterval  time.Duration `yaml:"-" toml:"-"`
	PollInterval     time.Duration `yaml:"-" toml:"-"`
	PollInitialDelay time.Duration `yaml:"-" toml:"-"`
	WatchdogInterval time.Duration `yaml:"-" toml:"-"`
	StuckAfter       time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	CacheTTLRaw         string `yaml:"cache_ttl" toml:"cache_ttl"`
	DebounceRaw         string `yaml:"debounce" toml:"debounce"`
	MinSaveIntervalRaw  string `yaml:"min_save_interval" toml:"min_save_interval"`
	PollIntervalRaw     string `yaml:"poll_interval" toml:"poll_interval"`
	PollInitialDelayRaw string `yaml:"poll_initial_delay" toml:"poll_initial_delay"`
	WatchdogIntervalRaw string `yaml:"watchdog_interval" toml:"watchdog_interval"`
	StuckAfterRaw       string `yaml:"stuck_after" toml:"stuck_after"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(string(data), formatFor(path))
}

// Format selects the config file syntax
type Format int

const (
	FormatYAML Format = iota
	FormatTOML
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes, defaults and validates configuration text.
func Parse(text string, format Format) (*Config, error) {
	expanded := expandEnvVars(text)

	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
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

// Default returns a configuration with every default applied and no file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Authenticated reports whether an account subject is configured.
func (c *Config) Authenticated() bool {
	return c.Auth.Subject != ""
}

// IsCatalogModel reports whether model is served by the managed backend.
func (c *Config) IsCatalogModel(model string) bool {
	for _, m := range c.Catalog.Models {
		if m == model {
			return true
		}
	}
	return false
}

// FindProvider returns the provider configured under source and id.
func (c *Config) FindProvider(source, id string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Source == source && p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Validate checks that all configured values are usable.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Local.Path == "" {
		return fmt.Errorf("local.path is required")
	}
	if c.Backend.BaseURL != "" {
		if err := validateHTTPURL(c.Backend.BaseURL); err != nil {
			return fmt.Errorf("backend.base_url %w", err)
		}
	}
	if c.Backend.Kind != KindOpenAI && c.Backend.Kind != KindOllama {
		return fmt.Errorf("backend.kind must be %q or %q", KindOpenAI, KindOllama)
	}
	if c.Auth.Subject != "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth.subject is set")
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d].id is required", i)
		}
		if p.Source != SourceCustom && p.Source != SourceBuiltin {
			return fmt.Errorf("providers[%d].source must be %q or %q", i, SourceCustom, SourceBuiltin)
		}
		if p.Kind != KindOpenAI && p.Kind != KindOllama {
			return fmt.Errorf("providers[%d].kind must be %q or %q", i, KindOpenAI, KindOllama)
		}
		key := p.Source + "/" + p.ID
		if seen[key] {
			return fmt.Errorf("providers[%d]: duplicate provider %s", i, key)
		}
		seen[key] = true
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme")
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
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"manager.cache_ttl", cfg.Manager.CacheTTLRaw, &cfg.Manager.CacheTTL},
		{"manager.debounce", cfg.Manager.DebounceRaw, &cfg.Manager.Debounce},
		{"manager.min_save_interval", cfg.Manager.MinSaveIntervalRaw, &cfg.Manager.MinSaveInterval},
		{"manager.poll_interval", cfg.Manager.PollIntervalRaw, &cfg.Manager.PollInterval},
		{"manager.poll_initial_delay", cfg.Manager.PollInitialDelayRaw, &cfg.Manager.PollInitialDelay},
		{"manager.watchdog_interval", cfg.Manager.WatchdogIntervalRaw, &cfg.Manager.WatchdogInterval},
		{"manager.stuck_after", cfg.Manager.StuckAfterRaw, &cfg.Manager.StuckAfter},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
