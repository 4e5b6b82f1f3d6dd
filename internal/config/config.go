// Package config handles orchestrator configuration loading.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ExtraServerEnv is the environment variable that may inject one
// additional tool-server entry at startup. Its value is a JSON object
// with a "name" field plus the usual ServerConfig fields.
const ExtraServerEnv = "ORCHESTRATOR_EXTRA_SERVER"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/orchestrator/config.yaml,
// /etc/orchestrator/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "orchestrator", "config.yaml"))
	}

	paths = append(paths, "/etc/orchestrator/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all orchestrator configuration.
type Config struct {
	Listen    ListenConfig            `yaml:"listen"`
	Anthropic AnthropicConfig         `yaml:"anthropic"`
	Query     QueryConfig             `yaml:"query"`
	Servers   map[string]ServerConfig `yaml:"servers"`
	LogLevel  string                  `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8787
}

// AnthropicConfig defines reasoning-service settings.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`      // Default: claude-sonnet-4-20250514
	MaxTokens int    `yaml:"max_tokens"` // Default: 2000
}

// QueryConfig tunes the agent loop and query governor.
type QueryConfig struct {
	// TimeoutMs is the overall per-query deadline in milliseconds.
	// Callers may override it per request.
	TimeoutMs int `yaml:"timeout_ms"`

	// MaxTurns bounds reasoning-service round trips per query.
	MaxTurns int `yaml:"max_turns"`

	// ExtendedMaxTurns applies once any dispatched tool belongs to the
	// extended category (browser automation and the like).
	ExtendedMaxTurns int `yaml:"extended_max_turns"`

	// MaxMessages is the transcript length at which history trimming
	// activates. Zero disables trimming.
	MaxMessages int `yaml:"max_messages"`

	// LastResponseOnly collapses the returned tool records to the final one.
	LastResponseOnly bool `yaml:"last_response_only"`

	// ExtendedToolMarkers mark a tool as extended-category when any of
	// them appears in its global name.
	ExtendedToolMarkers []string `yaml:"extended_tool_markers"`

	// RepeatParam is the argument the repeated-action detector keys on.
	RepeatParam string `yaml:"repeat_param"`

	// FetchToolMarker identifies the fetch-content action watched by the
	// stagnation detector.
	FetchToolMarker string `yaml:"fetch_tool_marker"`
}

// ServerConfig describes one tool server. Immutable after load.
type ServerConfig struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	URL         string            `yaml:"url"`
	PreferStdio *bool             `yaml:"prefer_stdio"`
	Disabled    bool              `yaml:"disabled"`
}

// UseStdio reports whether this server should be spawned as a child
// process. Stdio wins when a command is given and stdio is not explicitly
// disavowed, or when no URL is configured at all.
func (s ServerConfig) UseStdio() bool {
	if s.Command != "" && (s.PreferStdio == nil || *s.PreferStdio) {
		return true
	}
	return s.URL == ""
}

// Timeout returns the query deadline as a duration.
func (q QueryConfig) Timeout() time.Duration {
	return time.Duration(q.TimeoutMs) * time.Millisecond
}

// Load reads and parses the config file at path, applies defaults, and
// merges the environment-injected extra server entry if present.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.mergeExtraServer(os.Getenv(ExtraServerEnv)); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8787
	}
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 2000
	}
	if c.Query.TimeoutMs == 0 {
		c.Query.TimeoutMs = 120_000
	}
	if c.Query.MaxTurns == 0 {
		c.Query.MaxTurns = 5
	}
	if c.Query.ExtendedMaxTurns == 0 {
		c.Query.ExtendedMaxTurns = 8
	}
	if c.Query.MaxMessages == 0 {
		c.Query.MaxMessages = 40
	}
	if len(c.Query.ExtendedToolMarkers) == 0 {
		c.Query.ExtendedToolMarkers = []string{"puppeteer", "playwright", "browser"}
	}
	if c.Query.RepeatParam == "" {
		c.Query.RepeatParam = "url"
	}
	if c.Query.FetchToolMarker == "" {
		c.Query.FetchToolMarker = "get_content"
	}
	if c.Servers == nil {
		c.Servers = map[string]ServerConfig{}
	}
}

// extraServer is the JSON shape accepted from ExtraServerEnv.
type extraServer struct {
	Name        string            `json:"name"`
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
	URL         string            `json:"url"`
	PreferStdio *bool             `json:"preferStdio"`
	Disabled    bool              `json:"disabled"`
}

// mergeExtraServer adds the environment-injected server entry. An entry
// with the name of an existing server replaces it.
func (c *Config) mergeExtraServer(raw string) error {
	if raw == "" {
		return nil
	}

	var extra extraServer
	if err := json.Unmarshal([]byte(raw), &extra); err != nil {
		return fmt.Errorf("parse %s: %w", ExtraServerEnv, err)
	}
	if extra.Name == "" {
		return fmt.Errorf("%s entry is missing a name", ExtraServerEnv)
	}
	if extra.Command == "" && extra.URL == "" {
		return fmt.Errorf("%s entry %q has neither command nor url", ExtraServerEnv, extra.Name)
	}

	c.Servers[extra.Name] = ServerConfig{
		Command:     extra.Command,
		Args:        extra.Args,
		Env:         extra.Env,
		URL:         extra.URL,
		PreferStdio: extra.PreferStdio,
		Disabled:    extra.Disabled,
	}
	return nil
}
