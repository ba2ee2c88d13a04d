// Package config handles Valet configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pkeller/valet-agent/internal/email"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/valet/config.yaml, /etc/valet/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "valet", "config.yaml"))
	}

	paths = append(paths, "/etc/valet/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all Valet configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Planner  PlannerConfig  `yaml:"planner"`
	Turn     TurnConfig     `yaml:"turn"`
	Email    email.Config   `yaml:"email"`
	Calendar CalendarConfig `yaml:"calendar"`
	Contacts ContactsConfig `yaml:"contacts"`
	Search   SearchConfig   `yaml:"search"`
	News     NewsConfig     `yaml:"news"`
	Notify   NotifyConfig   `yaml:"notify"`
	DataDir  string         `yaml:"data_dir"`
	Timezone string         `yaml:"timezone"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// PlannerConfig defines which language model plans tool calls.
type PlannerConfig struct {
	// Provider selects the planner backend: "groq" or "scripted".
	// "scripted" replays canned responses and is only useful for demos.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// TurnConfig bounds the plan/execute loop for a single user turn.
type TurnConfig struct {
	// MaxIterations caps planning steps per turn. When exceeded, the
	// turn ends with a degraded reply instead of looping forever.
	MaxIterations int `yaml:"max_iterations"`

	// HistoryLimit is the number of recent messages sent to the planner.
	HistoryLimit int `yaml:"history_limit"`
}

// CalendarConfig defines the CalDAV calendar connection.
type CalendarConfig struct {
	// URL is the CalDAV collection URL. Empty disables calendar tools.
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Configured reports whether calendar access is set up.
func (c CalendarConfig) Configured() bool { return c.URL != "" }

// ContactsConfig defines the CardDAV address book used for
// name-to-address resolution when sending email.
type ContactsConfig struct {
	// URL is the CardDAV address book URL. Empty disables lookup.
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Configured reports whether the address book is set up.
func (c ContactsConfig) Configured() bool { return c.URL != "" }

// SearchConfig defines web search providers. Tavily is preferred when
// an API key is present; DuckDuckGo needs no key and serves as the
// final fallback.
type SearchConfig struct {
	TavilyAPIKey string `yaml:"tavily_api_key"`
	BraveAPIKey  string `yaml:"brave_api_key"`
	SearxNGURL   string `yaml:"searxng_url"`
}

// NewsConfig defines RSS/Atom feeds for the latest-news tool.
type NewsConfig struct {
	Feeds []string `yaml:"feeds"`
}

// NotifyConfig defines the optional MQTT announcement channel.
// When configured, approval requests and turn completions are
// published so external front-ends can react without polling.
type NotifyConfig struct {
	Broker   string `yaml:"broker"` // host:port; empty disables MQTT
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Configured reports whether MQTT notifications are enabled.
func (n NotifyConfig) Configured() bool { return n.Broker != "" }

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8484},
		Planner: PlannerConfig{
			Provider: "groq",
			Model:    "moonshotai/kimi-k2-instruct",
		},
		Turn: TurnConfig{
			MaxIterations: 8,
			HistoryLimit:  24,
		},
		News: NewsConfig{
			Feeds: []string{
				"https://feeds.bbci.co.uk/news/rss.xml",
				"https://www.theguardian.com/world/rss",
			},
		},
		DataDir:  "data",
		Timezone: "UTC",
		LogLevel: "info",
	}
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8484
	}
	if c.Turn.MaxIterations <= 0 {
		c.Turn.MaxIterations = 8
	}
	if c.Turn.HistoryLimit <= 0 {
		c.Turn.HistoryLimit = 24
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Notify.Configured() {
		if c.Notify.Topic == "" {
			c.Notify.Topic = "valet/events"
		}
		if c.Notify.ClientID == "" {
			c.Notify.ClientID = "valet"
		}
	}
	c.Email.ApplyDefaults()
}

// Validate checks the configuration is internally consistent.
// Returns an error describing the first problem found.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	switch c.Planner.Provider {
	case "", "groq", "scripted":
	default:
		return fmt.Errorf("planner.provider %q is not recognized (valid: groq, scripted)", c.Planner.Provider)
	}
	if c.Planner.Provider == "groq" && c.Planner.Model == "" {
		return fmt.Errorf("planner.model is required when planner.provider is groq")
	}
	if err := c.Email.Validate(); err != nil {
		return err
	}
	return nil
}

// Location returns the configured timezone. Validate guarantees it
// parses; a bad zone here falls back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
