// Package config loads the YAML configuration file that wires providers and
// the agent loop.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	OpenRouter OpenRouterConfig `yaml:"openrouter"`
	Serper     SerperConfig     `yaml:"serper"`
	Notion     NotionConfig     `yaml:"notion"`
	Database   DatabaseConfig   `yaml:"database"`
	History    HistoryConfig    `yaml:"history"`
	Agent      AgentConfig      `yaml:"agent"`
}

// OpenRouterConfig configures the completion endpoint.
type OpenRouterConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// SerperConfig configures the web-search provider.
type SerperConfig struct {
	APIKey string `yaml:"api_key"`
}

// NotionConfig configures the workspace provider.
type NotionConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// DatabaseConfig configures the tabular-query provider.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// HistoryConfig configures durable conversation history.
type HistoryConfig struct {
	Path   string `yaml:"path"`
	Window int    `yaml:"window"`
}

// AgentConfig configures the orchestration loop.
type AgentConfig struct {
	MaxIterations       int     `yaml:"max_iterations"`
	StreamMaxIterations int     `yaml:"stream_max_iterations"`
	Temperature         float32 `yaml:"temperature"`
	MaxTokens           int     `yaml:"max_tokens"`
}

// Default returns the configuration used when a field is left unset.
func Default() *Config {
	return &Config{
		OpenRouter: OpenRouterConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Model:   "z-ai/glm-4.5-air:free",
		},
		Database: DatabaseConfig{Path: "qbit.db"},
		History: HistoryConfig{
			Path:   "history.db",
			Window: 40,
		},
		Agent: AgentConfig{
			MaxIterations:       10,
			StreamMaxIterations: 100,
			Temperature:         0.7,
			MaxTokens:           12000,
		},
	}
}

// Load reads a YAML config file, expanding ${ENV_VAR} references, and applies
// defaults for unset fields.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes config bytes with env expansion and defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	defaults := Default()
	if c.OpenRouter.BaseURL == "" {
		c.OpenRouter.BaseURL = defaults.OpenRouter.BaseURL
	}
	if c.OpenRouter.Model == "" {
		c.OpenRouter.Model = defaults.OpenRouter.Model
	}
	if c.Database.Path == "" {
		c.Database.Path = defaults.Database.Path
	}
	if c.History.Path == "" {
		c.History.Path = defaults.History.Path
	}
	if c.History.Window <= 0 {
		c.History.Window = defaults.History.Window
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = defaults.Agent.MaxIterations
	}
	if c.Agent.StreamMaxIterations <= 0 {
		c.Agent.StreamMaxIterations = defaults.Agent.StreamMaxIterations
	}
	if c.Agent.Temperature <= 0 {
		c.Agent.Temperature = defaults.Agent.Temperature
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = defaults.Agent.MaxTokens
	}
}

// Validate checks fields the agent cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.OpenRouter.APIKey) == "" {
		return fmt.Errorf("openrouter.api_key is required")
	}
	if c.Agent.MaxIterations > c.Agent.StreamMaxIterations {
		return fmt.Errorf("agent.max_iterations (%d) exceeds agent.stream_max_iterations (%d)",
			c.Agent.MaxIterations, c.Agent.StreamMaxIterations)
	}
	return nil
}
