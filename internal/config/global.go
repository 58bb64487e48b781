// Package config reads and writes the user-level configuration file at
// ~/.config/ralph/config.json: default agent preference order, prompt
// template overrides, and per-agent path/model overrides. Grounded on
// adaf's internal/config.GlobalConfig (same Dir/Load/Save idiom, plain
// JSON, create-on-first-Load), trimmed of the team/role/delegation/
// Pushover complexity that has no home in this domain.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// AgentConfig holds per-agent overrides at the global (user) level.
type AgentConfig struct {
	Path          string `json:"path,omitempty"`           // override the CLI binary path
	ModelOverride string `json:"model_override,omitempty"` // stored only; no backend reads it
}

// Config holds user-level preferences stored in ~/.config/ralph/config.json.
type Config struct {
	// DefaultAgentOrder is the fallback failover order used when a PRD
	// carries no "agent" field and -a was not passed on the command line.
	DefaultAgentOrder []string `json:"default_agent_order,omitempty"`

	// PromptTemplatePath is loaded and saved with the config but not read
	// when building prompts: the iteration prompt is assembled from the PRD.
	PromptTemplatePath string `json:"prompt_template_path,omitempty"`

	Agents map[string]AgentConfig `json:"agents,omitempty"`
}

// defaultAgentOrder is used when Load creates a config from scratch.
var defaultAgentOrder = []string{"claude", "opencode"}

// Dir returns the user-scoped ralph config directory, creating it if needed.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, ".config", "ralph")
	os.MkdirAll(dir, 0755)
	return dir
}

func configPath() string {
	return filepath.Join(Dir(), "config.json")
}

// Load reads config.json, returning a config seeded with defaults if the
// file is absent.
func Load() (*Config, error) {
	data, err := os.ReadFile(configPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{DefaultAgentOrder: append([]string(nil), defaultAgentOrder...), Agents: map[string]AgentConfig{}}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.Agents == nil {
		cfg.Agents = map[string]AgentConfig{}
	}
	if len(cfg.DefaultAgentOrder) == 0 {
		cfg.DefaultAgentOrder = append([]string(nil), defaultAgentOrder...)
	}
	return &cfg, nil
}

// Save writes cfg to config.json.
func Save(cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath(), data, 0644)
}
