package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models taskforge.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"project" json:"project"`
	Defaults struct {
		TaskPriority string `yaml:"task_priority" json:"task_priority"`
	} `yaml:"defaults" json:"defaults"`
	Orchestrator struct {
		MaxAttempts       int      `yaml:"max_attempts" json:"max_attempts"`
		HistoryWindow     int      `yaml:"history_window" json:"history_window"`
		CompletionPhrases []string `yaml:"completion_phrases" json:"completion_phrases"`
	} `yaml:"orchestrator" json:"orchestrator"`
	Generator struct {
		Provider string `yaml:"provider" json:"provider"`
		Model    string `yaml:"model" json:"model"`
		APIKey   string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	} `yaml:"generator" json:"generator"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// WebhookConfig describes one outbound delivery target. Events lists the
// audit actions to forward; empty means everything.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

var validPriorities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with tf config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Defaults.TaskPriority != "" && !validPriorities[c.Defaults.TaskPriority] {
		return fmt.Errorf("config.defaults.task_priority %q is not a valid priority", c.Defaults.TaskPriority)
	}
	if c.Orchestrator.MaxAttempts < 1 {
		return fmt.Errorf("config.orchestrator.max_attempts must be at least 1")
	}
	if c.Orchestrator.HistoryWindow < 1 {
		return fmt.Errorf("config.orchestrator.history_window must be at least 1")
	}
	if len(c.Orchestrator.CompletionPhrases) == 0 {
		return fmt.Errorf("config.orchestrator.completion_phrases is required")
	}
	for _, p := range c.Orchestrator.CompletionPhrases {
		if p == "" {
			return fmt.Errorf("config.orchestrator.completion_phrases contains an empty phrase")
		}
	}
	switch c.Generator.Provider {
	case "openai", "scripted":
	case "":
		return fmt.Errorf("config.generator.provider is required")
	default:
		return fmt.Errorf("config.generator.provider %q is not supported", c.Generator.Provider)
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskforge.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  name: ""

defaults:
  task_priority: medium

orchestrator:
  max_attempts: 5
  history_window: 10
  completion_phrases:
    - task completed
    - successfully completed
    - finished successfully

generator:
  provider: scripted
  model: gpt-4o
`
