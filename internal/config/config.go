package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models veriflow.yml.
type Config struct {
	Tenant struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"tenant"`
	Sessions struct {
		DefaultDurationMinutes int `yaml:"default_duration_minutes"`
	} `yaml:"sessions"`
	Workflows struct {
		Definitions map[string]Definition `yaml:"definitions"`
	} `yaml:"workflows"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// Definition is an ordered list of steps a workflow instance walks through.
type Definition struct {
	Version string `yaml:"version"`
	Steps   []Step `yaml:"steps"`
}

type Step struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`
	Role string `yaml:"role,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// StepIndex returns the position of stepID within the definition, or -1.
func (d Definition) StepIndex(stepID string) int {
	for i, s := range d.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if c.Sessions.DefaultDurationMinutes < 0 {
		return fmt.Errorf("config.sessions.default_duration_minutes must not be negative")
	}
	for id, def := range c.Workflows.Definitions {
		if id == "" {
			return fmt.Errorf("config.workflows.definitions contains empty definition id")
		}
		if def.Version == "" {
			return fmt.Errorf("definition %s missing version", id)
		}
		if len(def.Steps) == 0 {
			return fmt.Errorf("definition %s has no steps", id)
		}
		seen := map[string]bool{}
		for _, s := range def.Steps {
			if s.ID == "" {
				return fmt.Errorf("definition %s has a step with empty id", id)
			}
			if seen[s.ID] {
				return fmt.Errorf("definition %s repeats step %s", id, s.ID)
			}
			seen[s.ID] = true
			switch s.Type {
			case "HUMAN_APPROVAL", "SYSTEM_WAIT":
			default:
				return fmt.Errorf("definition %s step %s has unknown type %s", id, s.ID, s.Type)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d missing url", i)
		}
	}
	return nil
}

// SessionDuration returns the configured default session lifetime in minutes.
func (c *Config) SessionDuration() int {
	if c.Sessions.DefaultDurationMinutes == 0 {
		return 60
	}
	return c.Sessions.DefaultDurationMinutes
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "veriflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID, tenantID)
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

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	cfg.Tenant.ID = tenantID
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(tenantID))).Decode(&cfg)
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

const defaultTemplate = `tenant:
  id: %s
  name: %s

sessions:
  default_duration_minutes: 60

workflows:
  definitions:
    approval-chain:
      version: "1.0.0"
      steps:
        - id: step-initial-review
          type: HUMAN_APPROVAL
          role: reviewer
        - id: step-manager-approval
          type: HUMAN_APPROVAL
          role: manager
    deployment:
      version: "2.1.0"
      steps:
        - id: step-change-review
          type: HUMAN_APPROVAL
          role: reviewer
        - id: step-window-wait
          type: SYSTEM_WAIT
        - id: step-deploy-prod
          type: HUMAN_APPROVAL
          role: operator
`
