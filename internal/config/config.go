package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models traceline.yml: the workflow state catalog seeded into the
// registry at startup plus the entity-role action grants.
type Config struct {
	Workflow struct {
		States []StateConfig `yaml:"states"`
	} `yaml:"workflow"`
	Roles map[string]RoleConfig `yaml:"roles"`
}

type StateConfig struct {
	Name        string `yaml:"name"`
	Label       string `yaml:"label"`
	Color       string `yaml:"color"`
	Order       int    `yaml:"order"`
	IsInitial   bool   `yaml:"is_initial"`
	IsFinal     bool   `yaml:"is_final"`
	Description string `yaml:"description"`
}

type RoleConfig struct {
	Description string   `yaml:"description"`
	Actions     []string `yaml:"actions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with tl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Workflow.States) == 0 {
		return fmt.Errorf("config.workflow.states is required")
	}
	initials := 0
	seen := map[string]bool{}
	for _, s := range c.Workflow.States {
		if s.Name == "" {
			return fmt.Errorf("config.workflow.states contains a state without a name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate state name %s", s.Name)
		}
		seen[s.Name] = true
		if s.Label == "" {
			return fmt.Errorf("state %s has no label", s.Name)
		}
		if s.IsInitial {
			initials++
		}
		if s.IsInitial && s.IsFinal {
			return fmt.Errorf("state %s cannot be both initial and final", s.Name)
		}
	}
	if initials != 1 {
		return fmt.Errorf("exactly one state must be initial, got %d", initials)
	}
	if len(c.Roles) > 0 {
		if _, ok := c.Roles["owner"]; !ok {
			return fmt.Errorf("config.roles must include owner")
		}
		for roleID, role := range c.Roles {
			if roleID == "" {
				return fmt.Errorf("config.roles contains empty role id")
			}
			for _, action := range role.Actions {
				if action == "" {
					return fmt.Errorf("role %s has empty action id", roleID)
				}
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "traceline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

const defaultTemplate = `workflow:
  states:
    - name: draft
      label: Draft
      color: "#6B7280"
      order: 1
      is_initial: true
      description: "Document being written"
    - name: submitted
      label: Submitted
      color: "#3B82F6"
      order: 2
      description: "Submitted for review"
    - name: review
      label: In review
      color: "#F59E0B"
      order: 3
      description: "Under review"
    - name: validated
      label: Validated
      color: "#10B981"
      order: 4
      description: "Approved by reviewers"
    - name: published
      label: Published
      color: "#8B5CF6"
      order: 5
      is_final: true
      description: "Published; no further transitions"
    - name: rejected
      label: Rejected
      color: "#EF4444"
      order: 6
      description: "Rejected"

roles:
  viewer:
    description: "Read-only access"
    actions: [entity.read]
  editor:
    description: "May edit fields and move the workflow"
    actions: [entity.read, entity.update, entity.state.change]
  owner:
    description: "Full control including roster and deletion"
    actions: [entity.read, entity.update, entity.state.change, entity.contributors.manage, entity.delete]
`
