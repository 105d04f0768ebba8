package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"fieldgate/internal/engine/auth"
)

// Config models fieldgate.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	Workflow struct {
		// DefaultSteps seeds the approval workflow created on first
		// submission. The topology is fixed: ordered steps, one
		// required role each.
		DefaultSteps []WorkflowStepConfig `yaml:"default_steps"`
	} `yaml:"workflow"`
	LMRA struct {
		// Catalog holds the suggested check item names per category,
		// surfaced to clients; completion only requires each category
		// to be non-empty.
		EnvironmentalChecks []string `yaml:"environmental_checks"`
		PersonnelChecks     []string `yaml:"personnel_checks"`
		EquipmentChecks     []string `yaml:"equipment_checks"`
	} `yaml:"lmra"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WorkflowStepConfig struct {
	Role      string   `yaml:"role"`
	Approvers []string `yaml:"approvers"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fg config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	if len(c.Workflow.DefaultSteps) == 0 {
		return fmt.Errorf("config.workflow.default_steps must have at least one step")
	}
	for i, step := range c.Workflow.DefaultSteps {
		if step.Role == "" {
			return fmt.Errorf("workflow step %d has empty role", i+1)
		}
		if _, err := auth.ParseRole(step.Role); err != nil {
			return fmt.Errorf("workflow step %d: %w", i+1, err)
		}
		for _, a := range step.Approvers {
			if a == "" {
				return fmt.Errorf("workflow step %d has empty approver id", i+1)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i+1)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i+1)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldgate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
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

// Default returns the default Config struct for an organization.
func Default(orgID string) *Config {
	var cfg Config
	cfg.Org.ID = orgID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgID))).Decode(&cfg)
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

const defaultTemplate = `org:
  id: %s
  name: Default Organization

workflow:
  default_steps:
    - role: safety_manager

lmra:
  environmental_checks:
    - weather_conditions
    - work_area_secured
    - escape_routes_clear
  personnel_checks:
    - team_briefed
    - certifications_valid
    - ppe_available
  equipment_checks:
    - tools_inspected
    - safety_equipment_present
    - machinery_locked_out

webhooks: []
`
