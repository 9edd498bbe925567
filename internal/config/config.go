package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models chainline.yml.
type Config struct {
	Platform struct {
		ID string `yaml:"id"`
	} `yaml:"platform"`
	Access struct {
		// Groups maps group name -> attribute -> allowed value set.
		Groups map[string]map[string][]string `yaml:"groups"`
		Rules  map[string]AccessRule          `yaml:"rules"`
	} `yaml:"access"`
	Queues struct {
		Default         string                 `yaml:"default"`
		ShutdownTimeout float64                `yaml:"shutdown_timeout"`
		Definitions     map[string]QueueConfig `yaml:"definitions"`
	} `yaml:"queues"`
	Sweep struct {
		Schedule  string `yaml:"schedule"`
		BatchSize int    `yaml:"batch_size"`
	} `yaml:"sweep"`
	Scenarios struct {
		File string `yaml:"file"`
	} `yaml:"scenarios"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// AccessRule is one named, declarative authorization rule.
type AccessRule struct {
	AllowedGroups []string `yaml:"allowed_groups"`
	CheckFields   []string `yaml:"check_fields"`
}

// QueueConfig bounds one named execution lane.
type QueueConfig struct {
	MaxConcurrent int     `yaml:"max_concurrent"`
	Timeout       float64 `yaml:"timeout"`
	RetryCount    int     `yaml:"retry_count"`
	RetryDelay    float64 `yaml:"retry_delay"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "chainline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with cl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
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

// Default returns the default Config struct for a platform id.
func Default(platformID string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(platformID)))
	if err != nil {
		// The embedded template must always parse.
		panic(err)
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(platformID string) string {
	return fmt.Sprintf(defaultTemplate, platformID)
}

func (c *Config) applyDefaults() {
	if c.Queues.Default == "" {
		c.Queues.Default = "action"
	}
	if c.Queues.ShutdownTimeout <= 0 {
		c.Queues.ShutdownTimeout = 3.0
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "@every 30s"
	}
	if c.Sweep.BatchSize <= 0 {
		c.Sweep.BatchSize = 100
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v0"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8787"
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Platform.ID == "" {
		return fmt.Errorf("config.platform.id is required")
	}
	if len(c.Queues.Definitions) == 0 {
		return fmt.Errorf("config.queues.definitions is required")
	}
	if _, ok := c.Queues.Definitions[c.Queues.Default]; !ok {
		return fmt.Errorf("default queue %s not defined under queues.definitions", c.Queues.Default)
	}
	for name, q := range c.Queues.Definitions {
		if name == "" {
			return fmt.Errorf("config.queues.definitions contains empty queue name")
		}
		if q.MaxConcurrent <= 0 {
			return fmt.Errorf("queue %s: max_concurrent must be positive", name)
		}
		if q.Timeout <= 0 {
			return fmt.Errorf("queue %s: timeout must be positive", name)
		}
		if q.RetryCount < 0 {
			return fmt.Errorf("queue %s: retry_count must not be negative", name)
		}
		if q.RetryDelay < 0 {
			return fmt.Errorf("queue %s: retry_delay must not be negative", name)
		}
	}
	for name, rule := range c.Access.Rules {
		if name == "" {
			return fmt.Errorf("config.access.rules contains empty rule name")
		}
		for _, group := range rule.AllowedGroups {
			if _, ok := c.Access.Groups[group]; !ok {
				return fmt.Errorf("rule %s references unknown group %s", name, group)
			}
		}
		for _, field := range rule.CheckFields {
			if field == "" {
				return fmt.Errorf("rule %s has empty check field", name)
			}
		}
	}
	for group, attrs := range c.Access.Groups {
		if group == "" {
			return fmt.Errorf("config.access.groups contains empty group name")
		}
		for attr, values := range attrs {
			if attr == "" {
				return fmt.Errorf("group %s has empty attribute name", group)
			}
			if len(values) == 0 {
				return fmt.Errorf("group %s attribute %s has no allowed values", group, attr)
			}
		}
	}
	return nil
}

const defaultTemplate = `platform:
  id: %s

access:
  groups:
    admins:
      tenant_role: [admin, owner]
    operators:
      tenant_role: [admin, owner, operator]
    bots:
      is_bot: ["true"]

  rules:
    admin_only:
      allowed_groups: [admins]
    operator_access:
      allowed_groups: [operators]
    user_identity:
      allowed_groups: [admins]
      check_fields: [user_id]

queues:
  default: action
  shutdown_timeout: 3.0
  definitions:
    action:
      max_concurrent: 10
      timeout: 60.0
      retry_count: 3
      retry_delay: 1.0
    common:
      max_concurrent: 10
      timeout: 60.0
      retry_count: 3
      retry_delay: 1.0
    ai:
      max_concurrent: 2
      timeout: 120.0
      retry_count: 1
      retry_delay: 5.0

sweep:
  schedule: "@every 30s"
  batch_size: 100

scenarios:
  file: scenarios.yml

server:
  addr: ":8787"
  base_path: /v0
  jwt_secret: ""
`
