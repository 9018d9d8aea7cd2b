package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models aipilot.yml, the deployment configuration. Runtime
// preference state lives in the prefs store, not here.
type Config struct {
	Deployment struct {
		ID     string `yaml:"id"`
		Leader string `yaml:"leader"`
	} `yaml:"deployment"`
	Budget struct {
		MonthlyLimit  float64 `yaml:"monthly_limit"`
		KillThreshold float64 `yaml:"kill_threshold"`
	} `yaml:"budget"`
	Executor struct {
		MinDelayMs int `yaml:"min_delay_ms"`
		MaxDelayMs int `yaml:"max_delay_ms"`
	} `yaml:"executor"`
	Storage struct {
		Root          string `yaml:"root"`
		SigningSecret string `yaml:"signing_secret"`
		URLTTLSeconds int    `yaml:"url_ttl_seconds"`
	} `yaml:"storage"`
	Ingest struct {
		MaxPairs int `yaml:"max_pairs"`
	} `yaml:"ingest"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run pilot init or provide one", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default("local"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Deployment.ID == "" {
		return fmt.Errorf("config.deployment.id is required")
	}
	if c.Deployment.Leader == "" {
		return fmt.Errorf("config.deployment.leader is required")
	}
	if c.Budget.MonthlyLimit <= 0 {
		return fmt.Errorf("config.budget.monthly_limit must be positive")
	}
	if c.Budget.KillThreshold < 1 {
		return fmt.Errorf("config.budget.kill_threshold must be >= 1")
	}
	if c.Executor.MinDelayMs < 0 || c.Executor.MaxDelayMs < c.Executor.MinDelayMs {
		return fmt.Errorf("config.executor delays invalid: min=%d max=%d", c.Executor.MinDelayMs, c.Executor.MaxDelayMs)
	}
	if c.Ingest.MaxPairs <= 0 {
		return fmt.Errorf("config.ingest.max_pairs must be positive")
	}
	if c.Storage.URLTTLSeconds <= 0 {
		return fmt.Errorf("config.storage.url_ttl_seconds must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "aipilot.yml")
}

// URLTTL returns the signed URL validity window.
func (c *Config) URLTTL() time.Duration {
	return time.Duration(c.Storage.URLTTLSeconds) * time.Second
}

// MinDelay and MaxDelay bound the simulated execution time.
func (c *Config) MinDelay() time.Duration {
	return time.Duration(c.Executor.MinDelayMs) * time.Millisecond
}

func (c *Config) MaxDelay() time.Duration {
	return time.Duration(c.Executor.MaxDelayMs) * time.Millisecond
}

// Default returns the default Config for a deployment.
func Default(deploymentID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, deploymentID)), &cfg)
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

const defaultTemplate = `deployment:
  id: %s
  leader: leader

budget:
  monthly_limit: 100.0
  kill_threshold: 3.0

executor:
  min_delay_ms: 1500
  max_delay_ms: 4000

storage:
  root: .aipilot/storage
  signing_secret: dev-signing-secret
  url_ttl_seconds: 3600

ingest:
  max_pairs: 10
`
