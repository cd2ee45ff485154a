package config

import (
	"fmt"
	"os"

	"github.com/tradiny/tradiny/src/models"

	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------

// Config wraps models.MConfig and provides business logic methods
type Config struct {
	*models.MConfig
}

// -----------------------------------------------------------------------------

// Defaults applied after unmarshalling when the YAML leaves a knob unset.
const (
	defaultReleaseAfterMinutes = 60
	defaultIndicatorWorkers    = 4
	defaultIndicatorQueue      = 256
	defaultHistoryWorkers      = 5
	defaultStartCooldown       = 5
	defaultStopCooldown        = 300
	defaultNoActivity          = 60
	defaultMaxOutstanding      = 100
)

// -----------------------------------------------------------------------------

// NewConfig creates a new MConfig instance from YAML file
func NewConfig(configPath string) (*Config, error) {
	// 1. Read the YAML file content
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	// 2. Unmarshal data into the models struct
	var modelConfig models.MConfig
	if err := yaml.Unmarshal(data, &modelConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
	}

	config := &Config{MConfig: &modelConfig}
	config.applyDefaults()

	// 3. Validate the loaded configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// -----------------------------------------------------------------------------

func (c *Config) applyDefaults() {
	if c.Cache.Backend == "" {
		c.Cache.Backend = "local"
	}
	if c.Cache.ReleaseAfterMinutes <= 0 {
		c.Cache.ReleaseAfterMinutes = defaultReleaseAfterMinutes
	}
	if c.Workers.IndicatorWorkers <= 0 {
		c.Workers.IndicatorWorkers = defaultIndicatorWorkers
	}
	if c.Workers.IndicatorQueue <= 0 {
		c.Workers.IndicatorQueue = defaultIndicatorQueue
	}
	if c.Workers.HistoryWorkers <= 0 {
		c.Workers.HistoryWorkers = defaultHistoryWorkers
	}
	if c.Streaming.StartCooldownSeconds <= 0 {
		c.Streaming.StartCooldownSeconds = defaultStartCooldown
	}
	if c.Streaming.StopCooldownSeconds <= 0 {
		c.Streaming.StopCooldownSeconds = defaultStopCooldown
	}
	if c.Streaming.NoActivitySeconds <= 0 {
		c.Streaming.NoActivitySeconds = defaultNoActivity
	}
	if c.Streaming.MaxOutstandingRequests <= 0 {
		c.Streaming.MaxOutstandingRequests = defaultMaxOutstanding
	}
}

// -----------------------------------------------------------------------------

// Validate performs basic configuration validation
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("application name cannot be empty")
	}

	if c.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Port <= 1024 || c.Port > 65535 {
		return fmt.Errorf("invalid server port number: %d (must be between 1025 and 65535)", c.Port)
	}

	switch c.Cache.Backend {
	case "local":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("redis_addr cannot be empty for redis cache backend")
		}
	default:
		return fmt.Errorf("unknown cache backend: %s", c.Cache.Backend)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider %d must have a name", i)
		}
		switch p.Type {
		case "binance":
		case "stocks":
			if len(p.Symbols) == 0 {
				return fmt.Errorf("provider '%s' must have at least one symbol", p.Name)
			}
		default:
			return fmt.Errorf("provider '%s' has unknown type: %s", p.Name, p.Type)
		}
	}

	return nil
}

// -----------------------------------------------------------------------------

// Save persists the current configuration to the specified YAML file path
func (c *Config) Save(configPath string) error {
	data, err := yaml.Marshal(c.MConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config to file '%s': %w", configPath, err)
	}

	return nil
}
