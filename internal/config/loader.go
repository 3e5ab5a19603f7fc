package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.agentpool/config.json
// Project: .agentpool/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".agentpool", "config.json")
	projectPath := filepath.Join(".agentpool", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile decodes a JSON file on top of base. Only keys present in
// the file change; strategies merge by name.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if base.Recovery.Strategies == nil {
		base.Recovery.Strategies = make(map[string]StrategyConfig)
	}
	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the pool cannot run with.
func (c *Config) Validate() error {
	if c.MaxAgents <= 0 {
		return fmt.Errorf("max_agents must be positive, got %d", c.MaxAgents)
	}
	if c.Mode != ModeScheduler && c.Mode != ModeSimple {
		return fmt.Errorf("unknown mode %q (want %q or %q)", c.Mode, ModeScheduler, ModeSimple)
	}
	if c.DispatchInterval <= 0 || c.MonitorInterval <= 0 {
		return errors.New("dispatch_interval and monitor_interval must be positive")
	}
	if c.HeartbeatTimeout <= 0 || c.TerminateGrace <= 0 {
		return errors.New("heartbeat_timeout and terminate_grace must be positive")
	}
	if c.AutoRebalance && c.RebalanceInterval <= 0 {
		return errors.New("rebalance_interval must be positive when auto_rebalance is set")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", c.QueueSize)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier)
	}
	for name, s := range c.Recovery.Strategies {
		if _, err := regexp.Compile("(?i)" + s.Pattern); err != nil {
			return fmt.Errorf("strategy %q: bad pattern: %w", name, err)
		}
		if len(s.Actions) == 0 {
			return fmt.Errorf("strategy %q: no actions", name)
		}
	}
	return nil
}
