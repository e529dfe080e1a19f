package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStudy(); err != nil {
		return err
	}
	if err := c.validateOrchestrator(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStudy() error {
	if c.Study.ID == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/avqc/config.toml"
		}
		return fmt.Errorf("study.id is required; edit %s (create with 'avqc config init')", defaultPath)
	}
	if len(c.Study.DataRoots) == 0 {
		return errors.New("study.data_roots must list at least one directory")
	}
	return nil
}

func (c *Config) validateOrchestrator() error {
	if c.Orchestrator.LeaseSeconds < c.Orchestrator.SnoozeSeconds && c.Orchestrator.SnoozeSeconds > 0 {
		// A lease shorter than one snooze gets reclaimed while its owner is
		// still between polling passes.
		return fmt.Errorf("orchestrator.lease_seconds (%d) must not be below snooze_seconds (%d)",
			c.Orchestrator.LeaseSeconds, c.Orchestrator.SnoozeSeconds)
	}
	return nil
}

func (c *Config) validateStages() error {
	for name, stage := range c.Stages {
		if strings.TrimSpace(name) == "" {
			return errors.New("stages section has an empty stage name")
		}
		if stage.MaxConcurrent < 0 {
			return fmt.Errorf("stages.%s.max_concurrent must not be negative", name)
		}
		if stage.MaxAttempts < 0 {
			return fmt.Errorf("stages.%s.max_attempts must not be negative", name)
		}
		if stage.TimeoutSecs < 0 {
			return fmt.Errorf("stages.%s.timeout_seconds must not be negative", name)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}
