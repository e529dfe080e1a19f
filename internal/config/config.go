package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Study identifies the study whose recordings this deployment processes.
type Study struct {
	ID        string   `toml:"id"`
	DataRoots []string `toml:"data_roots"`
}

// Paths contains directory configuration.
type Paths struct {
	WorkDir string `toml:"work_dir"`
	LogDir  string `toml:"log_dir"`
}

// Crawler contains discovery settings for raw interview recordings.
type Crawler struct {
	VideoGlobs []string `toml:"video_globs"`
	AudioGlobs []string `toml:"audio_globs"`
	HashFiles  bool     `toml:"hash_files"`
}

// Orchestrator contains scheduling loop settings.
type Orchestrator struct {
	SnoozeSeconds      int    `toml:"snooze_seconds"`
	LeaseSeconds       int    `toml:"lease_seconds"`
	MaxAttempts        int    `toml:"max_attempts"`
	DispatchWorkers    int    `toml:"dispatch_workers"`
	ShutdownGraceSecs  int    `toml:"shutdown_grace_seconds"`
	StallCycles        int    `toml:"stall_cycles"`
	InstanceLabel      string `toml:"instance_label"`
	ErrorRetrySeconds  int    `toml:"error_retry_seconds"`
	ReclaimPassEnabled bool   `toml:"reclaim_pass_enabled"`
}

// Stage contains per-stage overrides and tool bindings.
type Stage struct {
	MaxConcurrent int      `toml:"max_concurrent"`
	MaxAttempts   int      `toml:"max_attempts"`
	Tool          string   `toml:"tool"`
	Args          []string `toml:"args"`
	TimeoutSecs   int      `toml:"timeout_seconds"`
}

// SelfHeal contains settings for the permanent-failure remediation sweep.
type SelfHeal struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
}

// Notifications contains webhook delivery settings.
type Notifications struct {
	WebhookURL     string `toml:"webhook_url"`
	AuthToken      string `toml:"auth_token"`
	RequestTimeout int    `toml:"request_timeout"`
	Failures       bool   `toml:"failures"`
	Stalls         bool   `toml:"stalls"`
	Milestones     bool   `toml:"milestones"`
}

// Metrics contains the daemon observability listener settings.
type Metrics struct {
	Bind string `toml:"bind"`
}

// Logging contains log output settings.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Report contains settings consumed by the report stage tool.
type Report struct {
	Anonymize bool `toml:"anonymize"`
}

// Config encapsulates all configuration values for the pipeline daemon.
//
// Sections by subsystem:
//   - Study: study identity and data roots the crawler walks
//   - Paths: working/log directories (also hosts the state store)
//   - Crawler: file-pattern globs and content hashing
//   - Orchestrator: snooze interval, lease duration, retry default
//   - Stages: per-stage concurrency caps, retry limits, tool bindings
//   - SelfHeal: remediation sweep enable flag and cron schedule
//   - Notifications: webhook endpoint and event toggles
//   - Metrics: bind address for the /metrics + /status listener
//   - Logging: log format and level
//   - Report: flags passed through to the report tool
type Config struct {
	Study         Study            `toml:"study"`
	Paths         Paths            `toml:"paths"`
	Crawler       Crawler          `toml:"crawler"`
	Orchestrator  Orchestrator     `toml:"orchestrator"`
	Stages        map[string]Stage `toml:"stages"`
	SelfHeal      SelfHeal         `toml:"self_heal"`
	Notifications Notifications    `toml:"notifications"`
	Metrics       Metrics          `toml:"metrics"`
	Logging       Logging          `toml:"logging"`
	Report        Report           `toml:"report"`
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/avqc/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("avqc.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories daemon operation requires.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// StageOverride returns the per-stage settings for a stage name, if present.
func (c *Config) StageOverride(name string) (Stage, bool) {
	if c.Stages == nil {
		return Stage{}, false
	}
	stage, ok := c.Stages[name]
	return stage, ok
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
