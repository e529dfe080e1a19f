// Package testsupport provides shared helpers for package tests: temp-dir
// configurations, state stores with cleanup, fixture files, and stubbed
// external tools.
package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"avqc/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Study.ID = "TEST"
	cfgVal.Study.DataRoots = []string{filepath.Join(base, "data")}
	cfgVal.Paths.WorkDir = filepath.Join(base, "work")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Crawler.HashFiles = true
	cfgVal.Orchestrator.SnoozeSeconds = 1
	cfgVal.Orchestrator.LeaseSeconds = 60
	cfgVal.Orchestrator.ErrorRetrySeconds = 0
	cfgVal.Orchestrator.ShutdownGraceSecs = 5
	cfgVal.Metrics.Bind = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := os.MkdirAll(cfgVal.Study.DataRoots[0], 0o755); err != nil {
		t.Fatalf("mkdir data root: %v", err)
	}

	return builder.cfg
}

// WithMaxAttempts sets the global retry budget on the test config.
func WithMaxAttempts(attempts int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Orchestrator.MaxAttempts = attempts
	}
}

// WithSelfHeal enables the self-heal sweep with the given schedule.
func WithSelfHeal(schedule string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.SelfHeal.Enabled = true
		b.cfg.SelfHeal.Schedule = schedule
	}
}

// WithStageOverride installs a per-stage configuration override.
func WithStageOverride(name string, override config.Stage) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Stages == nil {
			b.cfg.Stages = make(map[string]config.Stage)
		}
		b.cfg.Stages[name] = override
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. Each stub exits zero without producing output;
// use StubBinary for scripted behavior.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		for _, name := range names {
			StubBinary(b.t, binDir, name, "#!/bin/sh\nexit 0\n")
		}
		PrependPath(b.t, binDir)
	}
}

// StubBinary writes an executable script into dir.
func StubBinary(t testing.TB, dir, name, script string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir bin dir: %v", err)
	}
	target := filepath.Join(dir, name)
	if err := os.WriteFile(target, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub %s: %v", name, err)
	}
	return target
}

// PrependPath puts dir at the front of PATH for the rest of the test.
func PrependPath(t testing.TB, dir string) {
	t.Helper()
	oldPath := os.Getenv("PATH")
	if err := os.Setenv("PATH", dir+string(os.PathListSeparator)+oldPath); err != nil {
		t.Fatalf("set PATH: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Setenv("PATH", oldPath)
	})
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.WorkDir)
}
