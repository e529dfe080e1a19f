package config

const (
	defaultWorkDir           = "~/.local/share/avqc/work"
	defaultLogDir            = "~/.local/share/avqc/logs"
	defaultSnoozeSeconds     = 300
	defaultLeaseSeconds      = 1200
	defaultMaxAttempts       = 3
	defaultDispatchWorkers   = 8
	defaultShutdownGraceSecs = 30
	defaultStallCycles       = 12
	defaultErrorRetrySecs    = 30
	defaultSelfHealSchedule  = "@hourly"
	defaultNotifyTimeout     = 10
	defaultMetricsBind       = "127.0.0.1:7848"
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkDir: defaultWorkDir,
			LogDir:  defaultLogDir,
		},
		Crawler: Crawler{
			VideoGlobs: []string{"*.mp4.lock", "*.mp4"},
			AudioGlobs: []string{"*.m4a.lock", "*.m4a"},
			HashFiles:  false,
		},
		Orchestrator: Orchestrator{
			SnoozeSeconds:      defaultSnoozeSeconds,
			LeaseSeconds:       defaultLeaseSeconds,
			MaxAttempts:        defaultMaxAttempts,
			DispatchWorkers:    defaultDispatchWorkers,
			ShutdownGraceSecs:  defaultShutdownGraceSecs,
			StallCycles:        defaultStallCycles,
			ErrorRetrySeconds:  defaultErrorRetrySecs,
			ReclaimPassEnabled: true,
		},
		SelfHeal: SelfHeal{
			Schedule: defaultSelfHealSchedule,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			Failures:       true,
			Stalls:         true,
			Milestones:     true,
		},
		Metrics: Metrics{
			Bind: defaultMetricsBind,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
