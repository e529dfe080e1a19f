package config

import "strings"

func (c *Config) normalize() error {
	c.Study.ID = strings.TrimSpace(c.Study.ID)

	roots := make([]string, 0, len(c.Study.DataRoots))
	for _, root := range c.Study.DataRoots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		expanded, err := expandPath(root)
		if err != nil {
			return err
		}
		roots = append(roots, expanded)
	}
	c.Study.DataRoots = roots

	var err error
	if c.Paths.WorkDir, err = expandPath(defaultString(c.Paths.WorkDir, defaultWorkDir)); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(defaultString(c.Paths.LogDir, defaultLogDir)); err != nil {
		return err
	}

	if c.Orchestrator.SnoozeSeconds < 0 {
		c.Orchestrator.SnoozeSeconds = 0
	}
	if c.Orchestrator.LeaseSeconds <= 0 {
		c.Orchestrator.LeaseSeconds = defaultLeaseSeconds
	}
	if c.Orchestrator.MaxAttempts <= 0 {
		c.Orchestrator.MaxAttempts = defaultMaxAttempts
	}
	if c.Orchestrator.DispatchWorkers <= 0 {
		c.Orchestrator.DispatchWorkers = defaultDispatchWorkers
	}
	if c.Orchestrator.ShutdownGraceSecs <= 0 {
		c.Orchestrator.ShutdownGraceSecs = defaultShutdownGraceSecs
	}
	if c.Orchestrator.StallCycles <= 0 {
		c.Orchestrator.StallCycles = defaultStallCycles
	}
	if c.Orchestrator.ErrorRetrySeconds <= 0 {
		c.Orchestrator.ErrorRetrySeconds = defaultErrorRetrySecs
	}
	c.Orchestrator.InstanceLabel = strings.TrimSpace(c.Orchestrator.InstanceLabel)

	if strings.TrimSpace(c.SelfHeal.Schedule) == "" {
		c.SelfHeal.Schedule = defaultSelfHealSchedule
	}

	c.Notifications.WebhookURL = strings.TrimSpace(c.Notifications.WebhookURL)
	c.Notifications.AuthToken = strings.TrimSpace(c.Notifications.AuthToken)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}

	if strings.TrimSpace(c.Metrics.Bind) == "" {
		c.Metrics.Bind = defaultMetricsBind
	}

	c.Logging.Format = strings.ToLower(strings.TrimSpace(defaultString(c.Logging.Format, defaultLogFormat)))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(defaultString(c.Logging.Level, defaultLogLevel)))

	return nil
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
