package main

import (
	"log/slog"
	"path/filepath"

	"avqc/internal/config"
	"avqc/internal/healer"
	"avqc/internal/logging"
	"avqc/internal/metrics"
	"avqc/internal/notifications"
	"avqc/internal/runner"
	"avqc/internal/scheduler"
	"avqc/internal/stages"
	"avqc/internal/store"
)

// runtime bundles the constructed pipeline components shared by the run,
// run-once, and crawl commands.
type runtime struct {
	cfg      *config.Config
	store    *store.Store
	logger   *slog.Logger
	graph    []stages.Definition
	metrics  *metrics.Metrics
	notifier notifications.Service
	sched    *scheduler.Scheduler
	healer   *healer.Healer
}

func buildRuntime(cmdCtx *commandContext) (*runtime, error) {
	cfg, err := cmdCtx.ensureConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", filepath.Join(cfg.Paths.LogDir, "avqc.log")},
	})
	if err != nil {
		return nil, configError(err)
	}

	graph, err := stages.Resolve(cfg)
	if err != nil {
		return nil, configError(err)
	}
	applyReportOptions(cfg, graph)

	st, err := cmdCtx.openStore(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	notifier := notifications.NewService(cfg)
	registry := runner.NewRegistry(runner.NewToolRunner(logger))
	sched := scheduler.New(cfg, st, graph, registry, notifier, m, logger)

	heal, err := healer.New(cfg, st, graph, m, logger)
	if err != nil {
		_ = st.Close()
		return nil, configError(err)
	}

	return &runtime{
		cfg:      cfg,
		store:    st,
		logger:   logger,
		graph:    graph,
		metrics:  m,
		notifier: notifier,
		sched:    sched,
		healer:   heal,
	}, nil
}

func (r *runtime) Close() {
	if r != nil && r.store != nil {
		_ = r.store.Close()
	}
}

// applyReportOptions threads report configuration through to the report
// stage's tool invocation.
func applyReportOptions(cfg *config.Config, graph []stages.Definition) {
	if !cfg.Report.Anonymize {
		return
	}
	for i := range graph {
		if graph[i].Name == stages.Report {
			graph[i].ExtraArgs = append(graph[i].ExtraArgs, "--anonymize")
		}
	}
}
