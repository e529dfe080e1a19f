// Package healer periodically reopens permanently failed runs of
// idempotency-safe stages so transient infrastructure problems do not
// strand interviews forever. Each input fingerprint is healed at most
// once, so a genuinely broken recording fails permanently again and stays
// that way until the source data changes.
package healer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"avqc/internal/config"
	"avqc/internal/logging"
	"avqc/internal/metrics"
	"avqc/internal/stages"
	"avqc/internal/store"
)

// Healer owns the self-heal sweep.
type Healer struct {
	cfg      *config.Config
	store    *store.Store
	graph    []stages.Definition
	metrics  *metrics.Metrics
	logger   *slog.Logger
	schedule cron.Schedule
	clock    func() time.Time
}

// New builds a healer from the configured cron schedule. Standard five
// field expressions and descriptors like @hourly are accepted.
func New(cfg *config.Config, st *store.Store, graph []stages.Definition, m *metrics.Metrics, logger *slog.Logger) (*Healer, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var schedule cron.Schedule
	if cfg.SelfHeal.Enabled {
		parsed, err := cron.ParseStandard(cfg.SelfHeal.Schedule)
		if err != nil {
			return nil, fmt.Errorf("parse self_heal schedule %q: %w", cfg.SelfHeal.Schedule, err)
		}
		schedule = parsed
	}

	return &Healer{
		cfg:      cfg,
		store:    st,
		graph:    graph,
		metrics:  m,
		logger:   logger,
		schedule: schedule,
		clock:    time.Now,
	}, nil
}

// Run fires the sweep on the cron schedule until ctx is cancelled. With
// self-heal disabled it returns immediately.
func (h *Healer) Run(ctx context.Context) error {
	if !h.cfg.SelfHeal.Enabled {
		return nil
	}

	logger := logging.WithContext(ctx, h.logger)
	logger.Info("healer started", logging.String("schedule", h.cfg.SelfHeal.Schedule))

	for {
		next := h.schedule.Next(h.clock())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("healer stopped")
			return nil
		case <-timer.C:
		}

		if _, err := h.HealOnce(ctx); err != nil {
			logger.Error("self-heal sweep failed", logging.Error(err))
		}
	}
}

// HealOnce performs one remediation sweep and returns the number of runs
// reopened.
func (h *Healer) HealOnce(ctx context.Context) (int, error) {
	if !h.cfg.SelfHeal.Enabled {
		return 0, nil
	}

	logger := logging.WithContext(ctx, h.logger)
	healed, err := h.store.HealPermanent(ctx, stages.SafeNames(h.graph))
	if err != nil {
		return 0, fmt.Errorf("heal permanent failures: %w", err)
	}
	if len(healed) == 0 {
		return 0, nil
	}

	if h.metrics != nil {
		h.metrics.HealedRuns.Add(float64(len(healed)))
	}

	for _, run := range healed {
		// Drop the stage's stale artifact records so a rerun starts from
		// the prerequisite outputs, not leftovers.
		if removed, err := h.store.RemoveFilesByProducer(ctx, run.InterviewID, run.Stage); err != nil {
			logger.Warn("purge stale artifacts",
				logging.String(logging.FieldStage, run.Stage),
				logging.Error(err),
			)
		} else if removed > 0 {
			logger.Info("purged stale artifacts",
				logging.String(logging.FieldStage, run.Stage),
				logging.Int64("removed", removed),
			)
		}
		logger.Info("reopened failed run",
			logging.String(logging.FieldStage, run.Stage),
			logging.Int64(logging.FieldRunID, run.ID),
		)
	}
	return len(healed), nil
}
