// Package scheduler drives the pipeline: it sweeps expired leases, claims
// eligible stage runs through the store's atomic claim, and dispatches them
// to stage runners under a process-local concurrency bound. Global
// per-stage caps are enforced by the store, so several orchestrator
// instances can share one state database.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"avqc/internal/config"
	"avqc/internal/logging"
	"avqc/internal/metrics"
	"avqc/internal/notifications"
	"avqc/internal/runner"
	"avqc/internal/stages"
	"avqc/internal/store"
)

// Scheduler owns the claim/dispatch cycle for one orchestrator instance.
type Scheduler struct {
	cfg      *config.Config
	store    *store.Store
	graph    []stages.Definition
	runners  *runner.Registry
	notifier notifications.Service
	metrics  *metrics.Metrics
	logger   *slog.Logger
	owner    string
	clock    func() time.Time

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	safe        map[string]bool
	maxAttempts map[string]int

	idleCycles    int
	stallNotified bool
}

// New builds a scheduler. The owner identity tags every claim this
// instance takes, so leases can be traced back to a process.
func New(cfg *config.Config, st *store.Store, graph []stages.Definition, runners *runner.Registry, notifier notifications.Service, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}

	safe := make(map[string]bool, len(graph))
	maxAttempts := make(map[string]int, len(graph))
	for _, def := range graph {
		safe[def.Name] = def.IdempotencySafe
		maxAttempts[def.Name] = def.MaxAttempts
	}

	hostname, _ := os.Hostname()
	label := cfg.Orchestrator.InstanceLabel
	if label == "" {
		label = hostname
	}

	workers := cfg.Orchestrator.DispatchWorkers
	if workers <= 0 {
		workers = 1
	}

	return &Scheduler{
		cfg:         cfg,
		store:       st,
		graph:       graph,
		runners:     runners,
		notifier:    notifier,
		metrics:     m,
		logger:      logger,
		owner:       fmt.Sprintf("%s-%s", label, uuid.NewString()[:8]),
		clock:       time.Now,
		sem:         semaphore.NewWeighted(int64(workers)),
		safe:        safe,
		maxAttempts: maxAttempts,
	}
}

// Owner returns the claim identity of this instance.
func (s *Scheduler) Owner() string {
	return s.owner
}

// RunOnce performs a single scheduling pass and waits for everything it
// dispatched to finish. Returns the number of runs dispatched.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	dispatched, err := s.pass(ctx, ctx)
	s.wg.Wait()
	return dispatched, err
}

// pass executes one cycle: reclaim sweep, then claim and dispatch eligible
// runs in dependency order. claimCtx gates new claims; execCtx is handed to
// dispatched executions so shutdown can stop claiming while in-flight work
// drains.
func (s *Scheduler) pass(claimCtx, execCtx context.Context) (int, error) {
	now := s.clock()
	logger := logging.WithContext(claimCtx, s.logger)

	if s.cfg.Orchestrator.ReclaimPassEnabled {
		if err := s.reclaim(claimCtx, now); err != nil {
			return 0, err
		}
	}

	lease := time.Duration(s.cfg.Orchestrator.LeaseSeconds) * time.Second
	retryCutoff := now.Add(-time.Duration(s.cfg.Orchestrator.ErrorRetrySeconds) * time.Second)

	dispatched := 0
	for _, def := range s.graph {
		if claimCtx.Err() != nil {
			break
		}

		candidates, err := s.store.EligibleStageRuns(claimCtx, def.Name, def.Prerequisites, retryCutoff, def.MaxConcurrent)
		if err != nil {
			return dispatched, fmt.Errorf("eligible runs for %s: %w", def.Name, err)
		}

		for _, run := range candidates {
			if claimCtx.Err() != nil {
				break
			}
			if !s.sem.TryAcquire(1) {
				// Dispatch bound reached; later stages wait for the
				// next cycle.
				s.updateGauges(claimCtx)
				if s.metrics != nil {
					s.metrics.Cycles.Inc()
				}
				s.observeProgress(claimCtx, dispatched)
				return dispatched, nil
			}

			claimed, err := s.store.ClaimStageRun(claimCtx, run.ID, def.Name, def.Prerequisites,
				def.MaxConcurrent, def.MaxAttempts, s.owner, now.Add(lease))
			if err != nil {
				s.sem.Release(1)
				return dispatched, fmt.Errorf("claim run %d: %w", run.ID, err)
			}
			if !claimed {
				s.sem.Release(1)
				continue
			}

			dispatched++
			s.wg.Add(1)
			go s.execute(execCtx, def, run.ID)
		}
	}

	s.updateGauges(claimCtx)
	if s.metrics != nil {
		s.metrics.Cycles.Inc()
	}
	s.observeProgress(claimCtx, dispatched)

	if dispatched > 0 {
		logger.Debug("scheduling pass complete", logging.Int("dispatched", dispatched))
	}
	return dispatched, nil
}

func (s *Scheduler) reclaim(ctx context.Context, now time.Time) error {
	reclaimed, err := s.store.ReclaimExpired(ctx, now, s.safe, s.maxAttempts)
	if err != nil {
		return fmt.Errorf("reclaim expired leases: %w", err)
	}
	if len(reclaimed) == 0 {
		return nil
	}

	logger := logging.WithContext(ctx, s.logger)
	if s.metrics != nil {
		s.metrics.ReclaimedLeases.Add(float64(len(reclaimed)))
	}
	for _, run := range reclaimed {
		logger.Warn("reclaimed expired lease",
			logging.String(logging.FieldStage, run.Stage),
			logging.Int64(logging.FieldRunID, run.ID),
			logging.String("new_status", string(run.Status)),
		)
		if run.Status == store.StatusFailedPermanent {
			s.notifyPermanent(ctx, run)
		}
	}
	return nil
}

// observeProgress tracks idle cycles for stall detection. A pass that
// dispatches nothing while schedulable work exists counts as idle; enough
// of those in a row emits a single stalled notification until progress
// resumes.
func (s *Scheduler) observeProgress(ctx context.Context, dispatched int) {
	if dispatched > 0 {
		s.idleCycles = 0
		s.stallNotified = false
		return
	}

	pending, err := s.backlogCount(ctx)
	if err != nil || pending == 0 {
		s.idleCycles = 0
		s.stallNotified = false
		return
	}

	s.idleCycles++
	threshold := s.cfg.Orchestrator.StallCycles
	if threshold <= 0 || s.idleCycles < threshold || s.stallNotified {
		return
	}

	idleFor := time.Duration(s.idleCycles*s.cfg.Orchestrator.SnoozeSeconds) * time.Second
	if err := s.notifier.NotifyPipelineStalled(ctx, pending, idleFor); err != nil {
		logging.WithContext(ctx, s.logger).Debug("stall notification failed", logging.Error(err))
	}
	s.stallNotified = true
}

func (s *Scheduler) backlogCount(ctx context.Context) (int, error) {
	counts, err := s.store.StatusCounts(ctx)
	if err != nil {
		return 0, err
	}
	pending := 0
	for _, sc := range counts {
		if sc.Status == store.StatusPending || sc.Status == store.StatusFailedRetryable {
			pending += sc.Count
		}
	}
	return pending, nil
}

func (s *Scheduler) updateGauges(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	for _, def := range s.graph {
		count, err := s.store.InFlightCount(ctx, def.Name)
		if err != nil {
			continue
		}
		s.metrics.RunsInFlight.WithLabelValues(def.Name).Set(float64(count))
	}
}

func (s *Scheduler) notifyPermanent(ctx context.Context, run *store.StageRun) {
	interviewName := fmt.Sprintf("interview #%d", run.InterviewID)
	if iv, err := s.store.InterviewByID(ctx, run.InterviewID); err == nil && iv != nil {
		interviewName = iv.Name
	}
	if err := s.notifier.NotifyTerminalFailure(ctx, interviewName, run.Stage, run.AttemptCount, run.LastError); err != nil {
		logging.WithContext(ctx, s.logger).Debug("failure notification failed", logging.Error(err))
	}
}
