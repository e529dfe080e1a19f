package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"avqc/internal/fingerprint"
	"avqc/internal/logging"
	"avqc/internal/runner"
	"avqc/internal/stages"
	"avqc/internal/store"
)

// execute runs one claimed stage run to completion and records its outcome.
func (s *Scheduler) execute(ctx context.Context, def stages.Definition, runID int64) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	ctx = logging.WithStage(ctx, def.Name)
	ctx = logging.WithRunID(ctx, runID)
	logger := logging.WithContext(ctx, s.logger)

	iv, run, err := s.loadRun(ctx, runID)
	if err != nil {
		logger.Error("load claimed run", logging.Error(err))
		return
	}
	ctx = logging.WithInterview(ctx, iv.Name)
	logger = logging.WithContext(ctx, s.logger)

	inputs, inputFP, err := s.gatherInputs(ctx, def, iv)
	if err != nil {
		s.finish(ctx, def, iv, run, time.Duration(0), runner.Result{}, err)
		return
	}

	if err := s.store.MarkRunning(ctx, runID, s.owner, inputFP); err != nil {
		if errors.Is(err, store.ErrNotClaimOwner) {
			logger.Warn("lost claim before execution")
			return
		}
		logger.Error("mark running", logging.Error(err))
		return
	}

	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Int("attempt", run.AttemptCount+1),
	)

	stopRenewal := s.renewLease(ctx, runID)
	start := s.clock()
	result, execErr := s.runners.For(def.Name).Run(ctx, runner.Request{
		Interview:   iv,
		Run:         run,
		Stage:       def,
		Inputs:      inputs,
		ArtifactDir: s.artifactDir(iv, def),
		StagingDir:  filepath.Join(s.cfg.Paths.WorkDir, "staging"),
	})
	elapsed := s.clock().Sub(start)
	stopRenewal()

	s.finish(ctx, def, iv, run, elapsed, result, execErr)
}

// finish records the outcome, registers produced artifacts, and emits the
// notifications tied to terminal transitions.
func (s *Scheduler) finish(ctx context.Context, def stages.Definition, iv *store.Interview, run *store.StageRun, elapsed time.Duration, result runner.Result, execErr error) {
	logger := logging.WithContext(ctx, s.logger)

	outcome := runner.Classify(execErr)
	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	}

	final, err := s.store.RecordOutcome(ctx, run.ID, s.owner, outcome, errMsg, def.MaxAttempts)
	if err != nil {
		if errors.Is(err, store.ErrNotClaimOwner) {
			logger.Warn("lost claim before outcome; lease will resolve it")
			return
		}
		logger.Error("record outcome", logging.Error(err))
		return
	}

	if s.metrics != nil {
		s.metrics.ObserveStage(def.Name, string(final), elapsed)
	}

	switch final {
	case store.StatusSucceeded:
		s.registerOutputs(ctx, def, iv, result)
		logger.Info("stage completed",
			logging.String(logging.FieldEventType, "stage_complete"),
			logging.Duration("elapsed", elapsed),
		)
		if def.Name == stages.Terminal() {
			if err := s.notifier.NotifyInterviewComplete(ctx, iv.Name); err != nil {
				logger.Debug("milestone notification failed", logging.Error(err))
			}
		}
	case store.StatusFailedPermanent:
		logger.Error("stage failed permanently",
			logging.String(logging.FieldEventType, "stage_failure"),
			logging.Error(execErr),
		)
		refreshed, refErr := s.store.StageRunByID(ctx, run.ID)
		if refErr == nil && refreshed != nil {
			s.notifyPermanent(ctx, refreshed)
		} else {
			run.Status = final
			run.LastError = errMsg
			s.notifyPermanent(ctx, run)
		}
	case store.StatusFailedRetryable:
		logger.Warn("stage failed; will retry",
			logging.String(logging.FieldEventType, "stage_retry"),
			logging.Error(execErr),
		)
	case store.StatusSkipped:
		logger.Info("stage skipped",
			logging.String(logging.FieldEventType, "stage_skip"),
			logging.String("reason", errMsg),
		)
	}
}

func (s *Scheduler) loadRun(ctx context.Context, runID int64) (*store.Interview, *store.StageRun, error) {
	run, err := s.store.StageRunByID(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run == nil {
		return nil, nil, errors.New("claimed run vanished")
	}
	iv, err := s.store.InterviewByID(ctx, run.InterviewID)
	if err != nil {
		return nil, nil, err
	}
	if iv == nil {
		return nil, nil, errors.New("interview vanished")
	}
	return iv, run, nil
}

// gatherInputs collects the tracked paths for each input role and the
// interview's raw fingerprint, which tags the run for change detection and
// heal dedup.
func (s *Scheduler) gatherInputs(ctx context.Context, def stages.Definition, iv *store.Interview) (map[string][]string, string, error) {
	inputs := make(map[string][]string, len(def.Inputs))
	for _, role := range def.Inputs {
		files, err := s.store.FilesForInterview(ctx, iv.ID, role)
		if err != nil {
			return nil, "", err
		}
		for _, f := range files {
			inputs[role] = append(inputs[role], f.Path)
		}
		if len(inputs[role]) == 0 {
			return nil, "", runner.Wrap(runner.ErrNotFound, def.Name, "gather inputs",
				"no tracked file for role "+role, nil)
		}
	}

	inputFP := ""
	rawFiles, err := s.store.FilesForInterview(ctx, iv.ID, stages.RoleRaw)
	if err != nil {
		return nil, "", err
	}
	if len(rawFiles) > 0 {
		inputFP = rawFiles[0].Fingerprint
	}
	return inputs, inputFP, nil
}

// registerOutputs tracks produced artifacts so downstream stages can find
// their inputs.
func (s *Scheduler) registerOutputs(ctx context.Context, def stages.Definition, iv *store.Interview, result runner.Result) {
	logger := logging.WithContext(ctx, s.logger)
	for role, paths := range result.Outputs {
		for _, path := range paths {
			fp := ""
			if s.cfg.Crawler.HashFiles {
				if hashed, err := fingerprint.File(path); err == nil {
					fp = hashed
				}
			}
			if _, _, err := s.store.UpsertFile(ctx, iv.ID, role, path, fp, def.Name); err != nil {
				logger.Error("register output", logging.String("path", path), logging.Error(err))
			}
		}
	}
}

// renewLease extends the run's lease at half the lease interval until the
// returned stop function is called.
func (s *Scheduler) renewLease(ctx context.Context, runID int64) func() {
	lease := time.Duration(s.cfg.Orchestrator.LeaseSeconds) * time.Second
	interval := lease / 2
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	var stopOnce sync.Once

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopped:
				return
			case <-ticker.C:
				if err := s.store.RenewLease(ctx, runID, s.owner, s.clock().Add(lease)); err != nil {
					logging.WithContext(ctx, s.logger).Debug("lease renewal failed", logging.Error(err))
					return
				}
			}
		}
	}()

	return func() {
		stopOnce.Do(func() { close(stopped) })
		<-done
	}
}

func (s *Scheduler) artifactDir(iv *store.Interview, def stages.Definition) string {
	return filepath.Join(s.cfg.Paths.WorkDir, "artifacts", iv.Name, def.Name)
}
