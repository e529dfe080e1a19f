package scheduler

import (
	"context"
	"time"

	"avqc/internal/logging"
)

// Run drives scheduling passes until ctx is cancelled. A pass that
// dispatches nothing sleeps the snooze interval; a store error backs off
// one snooze and retries. A snooze of zero performs a single pass and
// returns, which makes the daemon behave like run-once.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := logging.WithContext(ctx, s.logger)
	snooze := time.Duration(s.cfg.Orchestrator.SnoozeSeconds) * time.Second

	// Claims stop at ctx cancel, but dispatched executions keep their own
	// context so they can drain through the grace period.
	execCtx, execCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer execCancel()

	logger.Info("scheduler started",
		logging.String("owner", s.owner),
		logging.Duration("snooze", snooze),
	)

	for {
		dispatched, err := s.pass(ctx, execCtx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("scheduling pass failed", logging.Error(err))
			if !sleepCtx(ctx, snoozeOrMinimum(snooze)) {
				break
			}
			continue
		}

		if snooze <= 0 {
			logger.Info("single pass complete", logging.Int("dispatched", dispatched))
			break
		}
		if ctx.Err() != nil {
			break
		}
		if dispatched == 0 {
			if !sleepCtx(ctx, snooze) {
				break
			}
		}
	}

	// Drain in-flight executions, killing them when the shutdown grace
	// period lapses.
	grace := time.Duration(s.cfg.Orchestrator.ShutdownGraceSecs) * time.Second
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if grace > 0 {
		select {
		case <-done:
		case <-time.After(grace):
			logger.Warn("shutdown grace period lapsed; cancelling in-flight stages")
			execCancel()
			<-done
		}
	} else {
		<-done
	}

	released, err := s.store.ReleaseOwnedClaims(context.Background(), s.owner, s.safe)
	if err != nil {
		logger.Error("release claims on shutdown", logging.Error(err))
	} else if released > 0 {
		logger.Warn("released unfinished claims", logging.Int64("count", released))
	}

	logger.Info("scheduler stopped")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func snoozeOrMinimum(snooze time.Duration) time.Duration {
	if snooze > 0 {
		return snooze
	}
	return time.Second
}
