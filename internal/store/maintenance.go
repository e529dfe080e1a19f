package store

import (
	"context"
	"fmt"
	"time"
)

// ReclaimExpired sweeps in-flight runs whose lease lapsed before now.
// Idempotency-safe stages go back to pending with their attempt budget
// intact; unsafe stages consume an attempt and land on failed_retryable,
// or failed_permanent once the budget is spent. Each row's update is
// guarded by the lease value it was selected with, so a run whose owner
// renewed in the meantime is left alone. Returns the runs as reclaimed.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time, safe map[string]bool, maxAttempts map[string]int) ([]*StageRun, error) {
	ctx = ensureContext(ctx)

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+runColumns+` FROM stage_runs
         WHERE status IN (?, ?) AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		StatusClaimed, StatusRunning, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	expired, err := collectRuns(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	var reclaimed []*StageRun
	for _, run := range expired {
		target := StatusPending
		attempts := run.AttemptCount
		errMsg := "lease expired; rescheduled"
		if !safe[run.Stage] {
			attempts++
			budget := maxAttempts[run.Stage]
			if budget > 0 && attempts >= budget {
				target = StatusFailedPermanent
				errMsg = fmt.Sprintf("retry budget exhausted after %d attempts: lease expired", attempts)
			} else {
				target = StatusFailedRetryable
				errMsg = "lease expired on non-rerunnable stage"
			}
		}

		var completedAt any
		if IsTerminal(target) {
			completedAt = formatTime(now)
		}

		res, err := s.execWithRetry(
			ctx,
			`UPDATE stage_runs SET
                status = ?, attempt_count = ?, claim_owner = NULL, claimed_at = NULL,
                lease_expires_at = NULL, completed_at = ?, last_error = ?, updated_at = ?
             WHERE id = ? AND status = ? AND lease_expires_at = ?`,
			target, attempts, completedAt, errMsg, formatTime(now),
			run.ID, run.Status, formatTime(*run.LeaseExpiresAt),
		)
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim run %d: %w", run.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return reclaimed, fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			continue
		}

		run.Status = target
		run.AttemptCount = attempts
		run.ClaimOwner = ""
		run.LeaseExpiresAt = nil
		run.LastError = errMsg
		reclaimed = append(reclaimed, run)
	}
	return reclaimed, nil
}

// ReleaseOwnedClaims returns runs still claimed or running under the given
// owner to a schedulable state. Called on shutdown after the drain window;
// safe stages go back to pending, unsafe ones to failed_retryable.
func (s *Store) ReleaseOwnedClaims(ctx context.Context, owner string, safe map[string]bool) (int64, error) {
	ctx = ensureContext(ctx)
	now := formatTime(time.Now())

	var released int64
	for _, isSafe := range []bool{true, false} {
		target := StatusPending
		errMsg := "released on shutdown"
		if !isSafe {
			target = StatusFailedRetryable
			errMsg = "interrupted by shutdown"
		}

		stages := make([]string, 0, len(safe))
		for stage, s := range safe {
			if s == isSafe {
				stages = append(stages, stage)
			}
		}
		if len(stages) == 0 {
			continue
		}

		query := `UPDATE stage_runs SET
                status = ?, claim_owner = NULL, claimed_at = NULL, lease_expires_at = NULL,
                last_error = ?, updated_at = ?
             WHERE claim_owner = ? AND status IN (?, ?)
               AND stage IN (` + makePlaceholders(len(stages)) + `)`
		args := []any{target, errMsg, now, owner, StatusClaimed, StatusRunning}
		for _, stage := range stages {
			args = append(args, stage)
		}

		res, err := s.execWithRetry(ctx, query, args...)
		if err != nil {
			return released, fmt.Errorf("release owned claims: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return released, fmt.Errorf("rows affected: %w", err)
		}
		released += affected
	}
	return released, nil
}

// ResetStageRuns returns all of an interview's runs to pending with a fresh
// attempt budget and records the new input fingerprint. In-flight runs are
// left alone; their leases resolve through the normal paths first. Returns
// the number of runs reset.
func (s *Store) ResetStageRuns(ctx context.Context, interviewID int64, inputFingerprint string) (int64, error) {
	ctx = ensureContext(ctx)
	now := formatTime(time.Now())

	res, err := s.execWithRetry(
		ctx,
		`UPDATE stage_runs SET
            status = ?, attempt_count = 0, claim_owner = NULL, claimed_at = NULL,
            lease_expires_at = NULL, completed_at = NULL, last_error = NULL,
            input_fingerprint = ?, healed_fingerprint = NULL, updated_at = ?
         WHERE interview_id = ? AND status NOT IN (?, ?)`,
		StatusPending, nullableString(inputFingerprint), now,
		interviewID, StatusClaimed, StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stage runs: %w", err)
	}
	return res.RowsAffected()
}

// HealPermanent reopens permanently failed runs of the given stages that
// have not already been healed for their current input. Each healed run
// records the fingerprint it was healed against, so the same input is
// remediated at most once and a run that fails again only reopens after
// its input changes.
func (s *Store) HealPermanent(ctx context.Context, stageNames []string) ([]*StageRun, error) {
	ctx = ensureContext(ctx)
	if len(stageNames) == 0 {
		return nil, nil
	}

	query := `SELECT ` + runColumns + ` FROM stage_runs
         WHERE status = ?
           AND stage IN (` + makePlaceholders(len(stageNames)) + `)
           AND (healed_fingerprint IS NULL OR healed_fingerprint != COALESCE(input_fingerprint, ''))`
	args := []any{StatusFailedPermanent}
	for _, stage := range stageNames {
		args = append(args, stage)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list healable runs: %w", err)
	}
	candidates, err := collectRuns(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	now := formatTime(time.Now())
	var healed []*StageRun
	for _, run := range candidates {
		res, err := s.execWithRetry(
			ctx,
			`UPDATE stage_runs SET
                status = ?, attempt_count = 0, completed_at = NULL, last_error = NULL,
                healed_fingerprint = COALESCE(input_fingerprint, ''), updated_at = ?
             WHERE id = ? AND status = ?`,
			StatusPending, now,
			run.ID, StatusFailedPermanent,
		)
		if err != nil {
			return healed, fmt.Errorf("heal run %d: %w", run.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return healed, fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			continue
		}

		run.Status = StatusPending
		run.AttemptCount = 0
		run.HealedFingerprint = run.InputFingerprint
		run.LastError = ""
		healed = append(healed, run)
	}
	return healed, nil
}
