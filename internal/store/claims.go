package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotClaimOwner indicates an outcome or lease update from a caller that
// no longer holds the run's claim.
var ErrNotClaimOwner = errors.New("claim not held by caller")

// Outcome classifies how a stage execution ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
	OutcomeSkipped
)

// ClaimStageRun attempts to take exclusive ownership of a run. The claim is
// a single conditional UPDATE, so eligibility, the retry budget, and the
// per-stage concurrency cap are all re-verified under SQLite's write lock:
// two racing instances can never both win, and the cap holds across
// instances. Returns false when another instance won or the run stopped
// being eligible.
func (s *Store) ClaimStageRun(ctx context.Context, runID int64, stage string, prereqs []string, maxConcurrent, maxAttempts int, owner string, leaseUntil time.Time) (bool, error) {
	ctx = ensureContext(ctx)
	now := formatTime(time.Now())

	query := `UPDATE stage_runs SET
            status = ?, claim_owner = ?, claimed_at = ?, lease_expires_at = ?, updated_at = ?
        WHERE id = ?
          AND status IN (?, ?)
          AND attempt_count < ?`
	args := []any{
		StatusClaimed, owner, now, formatTime(leaseUntil), now,
		runID,
		StatusPending, StatusFailedRetryable,
		maxAttempts,
	}

	if len(prereqs) > 0 {
		query += `
          AND NOT EXISTS (
              SELECT 1 FROM stage_runs p
              WHERE p.interview_id = stage_runs.interview_id
                AND p.stage IN (` + makePlaceholders(len(prereqs)) + `)
                AND p.status NOT IN (?, ?))`
		for _, prereq := range prereqs {
			args = append(args, prereq)
		}
		args = append(args, StatusSucceeded, StatusSkipped)
	}

	if maxConcurrent > 0 {
		query += `
          AND (SELECT COUNT(*) FROM stage_runs c
               WHERE c.stage = ? AND c.status IN (?, ?)) < ?`
		args = append(args, stage, StatusClaimed, StatusRunning, maxConcurrent)
	}

	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("claim stage run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkRunning transitions a claimed run to running and records the input
// fingerprint the execution will consume.
func (s *Store) MarkRunning(ctx context.Context, runID int64, owner, inputFingerprint string) error {
	now := formatTime(time.Now())
	res, err := s.execWithRetry(
		ensureContext(ctx),
		`UPDATE stage_runs SET status = ?, input_fingerprint = ?, updated_at = ?
         WHERE id = ? AND status = ? AND claim_owner = ?`,
		StatusRunning, nullableString(inputFingerprint), now,
		runID, StatusClaimed, owner,
	)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotClaimOwner
	}
	return nil
}

// RenewLease extends the lease on an in-flight run.
func (s *Store) RenewLease(ctx context.Context, runID int64, owner string, leaseUntil time.Time) error {
	now := formatTime(time.Now())
	res, err := s.execWithRetry(
		ensureContext(ctx),
		`UPDATE stage_runs SET lease_expires_at = ?, updated_at = ?
         WHERE id = ? AND status IN (?, ?) AND claim_owner = ?`,
		formatTime(leaseUntil), now,
		runID, StatusClaimed, StatusRunning, owner,
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotClaimOwner
	}
	return nil
}

// RecordOutcome finalizes an in-flight run and returns the status it
// settled on. A transient failure consumes one attempt; when the retry
// budget is exhausted the run is forced to failed_permanent, so the caller
// sees exactly one transition into that state and can notify on it.
func (s *Store) RecordOutcome(ctx context.Context, runID int64, owner string, outcome Outcome, errMsg string, maxAttempts int) (Status, error) {
	ctx = ensureContext(ctx)

	run, err := s.StageRunByID(ctx, runID)
	if err != nil {
		return "", err
	}
	if run == nil || !IsInFlight(run.Status) || run.ClaimOwner != owner {
		return "", ErrNotClaimOwner
	}

	var (
		final    Status
		attempts = run.AttemptCount
	)
	switch outcome {
	case OutcomeSuccess:
		final = StatusSucceeded
	case OutcomeSkipped:
		final = StatusSkipped
	case OutcomePermanent:
		final = StatusFailedPermanent
	case OutcomeTransient:
		attempts++
		if attempts >= maxAttempts {
			final = StatusFailedPermanent
			errMsg = fmt.Sprintf("retry budget exhausted after %d attempts: %s", attempts, errMsg)
		} else {
			final = StatusFailedRetryable
		}
	default:
		return "", fmt.Errorf("unknown outcome %d", outcome)
	}

	now := time.Now()
	var completedAt any
	if IsTerminal(final) {
		completedAt = formatTime(now)
	}

	res, err := s.execWithRetry(
		ctx,
		`UPDATE stage_runs SET
            status = ?, attempt_count = ?, claim_owner = NULL, claimed_at = NULL,
            lease_expires_at = NULL, completed_at = ?, last_error = ?, updated_at = ?
         WHERE id = ? AND status IN (?, ?) AND claim_owner = ?`,
		final, attempts, completedAt, nullableString(errMsg), formatTime(now),
		runID, StatusClaimed, StatusRunning, owner,
	)
	if err != nil {
		return "", fmt.Errorf("record outcome: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return "", ErrNotClaimOwner
	}
	return final, nil
}
