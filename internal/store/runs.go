package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StageRunByID fetches a stage run by identifier.
func (s *Store) StageRunByID(ctx context.Context, id int64) (*StageRun, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+runColumns+` FROM stage_runs WHERE id = ?`, id)
	run, err := scanStageRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stage run: %w", err)
	}
	return run, nil
}

// StageRun fetches the run for one interview and stage.
func (s *Store) StageRun(ctx context.Context, interviewID int64, stage string) (*StageRun, error) {
	row := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT `+runColumns+` FROM stage_runs WHERE interview_id = ? AND stage = ?`,
		interviewID, stage,
	)
	run, err := scanStageRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stage run: %w", err)
	}
	return run, nil
}

// StageRunsForInterview returns all runs for an interview.
func (s *Store) StageRunsForInterview(ctx context.Context, interviewID int64) ([]*StageRun, error) {
	rows, err := s.db.QueryContext(
		ensureContext(ctx),
		`SELECT `+runColumns+` FROM stage_runs WHERE interview_id = ? ORDER BY id`,
		interviewID,
	)
	if err != nil {
		return nil, fmt.Errorf("list stage runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// EligibleStageRuns returns candidate runs for one stage: pending runs, plus
// retryable failures whose last update is at or before retryCutoff, with
// every prerequisite stage succeeded or skipped. Eligibility here is
// advisory; the claim re-checks it atomically.
func (s *Store) EligibleStageRuns(ctx context.Context, stage string, prereqs []string, retryCutoff time.Time, limit int) ([]*StageRun, error) {
	ctx = ensureContext(ctx)

	query := `SELECT ` + runColumns + ` FROM stage_runs
        WHERE stage = ?
          AND (status = ? OR (status = ? AND updated_at <= ?))`
	args := []any{stage, StatusPending, StatusFailedRetryable, formatTime(retryCutoff)}

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

	query += ` ORDER BY created_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eligible stage runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// InFlightCount returns the number of claimed or running runs for a stage.
func (s *Store) InFlightCount(ctx context.Context, stage string) (int, error) {
	var count int
	err := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT COUNT(*) FROM stage_runs WHERE stage = ? AND status IN (?, ?)`,
		stage, StatusClaimed, StatusRunning,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("in-flight count: %w", err)
	}
	return count, nil
}

// StatusCounts aggregates run counts by stage and status.
func (s *Store) StatusCounts(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(
		ensureContext(ctx),
		`SELECT stage, status, COUNT(*) FROM stage_runs GROUP BY stage, status ORDER BY stage, status`,
	)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	var counts []StatusCount
	for rows.Next() {
		var (
			sc        StatusCount
			statusStr string
		)
		if err := rows.Scan(&sc.Stage, &statusStr, &sc.Count); err != nil {
			return nil, err
		}
		sc.Status = Status(statusStr)
		counts = append(counts, sc)
	}
	return counts, rows.Err()
}

// Summaries returns every interview with its stage runs, optionally
// filtered by study.
func (s *Store) Summaries(ctx context.Context, study string) ([]InterviewSummary, error) {
	ctx = ensureContext(ctx)
	interviews, err := s.ListInterviews(ctx, study)
	if err != nil {
		return nil, err
	}

	summaries := make([]InterviewSummary, 0, len(interviews))
	for _, iv := range interviews {
		runs, err := s.StageRunsForInterview(ctx, iv.ID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, InterviewSummary{Interview: *iv, Runs: runs})
	}
	return summaries, nil
}

func collectRuns(rows *sql.Rows) ([]*StageRun, error) {
	var runs []*StageRun
	for rows.Next() {
		run, err := scanStageRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
