package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RegisterInterview inserts an interview if it is not already known and
// seeds a pending stage run for every stage name. Both inserts are
// idempotent, so repeated crawls of the same tree are harmless.
func (s *Store) RegisterInterview(ctx context.Context, study, subject string, day int, name, path string, stageNames []string) (*Interview, bool, error) {
	ctx = ensureContext(ctx)
	now := formatTime(time.Now())

	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO interviews (study, subject, day, interview_name, path, created_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(interview_name) DO NOTHING`,
		study, subject, day, name, path, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert interview: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	created := affected > 0

	iv, err := s.InterviewByName(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if iv == nil {
		return nil, false, fmt.Errorf("interview %q missing after insert", name)
	}

	for _, stage := range stageNames {
		if err := s.execWithoutResultRetry(
			ctx,
			`INSERT INTO stage_runs (interview_id, stage, status, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?)
             ON CONFLICT(interview_id, stage) DO NOTHING`,
			iv.ID, stage, StatusPending, now, now,
		); err != nil {
			return nil, false, fmt.Errorf("seed stage run %s: %w", stage, err)
		}
	}

	return iv, created, nil
}

// InterviewByID fetches an interview by identifier.
func (s *Store) InterviewByID(ctx context.Context, id int64) (*Interview, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+interviewColumns+` FROM interviews WHERE id = ?`, id)
	iv, err := scanInterview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get interview: %w", err)
	}
	return iv, nil
}

// InterviewByName fetches an interview by its unique name.
func (s *Store) InterviewByName(ctx context.Context, name string) (*Interview, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+interviewColumns+` FROM interviews WHERE interview_name = ?`, name)
	iv, err := scanInterview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get interview by name: %w", err)
	}
	return iv, nil
}

// ListInterviews returns all interviews, optionally filtered by study.
func (s *Store) ListInterviews(ctx context.Context, study string) ([]*Interview, error) {
	ctx = ensureContext(ctx)
	var (
		rows *sql.Rows
		err  error
	)
	if study == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+interviewColumns+` FROM interviews ORDER BY study, subject, day, interview_name`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+interviewColumns+` FROM interviews WHERE study = ? ORDER BY subject, day, interview_name`, study)
	}
	if err != nil {
		return nil, fmt.Errorf("list interviews: %w", err)
	}
	defer rows.Close()

	var interviews []*Interview
	for rows.Next() {
		iv, err := scanInterview(rows)
		if err != nil {
			return nil, err
		}
		interviews = append(interviews, iv)
	}
	return interviews, rows.Err()
}
