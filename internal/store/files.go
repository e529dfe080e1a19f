package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertFile records a file for an interview, updating the fingerprint and
// producer when the path is already tracked. It reports whether a new row
// was inserted and whether the stored fingerprint changed.
func (s *Store) UpsertFile(ctx context.Context, interviewID int64, role, path, fingerprint, producedBy string) (inserted, changed bool, err error) {
	ctx = ensureContext(ctx)

	existing, err := s.FileByPath(ctx, path)
	if err != nil {
		return false, false, err
	}

	now := formatTime(time.Now())
	if existing == nil {
		if err := s.execWithoutResultRetry(
			ctx,
			`INSERT INTO files (interview_id, role, path, fingerprint, produced_by, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?)`,
			interviewID, role, path, nullableString(fingerprint), nullableString(producedBy), now, now,
		); err != nil {
			return false, false, fmt.Errorf("insert file: %w", err)
		}
		return true, false, nil
	}

	if existing.Fingerprint == fingerprint && existing.Role == role {
		return false, false, nil
	}

	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE files SET role = ?, fingerprint = ?, produced_by = ?, updated_at = ? WHERE id = ?`,
		role, nullableString(fingerprint), nullableString(producedBy), now, existing.ID,
	); err != nil {
		return false, false, fmt.Errorf("update file: %w", err)
	}
	return false, existing.Fingerprint != "" && existing.Fingerprint != fingerprint, nil
}

// FileByPath fetches a tracked file by its filesystem path.
func (s *Store) FileByPath(ctx context.Context, path string) (*File, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+fileColumns+` FROM files WHERE path = ?`, path)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file by path: %w", err)
	}
	return f, nil
}

// FilesForInterview returns tracked files for an interview, optionally
// filtered by role.
func (s *Store) FilesForInterview(ctx context.Context, interviewID int64, role string) ([]*File, error) {
	ctx = ensureContext(ctx)
	var (
		rows *sql.Rows
		err  error
	)
	if role == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+fileColumns+` FROM files WHERE interview_id = ? ORDER BY role, path`, interviewID)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+fileColumns+` FROM files WHERE interview_id = ? AND role = ? ORDER BY path`, interviewID, role)
	}
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// RemoveFilesByProducer deletes artifact records a stage produced for an
// interview. The healer uses this when purging stale outputs.
func (s *Store) RemoveFilesByProducer(ctx context.Context, interviewID int64, producedBy string) (int64, error) {
	res, err := s.execWithRetry(
		ensureContext(ctx),
		`DELETE FROM files WHERE interview_id = ? AND produced_by = ?`,
		interviewID, producedBy,
	)
	if err != nil {
		return 0, fmt.Errorf("remove files by producer: %w", err)
	}
	return res.RowsAffected()
}
