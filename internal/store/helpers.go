package store

import (
	"database/sql"
	"errors"
	"time"
)

// timeFormat is RFC 3339 with fixed-width nanoseconds so stored UTC
// timestamps compare correctly as strings in SQL.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

const interviewColumns = "id, study, subject, day, interview_name, path, created_at"

func scanInterview(scanner interface{ Scan(dest ...any) error }) (*Interview, error) {
	var (
		id         int64
		study      string
		subject    string
		day        int
		name       string
		path       string
		createdRaw sql.NullString
	)
	if err := scanner.Scan(&id, &study, &subject, &day, &name, &path, &createdRaw); err != nil {
		return nil, err
	}
	iv := &Interview{
		ID:      id,
		Study:   study,
		Subject: subject,
		Day:     day,
		Name:    name,
		Path:    path,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		iv.CreatedAt = created
	}
	return iv, nil
}

const fileColumns = "id, interview_id, role, path, fingerprint, produced_by, created_at, updated_at"

func scanFile(scanner interface{ Scan(dest ...any) error }) (*File, error) {
	var (
		id          int64
		interviewID int64
		role        string
		path        string
		fingerprint sql.NullString
		producedBy  sql.NullString
		createdRaw  sql.NullString
		updatedRaw  sql.NullString
	)
	if err := scanner.Scan(&id, &interviewID, &role, &path, &fingerprint, &producedBy, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	f := &File{
		ID:          id,
		InterviewID: interviewID,
		Role:        role,
		Path:        path,
		Fingerprint: fingerprint.String,
		ProducedBy:  producedBy.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		f.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		f.UpdatedAt = updated
	}
	return f, nil
}

const runColumns = "id, interview_id, stage, status, attempt_count, claim_owner, claimed_at, lease_expires_at, completed_at, last_error, input_fingerprint, healed_fingerprint, created_at, updated_at"

func scanStageRun(scanner interface{ Scan(dest ...any) error }) (*StageRun, error) {
	var (
		id           int64
		interviewID  int64
		stage        string
		statusStr    string
		attemptCount int
		claimOwner   sql.NullString
		claimedRaw   sql.NullString
		leaseRaw     sql.NullString
		completedRaw sql.NullString
		lastError    sql.NullString
		inputFP      sql.NullString
		healedFP     sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&interviewID,
		&stage,
		&statusStr,
		&attemptCount,
		&claimOwner,
		&claimedRaw,
		&leaseRaw,
		&completedRaw,
		&lastError,
		&inputFP,
		&healedFP,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	run := &StageRun{
		ID:                id,
		InterviewID:       interviewID,
		Stage:             stage,
		Status:            Status(statusStr),
		AttemptCount:      attemptCount,
		ClaimOwner:        claimOwner.String,
		LastError:         lastError.String,
		InputFingerprint:  inputFP.String,
		HealedFingerprint: healedFP.String,
	}
	if claimedRaw.Valid {
		if t, err := parseTimeString(claimedRaw.String); err == nil {
			run.ClaimedAt = &t
		}
	}
	if leaseRaw.Valid {
		if t, err := parseTimeString(leaseRaw.String); err == nil {
			run.LeaseExpiresAt = &t
		}
	}
	if completedRaw.Valid {
		if t, err := parseTimeString(completedRaw.String); err == nil {
			run.CompletedAt = &t
		}
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		run.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		run.UpdatedAt = updated
	}
	return run, nil
}
