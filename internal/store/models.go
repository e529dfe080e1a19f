package store

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a stage run.
type Status string

const (
	StatusPending         Status = "pending"
	StatusClaimed         Status = "claimed"
	StatusRunning         Status = "running"
	StatusSucceeded       Status = "succeeded"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedPermanent Status = "failed_permanent"
	StatusSkipped         Status = "skipped"
)

var allStatuses = []Status{
	StatusPending,
	StatusClaimed,
	StatusRunning,
	StatusSucceeded,
	StatusFailedRetryable,
	StatusFailedPermanent,
	StatusSkipped,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var inFlightStatuses = map[Status]struct{}{
	StatusClaimed: {},
	StatusRunning: {},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsInFlight reports whether a status holds a lease on the run.
func IsInFlight(status Status) bool {
	_, ok := inFlightStatuses[status]
	return ok
}

// IsTerminal reports whether a status ends the run's lifecycle.
func IsTerminal(status Status) bool {
	switch status {
	case StatusSucceeded, StatusFailedPermanent, StatusSkipped:
		return true
	default:
		return false
	}
}

// Interview is a discovered interview recording session.
type Interview struct {
	ID        int64
	Study     string
	Subject   string
	Day       int
	Name      string
	Path      string
	CreatedAt time.Time
}

// File is an input or artifact tracked for an interview.
type File struct {
	ID          int64
	InterviewID int64
	Role        string
	Path        string
	Fingerprint string
	ProducedBy  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StageRun is one stage's processing record for one interview.
type StageRun struct {
	ID                int64
	InterviewID       int64
	Stage             string
	Status            Status
	AttemptCount      int
	ClaimOwner        string
	ClaimedAt         *time.Time
	LeaseExpiresAt    *time.Time
	CompletedAt       *time.Time
	LastError         string
	InputFingerprint  string
	HealedFingerprint string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// LeaseExpired reports whether the run holds a lease that lapsed before now.
func (r *StageRun) LeaseExpired(now time.Time) bool {
	if !IsInFlight(r.Status) || r.LeaseExpiresAt == nil {
		return false
	}
	return r.LeaseExpiresAt.Before(now)
}

// StatusCount aggregates run counts for one stage and status.
type StatusCount struct {
	Stage  string
	Status Status
	Count  int
}

// InterviewSummary pairs an interview with its stage run rows for presentation.
type InterviewSummary struct {
	Interview Interview
	Runs      []*StageRun
}
