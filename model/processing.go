package model

import (
	"time"
)

// DailyRunStatus is the closed set of per-date processing states.
type DailyRunStatus string

const (
	RunStarted   DailyRunStatus = "started"
	RunCompleted DailyRunStatus = "completed"
	RunFailed    DailyRunStatus = "failed"
)

// JobStatus is the closed set of job-level states. A job stuck in "running"
// blocks further invocations of the same job name.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobError   JobStatus = "error"
)

// RunStats aggregates per-unit outcomes of a processing pass.
type RunStats struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Merge folds another stats block into this one.
func (s *RunStats) Merge(other RunStats) {
	s.Processed += other.Processed
	s.Skipped += other.Skipped
	s.Errors += other.Errors
}

// DailyProcessingState is the per-calendar-date progress marker. A date whose
// state is "completed" is never recomputed unless forced, which makes the
// daily pass idempotent across crashes and double invocations.
type DailyProcessingState struct {
	ID         int64          `json:"-"`
	Date       string         `json:"date"` // ISO calendar date in the operational timezone
	Status     DailyRunStatus `json:"status"`
	Trigger    string         `json:"trigger"` // "automatic" or "manual"
	Stats      RunStats       `json:"stats"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}

// JobState is the per-job-name marker guarding the whole multi-date pass.
// It is coarser than the per-date state and protects against a scheduler
// misfire while a previous invocation is still iterating catch-up dates.
type JobState struct {
	ID            int64     `json:"-"`
	Name          string    `json:"name"`
	Status        JobStatus `json:"status"`
	Stats         RunStats  `json:"stats"`
	Error         string    `json:"error,omitempty"`
	LastRunAt     time.Time `json:"last_run_at"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}

// ISODate renders a time as the ISO calendar date string used to key daily
// processing states.
func ISODate(t time.Time) string {
	return t.Format("2006-01-02")
}
