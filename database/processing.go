package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vestfi/vest/internal/apierror"
	"github.com/vestfi/vest/model"
)

func (d Datasource) GetDailyRun(ctx context.Context, date string) (*model.DailyProcessingState, error) {
	state := &model.DailyProcessingState{}
	var runDate sql.NullTime
	var finishedAt sql.NullTime
	err := d.Conn.QueryRowContext(ctx, `
		SELECT run_date, status, trigger_source, processed, skipped, errors, error_message, started_at, finished_at
		FROM vest.daily_runs
		WHERE run_date = $1
	`, date).Scan(
		&runDate, &state.Status, &state.Trigger,
		&state.Stats.Processed, &state.Stats.Skipped, &state.Stats.Errors,
		&state.Error, &state.StartedAt, &finishedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No processing state for date '%s'", date), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve daily processing state", err)
	}
	if runDate.Valid {
		state.Date = model.ISODate(runDate.Time)
	}
	if finishedAt.Valid {
		state.FinishedAt = finishedAt.Time
	}
	return state, nil
}

// StartDailyRun records that processing for a date has begun. A rerun of a
// date that previously failed resets its counters; the unique run_date row
// is the per-date ledger of record.
func (d Datasource) StartDailyRun(ctx context.Context, date, trigger string) error {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO vest.daily_runs (run_date, status, trigger_source, started_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (run_date) DO UPDATE
		SET status = EXCLUDED.status, trigger_source = EXCLUDED.trigger_source,
			processed = 0, skipped = 0, errors = 0, error_message = '',
			started_at = NOW(), finished_at = NULL
	`, date, model.RunStarted, trigger)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to start daily run", err)
	}
	return nil
}

func (d Datasource) CompleteDailyRun(ctx context.Context, date string, stats model.RunStats) error {
	return d.finishDailyRun(ctx, date, model.RunCompleted, stats, "")
}

func (d Datasource) FailDailyRun(ctx context.Context, date string, stats model.RunStats, errMsg string) error {
	return d.finishDailyRun(ctx, date, model.RunFailed, stats, errMsg)
}

func (d Datasource) finishDailyRun(ctx context.Context, date string, status model.DailyRunStatus, stats model.RunStats, errMsg string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE vest.daily_runs
		SET status = $2, processed = $3, skipped = $4, errors = $5, error_message = $6, finished_at = NOW()
		WHERE run_date = $1
	`, date, status, stats.Processed, stats.Skipped, stats.Errors, errMsg)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to finish daily run", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No processing state for date '%s'", date), nil)
	}
	return nil
}

// staleJobTimeout is how long a "running" job state is honored before it can
// be taken over. A process that crashed between acquire and release would
// otherwise wedge the job permanently. The window exceeds the redis lock TTL,
// so a live holder always finishes or renews before its row turns stale.
const staleJobTimeout = time.Hour

// AcquireJob attempts to flip the named job into "running". It returns false
// when the job is already running, which is how a scheduler misfire is kept
// from stacking a second pass on top of an in-flight one. A running row whose
// last_run_at is older than staleJobTimeout is taken over, since its holder
// evidently died without releasing.
func (d Datasource) AcquireJob(ctx context.Context, name string) (bool, error) {
	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO vest.job_states (name, status, last_run_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE
		SET status = EXCLUDED.status, last_run_at = NOW(),
			processed = 0, skipped = 0, errors = 0, error_message = ''
		WHERE vest.job_states.status <> $2
		   OR vest.job_states.last_run_at < NOW() - make_interval(secs => $3)
	`, name, model.JobRunning, staleJobTimeout.Seconds())
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return false, nil
		}
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to acquire job", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	return rowsAffected > 0, nil
}

func (d Datasource) ReleaseJob(ctx context.Context, name string, status model.JobStatus, stats model.RunStats, errMsg string) error {
	query := `
		UPDATE vest.job_states
		SET status = $2, processed = $3, skipped = $4, errors = $5, error_message = $6
		WHERE name = $1
	`
	if status == model.JobSuccess {
		query = `
		UPDATE vest.job_states
		SET status = $2, processed = $3, skipped = $4, errors = $5, error_message = $6, last_success_at = NOW()
		WHERE name = $1
	`
	}
	_, err := d.Conn.ExecContext(ctx, query, name, status, stats.Processed, stats.Skipped, stats.Errors, errMsg)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release job", err)
	}
	return nil
}

func (d Datasource) GetJobState(ctx context.Context, name string) (*model.JobState, error) {
	state := &model.JobState{}
	var lastSuccessAt sql.NullTime
	err := d.Conn.QueryRowContext(ctx, `
		SELECT name, status, processed, skipped, errors, error_message, last_run_at, last_success_at
		FROM vest.job_states
		WHERE name = $1
	`, name).Scan(
		&state.Name, &state.Status,
		&state.Stats.Processed, &state.Stats.Skipped, &state.Stats.Errors,
		&state.Error, &state.LastRunAt, &lastSuccessAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No job state for '%s'", name), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve job state", err)
	}
	if lastSuccessAt.Valid {
		state.LastSuccessAt = lastSuccessAt.Time
	}
	return state, nil
}
