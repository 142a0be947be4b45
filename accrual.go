/*
Copyright 2025 Vest Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vest

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vestfi/vest/config"
	"github.com/vestfi/vest/internal/apierror"
	redlock "github.com/vestfi/vest/internal/lock"
	"github.com/vestfi/vest/internal/notification"
	"github.com/vestfi/vest/model"
)

// JobDailyAccrual is the job-state name guarding the daily pass.
const JobDailyAccrual = "daily_accrual"

// accrualLockTTL bounds how long one accrual invocation may hold the
// cross-instance lock, catch-up days included.
const accrualLockTTL = 30 * time.Minute

// accrualScanHorizonDays bounds how far back the owed-dates scan walks when
// no completed run is found at all (e.g. a fresh deployment).
const accrualScanHorizonDays = 60

// RunAccrual executes the daily benefit and commission pass for every date
// owed up to today in the operational timezone. Three layers keep concurrent
// invocations from double-paying: a redis lock across instances, the job
// state row across schedulers, and per-date completion markers plus ledger
// idempotency keys underneath.
func (l *Vest) RunAccrual(ctx context.Context, trigger string) (model.RunStats, error) {
	var stats model.RunStats
	conf, err := config.Fetch()
	if err != nil {
		return stats, err
	}

	locker := redlock.NewLocker(l.redis, "vest:accrual:lock", model.GenerateUUIDWithSuffix("loc"))
	if err := locker.Lock(ctx, accrualLockTTL); err != nil {
		logrus.Info("accrual pass already running on another instance, skipping")
		return stats, nil
	}
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			logrus.Warnf("failed to release accrual lock: %v", err)
		}
	}()

	acquired, err := l.datasource.AcquireJob(ctx, JobDailyAccrual)
	if err != nil {
		return stats, err
	}
	if !acquired {
		logrus.Info("accrual job already running, skipping")
		return stats, nil
	}

	loc := conf.OperationalLocation()
	owed, err := l.datesOwed(ctx, loc, conf.Accrual.MaxCatchupDays)
	if err != nil {
		_ = l.datasource.ReleaseJob(ctx, JobDailyAccrual, model.JobError, stats, err.Error())
		return stats, err
	}

	var firstErr error
	for _, date := range owed {
		dateStats, err := l.ProcessDate(ctx, date, trigger, false)
		stats.Merge(dateStats)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			notification.NotifyError(err)
		}
	}

	if firstErr != nil {
		_ = l.datasource.ReleaseJob(ctx, JobDailyAccrual, model.JobError, stats, firstErr.Error())
		return stats, firstErr
	}
	if err := l.datasource.ReleaseJob(ctx, JobDailyAccrual, model.JobSuccess, stats, ""); err != nil {
		return stats, err
	}
	return stats, nil
}

// datesOwed walks backward from today collecting dates without a completed
// run, oldest first. When the backlog exceeds maxCatchup only the newest
// maxCatchup dates are returned; the rest are logged and left behind rather
// than hammering the database with an unbounded replay.
func (l *Vest) datesOwed(ctx context.Context, loc *time.Location, maxCatchup int) ([]string, error) {
	var owed []string
	now := time.Now().In(loc)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	today := model.ISODate(day)

	anyRunSeen := false
	for i := 0; i < accrualScanHorizonDays; i++ {
		date := model.ISODate(day)
		state, err := l.datasource.GetDailyRun(ctx, date)
		if err != nil {
			if !apierror.IsNotFound(err) {
				return nil, err
			}
			owed = append(owed, date)
		} else if state.Status == model.RunCompleted {
			anyRunSeen = true
			break
		} else {
			anyRunSeen = true
			owed = append(owed, date)
		}
		day = day.AddDate(0, 0, -1)
	}

	// A deployment with no run history at all starts from today; historical
	// backfill only applies once at least one run has been recorded.
	if !anyRunSeen {
		return []string{today}, nil
	}

	// owed is newest-first; flip to process in calendar order.
	for i, j := 0, len(owed)-1; i < j; i, j = i+1, j-1 {
		owed[i], owed[j] = owed[j], owed[i]
	}

	if maxCatchup > 0 && len(owed) > maxCatchup {
		for _, skipped := range owed[:len(owed)-maxCatchup] {
			logrus.WithField("date", skipped).Warn("catch-up window exceeded, skipping date")
		}
		owed = owed[len(owed)-maxCatchup:]
	}
	return owed, nil
}

// ProcessDate runs the benefit and commission pass for one calendar date. A
// date already marked completed is skipped unless force is set; force exists
// for operator reruns and relies on the ledger idempotency keys to keep the
// rerun from paying anything twice.
func (l *Vest) ProcessDate(ctx context.Context, date, trigger string, force bool) (model.RunStats, error) {
	var stats model.RunStats
	conf, err := config.Fetch()
	if err != nil {
		return stats, err
	}
	loc := conf.OperationalLocation()

	state, err := l.datasource.GetDailyRun(ctx, date)
	if err == nil && state.Status == model.RunCompleted && !force {
		logrus.WithField("date", date).Info("date already processed, skipping")
		return state.Stats, nil
	}
	if err != nil && !apierror.IsNotFound(err) {
		return stats, err
	}

	if err := l.datasource.StartDailyRun(ctx, date, trigger); err != nil {
		return stats, err
	}

	target, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		_ = l.datasource.FailDailyRun(ctx, date, stats, err.Error())
		return stats, err
	}
	endOfDay := target.Add(24 * time.Hour)

	purchases, err := l.datasource.GetEligiblePurchases(ctx, endOfDay)
	if err != nil {
		_ = l.datasource.FailDailyRun(ctx, date, stats, err.Error())
		return stats, err
	}

	for _, p := range purchases {
		outcome := l.processPurchaseForDate(ctx, p, target, conf.Outbox.MaxAttempts)
		stats.Merge(outcome)
	}

	commissionStats := l.processDueCommissions(ctx, target, conf.Outbox.MaxAttempts)
	stats.Merge(commissionStats)

	// Per-unit failures do not fail the date: the eligible set was walked to
	// the end, and the error counter in the stored stats is the record of what
	// went wrong. "failed" is reserved for the fetch and parse paths above,
	// where the pass could not run at all.
	if err := l.datasource.CompleteDailyRun(ctx, date, stats); err != nil {
		return stats, err
	}
	logrus.WithFields(logrus.Fields{
		"date":      date,
		"processed": stats.Processed,
		"skipped":   stats.Skipped,
		"errors":    stats.Errors,
	}).Info("daily pass completed")
	return stats, nil
}

// processPurchaseForDate accrues one benefit day for one purchase. The cycle
// and day are derived from the activation date and the target date, so a
// catch-up run produces exactly the entries the missed runs would have.
func (l *Vest) processPurchaseForDate(ctx context.Context, p *model.Purchase, target time.Time, maxAttempts int) model.RunStats {
	cycle, day, ok := p.CycleForDate(target)
	if !ok {
		return model.RunStats{Skipped: 1}
	}
	if cycle > p.Plan.TotalCycles {
		if p.CompletedAt.IsZero() {
			if err := l.datasource.MarkPurchaseCompleted(ctx, p.PurchaseID, target); err != nil {
				notification.NotifyError(err)
				return model.RunStats{Errors: 1}
			}
		}
		return model.RunStats{Skipped: 1}
	}

	exists, err := l.datasource.LedgerEntryExists(ctx, p.PurchaseID, model.EntryBenefit, cycle, day, target)
	if err != nil {
		notification.NotifyError(err)
		return model.RunStats{Errors: 1}
	}
	if exists {
		return model.RunStats{Skipped: 1}
	}

	amount, err := p.ProcessDailyBenefit(target)
	if err != nil {
		if errors.Is(err, model.ErrCyclesCompleted) || errors.Is(err, model.ErrPurchaseNotActive) {
			return model.RunStats{Skipped: 1}
		}
		notification.NotifyError(err)
		return model.RunStats{Errors: 1}
	}

	entry := model.NewBenefitEntry(p, cycle, day, target, amount)
	if err := l.payBenefit(ctx, p, entry, maxAttempts); err != nil {
		// Lost the race on the idempotency key: another worker paid this day.
		if apierror.IsConflict(err) {
			return model.RunStats{Skipped: 1}
		}
		notification.NotifyError(err)
		return model.RunStats{Errors: 1}
	}

	logrus.WithFields(logrus.Fields{
		"purchase_id": p.PurchaseID,
		"cycle":       cycle,
		"day":         day,
		"amount":      model.MoneyString(amount),
	}).Debug("benefit processed")
	return model.RunStats{Processed: 1}
}

// processDueCommissions releases every unreleased commission day due on or
// before the target date. Days whose purchase is no longer ACTIVE are
// forfeited rather than paid.
func (l *Vest) processDueCommissions(ctx context.Context, target time.Time, maxAttempts int) model.RunStats {
	var stats model.RunStats
	due, err := l.datasource.GetDueCommissions(ctx, target)
	if err != nil {
		notification.NotifyError(err)
		return model.RunStats{Errors: 1}
	}

	for _, day := range due {
		p, err := l.datasource.GetPurchase(ctx, day.PurchaseID)
		if err != nil {
			notification.NotifyError(err)
			stats.Errors++
			continue
		}
		if p.Status != model.PurchaseActive {
			if err := l.forfeitCommission(ctx, day); err != nil {
				notification.NotifyError(err)
				stats.Errors++
			} else {
				stats.Skipped++
			}
			continue
		}

		amount := model.Percentage(p.Principal, day.Rate)
		entry := model.NewCommissionEntry(p, day, target, amount)
		if err := l.payCommission(ctx, p, day, entry, maxAttempts); err != nil {
			if apierror.IsConflict(err) {
				stats.Skipped++
				continue
			}
			notification.NotifyError(err)
			stats.Errors++
			continue
		}
		stats.Processed++
	}
	return stats
}
