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
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/vestfi/vest/config"
	"github.com/vestfi/vest/database"
	"github.com/vestfi/vest/database/mocks"
	"github.com/vestfi/vest/internal/apierror"
	"github.com/vestfi/vest/model"
)

func newTestDataSource(t *testing.T) (*database.Datasource, sqlmock.Sqlmock) {
	t.Helper()
	config.MockConfig(&config.Configuration{})
	db, mockDB, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &database.Datasource{Conn: db}, mockDB
}

func purchaseRowColumns() []string {
	return []string{"purchase_id", "user_id", "package_id", "principal", "currency", "status", "daily_rate", "days_per_cycle", "total_cycles", "referrer_id", "upline_id", "payment_hash", "current_cycle", "current_day", "total_paid", "activated_at", "completed_at", "next_benefit_at", "created_at", "meta_data"}
}

func commissionRowColumns() []string {
	return []string{"purchase_id", "kind", "day_offset", "beneficiary_id", "rate", "due_on", "released", "forfeited", "released_entry_id", "created_at"}
}

func TestProcessDate_PaysEligiblePurchase(t *testing.T) {
	ds, mockDB := newTestDataSource(t)
	engine := &Vest{datasource: ds}

	now := time.Now().UTC()
	target := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	date := model.ISODate(target)

	// No run state for the date yet.
	mockDB.ExpectQuery("SELECT run_date, status, trigger_source").
		WithArgs(date).
		WillReturnError(sql.ErrNoRows)
	mockDB.ExpectExec("INSERT INTO vest.daily_runs").
		WithArgs(date, model.RunStarted, "automatic").
		WillReturnResult(sqlmock.NewResult(1, 1))

	// One ACTIVE purchase activated on the target date: owes cycle 1, day 1.
	mockDB.ExpectQuery("SELECT (.+) FROM vest.purchases").
		WithArgs(model.PurchaseActive, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(purchaseRowColumns()).
			AddRow("pur_1", "usr_1", "pkg_1", "1000.00000000", "USDT", "ACTIVE", "0.12500000", 8, 5,
				"", "", "0xhash", 1, 0, "0", target, nil, target.Add(24*time.Hour), target, []byte(`{}`)))

	mockDB.ExpectQuery("SELECT EXISTS").
		WithArgs("pur_1", model.EntryBenefit, 1, 1, date).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	// The payout unit: ledger entry, balance credit, counter advance and the
	// staged event commit together.
	mockDB.ExpectBegin()
	mockDB.ExpectExec("INSERT INTO vest.ledger_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mockDB.ExpectExec("INSERT INTO vest.balances").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mockDB.ExpectExec("UPDATE vest.purchases").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("INSERT INTO vest.outbox_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mockDB.ExpectCommit()

	// No commissions due.
	mockDB.ExpectQuery("SELECT purchase_id, kind, day_offset").
		WithArgs(date).
		WillReturnRows(sqlmock.NewRows(commissionRowColumns()))

	mockDB.ExpectExec("UPDATE vest.daily_runs").
		WithArgs(date, model.RunCompleted, 1, 0, 0, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	stats, err := engine.ProcessDate(context.Background(), date, "automatic", false)
	assert.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 0, stats.Skipped)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestProcessDate_SkipsCompletedDate(t *testing.T) {
	ds, mockDB := newTestDataSource(t)
	engine := &Vest{datasource: ds}

	now := time.Now().UTC()
	date := model.ISODate(now)

	mockDB.ExpectQuery("SELECT run_date, status, trigger_source").
		WithArgs(date).
		WillReturnRows(sqlmock.NewRows([]string{"run_date", "status", "trigger_source", "processed", "skipped", "errors", "error_message", "started_at", "finished_at"}).
			AddRow(now, "completed", "automatic", 5, 0, 0, "", now, now))

	stats, err := engine.ProcessDate(context.Background(), date, "automatic", false)
	assert.NoError(t, err)
	// The stored stats come back untouched, with no recomputation.
	assert.Equal(t, model.RunStats{Processed: 5}, stats)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestProcessDate_SkipsAlreadyPaidDay(t *testing.T) {
	ds, mockDB := newTestDataSource(t)
	engine := &Vest{datasource: ds}

	now := time.Now().UTC()
	target := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	date := model.ISODate(target)

	mockDB.ExpectQuery("SELECT run_date, status, trigger_source").
		WithArgs(date).
		WillReturnError(sql.ErrNoRows)
	mockDB.ExpectExec("INSERT INTO vest.daily_runs").
		WithArgs(date, model.RunStarted, "manual").
		WillReturnResult(sqlmock.NewResult(1, 1))

	mockDB.ExpectQuery("SELECT (.+) FROM vest.purchases").
		WithArgs(model.PurchaseActive, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(purchaseRowColumns()).
			AddRow("pur_1", "usr_1", "pkg_1", "1000.00000000", "USDT", "ACTIVE", "0.12500000", 8, 5,
				"", "", "0xhash", 1, 1, "125", target, nil, target.Add(24*time.Hour), target, []byte(`{}`)))

	// The day's entry already exists: rerunning the date pays nothing.
	mockDB.ExpectQuery("SELECT EXISTS").
		WithArgs("pur_1", model.EntryBenefit, 1, 1, date).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	mockDB.ExpectQuery("SELECT purchase_id, kind, day_offset").
		WithArgs(date).
		WillReturnRows(sqlmock.NewRows(commissionRowColumns()))

	mockDB.ExpectExec("UPDATE vest.daily_runs").
		WithArgs(date, model.RunCompleted, 0, 1, 0, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	stats, err := engine.ProcessDate(context.Background(), date, "manual", true)
	assert.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Processed)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestProcessDate_MarksSchedulePastFinalCycleCompleted(t *testing.T) {
	ds, mockDB := newTestDataSource(t)
	engine := &Vest{datasource: ds}

	now := time.Now().UTC()
	target := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	date := model.ISODate(target)
	// Activated 40 days ago on an 8x5 plan: the full schedule has elapsed.
	activated := target.AddDate(0, 0, -40)

	mockDB.ExpectQuery("SELECT run_date, status, trigger_source").
		WithArgs(date).
		WillReturnError(sql.ErrNoRows)
	mockDB.ExpectExec("INSERT INTO vest.daily_runs").
		WithArgs(date, model.RunStarted, "automatic").
		WillReturnResult(sqlmock.NewResult(1, 1))

	mockDB.ExpectQuery("SELECT (.+) FROM vest.purchases").
		WithArgs(model.PurchaseActive, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(purchaseRowColumns()).
			AddRow("pur_done", "usr_1", "pkg_1", "1000.00000000", "USDT", "ACTIVE", "0.12500000", 8, 5,
				"", "", "0xhash", 6, 0, "5000", activated, nil, nil, activated, []byte(`{}`)))

	mockDB.ExpectExec("UPDATE vest.purchases").
		WithArgs("pur_done", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mockDB.ExpectQuery("SELECT purchase_id, kind, day_offset").
		WithArgs(date).
		WillReturnRows(sqlmock.NewRows(commissionRowColumns()))

	mockDB.ExpectExec("UPDATE vest.daily_runs").
		WithArgs(date, model.RunCompleted, 0, 1, 0, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	stats, err := engine.ProcessDate(context.Background(), date, "automatic", false)
	assert.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestProcessDate_CompletesDespitePerUnitError(t *testing.T) {
	ds, mockDB := newTestDataSource(t)
	engine := &Vest{datasource: ds}

	now := time.Now().UTC()
	target := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	date := model.ISODate(target)

	mockDB.ExpectQuery("SELECT run_date, status, trigger_source").
		WithArgs(date).
		WillReturnError(sql.ErrNoRows)
	mockDB.ExpectExec("INSERT INTO vest.daily_runs").
		WithArgs(date, model.RunStarted, "automatic").
		WillReturnResult(sqlmock.NewResult(1, 1))

	mockDB.ExpectQuery("SELECT (.+) FROM vest.purchases").
		WithArgs(model.PurchaseActive, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(purchaseRowColumns()).
			AddRow("pur_1", "usr_1", "pkg_1", "1000.00000000", "USDT", "ACTIVE", "0.12500000", 8, 5,
				"", "", "0xhash", 1, 0, "0", target, nil, target.Add(24*time.Hour), target, []byte(`{}`)))

	mockDB.ExpectQuery("SELECT EXISTS").
		WithArgs("pur_1", model.EntryBenefit, 1, 1, date).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	// The payout unit fails mid-flight and rolls back.
	mockDB.ExpectBegin()
	mockDB.ExpectExec("INSERT INTO vest.ledger_entries").
		WillReturnError(sql.ErrConnDone)
	mockDB.ExpectRollback()

	mockDB.ExpectQuery("SELECT purchase_id, kind, day_offset").
		WithArgs(date).
		WillReturnRows(sqlmock.NewRows(commissionRowColumns()))

	// The date still completes; the failure is carried in the error counter,
	// not escalated into a failed run.
	mockDB.ExpectExec("UPDATE vest.daily_runs").
		WithArgs(date, model.RunCompleted, 0, 0, 1, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	stats, err := engine.ProcessDate(context.Background(), date, "automatic", false)
	assert.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 0, stats.Processed)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestProcessDate_ForfeitsCommissionOnInactivePurchase(t *testing.T) {
	ds, mockDB := newTestDataSource(t)
	engine := &Vest{datasource: ds}

	now := time.Now().UTC()
	target := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	date := model.ISODate(target)

	mockDB.ExpectQuery("SELECT run_date, status, trigger_source").
		WithArgs(date).
		WillReturnError(sql.ErrNoRows)
	mockDB.ExpectExec("INSERT INTO vest.daily_runs").
		WithArgs(date, model.RunStarted, "automatic").
		WillReturnResult(sqlmock.NewResult(1, 1))

	mockDB.ExpectQuery("SELECT (.+) FROM vest.purchases").
		WithArgs(model.PurchaseActive, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(purchaseRowColumns()))

	mockDB.ExpectQuery("SELECT purchase_id, kind, day_offset").
		WithArgs(date).
		WillReturnRows(sqlmock.NewRows(commissionRowColumns()).
			AddRow("pur_rejected", "REFERRER", 8, "usr_ref", "5", target, false, false, "", target))

	// The downstream purchase was rejected after the schedule was seeded.
	mockDB.ExpectQuery("SELECT (.+) FROM vest.purchases").
		WithArgs("pur_rejected").
		WillReturnRows(sqlmock.NewRows(purchaseRowColumns()).
			AddRow("pur_rejected", "usr_1", "pkg_1", "1000.00000000", "USDT", "REJECTED", "0.12500000", 8, 5,
				"usr_ref", "", "0xhash", 0, 0, "0", nil, nil, nil, target, []byte(`{}`)))

	// The day is marked forfeited, not released: it drops out of the due set
	// for good without ever looking like a payout.
	mockDB.ExpectBegin()
	mockDB.ExpectExec("SET forfeited = TRUE").
		WithArgs("pur_rejected", model.CommissionReferrer, 8).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectCommit()

	mockDB.ExpectExec("UPDATE vest.daily_runs").
		WithArgs(date, model.RunCompleted, 0, 1, 0, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	stats, err := engine.ProcessDate(context.Background(), date, "automatic", false)
	assert.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Processed)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestDatesOwed_BoundedByCatchupWindow(t *testing.T) {
	config.MockConfig(&config.Configuration{})
	mockDS := new(mocks.MockDataSource)
	engine := &Vest{datasource: mockDS}

	loc := time.UTC
	now := time.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	notFound := apierror.NewAPIError(apierror.ErrNotFound, "no state", nil)
	// Ten consecutive missing dates, then a completed one.
	for i := 0; i < 10; i++ {
		date := model.ISODate(today.AddDate(0, 0, -i))
		mockDS.On("GetDailyRun", mock.Anything, date).Return(nil, notFound)
	}
	completedDate := model.ISODate(today.AddDate(0, 0, -10))
	mockDS.On("GetDailyRun", mock.Anything, completedDate).Return(&model.DailyProcessingState{
		Date:   completedDate,
		Status: model.RunCompleted,
	}, nil)

	owed, err := engine.datesOwed(context.Background(), loc, 7)
	assert.NoError(t, err)
	assert.Len(t, owed, 7)
	// Oldest three missing dates fall outside the window; the newest seven
	// survive, in calendar order.
	assert.Equal(t, model.ISODate(today.AddDate(0, 0, -6)), owed[0])
	assert.Equal(t, model.ISODate(today), owed[6])
	mockDS.AssertExpectations(t)
}

func TestDatesOwed_NothingOwed(t *testing.T) {
	config.MockConfig(&config.Configuration{})
	mockDS := new(mocks.MockDataSource)
	engine := &Vest{datasource: mockDS}

	loc := time.UTC
	now := time.Now().In(loc)
	today := model.ISODate(now)

	mockDS.On("GetDailyRun", mock.Anything, today).Return(&model.DailyProcessingState{
		Date:   today,
		Status: model.RunCompleted,
	}, nil)

	owed, err := engine.datesOwed(context.Background(), loc, 7)
	assert.NoError(t, err)
	assert.Empty(t, owed)
}

func TestDatesOwed_FirstRunProcessesOnlyToday(t *testing.T) {
	config.MockConfig(&config.Configuration{})
	mockDS := new(mocks.MockDataSource)
	engine := &Vest{datasource: mockDS}

	loc := time.UTC
	notFound := apierror.NewAPIError(apierror.ErrNotFound, "no state", nil)
	mockDS.On("GetDailyRun", mock.Anything, mock.Anything).Return(nil, notFound)

	// No run history anywhere: no historical backfill, just today.
	owed, err := engine.datesOwed(context.Background(), loc, 7)
	assert.NoError(t, err)
	assert.Equal(t, []string{model.ISODate(time.Now().In(loc))}, owed)
}
