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
package mocks

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/vestfi/vest/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// WithTransaction invokes fn with a nil *sql.Tx so service-level tests can
// exercise coordinator flows without a real database. Set an expectation on
// "WithTransaction" returning the error the transaction should surface; a
// nil expectation error means fn's own result is returned.
func (m *MockDataSource) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	args := m.Called(ctx, fn)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	return fn(ctx, nil)
}

// Purchase methods

func (m *MockDataSource) CreatePurchase(ctx context.Context, p *model.Purchase) (*model.Purchase, error) {
	args := m.Called(ctx, p)
	return args.Get(0).(*model.Purchase), args.Error(1)
}

func (m *MockDataSource) GetPurchase(ctx context.Context, purchaseID string) (*model.Purchase, error) {
	args := m.Called(ctx, purchaseID)
	return args.Get(0).(*model.Purchase), args.Error(1)
}

func (m *MockDataSource) GetEligiblePurchases(ctx context.Context, activatedOnOrBefore time.Time) ([]*model.Purchase, error) {
	args := m.Called(ctx, activatedOnOrBefore)
	return args.Get(0).([]*model.Purchase), args.Error(1)
}

func (m *MockDataSource) SavePurchaseTx(ctx context.Context, tx *sql.Tx, p *model.Purchase) error {
	args := m.Called(ctx, tx, p)
	return args.Error(0)
}

func (m *MockDataSource) MarkPurchaseCompleted(ctx context.Context, purchaseID string, completedAt time.Time) error {
	args := m.Called(ctx, purchaseID, completedAt)
	return args.Error(0)
}

func (m *MockDataSource) ExpirePendingPurchases(ctx context.Context, createdBefore time.Time) (int64, error) {
	args := m.Called(ctx, createdBefore)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) CreateLicenseTx(ctx context.Context, tx *sql.Tx, lic *model.License) error {
	args := m.Called(ctx, tx, lic)
	return args.Error(0)
}

func (m *MockDataSource) CreateLicense(ctx context.Context, lic *model.License) error {
	args := m.Called(ctx, lic)
	return args.Error(0)
}

// Ledger methods

func (m *MockDataSource) LedgerEntryExists(ctx context.Context, purchaseID string, kind model.EntryKind, cycle, day int, scheduledFor time.Time) (bool, error) {
	args := m.Called(ctx, purchaseID, kind, cycle, day, scheduledFor)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) CreateLedgerEntryTx(ctx context.Context, tx *sql.Tx, entry *model.LedgerEntry) error {
	args := m.Called(ctx, tx, entry)
	return args.Error(0)
}

func (m *MockDataSource) GetLedgerEntries(ctx context.Context, purchaseID string, limit, offset int) ([]model.LedgerEntry, error) {
	args := m.Called(ctx, purchaseID, limit, offset)
	return args.Get(0).([]model.LedgerEntry), args.Error(1)
}

// Commission methods

func (m *MockDataSource) SeedCommissionScheduleTx(ctx context.Context, tx *sql.Tx, days []*model.CommissionDay) error {
	args := m.Called(ctx, tx, days)
	return args.Error(0)
}

func (m *MockDataSource) GetDueCommissions(ctx context.Context, dueOn time.Time) ([]*model.CommissionDay, error) {
	args := m.Called(ctx, dueOn)
	return args.Get(0).([]*model.CommissionDay), args.Error(1)
}

func (m *MockDataSource) MarkCommissionReleasedTx(ctx context.Context, tx *sql.Tx, purchaseID string, kind model.CommissionKind, dayOffset int, entryID string) error {
	args := m.Called(ctx, tx, purchaseID, kind, dayOffset, entryID)
	return args.Error(0)
}

func (m *MockDataSource) MarkCommissionForfeitedTx(ctx context.Context, tx *sql.Tx, purchaseID string, kind model.CommissionKind, dayOffset int) error {
	args := m.Called(ctx, tx, purchaseID, kind, dayOffset)
	return args.Error(0)
}

// Balance methods

func (m *MockDataSource) GetBalance(ctx context.Context, userID, currency string) (*model.Balance, error) {
	args := m.Called(ctx, userID, currency)
	return args.Get(0).(*model.Balance), args.Error(1)
}

func (m *MockDataSource) IncrementBalanceTx(ctx context.Context, tx *sql.Tx, userID, currency string, availableDelta, pendingDelta, earnedDelta decimal.Decimal) error {
	args := m.Called(ctx, tx, userID, currency, availableDelta, pendingDelta, earnedDelta)
	return args.Error(0)
}

func (m *MockDataSource) ReserveBalanceTx(ctx context.Context, tx *sql.Tx, userID, currency string, amount decimal.Decimal) error {
	args := m.Called(ctx, tx, userID, currency, amount)
	return args.Error(0)
}

func (m *MockDataSource) CreateWithdrawalTx(ctx context.Context, tx *sql.Tx, w *model.Withdrawal) error {
	args := m.Called(ctx, tx, w)
	return args.Error(0)
}

// Processing state methods

func (m *MockDataSource) GetDailyRun(ctx context.Context, date string) (*model.DailyProcessingState, error) {
	args := m.Called(ctx, date)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DailyProcessingState), args.Error(1)
}

func (m *MockDataSource) StartDailyRun(ctx context.Context, date, trigger string) error {
	args := m.Called(ctx, date, trigger)
	return args.Error(0)
}

func (m *MockDataSource) CompleteDailyRun(ctx context.Context, date string, stats model.RunStats) error {
	args := m.Called(ctx, date, stats)
	return args.Error(0)
}

func (m *MockDataSource) FailDailyRun(ctx context.Context, date string, stats model.RunStats, errMsg string) error {
	args := m.Called(ctx, date, stats, errMsg)
	return args.Error(0)
}

func (m *MockDataSource) AcquireJob(ctx context.Context, name string) (bool, error) {
	args := m.Called(ctx, name)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) ReleaseJob(ctx context.Context, name string, status model.JobStatus, stats model.RunStats, errMsg string) error {
	args := m.Called(ctx, name, status, stats, errMsg)
	return args.Error(0)
}

func (m *MockDataSource) GetJobState(ctx context.Context, name string) (*model.JobState, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.JobState), args.Error(1)
}

// Outbox methods

func (m *MockDataSource) CreateOutboxEventTx(ctx context.Context, tx *sql.Tx, event *model.OutboxEvent) error {
	args := m.Called(ctx, tx, event)
	return args.Error(0)
}

func (m *MockDataSource) ClaimPendingOutboxEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]*model.OutboxEvent), args.Error(1)
}

func (m *MockDataSource) MarkOutboxPublished(ctx context.Context, eventID string) error {
	args := m.Called(ctx, eventID)
	return args.Error(0)
}

func (m *MockDataSource) ReturnOutboxForRetry(ctx context.Context, eventID string, nextRetryAt time.Time, deliveryErr string) error {
	args := m.Called(ctx, eventID, nextRetryAt, deliveryErr)
	return args.Error(0)
}

func (m *MockDataSource) MarkOutboxFailed(ctx context.Context, eventID string, deliveryErr string) error {
	args := m.Called(ctx, eventID, deliveryErr)
	return args.Error(0)
}

func (m *MockDataSource) PurgePublishedOutbox(ctx context.Context, olderThan time.Time) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) GetOutboxEvents(ctx context.Context, status model.OutboxStatus, limit int) ([]*model.OutboxEvent, error) {
	args := m.Called(ctx, status, limit)
	return args.Get(0).([]*model.OutboxEvent), args.Error(1)
}
