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

package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vestfi/vest/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
// Methods with a Tx suffix participate in a caller-managed transaction and
// must only be invoked through WithTransaction.
type IDataSource interface {
	purchase
	ledger
	commission
	balance
	processing
	outbox

	// WithTransaction runs fn atomically: all writes inside fn commit
	// together or roll back together.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error
}

// purchase defines methods for handling purchase contracts.
type purchase interface {
	CreatePurchase(ctx context.Context, p *model.Purchase) (*model.Purchase, error)
	GetPurchase(ctx context.Context, purchaseID string) (*model.Purchase, error)
	GetEligiblePurchases(ctx context.Context, activatedOnOrBefore time.Time) ([]*model.Purchase, error)
	SavePurchaseTx(ctx context.Context, tx *sql.Tx, p *model.Purchase) error
	MarkPurchaseCompleted(ctx context.Context, purchaseID string, completedAt time.Time) error
	ExpirePendingPurchases(ctx context.Context, createdBefore time.Time) (int64, error)
	CreateLicenseTx(ctx context.Context, tx *sql.Tx, lic *model.License) error
	CreateLicense(ctx context.Context, lic *model.License) error
}

// ledger defines methods for handling benefit ledger entries.
type ledger interface {
	LedgerEntryExists(ctx context.Context, purchaseID string, kind model.EntryKind, cycle, day int, scheduledFor time.Time) (bool, error)
	CreateLedgerEntryTx(ctx context.Context, tx *sql.Tx, entry *model.LedgerEntry) error
	GetLedgerEntries(ctx context.Context, purchaseID string, limit, offset int) ([]model.LedgerEntry, error)
}

// commission defines methods for handling referral commission schedules.
type commission interface {
	SeedCommissionScheduleTx(ctx context.Context, tx *sql.Tx, days []*model.CommissionDay) error
	GetDueCommissions(ctx context.Context, dueOn time.Time) ([]*model.CommissionDay, error)
	MarkCommissionReleasedTx(ctx context.Context, tx *sql.Tx, purchaseID string, kind model.CommissionKind, dayOffset int, entryID string) error
	MarkCommissionForfeitedTx(ctx context.Context, tx *sql.Tx, purchaseID string, kind model.CommissionKind, dayOffset int) error
}

// balance defines methods for handling user balances and withdrawals.
type balance interface {
	GetBalance(ctx context.Context, userID, currency string) (*model.Balance, error)
	IncrementBalanceTx(ctx context.Context, tx *sql.Tx, userID, currency string, availableDelta, pendingDelta, earnedDelta decimal.Decimal) error
	ReserveBalanceTx(ctx context.Context, tx *sql.Tx, userID, currency string, amount decimal.Decimal) error
	CreateWithdrawalTx(ctx context.Context, tx *sql.Tx, w *model.Withdrawal) error
}

// processing defines methods for the per-date and per-job progress markers.
type processing interface {
	GetDailyRun(ctx context.Context, date string) (*model.DailyProcessingState, error)
	StartDailyRun(ctx context.Context, date, trigger string) error
	CompleteDailyRun(ctx context.Context, date string, stats model.RunStats) error
	FailDailyRun(ctx context.Context, date string, stats model.RunStats, errMsg string) error
	AcquireJob(ctx context.Context, name string) (bool, error)
	ReleaseJob(ctx context.Context, name string, status model.JobStatus, stats model.RunStats, errMsg string) error
	GetJobState(ctx context.Context, name string) (*model.JobState, error)
}

// outbox defines methods for the durable event log.
type outbox interface {
	CreateOutboxEventTx(ctx context.Context, tx *sql.Tx, event *model.OutboxEvent) error
	ClaimPendingOutboxEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, eventID string) error
	ReturnOutboxForRetry(ctx context.Context, eventID string, nextRetryAt time.Time, deliveryErr string) error
	MarkOutboxFailed(ctx context.Context, eventID string, deliveryErr string) error
	PurgePublishedOutbox(ctx context.Context, olderThan time.Time) (int64, error)
	GetOutboxEvents(ctx context.Context, status model.OutboxStatus, limit int) ([]*model.OutboxEvent, error)
}
