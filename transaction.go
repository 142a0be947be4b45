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
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/vestfi/vest/config"
	"github.com/vestfi/vest/internal/apierror"
	"github.com/vestfi/vest/internal/notification"
	"github.com/vestfi/vest/model"
)

// transactionRecord is the diagnostic trail of one coordinator unit of work:
// what it was doing, when it started, and how it ended.
type transactionRecord struct {
	Op        string
	Status    string
	StartedAt time.Time
}

// activeTransactions tracks units of work by transaction ID, for diagnostics
// when a unit hangs or an operator needs to trace a recent one. Records stay
// around for transactionRetention after start, terminal status included, then
// a single background pruner drops them.
var activeTransactions sync.Map

const transactionRetention = time.Hour

var startPruner sync.Once

func trackTransaction(txID, op string) {
	startPruner.Do(func() {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for range ticker.C {
				cutoff := time.Now().Add(-transactionRetention)
				activeTransactions.Range(func(key, value interface{}) bool {
					if rec, ok := value.(transactionRecord); ok && rec.StartedAt.Before(cutoff) {
						activeTransactions.Delete(key)
					}
					return true
				})
			}
		}()
	})
	activeTransactions.Store(txID, transactionRecord{Op: op, Status: "in_flight", StartedAt: time.Now()})
}

func finishTransaction(txID string, err error) {
	value, ok := activeTransactions.Load(txID)
	if !ok {
		return
	}
	rec := value.(transactionRecord)
	if err != nil {
		rec.Status = "rolled_back"
	} else {
		rec.Status = "committed"
	}
	activeTransactions.Store(txID, rec)
}

// executeTransaction runs fn as one atomic unit of work identified by a fresh
// transaction ID. Every record written inside fn carries that ID, and the
// staged outbox events only become visible if the whole unit commits.
func (l *Vest) executeTransaction(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx, txID string) error) (string, error) {
	txID := model.GenerateUUIDWithSuffix("txn")
	trackTransaction(txID, op)

	err := l.datasource.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, tx, txID)
	})
	finishTransaction(txID, err)
	return txID, err
}

// CreatePurchase records a new purchase contract in PENDING_PAYMENT.
func (l *Vest) CreatePurchase(ctx context.Context, p *model.Purchase) (*model.Purchase, error) {
	return l.datasource.CreatePurchase(ctx, p)
}

// GetPurchase fetches a purchase by ID.
func (l *Vest) GetPurchase(ctx context.Context, purchaseID string) (*model.Purchase, error) {
	return l.datasource.GetPurchase(ctx, purchaseID)
}

// GetLedgerEntries lists a purchase's accrual history, newest first.
func (l *Vest) GetLedgerEntries(ctx context.Context, purchaseID string, limit, offset int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.datasource.GetLedgerEntries(ctx, purchaseID, limit, offset)
}

// GetBalance fetches a user's balance in the given currency.
func (l *Vest) GetBalance(ctx context.Context, userID, currency string) (*model.Balance, error) {
	return l.datasource.GetBalance(ctx, userID, currency)
}

// SubmitPayment records the payment hash for a pending purchase and moves it
// to CONFIRMING, awaiting verification.
func (l *Vest) SubmitPayment(ctx context.Context, purchaseID, paymentHash string) (*model.Purchase, error) {
	p, err := l.datasource.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if err := p.SubmitPaymentHash(paymentHash); err != nil {
		return nil, err
	}
	_, err = l.executeTransaction(ctx, "submit_payment", func(ctx context.Context, tx *sql.Tx, txID string) error {
		return l.datasource.SavePurchaseTx(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ConfirmPurchase verifies a CONFIRMING purchase and activates its benefit
// schedule. In one atomic unit: the purchase flips APPROVED then ACTIVE, the
// commission schedule is seeded for its referral chain, and a
// PURCHASE_CONFIRMED event is staged. The license is derived after commit; a
// failure there is surfaced for out-of-band retry, never a rollback of the
// confirmation.
func (l *Vest) ConfirmPurchase(ctx context.Context, purchaseID string) (*model.Purchase, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	p, err := l.datasource.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if err := p.Approve(); err != nil {
		return nil, err
	}
	if err := p.Activate(time.Now()); err != nil {
		return nil, err
	}

	referrerRate, err := model.ToDecimal(conf.Commission.ReferrerRate)
	if err != nil {
		return nil, err
	}
	parentRate, err := model.ToDecimal(conf.Commission.ParentRate)
	if err != nil {
		return nil, err
	}
	schedule := model.NewCommissionSchedule(p, conf.Commission.ReferrerDay, conf.Commission.ParentDay, referrerRate, parentRate)

	_, err = l.executeTransaction(ctx, "confirm_purchase", func(ctx context.Context, tx *sql.Tx, txID string) error {
		if err := l.datasource.SavePurchaseTx(ctx, tx, p); err != nil {
			return err
		}
		if err := l.datasource.SeedCommissionScheduleTx(ctx, tx, schedule); err != nil {
			return err
		}
		event := model.NewOutboxEvent(model.EventPurchaseConfirmed, p.PurchaseID, "purchase", map[string]interface{}{
			"purchase_id":  p.PurchaseID,
			"user_id":      p.UserID,
			"package_id":   p.PackageID,
			"principal":    model.MoneyString(p.Principal),
			"currency":     p.Currency,
			"activated_at": p.ActivatedAt,
		}, txID)
		event.MaxAttempts = conf.Outbox.MaxAttempts
		return l.datasource.CreateOutboxEventTx(ctx, tx, event)
	})
	if err != nil {
		return nil, err
	}

	if err := l.datasource.CreateLicense(ctx, model.NewLicense(p)); err != nil && !apierror.IsConflict(err) {
		notification.NotifyError(err)
	}
	return p, nil
}

// RejectPurchase moves a CONFIRMING purchase into the absorbing REJECTED
// state with the reason on record.
func (l *Vest) RejectPurchase(ctx context.Context, purchaseID, reason string) (*model.Purchase, error) {
	p, err := l.datasource.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if err := p.Reject(reason); err != nil {
		return nil, err
	}
	_, err = l.executeTransaction(ctx, "reject_purchase", func(ctx context.Context, tx *sql.Tx, txID string) error {
		return l.datasource.SavePurchaseTx(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// payBenefit applies one accrual day atomically: the ledger entry is written
// under its idempotency key, the owner balance is credited, the purchase
// counters advance and a BENEFIT_PROCESSED event is staged. A conflict on the
// ledger insert means the day was already paid and the whole unit rolls back
// without side effects.
func (l *Vest) payBenefit(ctx context.Context, p *model.Purchase, entry *model.LedgerEntry, maxAttempts int) error {
	_, err := l.executeTransaction(ctx, "pay_benefit", func(ctx context.Context, tx *sql.Tx, txID string) error {
		entry.TransactionID = txID
		if err := l.datasource.CreateLedgerEntryTx(ctx, tx, entry); err != nil {
			return err
		}
		if err := l.datasource.IncrementBalanceTx(ctx, tx, entry.UserID, p.Currency, entry.Amount, decimal.Zero, entry.Amount); err != nil {
			return err
		}
		if err := l.datasource.SavePurchaseTx(ctx, tx, p); err != nil {
			return err
		}
		event := model.NewOutboxEvent(model.EventBenefitProcessed, p.PurchaseID, "purchase", map[string]interface{}{
			"purchase_id":   p.PurchaseID,
			"user_id":       entry.UserID,
			"entry_id":      entry.EntryID,
			"cycle":         entry.Cycle,
			"day":           entry.Day,
			"amount":        model.MoneyString(entry.Amount),
			"currency":      p.Currency,
			"scheduled_for": model.ISODate(entry.ScheduledFor),
		}, txID)
		event.MaxAttempts = maxAttempts
		return l.datasource.CreateOutboxEventTx(ctx, tx, event)
	})
	return err
}

// payCommission releases one due commission day atomically: the schedule row
// flips to released, the beneficiary's ledger entry and balance credit are
// written, and a COMMISSION_UNLOCKED event is staged. The released flag is
// the idempotency guard; a second release of the same day conflicts and
// rolls back.
func (l *Vest) payCommission(ctx context.Context, p *model.Purchase, day *model.CommissionDay, entry *model.LedgerEntry, maxAttempts int) error {
	_, err := l.executeTransaction(ctx, "pay_commission", func(ctx context.Context, tx *sql.Tx, txID string) error {
		entry.TransactionID = txID
		if err := l.datasource.MarkCommissionReleasedTx(ctx, tx, day.PurchaseID, day.Kind, day.DayOffset, entry.EntryID); err != nil {
			return err
		}
		if err := l.datasource.CreateLedgerEntryTx(ctx, tx, entry); err != nil {
			return err
		}
		if err := l.datasource.IncrementBalanceTx(ctx, tx, day.BeneficiaryID, p.Currency, entry.Amount, decimal.Zero, entry.Amount); err != nil {
			return err
		}
		event := model.NewOutboxEvent(model.EventCommissionUnlocked, p.PurchaseID, "purchase", map[string]interface{}{
			"purchase_id":    p.PurchaseID,
			"beneficiary_id": day.BeneficiaryID,
			"kind":           day.Kind,
			"day_offset":     day.DayOffset,
			"entry_id":       entry.EntryID,
			"amount":         model.MoneyString(entry.Amount),
			"currency":       p.Currency,
		}, txID)
		event.MaxAttempts = maxAttempts
		return l.datasource.CreateOutboxEventTx(ctx, tx, event)
	})
	return err
}

// forfeitCommission retires a due commission day whose purchase is no longer
// ACTIVE. The day is marked forfeited: it stays unreleased, no ledger entry
// or credit is written, and it can never be released later.
func (l *Vest) forfeitCommission(ctx context.Context, day *model.CommissionDay) error {
	_, err := l.executeTransaction(ctx, "forfeit_commission", func(ctx context.Context, tx *sql.Tx, txID string) error {
		return l.datasource.MarkCommissionForfeitedTx(ctx, tx, day.PurchaseID, day.Kind, day.DayOffset)
	})
	if err != nil && !apierror.IsConflict(err) {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"purchase_id": day.PurchaseID,
		"kind":        day.Kind,
		"day_offset":  day.DayOffset,
	}).Info("commission forfeited, purchase no longer active")
	return nil
}

// RequestWithdrawal reserves part of a user's available balance and records
// the withdrawal request in one atomic unit. The funds move available to
// pending; settlement happens in an external admin flow.
func (l *Vest) RequestWithdrawal(ctx context.Context, userID, currency string, amount decimal.Decimal) (*model.Withdrawal, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Withdrawal amount must be positive", nil)
	}

	w := model.NewWithdrawal(userID, currency, amount)
	_, err = l.executeTransaction(ctx, "request_withdrawal", func(ctx context.Context, tx *sql.Tx, txID string) error {
		if err := l.datasource.ReserveBalanceTx(ctx, tx, userID, currency, w.Amount); err != nil {
			return err
		}
		if err := l.datasource.CreateWithdrawalTx(ctx, tx, w); err != nil {
			return err
		}
		event := model.NewOutboxEvent(model.EventWithdrawalRequested, w.WithdrawalID, "withdrawal", map[string]interface{}{
			"withdrawal_id": w.WithdrawalID,
			"user_id":       userID,
			"amount":        model.MoneyString(w.Amount),
			"currency":      currency,
		}, txID)
		event.MaxAttempts = conf.Outbox.MaxAttempts
		return l.datasource.CreateOutboxEventTx(ctx, tx, event)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ExpireStalePurchases sweeps PENDING_PAYMENT purchases whose payment window
// has lapsed into EXPIRED.
func (l *Vest) ExpireStalePurchases(ctx context.Context) (int64, error) {
	conf, err := config.Fetch()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-time.Duration(conf.Accrual.PaymentWindowHours) * time.Hour)
	expired, err := l.datasource.ExpirePendingPurchases(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		logrus.WithField("expired", expired).Info("expired stale pending purchases")
	}
	return expired, nil
}
