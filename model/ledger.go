package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind distinguishes a daily benefit from the two referral commission
// flavours. Each kind has its own idempotency space.
type EntryKind string

const (
	EntryBenefit            EntryKind = "BENEFIT"
	EntryReferrerCommission EntryKind = "REFERRER_COMMISSION"
	EntryParentCommission   EntryKind = "PARENT_COMMISSION"
)

// EntryStatus tracks whether an entry has been applied to the owner balance.
type EntryStatus string

const (
	EntryPending   EntryStatus = "PENDING"
	EntryProcessed EntryStatus = "PROCESSED"
)

// LedgerEntry is one unit of accrued value: a single day's benefit for a
// purchase, or a single released commission day. At most one entry exists
// per (purchase, kind, cycle, day, scheduled date); the database enforces
// this with a unique index, which is what makes reruns of a date safe.
type LedgerEntry struct {
	ID            int64           `json:"-"`
	EntryID       string          `json:"entry_id"`
	PurchaseID    string          `json:"purchase_id"`
	UserID        string          `json:"user_id"`
	Kind          EntryKind       `json:"kind"`
	Cycle         int             `json:"cycle"`
	Day           int             `json:"day"`
	ScheduledFor  time.Time       `json:"scheduled_for"`
	Amount        decimal.Decimal `json:"amount"`
	Rate          decimal.Decimal `json:"rate"`
	Principal     decimal.Decimal `json:"principal"`
	Status        EntryStatus     `json:"status"`
	TransactionID string          `json:"transaction_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewBenefitEntry builds the ledger entry for one accrual day. Cycle and day
// are the values derived for the scheduled date, not the purchase's rolled
// counters, so the entry for the 8th day of a cycle reports that cycle even
// though the counters have already rolled forward.
func NewBenefitEntry(p *Purchase, cycle, day int, scheduledFor time.Time, amount decimal.Decimal) *LedgerEntry {
	return &LedgerEntry{
		EntryID:      GenerateUUIDWithSuffix("ben"),
		PurchaseID:   p.PurchaseID,
		UserID:       p.UserID,
		Kind:         EntryBenefit,
		Cycle:        cycle,
		Day:          day,
		ScheduledFor: scheduledFor,
		Amount:       amount,
		Rate:         p.Plan.DailyRate,
		Principal:    p.Principal,
		Status:       EntryProcessed,
		CreatedAt:    time.Now(),
	}
}

// NewCommissionEntry builds the ledger entry releasing one commission day.
// Day holds the schedule's day offset and cycle is zero; the idempotency
// tuple for commissions is (purchase, kind, day offset).
func NewCommissionEntry(p *Purchase, day *CommissionDay, scheduledFor time.Time, amount decimal.Decimal) *LedgerEntry {
	return &LedgerEntry{
		EntryID:      GenerateUUIDWithSuffix("com"),
		PurchaseID:   p.PurchaseID,
		UserID:       day.BeneficiaryID,
		Kind:         day.Kind.EntryKind(),
		Cycle:        0,
		Day:          day.DayOffset,
		ScheduledFor: scheduledFor,
		Amount:       amount,
		Rate:         day.Rate,
		Principal:    p.Principal,
		Status:       EntryProcessed,
		CreatedAt:    time.Now(),
	}
}

// IdempotencyKey renders the unique tuple identifying this exact unit of
// work. It mirrors the database's unique index and is used in logs.
func (e *LedgerEntry) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d:%d:%s", e.PurchaseID, e.Kind, e.Cycle, e.Day, e.ScheduledFor.Format("2006-01-02"))
}
