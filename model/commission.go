package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CommissionKind identifies which level of the referral chain a schedule day
// pays out to.
type CommissionKind string

const (
	CommissionReferrer CommissionKind = "REFERRER"
	CommissionParent   CommissionKind = "PARENT"
)

// EntryKind maps a commission kind to the ledger entry kind it releases as.
func (k CommissionKind) EntryKind() EntryKind {
	if k == CommissionParent {
		return EntryParentCommission
	}
	return EntryReferrerCommission
}

// CommissionDay is one pending referral payout, keyed by the day offset of
// the downstream purchase's schedule (e.g. day 8 pays the direct referrer,
// day 17 the upline). Each day is independently markable as released, with
// the releasing ledger entry recorded for traceability. A day whose purchase
// left ACTIVE before it came due is marked forfeited instead: it stays
// unreleased but will never pay out.
type CommissionDay struct {
	ID              int64           `json:"-"`
	PurchaseID      string          `json:"purchase_id"`
	Kind            CommissionKind  `json:"kind"`
	DayOffset       int             `json:"day_offset"`
	BeneficiaryID   string          `json:"beneficiary_id"`
	Rate            decimal.Decimal `json:"rate"`
	DueOn           time.Time       `json:"due_on"`
	Released        bool            `json:"released"`
	Forfeited       bool            `json:"forfeited"`
	ReleasedEntryID string          `json:"released_entry_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// NewCommissionSchedule seeds the pending commission days for a freshly
// activated purchase. Days without a beneficiary (no referrer on record) are
// simply not scheduled.
func NewCommissionSchedule(p *Purchase, referrerDay, parentDay int, referrerRate, parentRate decimal.Decimal) []*CommissionDay {
	var days []*CommissionDay
	if p.ReferrerID != "" {
		days = append(days, &CommissionDay{
			PurchaseID:    p.PurchaseID,
			Kind:          CommissionReferrer,
			DayOffset:     referrerDay,
			BeneficiaryID: p.ReferrerID,
			Rate:          referrerRate,
			DueOn:         midnight(p.ActivatedAt).AddDate(0, 0, referrerDay),
			CreatedAt:     time.Now(),
		})
	}
	if p.UplineID != "" {
		days = append(days, &CommissionDay{
			PurchaseID:    p.PurchaseID,
			Kind:          CommissionParent,
			DayOffset:     parentDay,
			BeneficiaryID: p.UplineID,
			Rate:          parentRate,
			DueOn:         midnight(p.ActivatedAt).AddDate(0, 0, parentDay),
			CreatedAt:     time.Now(),
		})
	}
	return days
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
