package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is a user's settlement-asset balance. Available and Pending are
// only ever mutated through atomic increments inside a coordinator unit of
// work; the struct is a read model, never a read-modify-write vehicle.
type Balance struct {
	ID          int64           `json:"-"`
	UserID      string          `json:"user_id"`
	Currency    string          `json:"currency"`
	Available   decimal.Decimal `json:"available"`
	Pending     decimal.Decimal `json:"pending"`
	TotalEarned decimal.Decimal `json:"total_earned"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// WithdrawalStatus is the closed set of withdrawal states handled here.
// Approval and settlement happen in an external admin flow.
type WithdrawalStatus string

const (
	WithdrawalPendingApproval WithdrawalStatus = "PENDING_APPROVAL"
)

// Withdrawal is a user's request to pay out available balance. The amount is
// reserved (moved available -> pending), not deducted, until an admin acts.
type Withdrawal struct {
	ID           int64            `json:"-"`
	WithdrawalID string           `json:"withdrawal_id"`
	UserID       string           `json:"user_id"`
	Currency     string           `json:"currency"`
	Amount       decimal.Decimal  `json:"amount"`
	Status       WithdrawalStatus `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
}

// NewWithdrawal builds a reservation-pending withdrawal request.
func NewWithdrawal(userID, currency string, amount decimal.Decimal) *Withdrawal {
	return &Withdrawal{
		WithdrawalID: GenerateUUIDWithSuffix("wdr"),
		UserID:       userID,
		Currency:     currency,
		Amount:       RoundMoney(amount),
		Status:       WithdrawalPendingApproval,
		CreatedAt:    time.Now(),
	}
}

// License is the entitlement record derived from a confirmed purchase. It is
// a secondary artifact: failing to create it never aborts the confirmation,
// the failure is surfaced for out-of-band retry instead.
type License struct {
	ID         int64     `json:"-"`
	LicenseID  string    `json:"license_id"`
	UserID     string    `json:"user_id"`
	PurchaseID string    `json:"purchase_id"`
	PackageID  string    `json:"package_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewLicense builds the entitlement for a confirmed purchase.
func NewLicense(p *Purchase) *License {
	return &License{
		LicenseID:  GenerateUUIDWithSuffix("lic"),
		UserID:     p.UserID,
		PurchaseID: p.PurchaseID,
		PackageID:  p.PackageID,
		CreatedAt:  time.Now(),
	}
}
