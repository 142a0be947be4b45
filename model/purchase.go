package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseStatus is the closed set of purchase lifecycle states.
type PurchaseStatus string

const (
	PurchasePendingPayment PurchaseStatus = "PENDING_PAYMENT"
	PurchaseConfirming     PurchaseStatus = "CONFIRMING"
	PurchaseApproved       PurchaseStatus = "APPROVED"
	PurchaseActive         PurchaseStatus = "ACTIVE"
	PurchaseRejected       PurchaseStatus = "REJECTED"
	PurchaseExpired        PurchaseStatus = "EXPIRED"
)

var (
	// ErrInvalidStateTransition is returned when a lifecycle method is called
	// from the wrong source state. No mutation is performed in that case.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrPurchaseNotActive is returned when an accrual or commission payout is
	// attempted against a purchase that is no longer ACTIVE.
	ErrPurchaseNotActive = errors.New("purchase not ACTIVE")

	// ErrCyclesCompleted is returned when a benefit is requested past the
	// final cycle of the plan.
	ErrCyclesCompleted = errors.New("cycles completed")
)

// allowedTransitions encodes the purchase state machine. REJECTED and EXPIRED
// are absorbing; ACTIVE has no terminal successor, completion is recorded via
// a timestamp while the status stays ACTIVE.
var allowedTransitions = map[PurchaseStatus][]PurchaseStatus{
	PurchasePendingPayment: {PurchaseConfirming, PurchaseExpired},
	PurchaseConfirming:     {PurchaseApproved, PurchaseRejected},
	PurchaseApproved:       {PurchaseActive},
}

// BenefitPlan describes the payout schedule of a purchase: a daily rate
// applied to the principal, grouped into fixed-length cycles.
type BenefitPlan struct {
	DailyRate    decimal.Decimal `json:"daily_rate"`
	DaysPerCycle int             `json:"days_per_cycle"`
	TotalCycles  int             `json:"total_cycles"`
}

// Purchase is a fixed-term benefit contract. The principal earns a daily
// benefit of principal x daily rate for DaysPerCycle x TotalCycles days.
type Purchase struct {
	ID            int64                  `json:"-"`
	PurchaseID    string                 `json:"purchase_id"`
	UserID        string                 `json:"user_id"`
	PackageID     string                 `json:"package_id"`
	Principal     decimal.Decimal        `json:"principal"`
	Currency      string                 `json:"currency"`
	Status        PurchaseStatus         `json:"status"`
	Plan          BenefitPlan            `json:"plan"`
	ReferrerID    string                 `json:"referrer_id,omitempty"`
	UplineID      string                 `json:"upline_id,omitempty"`
	PaymentHash   string                 `json:"payment_hash,omitempty"`
	CurrentCycle  int                    `json:"current_cycle"`
	CurrentDay    int                    `json:"current_day"`
	TotalPaid     decimal.Decimal        `json:"total_paid"`
	ActivatedAt   time.Time              `json:"activated_at,omitempty"`
	CompletedAt   time.Time              `json:"completed_at,omitempty"`
	NextBenefitAt time.Time              `json:"next_benefit_at,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	MetaData      map[string]interface{} `json:"meta_data,omitempty"`
}

// NewPurchase constructs a purchase in PENDING_PAYMENT with all derived
// fields computed once. There is no hidden recomputation on save.
func NewPurchase(userID, packageID string, principal decimal.Decimal, currency string, plan BenefitPlan) *Purchase {
	return &Purchase{
		PurchaseID: GenerateUUIDWithSuffix("pur"),
		UserID:     userID,
		PackageID:  packageID,
		Principal:  RoundMoney(principal),
		Currency:   currency,
		Status:     PurchasePendingPayment,
		Plan:       plan,
		TotalPaid:  decimal.Zero,
		CreatedAt:  time.Now(),
	}
}

func (p *Purchase) transition(to PurchaseStatus) error {
	for _, next := range allowedTransitions[p.Status] {
		if next == to {
			p.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s for purchase %s", ErrInvalidStateTransition, p.Status, to, p.PurchaseID)
}

// SubmitPaymentHash records the payment hash and moves the purchase to
// CONFIRMING, awaiting admin review.
func (p *Purchase) SubmitPaymentHash(hash string) error {
	if err := p.transition(PurchaseConfirming); err != nil {
		return err
	}
	p.PaymentHash = hash
	return nil
}

// Approve marks the submitted payment as verified.
func (p *Purchase) Approve() error {
	return p.transition(PurchaseApproved)
}

// Reject moves a CONFIRMING purchase into the absorbing REJECTED state.
func (p *Purchase) Reject(reason string) error {
	if err := p.transition(PurchaseRejected); err != nil {
		return err
	}
	if p.MetaData == nil {
		p.MetaData = make(map[string]interface{})
	}
	p.MetaData["rejection_reason"] = reason
	return nil
}

// Expire moves a PENDING_PAYMENT purchase whose payment window has lapsed
// into the absorbing EXPIRED state.
func (p *Purchase) Expire() error {
	return p.transition(PurchaseExpired)
}

// Activate starts the benefit schedule. Legal only from APPROVED.
func (p *Purchase) Activate(now time.Time) error {
	if err := p.transition(PurchaseActive); err != nil {
		return err
	}
	p.ActivatedAt = now
	p.CurrentCycle = 1
	p.CurrentDay = 0
	p.NextBenefitAt = now.Add(24 * time.Hour)
	return nil
}

// ProcessDailyBenefit advances the purchase by one accrual day and returns
// the benefit amount. When the day counter reaches DaysPerCycle the cycle
// rolls forward and the day resets to zero; rolling past the final cycle
// stamps CompletedAt and clears the next-benefit schedule, but the status
// stays ACTIVE.
func (p *Purchase) ProcessDailyBenefit(now time.Time) (decimal.Decimal, error) {
	if p.Status != PurchaseActive {
		return decimal.Zero, fmt.Errorf("%w: purchase %s is %s", ErrPurchaseNotActive, p.PurchaseID, p.Status)
	}
	if p.CurrentCycle > p.Plan.TotalCycles {
		return decimal.Zero, fmt.Errorf("%w: purchase %s", ErrCyclesCompleted, p.PurchaseID)
	}

	p.CurrentDay++
	amount := Mul(p.Principal, p.Plan.DailyRate)
	p.TotalPaid = Add(p.TotalPaid, amount)

	if p.CurrentDay >= p.Plan.DaysPerCycle {
		p.CurrentCycle++
		p.CurrentDay = 0
	}

	if p.CurrentCycle > p.Plan.TotalCycles {
		p.CompletedAt = now
		p.NextBenefitAt = time.Time{}
	} else {
		p.NextBenefitAt = now.Add(24 * time.Hour)
	}
	return amount, nil
}

// CycleForDate derives the (cycle, dayInCycle) pair owed for a target
// calendar date from the activation date. Both dates are midnight-normalized
// before the day difference is taken, so the result is stable regardless of
// the wall-clock time either event happened at.
func (p *Purchase) CycleForDate(target time.Time) (cycle, day int, ok bool) {
	if p.ActivatedAt.IsZero() || p.Plan.DaysPerCycle <= 0 {
		return 0, 0, false
	}
	daysSince := daysBetween(p.ActivatedAt, target)
	if daysSince < 0 {
		return 0, 0, false
	}
	cycle = daysSince/p.Plan.DaysPerCycle + 1
	day = daysSince%p.Plan.DaysPerCycle + 1
	return cycle, day, true
}

// TotalDays is the full length of the benefit schedule in days.
func (p *Purchase) TotalDays() int {
	return p.Plan.DaysPerCycle * p.Plan.TotalCycles
}

// DaysElapsed counts accrual days completed so far, derived from the cycle
// and day counters. Computed on read, never persisted.
func (p *Purchase) DaysElapsed() int {
	if p.CurrentCycle == 0 {
		return 0
	}
	return (p.CurrentCycle-1)*p.Plan.DaysPerCycle + p.CurrentDay
}

// DaysRemaining counts accrual days still owed. Computed on read.
func (p *Purchase) DaysRemaining() int {
	remaining := p.TotalDays() - p.DaysElapsed()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ProgressPercent reports schedule completion as a percentage rounded to the
// ledger precision. Computed on read.
func (p *Purchase) ProgressPercent() decimal.Decimal {
	total := p.TotalDays()
	if total == 0 {
		return decimal.Zero
	}
	pct, _ := Div(decimal.NewFromInt(int64(p.DaysElapsed()*100)), decimal.NewFromInt(int64(total)))
	return pct
}

// daysBetween returns whole calendar days from a to b. Both are reduced to
// their calendar date in b's location, then differenced in UTC so the result
// is exact across DST transitions, where a local day is 23 or 25 hours long.
func daysBetween(a, b time.Time) int {
	loc := b.Location()
	a = a.In(loc)
	am := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bm := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bm.Sub(am).Hours() / 24)
}
