package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlan() BenefitPlan {
	return BenefitPlan{
		DailyRate:    MustDecimal("0.125"),
		DaysPerCycle: 8,
		TotalCycles:  5,
	}
}

func activePurchase(t *testing.T, activatedAt time.Time) *Purchase {
	t.Helper()
	p := NewPurchase("usr_1", "pkg_1", decimal.NewFromInt(1000), "USDT", testPlan())
	require.NoError(t, p.SubmitPaymentHash("0xabc"))
	require.NoError(t, p.Approve())
	require.NoError(t, p.Activate(activatedAt))
	return p
}

func TestLifecycleHappyPath(t *testing.T) {
	p := NewPurchase("usr_1", "pkg_1", decimal.NewFromInt(1000), "USDT", testPlan())
	assert.Equal(t, PurchasePendingPayment, p.Status)

	assert.NoError(t, p.SubmitPaymentHash("0xabc"))
	assert.Equal(t, PurchaseConfirming, p.Status)
	assert.Equal(t, "0xabc", p.PaymentHash)

	assert.NoError(t, p.Approve())
	assert.Equal(t, PurchaseApproved, p.Status)

	now := time.Now()
	assert.NoError(t, p.Activate(now))
	assert.Equal(t, PurchaseActive, p.Status)
	assert.Equal(t, 1, p.CurrentCycle)
	assert.Equal(t, 0, p.CurrentDay)
	assert.Equal(t, now.Add(24*time.Hour), p.NextBenefitAt)
}

func TestLifecycleGuards(t *testing.T) {
	p := NewPurchase("usr_1", "pkg_1", decimal.NewFromInt(1000), "USDT", testPlan())

	// Cannot approve or activate before the payment hash is submitted.
	assert.ErrorIs(t, p.Approve(), ErrInvalidStateTransition)
	assert.ErrorIs(t, p.Activate(time.Now()), ErrInvalidStateTransition)
	assert.Equal(t, PurchasePendingPayment, p.Status)

	// Rejection is only reachable from CONFIRMING.
	assert.ErrorIs(t, p.Reject("bad hash"), ErrInvalidStateTransition)

	require.NoError(t, p.SubmitPaymentHash("0xabc"))
	assert.ErrorIs(t, p.Expire(), ErrInvalidStateTransition)
	assert.NoError(t, p.Reject("bad hash"))
	assert.Equal(t, PurchaseRejected, p.Status)

	// REJECTED is absorbing.
	assert.ErrorIs(t, p.Approve(), ErrInvalidStateTransition)
	assert.ErrorIs(t, p.SubmitPaymentHash("0xdef"), ErrInvalidStateTransition)
}

func TestExpireFromPendingPayment(t *testing.T) {
	p := NewPurchase("usr_1", "pkg_1", decimal.NewFromInt(1000), "USDT", testPlan())
	assert.NoError(t, p.Expire())
	assert.Equal(t, PurchaseExpired, p.Status)
	assert.ErrorIs(t, p.SubmitPaymentHash("0xabc"), ErrInvalidStateTransition)
}

func TestProcessDailyBenefit(t *testing.T) {
	activated := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	p := activePurchase(t, activated)

	amount, err := p.ProcessDailyBenefit(activated)
	require.NoError(t, err)
	assert.Equal(t, "125.00000000", MoneyString(amount))
	assert.Equal(t, 1, p.CurrentCycle)
	assert.Equal(t, 1, p.CurrentDay)
	assert.Equal(t, "125.00000000", MoneyString(p.TotalPaid))
}

func TestCycleRollsAtDaysPerCycle(t *testing.T) {
	activated := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	p := activePurchase(t, activated)

	for i := 0; i < 8; i++ {
		_, err := p.ProcessDailyBenefit(activated.AddDate(0, 0, i))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, p.CurrentCycle)
	assert.Equal(t, 0, p.CurrentDay)
	assert.True(t, p.CompletedAt.IsZero())
}

func TestCompletionAfterFinalCycle(t *testing.T) {
	activated := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	p := activePurchase(t, activated)

	for i := 0; i < 40; i++ {
		_, err := p.ProcessDailyBenefit(activated.AddDate(0, 0, i))
		require.NoError(t, err)
	}
	// 5 cycles x 8 days exhausted: completion stamped, schedule cleared,
	// status still ACTIVE (no terminal state).
	assert.Equal(t, 6, p.CurrentCycle)
	assert.Equal(t, PurchaseActive, p.Status)
	assert.False(t, p.CompletedAt.IsZero())
	assert.True(t, p.NextBenefitAt.IsZero())
	assert.Equal(t, "5000.00000000", MoneyString(p.TotalPaid))

	_, err := p.ProcessDailyBenefit(activated.AddDate(0, 0, 40))
	assert.ErrorIs(t, err, ErrCyclesCompleted)
}

func TestCycleForDate(t *testing.T) {
	activated := time.Date(2025, 3, 1, 14, 45, 0, 0, time.UTC)
	p := activePurchase(t, activated)

	tests := []struct {
		daysAfter int
		cycle     int
		day       int
	}{
		{daysAfter: 0, cycle: 1, day: 1},
		{daysAfter: 7, cycle: 1, day: 8},
		{daysAfter: 8, cycle: 2, day: 1},
		{daysAfter: 39, cycle: 5, day: 8},
		{daysAfter: 40, cycle: 6, day: 1},
	}
	for _, tt := range tests {
		cycle, day, ok := p.CycleForDate(activated.AddDate(0, 0, tt.daysAfter))
		assert.True(t, ok)
		assert.Equal(t, tt.cycle, cycle, "daysAfter=%d", tt.daysAfter)
		assert.Equal(t, tt.day, day, "daysAfter=%d", tt.daysAfter)
	}

	// Target before activation is not eligible.
	_, _, ok := p.CycleForDate(activated.AddDate(0, 0, -1))
	assert.False(t, ok)
}

func TestCycleForDateAcrossDSTTransition(t *testing.T) {
	// America/New_York springs forward on 2025-03-09: that local day is only
	// 23 hours long. The derived day index must still advance by exactly one
	// per calendar date.
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	activated := time.Date(2025, 3, 1, 9, 30, 0, 0, loc)
	p := activePurchase(t, activated)

	seen := make(map[int]bool)
	for i := 0; i <= 12; i++ {
		target := time.Date(2025, 3, 1+i, 0, 0, 0, 0, loc)
		cycle, day, ok := p.CycleForDate(target)
		assert.True(t, ok)

		// Overall day count advances by exactly one per calendar date.
		days := (cycle-1)*p.Plan.DaysPerCycle + day
		assert.Equal(t, i+1, days, "wrong day count on %s", ISODate(target))

		pair := cycle*100 + day
		assert.False(t, seen[pair], "duplicate cycle/day on %s", ISODate(target))
		seen[pair] = true
	}

	// The dates flanking the transition land on distinct schedule days.
	cycle, day, _ := p.CycleForDate(time.Date(2025, 3, 9, 0, 0, 0, 0, loc))
	assert.Equal(t, 2, cycle)
	assert.Equal(t, 1, day)
	cycle, day, _ = p.CycleForDate(time.Date(2025, 3, 10, 0, 0, 0, 0, loc))
	assert.Equal(t, 2, cycle)
	assert.Equal(t, 2, day)
}

func TestDerivedProgress(t *testing.T) {
	activated := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	p := activePurchase(t, activated)
	assert.Equal(t, 40, p.TotalDays())
	assert.Equal(t, 40, p.DaysRemaining())

	for i := 0; i < 10; i++ {
		_, err := p.ProcessDailyBenefit(activated.AddDate(0, 0, i))
		require.NoError(t, err)
	}
	assert.Equal(t, 10, p.DaysElapsed())
	assert.Equal(t, 30, p.DaysRemaining())
	assert.Equal(t, "25.00000000", MoneyString(p.ProgressPercent()))
}

func TestCommissionSchedule(t *testing.T) {
	activated := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	p := activePurchase(t, activated)
	p.ReferrerID = "usr_ref"
	p.UplineID = "usr_up"

	days := NewCommissionSchedule(p, 8, 17, MustDecimal("5"), MustDecimal("2"))
	require.Len(t, days, 2)

	assert.Equal(t, CommissionReferrer, days[0].Kind)
	assert.Equal(t, 8, days[0].DayOffset)
	assert.Equal(t, "usr_ref", days[0].BeneficiaryID)
	assert.Equal(t, time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC), days[0].DueOn)

	assert.Equal(t, CommissionParent, days[1].Kind)
	assert.Equal(t, 17, days[1].DayOffset)
	assert.Equal(t, "usr_up", days[1].BeneficiaryID)

	// No referral chain, no schedule.
	lone := activePurchase(t, activated)
	assert.Empty(t, NewCommissionSchedule(lone, 8, 17, MustDecimal("5"), MustDecimal("2")))
}
