package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vestfi/vest/internal/apierror"
	"github.com/vestfi/vest/model"
)

func (d Datasource) GetBalance(ctx context.Context, userID, currency string) (*model.Balance, error) {
	balance := &model.Balance{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT user_id, currency, available, pending, total_earned, updated_at
		FROM vest.balances
		WHERE user_id = $1 AND currency = $2
	`, userID, currency).Scan(
		&balance.UserID, &balance.Currency,
		&balance.Available, &balance.Pending, &balance.TotalEarned,
		&balance.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Balance for user '%s' in '%s' not found", userID, currency), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve balance", err)
	}
	return balance, nil
}

// IncrementBalanceTx applies deltas to a balance row atomically in SQL. The
// upsert creates the row on first credit; concurrent increments serialize on
// the row lock, never through a read-modify-write in Go.
func (d Datasource) IncrementBalanceTx(ctx context.Context, tx *sql.Tx, userID, currency string, availableDelta, pendingDelta, earnedDelta decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vest.balances (user_id, currency, available, pending, total_earned, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id, currency) DO UPDATE
		SET available = vest.balances.available + EXCLUDED.available,
			pending = vest.balances.pending + EXCLUDED.pending,
			total_earned = vest.balances.total_earned + EXCLUDED.total_earned,
			updated_at = NOW()
	`, userID, currency, availableDelta, pendingDelta, earnedDelta)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to increment balance", err)
	}
	return nil
}

// ReserveBalanceTx moves amount from available to pending, guarded by a
// sufficient-funds predicate in the same statement. Zero rows affected means
// the user lacks available balance.
func (d Datasource) ReserveBalanceTx(ctx context.Context, tx *sql.Tx, userID, currency string, amount decimal.Decimal) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE vest.balances
		SET available = available - $3, pending = pending + $3, updated_at = NOW()
		WHERE user_id = $1 AND currency = $2 AND available >= $3
	`, userID, currency, amount)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reserve balance", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrInsufficientFunds, fmt.Sprintf("Insufficient available balance for user '%s' in '%s'", userID, currency), nil)
	}
	return nil
}

func (d Datasource) CreateWithdrawalTx(ctx context.Context, tx *sql.Tx, w *model.Withdrawal) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vest.withdrawals (withdrawal_id, user_id, currency, amount, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, w.WithdrawalID, w.UserID, w.Currency, w.Amount, w.Status, w.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create withdrawal", err)
	}
	return nil
}
