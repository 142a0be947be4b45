package database

import (
	"context"
	"database/sql"
	"fmt"

	"time"

	"github.com/lib/pq"

	"github.com/vestfi/vest/internal/apierror"
	"github.com/vestfi/vest/model"
)

// SeedCommissionScheduleTx inserts the pending commission days for a newly
// confirmed purchase. ON CONFLICT DO NOTHING keeps a replayed confirmation
// from erroring out; the schedule is immutable once seeded.
func (d Datasource) SeedCommissionScheduleTx(ctx context.Context, tx *sql.Tx, days []*model.CommissionDay) error {
	for _, day := range days {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO vest.commission_days (purchase_id, kind, day_offset, beneficiary_id, rate, due_on, released, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,FALSE,$7)
			ON CONFLICT (purchase_id, kind, day_offset) DO NOTHING
		`, day.PurchaseID, day.Kind, day.DayOffset, day.BeneficiaryID, day.Rate,
			day.DueOn.Format("2006-01-02"), day.CreatedAt)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				continue
			}
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to seed commission schedule", err)
		}
	}
	return nil
}

// GetDueCommissions returns the unreleased, unforfeited commission days due
// on or before the given date.
func (d Datasource) GetDueCommissions(ctx context.Context, dueOn time.Time) ([]*model.CommissionDay, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT purchase_id, kind, day_offset, beneficiary_id, rate, due_on, released, forfeited, released_entry_id, created_at
		FROM vest.commission_days
		WHERE released = FALSE AND forfeited = FALSE AND due_on <= $1
		ORDER BY due_on ASC, id ASC
	`, dueOn.Format("2006-01-02"))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve due commissions", err)
	}
	defer rows.Close()

	var days []*model.CommissionDay
	for rows.Next() {
		day := &model.CommissionDay{}
		err = rows.Scan(
			&day.PurchaseID, &day.Kind, &day.DayOffset, &day.BeneficiaryID,
			&day.Rate, &day.DueOn, &day.Released, &day.Forfeited, &day.ReleasedEntryID, &day.CreatedAt,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan commission day data", err)
		}
		days = append(days, day)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over commission days", err)
	}
	return days, nil
}

// MarkCommissionReleasedTx flips one schedule day to released, recording the
// ledger entry that paid it. The released = FALSE predicate makes a double
// release a no-op at the row level; zero rows affected is reported as a
// conflict so the caller can skip the payout. A forfeited day can never be
// released.
func (d Datasource) MarkCommissionReleasedTx(ctx context.Context, tx *sql.Tx, purchaseID string, kind model.CommissionKind, dayOffset int, entryID string) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE vest.commission_days
		SET released = TRUE, released_entry_id = $4
		WHERE purchase_id = $1 AND kind = $2 AND day_offset = $3 AND released = FALSE AND forfeited = FALSE
	`, purchaseID, kind, dayOffset, entryID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark commission released", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Commission day %s/%s/%d already released", purchaseID, kind, dayOffset), nil)
	}
	return nil
}

// MarkCommissionForfeitedTx retires one schedule day without paying it. The
// day stays unreleased, but the forfeited flag removes it from every due
// query and blocks a later release. Zero rows affected means another pass
// already settled the day one way or the other.
func (d Datasource) MarkCommissionForfeitedTx(ctx context.Context, tx *sql.Tx, purchaseID string, kind model.CommissionKind, dayOffset int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE vest.commission_days
		SET forfeited = TRUE
		WHERE purchase_id = $1 AND kind = $2 AND day_offset = $3 AND released = FALSE AND forfeited = FALSE
	`, purchaseID, kind, dayOffset)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark commission forfeited", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Commission day %s/%s/%d already settled", purchaseID, kind, dayOffset), nil)
	}
	return nil
}
