package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vestfi/vest/internal/apierror"
	"github.com/vestfi/vest/model"
)

const purchaseColumns = `purchase_id, user_id, package_id, principal, currency, status, daily_rate, days_per_cycle, total_cycles, referrer_id, upline_id, payment_hash, current_cycle, current_day, total_paid, activated_at, completed_at, next_benefit_at, created_at, meta_data`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPurchase(row rowScanner) (*model.Purchase, error) {
	p := &model.Purchase{}
	var activatedAt, completedAt, nextBenefitAt sql.NullTime
	var metaDataJSON []byte

	err := row.Scan(
		&p.PurchaseID, &p.UserID, &p.PackageID, &p.Principal, &p.Currency, &p.Status,
		&p.Plan.DailyRate, &p.Plan.DaysPerCycle, &p.Plan.TotalCycles,
		&p.ReferrerID, &p.UplineID, &p.PaymentHash,
		&p.CurrentCycle, &p.CurrentDay, &p.TotalPaid,
		&activatedAt, &completedAt, &nextBenefitAt, &p.CreatedAt, &metaDataJSON,
	)
	if err != nil {
		return nil, err
	}

	if activatedAt.Valid {
		p.ActivatedAt = activatedAt.Time
	}
	if completedAt.Valid {
		p.CompletedAt = completedAt.Time
	}
	if nextBenefitAt.Valid {
		p.NextBenefitAt = nextBenefitAt.Time
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &p.MetaData); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
		}
	}
	return p, nil
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (d Datasource) CreatePurchase(ctx context.Context, p *model.Purchase) (*model.Purchase, error) {
	metaDataJSON, err := json.Marshal(p.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}
	if p.MetaData == nil {
		metaDataJSON = []byte("{}")
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO vest.purchases (purchase_id, user_id, package_id, principal, currency, status, daily_rate, days_per_cycle, total_cycles, referrer_id, upline_id, payment_hash, current_cycle, current_day, total_paid, activated_at, completed_at, next_benefit_at, created_at, meta_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, p.PurchaseID, p.UserID, p.PackageID, p.Principal, p.Currency, p.Status,
		p.Plan.DailyRate, p.Plan.DaysPerCycle, p.Plan.TotalCycles,
		p.ReferrerID, p.UplineID, p.PaymentHash,
		p.CurrentCycle, p.CurrentDay, p.TotalPaid,
		nullableTime(p.ActivatedAt), nullableTime(p.CompletedAt), nullableTime(p.NextBenefitAt),
		p.CreatedAt, metaDataJSON)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Purchase with ID '%s' already exists", p.PurchaseID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create purchase", err)
	}
	return p, nil
}

func (d Datasource) GetPurchase(ctx context.Context, purchaseID string) (*model.Purchase, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+purchaseColumns+`
		FROM vest.purchases
		WHERE purchase_id = $1
	`, purchaseID)

	p, err := scanPurchase(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Purchase with ID '%s' not found", purchaseID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve purchase", err)
	}
	return p, nil
}

// GetEligiblePurchases returns all ACTIVE purchases activated on or before
// the given instant. Eligibility is evaluated against the target date, not
// "now", so catch-up passes over past dates see the same set the original
// run would have seen.
func (d Datasource) GetEligiblePurchases(ctx context.Context, activatedOnOrBefore time.Time) ([]*model.Purchase, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+purchaseColumns+`
		FROM vest.purchases
		WHERE status = $1 AND activated_at IS NOT NULL AND activated_at <= $2
		ORDER BY activated_at ASC
	`, model.PurchaseActive, activatedOnOrBefore)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve eligible purchases", err)
	}
	defer rows.Close()

	var purchases []*model.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan purchase data", err)
		}
		purchases = append(purchases, p)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over purchases", err)
	}
	return purchases, nil
}

// SavePurchaseTx persists the mutable portion of a purchase inside a
// transaction: status, counters, totals and lifecycle timestamps.
func (d Datasource) SavePurchaseTx(ctx context.Context, tx *sql.Tx, p *model.Purchase) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE vest.purchases
		SET status = $2, payment_hash = $3, current_cycle = $4, current_day = $5, total_paid = $6,
			activated_at = $7, completed_at = $8, next_benefit_at = $9
		WHERE purchase_id = $1
	`, p.PurchaseID, p.Status, p.PaymentHash, p.CurrentCycle, p.CurrentDay, p.TotalPaid,
		nullableTime(p.ActivatedAt), nullableTime(p.CompletedAt), nullableTime(p.NextBenefitAt))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save purchase", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Purchase with ID '%s' not found", p.PurchaseID), nil)
	}
	return nil
}

// MarkPurchaseCompleted stamps the completion timestamp outside of a payout
// transaction. Used by the scheduler when it notices a purchase has run past
// its final cycle. The stamp is opportunistic, so an already-set timestamp
// is left alone.
func (d Datasource) MarkPurchaseCompleted(ctx context.Context, purchaseID string, completedAt time.Time) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE vest.purchases
		SET completed_at = $2, next_benefit_at = NULL
		WHERE purchase_id = $1 AND completed_at IS NULL
	`, purchaseID, completedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark purchase completed", err)
	}
	return nil
}

// ExpirePendingPurchases moves PENDING_PAYMENT purchases created before the
// cutoff into EXPIRED and reports how many were affected.
func (d Datasource) ExpirePendingPurchases(ctx context.Context, createdBefore time.Time) (int64, error) {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE vest.purchases
		SET status = $1
		WHERE status = $2 AND created_at < $3
	`, model.PurchaseExpired, model.PurchasePendingPayment, createdBefore)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to expire pending purchases", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	return rowsAffected, nil
}

func (d Datasource) CreateLicenseTx(ctx context.Context, tx *sql.Tx, lic *model.License) error {
	return d.createLicense(ctx, tx, lic)
}

func (d Datasource) CreateLicense(ctx context.Context, lic *model.License) error {
	return d.createLicense(ctx, nil, lic)
}

func (d Datasource) createLicense(ctx context.Context, tx *sql.Tx, lic *model.License) error {
	query := `
		INSERT INTO vest.licenses (license_id, user_id, purchase_id, package_id, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, lic.LicenseID, lic.UserID, lic.PurchaseID, lic.PackageID, lic.CreatedAt)
	} else {
		_, err = d.Conn.ExecContext(ctx, query, lic.LicenseID, lic.UserID, lic.PurchaseID, lic.PackageID, lic.CreatedAt)
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("License for purchase '%s' already exists", lic.PurchaseID), err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create license", err)
	}
	return nil
}
