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

// LedgerEntryExists reports whether the idempotency tuple has already been
// written. Callers use it as a cheap pre-check; the unique index remains the
// authoritative guard under concurrency.
func (d Datasource) LedgerEntryExists(ctx context.Context, purchaseID string, kind model.EntryKind, cycle, day int, scheduledFor time.Time) (bool, error) {
	var exists bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM vest.ledger_entries
			WHERE purchase_id = $1 AND kind = $2 AND cycle = $3 AND day = $4 AND scheduled_for = $5
		)
	`, purchaseID, kind, cycle, day, scheduledFor.Format("2006-01-02")).Scan(&exists)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check ledger entry existence", err)
	}
	return exists, nil
}

func (d Datasource) CreateLedgerEntryTx(ctx context.Context, tx *sql.Tx, entry *model.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vest.ledger_entries (entry_id, purchase_id, user_id, kind, cycle, day, scheduled_for, amount, rate, principal, status, transaction_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, entry.EntryID, entry.PurchaseID, entry.UserID, entry.Kind, entry.Cycle, entry.Day,
		entry.ScheduledFor.Format("2006-01-02"), entry.Amount, entry.Rate, entry.Principal,
		entry.Status, entry.TransactionID, entry.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Ledger entry '%s' already recorded", entry.IdempotencyKey()), err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create ledger entry", err)
	}
	return nil
}

func (d Datasource) GetLedgerEntries(ctx context.Context, purchaseID string, limit, offset int) ([]model.LedgerEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT entry_id, purchase_id, user_id, kind, cycle, day, scheduled_for, amount, rate, principal, status, transaction_id, created_at
		FROM vest.ledger_entries
		WHERE purchase_id = $1
		ORDER BY scheduled_for DESC, id DESC
		LIMIT $2 OFFSET $3
	`, purchaseID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve ledger entries", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		entry := model.LedgerEntry{}
		err = rows.Scan(
			&entry.EntryID, &entry.PurchaseID, &entry.UserID, &entry.Kind,
			&entry.Cycle, &entry.Day, &entry.ScheduledFor,
			&entry.Amount, &entry.Rate, &entry.Principal,
			&entry.Status, &entry.TransactionID, &entry.CreatedAt,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan ledger entry data", err)
		}
		entries = append(entries, entry)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over ledger entries", err)
	}
	return entries, nil
}
