package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vestfi/vest/internal/apierror"
	"github.com/vestfi/vest/model"
)

const outboxColumns = `event_id, event_type, aggregate_id, aggregate_type, payload, status, attempts, max_attempts, next_retry_at, error_history, transaction_id, created_at, published_at`

func scanOutboxEvent(row rowScanner) (*model.OutboxEvent, error) {
	event := &model.OutboxEvent{}
	var payloadJSON, errorsJSON []byte
	var nextRetryAt, publishedAt sql.NullTime

	err := row.Scan(
		&event.EventID, &event.EventType, &event.AggregateID, &event.AggregateType,
		&payloadJSON, &event.Status, &event.Attempts, &event.MaxAttempts,
		&nextRetryAt, &errorsJSON, &event.TransactionID, &event.CreatedAt, &publishedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &event.Payload); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal outbox payload", err)
		}
	}
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &event.Errors); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal outbox error history", err)
		}
	}
	if nextRetryAt.Valid {
		event.NextRetryAt = nextRetryAt.Time
	}
	if publishedAt.Valid {
		event.PublishedAt = publishedAt.Time
	}
	return event, nil
}

// CreateOutboxEventTx stages an event in the same transaction as the business
// mutation it describes. The event only becomes visible to the dispatcher if
// that transaction commits.
func (d Datasource) CreateOutboxEventTx(ctx context.Context, tx *sql.Tx, event *model.OutboxEvent) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal outbox payload", err)
	}
	if event.Payload == nil {
		payloadJSON = []byte("{}")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO vest.outbox_events (event_id, event_type, aggregate_id, aggregate_type, payload, status, attempts, max_attempts, transaction_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, event.EventID, event.EventType, event.AggregateID, event.AggregateType,
		payloadJSON, event.Status, event.Attempts, event.MaxAttempts,
		event.TransactionID, event.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create outbox event", err)
	}
	return nil
}

// staleClaimTimeout is how long a PROCESSING claim is honored before the
// event becomes claimable again. A dispatcher that crashed mid-delivery, or
// failed to record the delivery outcome, loses its claim after this window.
const staleClaimTimeout = 10 * time.Minute

// ClaimPendingOutboxEvents atomically moves up to limit due events from
// PENDING to PROCESSING and returns them. FOR UPDATE SKIP LOCKED lets
// concurrent dispatchers claim disjoint batches, and attempts is bumped at
// claim time so a crash mid-delivery still counts against the retry budget.
// PROCESSING rows whose claim is older than staleClaimTimeout are reclaimed
// too, so no event is stranded by a dispatcher that died before recording an
// outcome.
func (d Datasource) ClaimPendingOutboxEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE vest.outbox_events
		SET status = $2, attempts = attempts + 1, claimed_at = NOW()
		WHERE event_id IN (
			SELECT event_id FROM vest.outbox_events
			WHERE (status = $1 AND (next_retry_at IS NULL OR next_retry_at <= NOW()))
			   OR (status = $2 AND claimed_at < NOW() - make_interval(secs => $4))
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns+`
	`, model.OutboxPending, model.OutboxProcessing, limit, staleClaimTimeout.Seconds())
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim outbox events", err)
	}
	defer rows.Close()

	var events []*model.OutboxEvent
	for rows.Next() {
		event, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan outbox event data", err)
		}
		events = append(events, event)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over outbox events", err)
	}
	return events, nil
}

func (d Datasource) MarkOutboxPublished(ctx context.Context, eventID string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE vest.outbox_events
		SET status = $2, published_at = NOW()
		WHERE event_id = $1
	`, eventID, model.OutboxPublished)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark outbox event published", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Outbox event '%s' not found", eventID), nil)
	}
	return nil
}

// ReturnOutboxForRetry puts a failed delivery back into PENDING with the next
// retry time and appends the delivery error to the event's history.
func (d Datasource) ReturnOutboxForRetry(ctx context.Context, eventID string, nextRetryAt time.Time, deliveryErr string) error {
	errJSON, err := json.Marshal(deliveryErr)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal delivery error", err)
	}
	_, err = d.Conn.ExecContext(ctx, `
		UPDATE vest.outbox_events
		SET status = $2, next_retry_at = $3, error_history = error_history || $4::jsonb
		WHERE event_id = $1
	`, eventID, model.OutboxPending, nextRetryAt, string(errJSON))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to return outbox event for retry", err)
	}
	return nil
}

// MarkOutboxFailed dead-letters an event whose retry budget is exhausted.
// Dead-lettered events stay queryable for operator inspection and manual
// replay; they are never purged automatically.
func (d Datasource) MarkOutboxFailed(ctx context.Context, eventID string, deliveryErr string) error {
	errJSON, err := json.Marshal(deliveryErr)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal delivery error", err)
	}
	_, err = d.Conn.ExecContext(ctx, `
		UPDATE vest.outbox_events
		SET status = $2, error_history = error_history || $3::jsonb
		WHERE event_id = $1
	`, eventID, model.OutboxFailed, string(errJSON))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark outbox event failed", err)
	}
	return nil
}

// PurgePublishedOutbox deletes PUBLISHED events older than the cutoff and
// reports how many rows were removed.
func (d Datasource) PurgePublishedOutbox(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM vest.outbox_events
		WHERE status = $1 AND published_at IS NOT NULL AND published_at < $2
	`, model.OutboxPublished, olderThan)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to purge published outbox events", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	return rowsAffected, nil
}

func (d Datasource) GetOutboxEvents(ctx context.Context, status model.OutboxStatus, limit int) ([]*model.OutboxEvent, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM vest.outbox_events
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve outbox events", err)
	}
	defer rows.Close()

	var events []*model.OutboxEvent
	for rows.Next() {
		event, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan outbox event data", err)
		}
		events = append(events, event)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over outbox events", err)
	}
	return events, nil
}
