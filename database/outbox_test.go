/*
Copyright 2025 Vest Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/vestfi/vest/internal/apierror"
	"github.com/vestfi/vest/model"
)

func outboxRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"event_id", "event_type", "aggregate_id", "aggregate_type", "payload", "status", "attempts", "max_attempts", "next_retry_at", "error_history", "transaction_id", "created_at", "published_at"})
}

func TestCreateOutboxEventTx_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	event := model.NewOutboxEvent(model.EventBenefitProcessed, "pur_test", "purchase",
		map[string]interface{}{"amount": "125.00000000"}, "txn_1")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO vest.outbox_events").
		WithArgs(event.EventID, event.EventType, event.AggregateID, event.AggregateType,
			sqlmock.AnyArg(), event.Status, event.Attempts, event.MaxAttempts,
			event.TransactionID, event.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := db.Begin()
	assert.NoError(t, err)

	err = ds.CreateOutboxEventTx(context.Background(), tx, event)
	assert.NoError(t, err)
	assert.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPendingOutboxEvents_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()

	rows := outboxRows().
		AddRow("evt_1", "BENEFIT_PROCESSED", "pur_1", "purchase", []byte(`{"amount":"125"}`), "PROCESSING", 1, 5, nil, []byte(`[]`), "txn_1", now, nil).
		AddRow("evt_2", "PURCHASE_CONFIRMED", "pur_2", "purchase", []byte(`{}`), "PROCESSING", 1, 5, nil, []byte(`[]`), "txn_2", now, nil)

	mock.ExpectQuery("UPDATE vest.outbox_events").
		WithArgs(model.OutboxPending, model.OutboxProcessing, 50, staleClaimTimeout.Seconds()).
		WillReturnRows(rows)

	events, err := ds.ClaimPendingOutboxEvents(context.Background(), 50)
	assert.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, "evt_1", events[0].EventID)
	assert.Equal(t, model.OutboxProcessing, events[0].Status)
	assert.Equal(t, 1, events[0].Attempts)
	assert.Equal(t, "125", events[0].Payload["amount"])
}

func TestClaimPendingOutboxEvents_ReclaimsStaleProcessing(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()

	// A dispatcher died after claiming evt_stuck: the row sat in PROCESSING
	// past the claim timeout. The claim query picks it back up and bumps the
	// attempt counter again.
	rows := outboxRows().
		AddRow("evt_stuck", "BENEFIT_PROCESSED", "pur_1", "purchase", []byte(`{}`), "PROCESSING", 2, 5, nil, []byte(`[]`), "txn_1", now.Add(-time.Hour), nil)

	mock.ExpectQuery(`status = \$2 AND claimed_at < NOW\(\) - make_interval`).
		WithArgs(model.OutboxPending, model.OutboxProcessing, 50, staleClaimTimeout.Seconds()).
		WillReturnRows(rows)

	events, err := ds.ClaimPendingOutboxEvents(context.Background(), 50)
	assert.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, "evt_stuck", events[0].EventID)
	assert.Equal(t, model.OutboxProcessing, events[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPendingOutboxEvents_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("UPDATE vest.outbox_events").
		WithArgs(model.OutboxPending, model.OutboxProcessing, 50, staleClaimTimeout.Seconds()).
		WillReturnRows(outboxRows())

	events, err := ds.ClaimPendingOutboxEvents(context.Background(), 50)
	assert.NoError(t, err)
	assert.Len(t, events, 0)
}

func TestMarkOutboxPublished_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE vest.outbox_events").
		WithArgs("evt_1", model.OutboxPublished).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.MarkOutboxPublished(context.Background(), "evt_1")
	assert.NoError(t, err)
}

func TestMarkOutboxPublished_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE vest.outbox_events").
		WithArgs("evt_missing", model.OutboxPublished).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.MarkOutboxPublished(context.Background(), "evt_missing")
	assert.Error(t, err)
	assert.True(t, apierror.IsNotFound(err))
}

func TestReturnOutboxForRetry_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	nextRetry := time.Now().Add(2 * time.Second)

	mock.ExpectExec("UPDATE vest.outbox_events").
		WithArgs("evt_1", model.OutboxPending, nextRetry, `"connection refused"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.ReturnOutboxForRetry(context.Background(), "evt_1", nextRetry, "connection refused")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkOutboxFailed_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE vest.outbox_events").
		WithArgs("evt_1", model.OutboxFailed, `"max attempts exceeded"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.MarkOutboxFailed(context.Background(), "evt_1", "max attempts exceeded")
	assert.NoError(t, err)
}

func TestPurgePublishedOutbox_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	cutoff := time.Now().AddDate(0, 0, -7)

	mock.ExpectExec("DELETE FROM vest.outbox_events").
		WithArgs(model.OutboxPublished, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))

	purged, err := ds.PurgePublishedOutbox(context.Background(), cutoff)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), purged)
}

func TestGetOutboxEvents_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()

	rows := outboxRows().
		AddRow("evt_dead", "COMMISSION_UNLOCKED", "pur_1", "purchase", []byte(`{}`), "FAILED", 5, 5, now, []byte(`["timeout","timeout"]`), "txn_1", now, nil)

	mock.ExpectQuery("SELECT (.+) FROM vest.outbox_events").
		WithArgs(model.OutboxFailed, 10).
		WillReturnRows(rows)

	events, err := ds.GetOutboxEvents(context.Background(), model.OutboxFailed, 10)
	assert.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, model.OutboxFailed, events[0].Status)
	assert.Len(t, events[0].Errors, 2)
	assert.True(t, events[0].Exhausted())
}
