package vest

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/vestfi/vest/config"
	"github.com/vestfi/vest/database/mocks"
	"github.com/vestfi/vest/model"
)

func claimedEvent(eventType model.EventType, attempts int) *model.OutboxEvent {
	event := model.NewOutboxEvent(eventType, "pur_1", "purchase", map[string]interface{}{
		"purchase_id": "pur_1",
		"amount":      "125.00000000",
	}, "txn_1")
	event.Status = model.OutboxProcessing
	event.Attempts = attempts
	return event
}

func TestDispatchOutbox_PublishesClaimedBatch(t *testing.T) {
	config.MockConfig(&config.Configuration{})
	mockDS := new(mocks.MockDataSource)
	engine := &Vest{datasource: mockDS}

	events := []*model.OutboxEvent{
		claimedEvent(model.EventBenefitProcessed, 1),
		claimedEvent(model.EventPurchaseConfirmed, 1),
	}

	mockDS.On("ClaimPendingOutboxEvents", mock.Anything, 50).Return(events, nil)
	mockDS.On("MarkOutboxPublished", mock.Anything, events[0].EventID).Return(nil)
	mockDS.On("MarkOutboxPublished", mock.Anything, events[1].EventID).Return(nil)

	stats, err := engine.DispatchOutbox(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 0, stats.Errors)
	mockDS.AssertExpectations(t)
}

func TestDispatchOutbox_EmptyBatch(t *testing.T) {
	config.MockConfig(&config.Configuration{})
	mockDS := new(mocks.MockDataSource)
	engine := &Vest{datasource: mockDS}

	mockDS.On("ClaimPendingOutboxEvents", mock.Anything, 50).Return([]*model.OutboxEvent{}, nil)

	stats, err := engine.DispatchOutbox(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, model.RunStats{}, stats)
}

// unreachableQueue returns a queue whose enqueue always fails, standing in
// for a broken downstream.
func unreachableQueue() *Queue {
	opts := asynq.RedisClientOpt{Addr: "127.0.0.1:1"}
	return &Queue{Client: asynq.NewClient(opts), Inspector: asynq.NewInspector(opts)}
}

func TestDispatchOutbox_ReturnsFailedDeliveryForRetry(t *testing.T) {
	cnf := &config.Configuration{}
	cnf.Notification.Webhook.Url = "http://localhost:9999/hooks"
	config.MockConfig(cnf)

	mockDS := new(mocks.MockDataSource)
	engine := &Vest{datasource: mockDS, queue: unreachableQueue()}

	event := claimedEvent(model.EventBenefitProcessed, 1)
	mockDS.On("ClaimPendingOutboxEvents", mock.Anything, 50).Return([]*model.OutboxEvent{event}, nil)
	mockDS.On("ReturnOutboxForRetry", mock.Anything, event.EventID, mock.MatchedBy(func(at time.Time) bool {
		// First retry lands roughly NextBackoff(1) = 2s out.
		return time.Until(at) > time.Second && time.Until(at) < 5*time.Second
	}), mock.Anything).Return(nil)

	stats, err := engine.DispatchOutbox(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	mockDS.AssertExpectations(t)
	mockDS.AssertNotCalled(t, "MarkOutboxPublished", mock.Anything, mock.Anything)
}

func TestDispatchOutbox_DeadLettersExhaustedEvent(t *testing.T) {
	cnf := &config.Configuration{}
	cnf.Notification.Webhook.Url = "http://localhost:9999/hooks"
	config.MockConfig(cnf)

	mockDS := new(mocks.MockDataSource)
	engine := &Vest{datasource: mockDS, queue: unreachableQueue()}

	// Attempts already at the budget: the next failure dead-letters.
	event := claimedEvent(model.EventCommissionUnlocked, 5)
	mockDS.On("ClaimPendingOutboxEvents", mock.Anything, 50).Return([]*model.OutboxEvent{event}, nil)
	mockDS.On("MarkOutboxFailed", mock.Anything, event.EventID, mock.Anything).Return(nil)

	stats, err := engine.DispatchOutbox(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	mockDS.AssertExpectations(t)
	mockDS.AssertNotCalled(t, "ReturnOutboxForRetry", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPurgeOutbox_UsesRetentionCutoff(t *testing.T) {
	config.MockConfig(&config.Configuration{})
	mockDS := new(mocks.MockDataSource)
	engine := &Vest{datasource: mockDS}

	mockDS.On("PurgePublishedOutbox", mock.Anything, mock.MatchedBy(func(cutoff time.Time) bool {
		// Default retention is seven days.
		expected := time.Now().AddDate(0, 0, -7)
		return cutoff.Sub(expected) < time.Minute && cutoff.Sub(expected) > -time.Minute
	})).Return(int64(3), nil)

	purged, err := engine.PurgeOutbox(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(3), purged)
}
