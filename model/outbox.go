package model

import (
	"time"
)

// OutboxStatus is the closed set of outbox event states.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxPublished  OutboxStatus = "PUBLISHED"
	OutboxFailed     OutboxStatus = "FAILED"
)

// EventType is the closed set of domain facts propagated through the outbox.
type EventType string

const (
	EventPurchaseConfirmed   EventType = "PURCHASE_CONFIRMED"
	EventBenefitProcessed    EventType = "BENEFIT_PROCESSED"
	EventCommissionUnlocked  EventType = "COMMISSION_UNLOCKED"
	EventWithdrawalRequested EventType = "WITHDRAWAL_REQUESTED"
)

// DefaultMaxAttempts bounds outbox delivery retries before dead-lettering.
const DefaultMaxAttempts = 5

// OutboxEvent is a durable record of a fact that must be propagated to the
// rest of the platform. It is written in the same database transaction as
// the business mutation it describes, then delivered at-least-once by the
// dispatcher.
type OutboxEvent struct {
	ID            int64                  `json:"-"`
	EventID       string                 `json:"event_id"`
	EventType     EventType              `json:"event_type"`
	AggregateID   string                 `json:"aggregate_id"`
	AggregateType string                 `json:"aggregate_type"`
	Payload       map[string]interface{} `json:"payload"`
	Status        OutboxStatus           `json:"status"`
	Attempts      int                    `json:"attempts"`
	MaxAttempts   int                    `json:"max_attempts"`
	NextRetryAt   time.Time              `json:"next_retry_at,omitempty"`
	Errors        []string               `json:"errors,omitempty"`
	TransactionID string                 `json:"transaction_id"`
	CreatedAt     time.Time              `json:"created_at"`
	PublishedAt   time.Time              `json:"published_at,omitempty"`
}

// NewOutboxEvent stages a PENDING event correlated with the business
// transaction that produced it.
func NewOutboxEvent(eventType EventType, aggregateID, aggregateType string, payload map[string]interface{}, transactionID string) *OutboxEvent {
	return &OutboxEvent{
		EventID:       GenerateUUIDWithSuffix("evt"),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       payload,
		Status:        OutboxPending,
		MaxAttempts:   DefaultMaxAttempts,
		TransactionID: transactionID,
		CreatedAt:     time.Now(),
	}
}

// NextBackoff computes the exponential delivery backoff after the given
// number of attempts: min(1000 * 2^attempts, 300000) milliseconds.
func NextBackoff(attempts int) time.Duration {
	const capMs = 300000
	ms := int64(1000)
	for i := 0; i < attempts; i++ {
		ms *= 2
		if ms >= capMs {
			return capMs * time.Millisecond
		}
	}
	return time.Duration(ms) * time.Millisecond
}

// Exhausted reports whether the event has used up its retry budget and
// should be dead-lettered.
func (e *OutboxEvent) Exhausted() bool {
	max := e.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	return e.Attempts >= max
}
