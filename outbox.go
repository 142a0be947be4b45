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

package vest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vestfi/vest/config"
	"github.com/vestfi/vest/internal/notification"
	"github.com/vestfi/vest/model"
)

// isDispatching keeps overlapping poll ticks from draining the outbox
// concurrently within one process. Claiming uses SKIP LOCKED, so this is a
// throughput guard, not a correctness one.
var isDispatching atomic.Bool

// DispatchOutbox claims one batch of due outbox events and delivers each one.
// Delivery is at-least-once: a published event is only marked PUBLISHED after
// the handoff succeeds, a failed one is returned for retry with exponential
// backoff, and an event whose retry budget is exhausted is dead-lettered.
func (l *Vest) DispatchOutbox(ctx context.Context) (model.RunStats, error) {
	var stats model.RunStats
	if !isDispatching.CompareAndSwap(false, true) {
		return stats, nil
	}
	defer isDispatching.Store(false)

	conf, err := config.Fetch()
	if err != nil {
		return stats, err
	}

	events, err := l.datasource.ClaimPendingOutboxEvents(ctx, conf.Outbox.BatchSize)
	if err != nil {
		return stats, err
	}

	for _, event := range events {
		if err := l.publishOutboxEvent(ctx, event); err != nil {
			stats.Errors++
			continue
		}
		stats.Processed++
	}
	if stats.Processed > 0 || stats.Errors > 0 {
		logrus.WithFields(logrus.Fields{
			"published": stats.Processed,
			"failed":    stats.Errors,
		}).Debug("outbox batch dispatched")
	}
	return stats, nil
}

// publishOutboxEvent delivers one claimed event and records the outcome.
func (l *Vest) publishOutboxEvent(ctx context.Context, event *model.OutboxEvent) error {
	deliveryErr := l.routeOutboxEvent(event)
	if deliveryErr == nil {
		if err := l.datasource.MarkOutboxPublished(ctx, event.EventID); err != nil {
			notification.NotifyError(err)
			return err
		}
		return nil
	}

	if event.Exhausted() {
		if err := l.datasource.MarkOutboxFailed(ctx, event.EventID, deliveryErr.Error()); err != nil {
			notification.NotifyError(err)
			return err
		}
		notification.NotifyError(fmt.Errorf("outbox event %s dead-lettered after %d attempts: %w", event.EventID, event.Attempts, deliveryErr))
		return deliveryErr
	}

	nextRetryAt := time.Now().Add(model.NextBackoff(event.Attempts))
	if err := l.datasource.ReturnOutboxForRetry(ctx, event.EventID, nextRetryAt, deliveryErr.Error()); err != nil {
		notification.NotifyError(err)
		return err
	}
	logrus.WithFields(logrus.Fields{
		"event_id": event.EventID,
		"attempts": event.Attempts,
		"retry_at": nextRetryAt,
	}).Warn("outbox delivery failed, scheduled for retry")
	return deliveryErr
}

// routeOutboxEvent hands the event to its downstream consumers: the webhook
// queue, plus invalidation of any cached read models the event makes stale.
func (l *Vest) routeOutboxEvent(event *model.OutboxEvent) error {
	if err := l.SendWebhook(event); err != nil {
		return err
	}
	l.invalidateCachesFor(event)
	return nil
}

// invalidateCachesFor drops cached balances touched by the event. Best
// effort; a stale cache entry expires on its own TTL anyway.
func (l *Vest) invalidateCachesFor(event *model.OutboxEvent) {
	userID, ok := event.Payload["user_id"].(string)
	if !ok || userID == "" {
		return
	}
	if err := l.deleteCachedBalances(context.Background(), userID); err != nil {
		logrus.Debugf("cache invalidation failed for user %s: %v", userID, err)
	}
}

// PurgeOutbox deletes PUBLISHED events older than the configured retention.
// FAILED events are kept for operator inspection and manual replay.
func (l *Vest) PurgeOutbox(ctx context.Context) (int64, error) {
	conf, err := config.Fetch()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -conf.Outbox.RetentionDays)
	purged, err := l.datasource.PurgePublishedOutbox(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		logrus.WithField("purged", purged).Info("purged published outbox events")
	}
	return purged, nil
}

// GetDeadLetteredEvents lists dead-lettered outbox events for inspection.
func (l *Vest) GetDeadLetteredEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.datasource.GetOutboxEvents(ctx, model.OutboxFailed, limit)
}
