package service

import (
	"context"
	"time"

	"cart-sync/internal/models"

	"github.com/google/uuid"
)

// EventPublisher receives the cart lifecycle events
type EventPublisher interface {
	PublishCartMerged(ctx context.Context, event *models.CartMergedEvent) error
	PublishCartMergeFailed(ctx context.Context, event *models.CartMergeFailedEvent) error
	PublishOfflineCartSynced(ctx context.Context, event *models.OfflineCartSyncedEvent) error
	PublishOfflineItemSyncFailed(ctx context.Context, event *models.OfflineItemSyncFailedEvent) error
	PublishCartCleared(ctx context.Context, event *models.CartClearedEvent) error
}

// SessionBus carries login/logout signals to the other instances sharing this client's state
type SessionBus interface {
	PublishSession(ctx context.Context, msg *models.SessionBroadcast) error
}

// ReconcileGuard serialises reconciliation across instances
type ReconcileGuard interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
	ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	DeleteIdempotencyKey(ctx context.Context, key string) error
}

type noopPublisher struct{}

func (noopPublisher) PublishCartMerged(context.Context, *models.CartMergedEvent) error { return nil }
func (noopPublisher) PublishCartMergeFailed(context.Context, *models.CartMergeFailedEvent) error {
	return nil
}
func (noopPublisher) PublishOfflineCartSynced(context.Context, *models.OfflineCartSyncedEvent) error {
	return nil
}
func (noopPublisher) PublishOfflineItemSyncFailed(context.Context, *models.OfflineItemSyncFailedEvent) error {
	return nil
}
func (noopPublisher) PublishCartCleared(context.Context, *models.CartClearedEvent) error { return nil }

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}
