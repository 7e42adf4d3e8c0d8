package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"cart-sync/internal/models"
	"cart-sync/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher writes keyed events
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing cart lifecycle events
type EventPublisher struct {
	producer Publisher
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer Publisher) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func userKey(userID int64) string {
	return fmt.Sprintf("user-%d", userID)
}

// PublishCartMerged publishes CartSessionMerged event
func (ep *EventPublisher) PublishCartMerged(ctx context.Context, event *models.CartMergedEvent) error {
	return ep.producer.PublishEvent(ctx, userKey(event.UserID), event)
}

// PublishCartMergeFailed publishes CartMergeFailed event
func (ep *EventPublisher) PublishCartMergeFailed(ctx context.Context, event *models.CartMergeFailedEvent) error {
	return ep.producer.PublishEvent(ctx, userKey(event.UserID), event)
}

// PublishOfflineCartSynced publishes OfflineCartSynced event
func (ep *EventPublisher) PublishOfflineCartSynced(ctx context.Context, event *models.OfflineCartSyncedEvent) error {
	return ep.producer.PublishEvent(ctx, userKey(event.UserID), event)
}

// PublishOfflineItemSyncFailed publishes OfflineItemSyncFailed event
func (ep *EventPublisher) PublishOfflineItemSyncFailed(ctx context.Context, event *models.OfflineItemSyncFailedEvent) error {
	return ep.producer.PublishEvent(ctx, userKey(event.UserID), event)
}

// PublishCartCleared publishes CartCleared event
func (ep *EventPublisher) PublishCartCleared(ctx context.Context, event *models.CartClearedEvent) error {
	return ep.producer.PublishEvent(ctx, userKey(event.UserID), event)
}

// EventHandler handles incoming auth events
type EventHandler struct {
	onLoginSucceeded  func(context.Context, *models.LoginSucceededEvent) error
	onLogoutCompleted func(context.Context, *models.LogoutCompletedEvent) error
	logger            *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.ComponentLogger("event-handler")}
}

// OnLoginSucceeded registers a handler for LoginSucceeded events
func (eh *EventHandler) OnLoginSucceeded(handler func(context.Context, *models.LoginSucceededEvent) error) {
	eh.onLoginSucceeded = handler
}

// OnLogoutCompleted registers a handler for LogoutCompleted events
func (eh *EventHandler) OnLogoutCompleted(handler func(context.Context, *models.LogoutCompletedEvent) error) {
	eh.onLogoutCompleted = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeLoginSucceeded:
		if eh.onLoginSucceeded != nil {
			var event models.LoginSucceededEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal LoginSucceeded event: %w", err)
			}
			return eh.onLoginSucceeded(ctx, &event)
		}

	case models.EventTypeLogoutCompleted:
		if eh.onLogoutCompleted != nil {
			var event models.LogoutCompletedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal LogoutCompleted event: %w", err)
			}
			return eh.onLogoutCompleted(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
