package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"offer-service/internal/models"
	"offer-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// NewBaseEvent stamps a fresh event id and time.
func NewBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// PublishOfferEvent publishes an offer lifecycle event
func (ep *EventPublisher) PublishOfferEvent(ctx context.Context, event *models.OfferEvent) error {
	return ep.producer.PublishEvent(ctx, "offer-"+event.OfferID, event)
}

// PublishPaymentReconciled publishes PaymentReconciled event
func (ep *EventPublisher) PublishPaymentReconciled(ctx context.Context, event *models.PaymentReconciledEvent) error {
	return ep.producer.PublishEvent(ctx, "offer-"+event.OfferID, event)
}

// PublishAgreementEvent publishes an agreement amount or status change
func (ep *EventPublisher) PublishAgreementEvent(ctx context.Context, event *models.AgreementEvent) error {
	return ep.producer.PublishEvent(ctx, "agreement-"+event.AgreementID, event)
}

// PublishRequestCompleted publishes RequestCompleted event
func (ep *EventPublisher) PublishRequestCompleted(ctx context.Context, event *models.RequestCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, "request-"+event.RequestID, event)
}

// PublishReviewSubmitted publishes ReviewSubmitted event
func (ep *EventPublisher) PublishReviewSubmitted(ctx context.Context, event *models.ReviewSubmittedEvent) error {
	return ep.producer.PublishEvent(ctx, "request-"+event.RequestID, event)
}

// ChatPublisher fans new chat messages out to realtime subscribers.
type ChatPublisher struct {
	producer *Producer
}

func NewChatPublisher(producer *Producer) *ChatPublisher {
	return &ChatPublisher{producer: producer}
}

// Publish sends msg keyed by conversation so subscribers see it in order.
func (cp *ChatPublisher) Publish(ctx context.Context, conversationID string, msg *models.Message) error {
	event := &models.ChatMessageEvent{
		BaseEvent:      NewBaseEvent(models.EventTypeChatMessage),
		ConversationID: conversationID,
		Message:        msg,
	}
	return cp.producer.PublishEvent(ctx, "conversation-"+conversationID, event)
}

// PublishUpdate tells subscribers an existing message's payload was rewritten.
func (cp *ChatPublisher) PublishUpdate(ctx context.Context, conversationID string, msg *models.Message) error {
	event := &models.ChatMessageEvent{
		BaseEvent:      NewBaseEvent(models.EventTypeChatMessageUpdated),
		ConversationID: conversationID,
		Message:        msg,
	}
	return cp.producer.PublishEvent(ctx, "conversation-"+conversationID, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onPaymentReconciled func(context.Context, *models.PaymentReconciledEvent) error
	onAgreementEvent    func(context.Context, *models.AgreementEvent) error
	onRequestCompleted  func(context.Context, *models.RequestCompletedEvent) error
	logger              *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentReconciled registers a handler for PaymentReconciled events
func (eh *EventHandler) OnPaymentReconciled(handler func(context.Context, *models.PaymentReconciledEvent) error) {
	eh.onPaymentReconciled = handler
}

// OnAgreementEvent registers one handler for amount and status changes
func (eh *EventHandler) OnAgreementEvent(handler func(context.Context, *models.AgreementEvent) error) {
	eh.onAgreementEvent = handler
}

// OnRequestCompleted registers a handler for RequestCompleted events
func (eh *EventHandler) OnRequestCompleted(handler func(context.Context, *models.RequestCompletedEvent) error) {
	eh.onRequestCompleted = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType), zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePaymentReconciled:
		if eh.onPaymentReconciled != nil {
			var event models.PaymentReconciledEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentReconciled event: %w", err)
			}
			return eh.onPaymentReconciled(ctx, &event)
		}

	case models.EventTypeAgreementAmountChanged, models.EventTypeAgreementStatusChanged:
		if eh.onAgreementEvent != nil {
			var event models.AgreementEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal %s event: %w", baseEvent.EventType, err)
			}
			return eh.onAgreementEvent(ctx, &event)
		}

	case models.EventTypeRequestCompleted:
		if eh.onRequestCompleted != nil {
			var event models.RequestCompletedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal RequestCompleted event: %w", err)
			}
			return eh.onRequestCompleted(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
