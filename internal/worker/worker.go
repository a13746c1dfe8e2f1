package worker

import (
	"context"
	"fmt"
	"time"

	"offer-service/internal/broker"
	"offer-service/internal/email"
	"offer-service/internal/models"
	"offer-service/internal/redisclient"
	"offer-service/internal/util"

	"go.uber.org/zap"
)

// processedTTL is how long a handled event id is remembered.
const processedTTL = 24 * time.Hour

// Cache is the read cache the projection worker clears.
type Cache interface {
	Invalidate(ctx context.Context, keys ...string) error
}

// IdempotencyStore remembers event ids already handled by a worker.
type IdempotencyStore interface {
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type Mailer interface {
	Send(ctx context.Context, to, subject, html string) error
}

// ProjectionWorker drops cached read views when domain events change them.
// Views are rebuilt lazily on the next read.
type ProjectionWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	cache        Cache
	seen         IdempotencyStore
	logger       *zap.Logger
}

// NewProjectionWorker creates a new projection worker
func NewProjectionWorker(consumer *broker.Consumer, cache Cache, seen IdempotencyStore) *ProjectionWorker {
	w := &ProjectionWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		cache:        cache,
		seen:         seen,
		logger:       util.GetLogger(),
	}

	w.eventHandler.OnPaymentReconciled(w.handlePaymentReconciled)
	w.eventHandler.OnAgreementEvent(w.handleAgreementEvent)
	w.eventHandler.OnRequestCompleted(w.handleRequestCompleted)
	return w
}

// Start starts the worker
func (w *ProjectionWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting projection worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *ProjectionWorker) Stop() error {
	w.logger.Info("Stopping projection worker")
	return w.consumer.Close()
}

func (w *ProjectionWorker) handlePaymentReconciled(ctx context.Context, event *models.PaymentReconciledEvent) error {
	return w.once(ctx, event.BaseEvent, func() error {
		keys := []string{
			redisclient.KPIKey(event.ProfessionalID),
			redisclient.CalendarKey(event.ProfessionalID),
		}
		if event.RequestID != "" {
			keys = append(keys, redisclient.RequestKey(event.RequestID))
		}
		if event.ConversationID != "" {
			keys = append(keys, redisclient.ConversationKey(event.ConversationID))
		}
		return w.cache.Invalidate(ctx, keys...)
	})
}

func (w *ProjectionWorker) handleAgreementEvent(ctx context.Context, event *models.AgreementEvent) error {
	return w.once(ctx, event.BaseEvent, func() error {
		return w.cache.Invalidate(ctx,
			redisclient.KPIKey(event.ProfessionalID),
			redisclient.CalendarKey(event.ProfessionalID),
			redisclient.RequestKey(event.RequestID))
	})
}

func (w *ProjectionWorker) handleRequestCompleted(ctx context.Context, event *models.RequestCompletedEvent) error {
	return w.once(ctx, event.BaseEvent, func() error {
		return w.cache.Invalidate(ctx,
			redisclient.KPIKey(event.ProfessionalID),
			redisclient.RequestKey(event.RequestID))
	})
}

// once runs fn unless the event was already handled by this worker.
func (w *ProjectionWorker) once(ctx context.Context, base models.BaseEvent, fn func() error) error {
	return runOnce(ctx, w.seen, w.logger, "projection", base, fn)
}

// NotificationWorker emails the admin about agreement changes that need a
// human: amount edits and disputes.
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	mailer       Mailer
	adminEmail   string
	seen         IdempotencyStore
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, mailer Mailer, adminEmail string, seen IdempotencyStore) *NotificationWorker {
	w := &NotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		mailer:       mailer,
		adminEmail:   adminEmail,
		seen:         seen,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnAgreementEvent(w.handleAgreementEvent)
	return w
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

func (w *NotificationWorker) handleAgreementEvent(ctx context.Context, event *models.AgreementEvent) error {
	n, ok := notificationFor(event)
	if !ok || w.adminEmail == "" {
		return nil
	}

	return runOnce(ctx, w.seen, w.logger, "notification", event.BaseEvent, func() error {
		subject, html, err := n.Render()
		if err != nil {
			return err
		}
		if err := w.mailer.Send(ctx, w.adminEmail, subject, html); err != nil {
			return fmt.Errorf("failed to send admin notification: %w", err)
		}
		w.logger.Info("Admin notified",
			zap.String("event_type", event.EventType),
			zap.String("agreement_id", event.AgreementID))
		return nil
	})
}

// notificationFor reports whether event needs an admin email.
func notificationFor(event *models.AgreementEvent) (email.Notification, bool) {
	n := email.Notification{
		AgreementID: event.AgreementID,
		RequestID:   event.RequestID,
		ActorID:     event.ActorID,
	}
	switch {
	case event.EventType == models.EventTypeAgreementAmountChanged:
		n.Heading = "Agreement amount changed"
		n.Lines = []string{
			fmt.Sprintf("Previous amount: %s", event.PreviousAmount),
			fmt.Sprintf("New amount: %s", event.Amount),
		}
		return n, true
	case event.EventType == models.EventTypeAgreementStatusChanged && event.Status == models.AgreementStatusDisputed:
		n.Heading = "Agreement disputed"
		n.Lines = []string{fmt.Sprintf("Previous status: %s", event.PreviousStatus)}
		return n, true
	}
	return n, false
}

func runOnce(ctx context.Context, seen IdempotencyStore, logger *zap.Logger, worker string, base models.BaseEvent, fn func() error) error {
	if seen == nil || base.EventID == "" {
		return fn()
	}

	key := worker + ":" + base.EventID
	done, err := seen.CheckIdempotencyKey(ctx, key)
	if err != nil {
		logger.Warn("Idempotency check failed", zap.String("event_id", base.EventID), zap.Error(err))
	} else if done {
		logger.Debug("Event already handled", zap.String("worker", worker), zap.String("event_id", base.EventID))
		return nil
	}

	if err := fn(); err != nil {
		return err
	}
	if err := seen.SetIdempotencyKey(ctx, key, base.EventType, processedTTL); err != nil {
		logger.Warn("Failed to record handled event", zap.String("event_id", base.EventID), zap.Error(err))
	}
	return nil
}
