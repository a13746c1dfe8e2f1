package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"offer-service/internal/apperr"
	"offer-service/internal/models"
	"offer-service/internal/payment"
	"offer-service/internal/receipt"
	"offer-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HandleWebhook verifies and applies one provider delivery. Deliveries already
// applied are acknowledged without side effects; the event is only marked
// processed once both the receipt and the reconciliation succeeded, so a failed
// delivery is retried by the provider.
func (s *ReconcileService) HandleWebhook(ctx context.Context, payload []byte, signature string) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "ReconcileService.HandleWebhook")
	defer span.End()

	ev, err := s.gateway.ParseWebhook(payload, signature)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		if errors.Is(err, payment.ErrInvalidSignature) {
			return nil, apperr.Wrap(apperr.KindUnauthorized, "invalid webhook signature", err)
		}
		return nil, apperr.Wrap(apperr.KindValidation, "invalid webhook payload", err)
	}

	if ev.Type != payment.EventCheckoutCompleted {
		util.WebhookEventsTotal.WithLabelValues(ev.Type, "ignored").Inc()
		return &ReconcileResult{Outcome: OutcomeIgnored}, nil
	}
	if ev.Session == nil || ev.Session.ID == "" {
		util.WebhookEventsTotal.WithLabelValues(ev.Type, "rejected").Inc()
		return nil, apperr.Validation("webhook event carries no checkout session")
	}

	done, err := s.repo.IsEventProcessed(ctx, ev.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check webhook event: %w", err)
	}
	if done {
		util.WebhookEventsTotal.WithLabelValues(ev.Type, "duplicate").Inc()
		s.logger.Info("Webhook event already processed", zap.String("event_id", ev.ID))
		return &ReconcileResult{Outcome: OutcomeAlreadyReconciled, SessionID: ev.Session.ID}, nil
	}

	if !ev.Session.Paid {
		util.WebhookEventsTotal.WithLabelValues(ev.Type, "unpaid").Inc()
		s.logger.Info("Checkout completed without payment", zap.String("session_id", ev.Session.ID))
		return &ReconcileResult{Outcome: OutcomeUnverified, SessionID: ev.Session.ID}, nil
	}

	_, receiptErr := s.EnsureReceipt(ctx, ev.Session)
	if receiptErr != nil {
		s.logger.Error("Failed to persist receipt", zap.String("session_id", ev.Session.ID), zap.Error(receiptErr))
	}

	res, err := s.Reconcile(ctx, ReconcileInput{SessionID: ev.Session.ID, Source: SourceWebhook})
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(ev.Type, "failed").Inc()
		return nil, err
	}
	if receiptErr != nil {
		util.WebhookEventsTotal.WithLabelValues(ev.Type, "failed").Inc()
		util.DegradedStepsTotal.WithLabelValues(StepReceiptPersist).Inc()
		return nil, apperr.Degraded(StepReceiptPersist, receiptErr)
	}

	if err := s.repo.MarkEventProcessed(ctx, ev.ID, ev.Type); err != nil {
		// Every reconcile step is gated, so a redelivery is harmless.
		s.logger.Warn("Failed to record webhook event", zap.String("event_id", ev.ID), zap.Error(err))
	}
	util.WebhookEventsTotal.WithLabelValues(ev.Type, "processed").Inc()
	return res, nil
}

// EnsureReceipt returns the canonical receipt for a paid session, creating it
// on first sight. Concurrent callers converge on a single row.
func (s *ReconcileService) EnsureReceipt(ctx context.Context, session *payment.Session) (*models.Receipt, error) {
	ctx, span := util.StartSpan(ctx, "ReconcileService.EnsureReceipt")
	defer span.End()

	existing, err := s.repo.GetReceiptBySession(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load receipt: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	fees := session.Fees()
	rc := &models.Receipt{
		ID:                uuid.New().String(),
		CheckoutSessionID: session.ID,
		Folio:             receipt.NewFolio(s.now()),
		ServiceAmount:     fees.Service,
		CommissionAmount:  fees.Commission,
		TaxAmount:         fees.Tax,
		TotalAmount:       fees.Total,
		Currency:          strings.ToUpper(firstNonEmpty(session.Meta(payment.MetaCurrency), session.Currency)),
	}
	if session.PaymentIntentID != "" {
		rc.PaymentIntentID = &session.PaymentIntentID
	}
	if v := session.Meta(payment.MetaOfferID); v != "" {
		rc.OfferID = &v
	}
	if v := session.Meta(payment.MetaRequestID); v != "" {
		rc.RequestID = &v
	}

	stored, created, err := s.repo.InsertReceipt(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("failed to insert receipt: %w", err)
	}
	if created {
		util.ReceiptsCreatedTotal.Inc()
		s.logger.Info("Receipt created",
			zap.String("receipt_id", stored.ID),
			zap.String("folio", stored.Folio),
			zap.String("session_id", session.ID))
	}
	return stored, nil
}
