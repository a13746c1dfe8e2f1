package broker

import (
	"context"
	"encoding/json"
	"testing"

	"offer-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, v interface{}) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return kafka.Message{Value: raw}
}

func TestEventHandlerRoutesByType(t *testing.T) {
	h := NewEventHandler()

	var reconciled, agreements, completed int
	h.OnPaymentReconciled(func(_ context.Context, e *models.PaymentReconciledEvent) error {
		assert.Equal(t, "o1", e.OfferID)
		reconciled++
		return nil
	})
	h.OnAgreementEvent(func(_ context.Context, e *models.AgreementEvent) error {
		assert.Equal(t, "a1", e.AgreementID)
		agreements++
		return nil
	})
	h.OnRequestCompleted(func(_ context.Context, e *models.RequestCompletedEvent) error {
		completed++
		return nil
	})

	ctx := context.Background()
	require.NoError(t, h.HandleMessage(ctx, encode(t, &models.PaymentReconciledEvent{
		BaseEvent: NewBaseEvent(models.EventTypePaymentReconciled), OfferID: "o1",
	})))
	require.NoError(t, h.HandleMessage(ctx, encode(t, &models.AgreementEvent{
		BaseEvent: NewBaseEvent(models.EventTypeAgreementAmountChanged), AgreementID: "a1",
	})))
	require.NoError(t, h.HandleMessage(ctx, encode(t, &models.AgreementEvent{
		BaseEvent: NewBaseEvent(models.EventTypeAgreementStatusChanged), AgreementID: "a1",
	})))
	require.NoError(t, h.HandleMessage(ctx, encode(t, &models.RequestCompletedEvent{
		BaseEvent: NewBaseEvent(models.EventTypeRequestCompleted), RequestID: "r1",
	})))
	require.NoError(t, h.HandleMessage(ctx, encode(t, &models.OfferEvent{
		BaseEvent: NewBaseEvent(models.EventTypeOfferCreated),
	})))

	assert.Equal(t, 1, reconciled)
	assert.Equal(t, 2, agreements)
	assert.Equal(t, 1, completed)
}

func TestEventHandlerRejectsGarbage(t *testing.T) {
	h := NewEventHandler()
	assert.Error(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte("not json")}))
}
