package service

import (
	"context"
	"testing"

	"offer-service/internal/apperr"
	"offer-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paidAgreement(t *testing.T, w *world) *models.Agreement {
	t.Helper()
	offer, view := w.paidCheckout(t, "1500")
	_, err := w.reconciler.Reconcile(context.Background(), ReconcileInput{SessionID: view.SessionID, Source: SourceRedirect})
	require.NoError(t, err)
	a, err := w.repo.GetAgreementByOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	return a
}

func TestAgreementTransitionTable(t *testing.T) {
	all := []models.AgreementStatus{
		models.AgreementStatusNegotiating,
		models.AgreementStatusAccepted,
		models.AgreementStatusPaid,
		models.AgreementStatusInProgress,
		models.AgreementStatusCompleted,
		models.AgreementStatusCancelled,
		models.AgreementStatusDisputed,
	}
	for _, from := range all {
		assert.False(t, CanTransitionAgreement(from, models.AgreementStatusPaid), "%s -> paid", from)
	}
	assert.True(t, CanTransitionAgreement(models.AgreementStatusPaid, models.AgreementStatusInProgress))
	assert.True(t, CanTransitionAgreement(models.AgreementStatusDisputed, models.AgreementStatusCancelled))
	assert.False(t, CanTransitionAgreement(models.AgreementStatusPaid, models.AgreementStatusCancelled))
	assert.False(t, CanTransitionAgreement(models.AgreementStatusCompleted, models.AgreementStatusInProgress))
}

func TestUpdateAmountBeforePayment(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	offer := w.acceptedOffer(t, "1500")
	a, _ := w.repo.GetAgreementByOffer(ctx, offer.ID)

	updated, err := w.agreements.UpdateAmount(ctx, a.ID, w.clientID, decimal.NewFromInt(1800))
	require.NoError(t, err)
	assert.True(t, updated.Amount.Equal(decimal.NewFromInt(1800)))
	assert.Equal(t, 1, w.events.count(models.EventTypeAgreementAmountChanged))

	_, err = w.agreements.UpdateAmount(ctx, a.ID, "stranger", decimal.NewFromInt(1))
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))

	_, err = w.agreements.UpdateAmount(ctx, a.ID, w.proID, decimal.Zero)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestUpdateAmountAfterPaymentIsRejected(t *testing.T) {
	w := newWorld()
	a := paidAgreement(t, w)

	_, err := w.agreements.UpdateAmount(context.Background(), a.ID, w.proID, decimal.NewFromInt(99))
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))

	stored, _ := w.repo.GetAgreement(context.Background(), a.ID)
	assert.True(t, stored.Amount.Equal(decimal.NewFromInt(1500)))
}

func TestPaidIsNotReachableByTransition(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	offer := w.acceptedOffer(t, "1500")
	a, _ := w.repo.GetAgreementByOffer(ctx, offer.ID)

	_, err := w.agreements.Transition(ctx, a.ID, w.proID, models.AgreementStatusPaid)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestFinishWorkCompletesRequest(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	a := paidAgreement(t, w)

	_, err := w.agreements.FinishWork(ctx, w.requestID, w.clientID)
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))

	done, err := w.agreements.FinishWork(ctx, w.requestID, w.proID)
	require.NoError(t, err)
	assert.Equal(t, models.AgreementStatusCompleted, done.Status)
	assert.Equal(t, a.ID, done.ID)
	assert.Equal(t, models.RequestStatusCompleted, w.request().Status)
	assert.Equal(t, 1, w.events.count(models.EventTypeRequestCompleted))
	assert.Equal(t, 2, w.events.count(models.EventTypeAgreementStatusChanged))

	_, err = w.agreements.FinishWork(ctx, w.requestID, w.proID)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestDisputeAndCancelMirrorsRequest(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	a := paidAgreement(t, w)

	_, err := w.agreements.Transition(ctx, a.ID, w.clientID, models.AgreementStatusDisputed)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusInProcess, w.request().Status)

	entry, _ := w.repo.GetCalendarEntry(ctx, w.requestID)
	require.NotNil(t, entry)
	assert.Equal(t, models.CalendarStatusScheduled, entry.Status)

	_, err = w.agreements.Transition(ctx, a.ID, w.clientID, models.AgreementStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusCancelled, w.request().Status)

	entry, _ = w.repo.GetCalendarEntry(ctx, w.requestID)
	assert.Equal(t, models.CalendarStatusCancelled, entry.Status)
}

func TestTransitionLosingRaceReportsCurrentState(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	a := paidAgreement(t, w)

	stale := *a
	_, err := w.agreements.Transition(ctx, a.ID, w.proID, models.AgreementStatusInProgress)
	require.NoError(t, err)

	req, _ := w.repo.GetRequest(ctx, w.requestID)
	_, err = w.agreements.apply(ctx, &stale, req, w.proID, models.AgreementStatusInProgress)
	require.Error(t, err)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "in_progress", appErr.Details["current"])
}
