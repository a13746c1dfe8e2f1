package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"offer-service/internal/apperr"
	"offer-service/internal/models"
	"offer-service/internal/payment"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOfferValidation(t *testing.T) {
	w := newWorld()
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateOfferRequest
		kind apperr.Kind
	}{
		{"missing title", CreateOfferRequest{Title: " ", Amount: decimal.NewFromInt(10), Currency: "MXN"}, apperr.KindValidation},
		{"zero amount", CreateOfferRequest{Title: "x", Amount: decimal.Zero, Currency: "MXN"}, apperr.KindValidation},
		{"negative amount", CreateOfferRequest{Title: "x", Amount: decimal.NewFromInt(-5), Currency: "MXN"}, apperr.KindValidation},
		{"unsupported currency", CreateOfferRequest{Title: "x", Amount: decimal.NewFromInt(10), Currency: "EUR"}, apperr.KindValidation},
		{"professional cannot create", CreateOfferRequest{Title: "x", Amount: decimal.NewFromInt(10), Currency: "MXN", ClientID: w.proID}, apperr.KindPermissionDenied},
		{"unknown conversation", CreateOfferRequest{ConversationID: "nope", Title: "x", Amount: decimal.NewFromInt(10), Currency: "MXN", ClientID: w.clientID}, apperr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			if req.ConversationID == "" {
				req.ConversationID = w.conv.ID
			}
			_, err := w.offers.CreateOffer(ctx, &req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
	assert.Empty(t, w.repo.offers)
}

func TestCreateOfferAppendsTermsMessage(t *testing.T) {
	w := newWorld()
	offer := w.pendingOffer(t, "1500")

	assert.Equal(t, models.OfferStatusPending, offer.Status)
	assert.Equal(t, w.proID, offer.ProfessionalID)

	view, err := w.offers.GetOfferView(context.Background(), offer.ID, w.proID)
	require.NoError(t, err)
	require.NotNil(t, view.Folded)
	assert.Equal(t, "Fix sink", view.Folded.Title)
	assert.Equal(t, "MXN", view.Folded.Currency)
	assert.Equal(t, models.OfferStatusPending, view.Folded.Status)
	assert.Equal(t, 1, w.events.count(models.EventTypeOfferCreated))
}

func TestOfferTransitionTable(t *testing.T) {
	allowed := map[[2]models.OfferStatus]bool{
		{models.OfferStatusPending, models.OfferStatusAccepted}:  true,
		{models.OfferStatusPending, models.OfferStatusRejected}:  true,
		{models.OfferStatusPending, models.OfferStatusCanceled}:  true,
		{models.OfferStatusPending, models.OfferStatusExpired}:   true,
		{models.OfferStatusAccepted, models.OfferStatusPaid}:     true,
		{models.OfferStatusAccepted, models.OfferStatusCanceled}: true,
	}
	for _, from := range models.AllOfferStatuses {
		for _, to := range models.AllOfferStatuses {
			assert.Equal(t, allowed[[2]models.OfferStatus{from, to}], CanTransitionOffer(from, to), "%s -> %s", from, to)
		}
	}
}

// Every disallowed edge must fail with INVALID_TRANSITION and leave the row alone.
func TestDisallowedOfferTransitionsLeaveStatusUnchanged(t *testing.T) {
	ctx := context.Background()

	for _, from := range models.AllOfferStatuses {
		for _, to := range models.AllOfferStatuses {
			if CanTransitionOffer(from, to) {
				continue
			}
			w := newWorld()
			offer := w.pendingOffer(t, "100")
			w.repo.offers[offer.ID].Status = from

			var actor Actor
			switch to {
			case models.OfferStatusExpired:
				actor = ActorSystem
			case models.OfferStatusPaid:
				actor = ActorPayment
			case models.OfferStatusAccepted, models.OfferStatusRejected:
				actor = ActorProfessional
			default:
				actor = ActorClient
			}

			current, err := w.repo.GetOffer(ctx, offer.ID)
			require.NoError(t, err)
			_, err = w.offers.apply(ctx, current, actor, to, models.StringPtr("reason"))
			require.Error(t, err, "%s -> %s", from, to)
			assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err), "%s -> %s", from, to)

			after, _ := w.repo.GetOffer(ctx, offer.ID)
			assert.Equal(t, from, after.Status, "%s -> %s", from, to)
		}
	}
}

func TestOfferActorPermissions(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	offer := w.pendingOffer(t, "100")

	_, err := w.offers.AcceptOffer(ctx, offer.ID, w.clientID)
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))

	_, err = w.offers.AcceptOffer(ctx, offer.ID, "stranger")
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))

	_, err = w.offers.CancelOffer(ctx, offer.ID, w.proID, nil)
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))

	_, err = w.offers.RejectOffer(ctx, offer.ID, w.proID, "  ")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	stored, _ := w.repo.GetOffer(ctx, offer.ID)
	assert.Equal(t, models.OfferStatusPending, stored.Status)
}

func TestRejectOfferStoresReason(t *testing.T) {
	w := newWorld()
	offer := w.pendingOffer(t, "100")

	rejected, err := w.offers.RejectOffer(context.Background(), offer.ID, w.proID, "too expensive")
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusRejected, rejected.Status)
	require.NotNil(t, rejected.Reason)
	assert.Equal(t, "too expensive", *rejected.Reason)

	view, err := w.offers.GetOfferView(context.Background(), offer.ID, w.clientID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusRejected, view.Folded.Status)
	assert.Equal(t, "too expensive", view.Folded.Reason)
}

func TestAcceptOfferCreatesAgreement(t *testing.T) {
	w := newWorld()
	offer := w.acceptedOffer(t, "1500")

	a, err := w.repo.GetAgreementByOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, models.AgreementStatusAccepted, a.Status)
	assert.True(t, a.Amount.Equal(decimal.NewFromInt(1500)))
	assert.Equal(t, w.requestID, a.RequestID)
}

func TestCancelAcceptedOfferCancelsAgreement(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	offer := w.acceptedOffer(t, "1500")

	_, err := w.offers.CancelOffer(ctx, offer.ID, w.proID, models.StringPtr("schedule conflict"))
	require.NoError(t, err)

	a, _ := w.repo.GetAgreementByOffer(ctx, offer.ID)
	assert.Equal(t, models.AgreementStatusCancelled, a.Status)
}

func TestExpireOfferOnlyFromPending(t *testing.T) {
	w := newWorld()
	ctx := context.Background()

	offer := w.pendingOffer(t, "100")
	expired, err := w.offers.ExpireOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusExpired, expired.Status)

	accepted := w.acceptedOffer(t, "100")
	_, err = w.offers.ExpireOffer(ctx, accepted.ID)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestOfferMessageFailureDoesNotFailTransition(t *testing.T) {
	w := newWorld()
	offer := w.pendingOffer(t, "100")
	w.repo.failOn("InsertMessage", errors.New("log unavailable"))

	accepted, err := w.offers.AcceptOffer(context.Background(), offer.ID, w.proID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusAccepted, accepted.Status)
}

func TestRequestCheckoutComputesFeesIntoMetadata(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	offer, view := w.paidCheckout(t, "1500")

	assert.Equal(t, payment.Fees{Service: 150000, Commission: 15000, Tax: 2400, Total: 167400}, view.Fees)
	assert.False(t, view.Reused)

	session, err := w.gateway.RetrieveSession(ctx, view.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(167400), session.AmountTotal)
	assert.Equal(t, offer.ID, session.Meta(payment.MetaOfferID))
	assert.Equal(t, w.requestID, session.Meta(payment.MetaRequestID))
	assert.Equal(t, w.conv.ID, session.Meta(payment.MetaConversationID))
	assert.Equal(t, w.proID, session.Meta(payment.MetaProfessionalID))
	assert.Equal(t, "15000", session.Meta(payment.MetaCommissionAmount))
	assert.Equal(t, "2400", session.Meta(payment.MetaTaxAmount))

	u, err := url.Parse(view.CheckoutURL)
	require.NoError(t, err)
	assert.Equal(t, view.SessionID, u.Query().Get("session_id"))
	assert.Equal(t, offer.ID, u.Query().Get("oid"))
	assert.Equal(t, w.requestID, u.Query().Get("rid"))

	again, err := w.offers.RequestCheckout(ctx, offer.ID, w.clientID)
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, view.SessionID, again.SessionID)
}

func TestRequestCheckoutRules(t *testing.T) {
	w := newWorld()
	ctx := context.Background()

	pending := w.pendingOffer(t, "100")
	_, err := w.offers.RequestCheckout(ctx, pending.ID, w.clientID)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))

	accepted := w.acceptedOffer(t, "100")
	_, err = w.offers.RequestCheckout(ctx, accepted.ID, w.proID)
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))
}

func TestSuccessURLKeepsPlaceholderUnescaped(t *testing.T) {
	s := &OfferService{cfg: OfferConfig{SuccessURL: "https://api.test/payments/success"}}
	got := s.successURL(&models.Offer{ID: "o1", ConversationID: "c1"}, "r1")
	assert.True(t, strings.HasPrefix(got, "https://api.test/payments/success?session_id={CHECKOUT_SESSION_ID}&"))
	assert.Contains(t, got, "cid=c1")
	assert.Contains(t, got, "oid=o1")
	assert.Contains(t, got, "rid=r1")
}
