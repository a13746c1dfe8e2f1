package payment

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultSchedule = FeeSchedule{
	CommissionRate: decimal.RequireFromString("0.10"),
	TaxRate:        decimal.RequireFromString("0.16"),
}

func TestFeeScheduleCompute(t *testing.T) {
	tests := []struct {
		name    string
		service int64
		want    Fees
	}{
		{"1500 MXN", 150000, Fees{Service: 150000, Commission: 15000, Tax: 2400, Total: 167400}},
		{"rounds commission", 1005, Fees{Service: 1005, Commission: 101, Tax: 16, Total: 1122}},
		{"zero", 0, Fees{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, defaultSchedule.Compute(tt.service))
		})
	}
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(150050), ToMinorUnits(decimal.RequireFromString("1500.50")))
	assert.Equal(t, int64(101), ToMinorUnits(decimal.RequireFromString("1.005")))
	assert.True(t, decimal.RequireFromString("1500.5").Equal(FromMinorUnits(150050)))
}

func TestSessionFeesFromMetadata(t *testing.T) {
	fees := defaultSchedule.Compute(150000)
	s := &Session{Metadata: fees.Metadata(), AmountTotal: fees.Total}
	assert.Equal(t, fees, s.Fees())

	bare := &Session{AmountTotal: 5000}
	assert.Equal(t, Fees{Service: 5000, Total: 5000}, bare.Fees())
}

func TestStubGatewayRoundTrip(t *testing.T) {
	g := NewStubGateway()
	ctx := context.Background()

	s, err := g.CreateCheckoutSession(ctx, CheckoutRequest{
		OfferID:    "offer-1",
		Currency:   "mxn",
		Fees:       defaultSchedule.Compute(150000),
		SuccessURL: "http://app/payments/success?session_id={CHECKOUT_SESSION_ID}",
		Metadata:   map[string]string{MetaRequestID: "req-1"},
	})
	require.NoError(t, err)
	assert.Contains(t, s.URL, s.ID)

	got, err := g.RetrieveSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.Paid)
	assert.Equal(t, "offer-1", got.Meta(MetaOfferID))
	assert.Equal(t, "req-1", got.Meta(MetaRequestID))
	assert.Equal(t, "MXN", got.Meta(MetaCurrency))
	assert.Equal(t, int64(167400), got.AmountTotal)

	_, err = g.RetrieveSession(ctx, "cs_missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	ev, err := g.ParseWebhook([]byte(`{"id":"evt_1","type":"checkout.session.completed","session_id":"`+s.ID+`"}`), "")
	require.NoError(t, err)
	assert.Equal(t, EventCheckoutCompleted, ev.Type)
	assert.Equal(t, s.ID, ev.Session.ID)

	_, err = g.ParseWebhook([]byte(`nope`), "")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
