// Package payment is the payment provider boundary: hosted checkout sessions,
// session lookup and webhook verification, plus the fee schedule charged on top
// of an offer's service price.
package payment

import (
	"context"
	"errors"
	"strconv"

	"github.com/shopspring/decimal"
)

// ErrSessionNotFound means the provider does not know the session id.
var ErrSessionNotFound = errors.New("checkout session not found")

// ErrInvalidSignature is returned for webhook payloads that fail verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Session metadata keys.
const (
	MetaOfferID          = "offer_id"
	MetaRequestID        = "request_id"
	MetaConversationID   = "conversation_id"
	MetaProfessionalID   = "professional_id"
	MetaClientID         = "client_id"
	MetaScheduledDate    = "scheduled_date"
	MetaScheduledTime    = "scheduled_time"
	MetaServiceAmount    = "service_amount"
	MetaCommissionAmount = "commission_amount"
	MetaTaxAmount        = "tax_amount"
	MetaTotalAmount      = "total_amount"
	MetaCurrency         = "currency"
)

// EventCheckoutCompleted is the provider event that carries a paid session.
const EventCheckoutCompleted = "checkout.session.completed"

// Gateway is what the service layer needs from a payment provider.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error)
	RetrieveSession(ctx context.Context, sessionID string) (*Session, error)
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}

// CheckoutRequest describes one hosted checkout for an accepted offer.
type CheckoutRequest struct {
	OfferID     string
	Title       string
	Currency    string
	Fees        Fees
	SuccessURL  string
	CancelURL   string
	CustomerRef string
	Metadata    map[string]string
}

// Session is the provider-neutral view of a checkout session.
type Session struct {
	ID              string            `json:"id"`
	URL             string            `json:"url"`
	PaymentIntentID string            `json:"payment_intent_id,omitempty"`
	Paid            bool              `json:"paid"`
	AmountTotal     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	Metadata        map[string]string `json:"metadata"`
}

// Meta returns a metadata value or "".
func (s *Session) Meta(key string) string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}

// MetaInt parses an integer metadata value, reporting false when absent or malformed.
func (s *Session) MetaInt(key string) (int64, bool) {
	v, err := strconv.ParseInt(s.Meta(key), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Fees reads the fee breakdown stored when the session was created. When the
// metadata is missing it falls back to the session total with no commission.
func (s *Session) Fees() Fees {
	f := Fees{}
	var ok bool
	if f.Service, ok = s.MetaInt(MetaServiceAmount); !ok {
		return Fees{Service: s.AmountTotal, Total: s.AmountTotal}
	}
	f.Commission, _ = s.MetaInt(MetaCommissionAmount)
	f.Tax, _ = s.MetaInt(MetaTaxAmount)
	if f.Total, ok = s.MetaInt(MetaTotalAmount); !ok {
		f.Total = f.Service + f.Commission + f.Tax
	}
	return f
}

// WebhookEvent is a verified provider event.
type WebhookEvent struct {
	ID      string
	Type    string
	Session *Session
}

// Fees is the charge breakdown in minor units.
type Fees struct {
	Service    int64 `json:"service"`
	Commission int64 `json:"commission"`
	Tax        int64 `json:"tax"`
	Total      int64 `json:"total"`
}

// FeeSchedule holds the platform commission and the tax applied to it.
type FeeSchedule struct {
	CommissionRate decimal.Decimal
	TaxRate        decimal.Decimal
}

// Compute applies the schedule to a service price given in minor units.
// Commission and tax are each rounded half away from zero.
func (fs FeeSchedule) Compute(service int64) Fees {
	svc := decimal.NewFromInt(service)
	commission := svc.Mul(fs.CommissionRate).Round(0).IntPart()
	tax := decimal.NewFromInt(commission).Mul(fs.TaxRate).Round(0).IntPart()
	return Fees{
		Service:    service,
		Commission: commission,
		Tax:        tax,
		Total:      service + commission + tax,
	}
}

// Metadata renders the breakdown as session metadata.
func (f Fees) Metadata() map[string]string {
	return map[string]string{
		MetaServiceAmount:    strconv.FormatInt(f.Service, 10),
		MetaCommissionAmount: strconv.FormatInt(f.Commission, 10),
		MetaTaxAmount:        strconv.FormatInt(f.Tax, 10),
		MetaTotalAmount:      strconv.FormatInt(f.Total, 10),
	}
}

// ToMinorUnits converts a decimal price (1500.50) into cents (150050).
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
