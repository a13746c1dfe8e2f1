package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PayloadKind is the discriminant of a structured message payload.
type PayloadKind string

const (
	PayloadKindOffer  PayloadKind = "offer"
	PayloadKindQuote  PayloadKind = "quote"
	PayloadKindSystem PayloadKind = "system"
)

// Payload is the structured part of a message. Exactly one section matches Kind;
// a system payload may also carry an Offer section as a status patch.
type Payload struct {
	Kind   PayloadKind  `json:"kind"`
	Offer  *OfferFields `json:"offer,omitempty"`
	Quote  *QuoteFields `json:"quote,omitempty"`
	System *SystemEvent `json:"system,omitempty"`
}

// OfferFields holds only the offer fields a message contributes. Nil means "not present".
type OfferFields struct {
	OfferID     string           `json:"offer_id"`
	Title       *string          `json:"title,omitempty"`
	Description *string          `json:"description,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Currency    *string          `json:"currency,omitempty"`
	ServiceDate *string          `json:"service_date,omitempty"`
	Status      *OfferStatus     `json:"status,omitempty"`
	CheckoutURL *string          `json:"checkout_url,omitempty"`
	Reason      *string          `json:"reason,omitempty"`
}

type QuoteFields struct {
	QuoteID  string           `json:"quote_id"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Currency *string          `json:"currency,omitempty"`
	Notes    *string          `json:"notes,omitempty"`
	Status   *string          `json:"status,omitempty"`
}

type SystemEventType string

const (
	SystemEventOfferStatus      SystemEventType = "offer_status"
	SystemEventCheckoutReady    SystemEventType = "checkout_ready"
	SystemEventPaymentSucceeded SystemEventType = "payment_succeeded"
	SystemEventWorkCompleted    SystemEventType = "work_completed"
)

// SystemEvent describes a platform-generated message.
type SystemEvent struct {
	Event              SystemEventType `json:"event"`
	Paid               bool            `json:"paid,omitempty"`
	ReceiptID          string          `json:"receipt_id,omitempty"`
	ReceiptPlaceholder bool            `json:"receipt_placeholder,omitempty"`
	ReceiptURL         string          `json:"receipt_url,omitempty"`
	CheckoutSessionID  string          `json:"checkout_session_id,omitempty"`
	RequestID          string          `json:"request_id,omitempty"`
}

// OfferID returns the offer key carried by the payload, if any.
func (p *Payload) OfferID() string {
	if p == nil || p.Offer == nil {
		return ""
	}
	return p.Offer.OfferID
}

func (p *Payload) QuoteID() string {
	if p == nil || p.Quote == nil {
		return ""
	}
	return p.Quote.QuoteID
}

func (p *Payload) ReceiptID() string {
	if p == nil || p.System == nil {
		return ""
	}
	return p.System.ReceiptID
}

// Validate checks that the discriminant matches the sections present.
func (p *Payload) Validate() error {
	switch p.Kind {
	case PayloadKindOffer:
		if p.Offer == nil || p.Offer.OfferID == "" {
			return errors.New("offer payload requires offer section with offer_id")
		}
		if p.Quote != nil || p.System != nil {
			return errors.New("offer payload carries foreign sections")
		}
	case PayloadKindQuote:
		if p.Quote == nil || p.Quote.QuoteID == "" {
			return errors.New("quote payload requires quote section with quote_id")
		}
		if p.Offer != nil || p.System != nil {
			return errors.New("quote payload carries foreign sections")
		}
	case PayloadKindSystem:
		if p.System == nil || p.System.Event == "" {
			return errors.New("system payload requires system section with event")
		}
		if p.Quote != nil {
			return errors.New("system payload carries a quote section")
		}
		if p.Offer != nil && p.Offer.OfferID == "" {
			return errors.New("system offer patch requires offer_id")
		}
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return nil
}

// MatchesMessageType reports whether the payload kind is legal for the message type.
func (p *Payload) MatchesMessageType(t MessageType) bool {
	if p == nil {
		return t == MessageTypeText
	}
	switch t {
	case MessageTypeOffer:
		return p.Kind == PayloadKindOffer
	case MessageTypeQuote:
		return p.Kind == PayloadKindQuote
	case MessageTypeSystem:
		return p.Kind == PayloadKindSystem
	default:
		return false
	}
}

// Value stores the payload as jsonb.
func (p Payload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan reads a jsonb payload.
func (p *Payload) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("payload: unsupported scan type %T", src)
	}
	return json.Unmarshal(raw, p)
}

// Clone returns a deep copy good enough for in-place payload edits.
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	out := &Payload{Kind: p.Kind}
	if p.Offer != nil {
		o := *p.Offer
		out.Offer = &o
	}
	if p.Quote != nil {
		q := *p.Quote
		out.Quote = &q
	}
	if p.System != nil {
		s := *p.System
		out.System = &s
	}
	return out
}

// StringPtr is a small helper for optional payload fields.
func StringPtr(s string) *string {
	return &s
}

func OfferStatusPtr(s OfferStatus) *OfferStatus {
	return &s
}
