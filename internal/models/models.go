package models

import (
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Conversation is the chat between a client and a professional, optionally about a Request.
type Conversation struct {
	ID             string     `db:"id" json:"id"`
	CustomerID     string     `db:"customer_id" json:"customer_id"`
	ProfessionalID string     `db:"professional_id" json:"professional_id"`
	RequestID      *string    `db:"request_id" json:"request_id,omitempty"`
	LastMessageAt  *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`
	HiddenAt       *time.Time `db:"hidden_at" json:"-"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// HasParticipant reports whether userID is the customer or the professional.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.CustomerID == userID || c.ProfessionalID == userID)
}

// Message is an append-only chat entry. Structured messages carry a Payload.
type Message struct {
	ID             string         `db:"id" json:"id"`
	ConversationID string         `db:"conversation_id" json:"conversation_id"`
	SenderID       string         `db:"sender_id" json:"sender_id"`
	Body           string         `db:"body" json:"body"`
	Type           MessageType    `db:"message_type" json:"message_type"`
	Payload        *Payload       `db:"payload" json:"payload,omitempty"`
	DedupeKey      *string        `db:"dedupe_key" json:"-"`
	ReadBy         pq.StringArray `db:"read_by" json:"read_by"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeOffer  MessageType = "offer"
	MessageTypeQuote  MessageType = "quote"
	MessageTypeSystem MessageType = "system"
)

// Offer is a proposed price and scope for a job, mutated only through the offer state machine.
type Offer struct {
	ID                string          `db:"id" json:"id"`
	ConversationID    string          `db:"conversation_id" json:"conversation_id"`
	ClientID          string          `db:"client_id" json:"client_id"`
	ProfessionalID    string          `db:"professional_id" json:"professional_id"`
	Title             string          `db:"title" json:"title"`
	Description       string          `db:"description" json:"description"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	Currency          string          `db:"currency" json:"currency"`
	ServiceDate       *time.Time      `db:"service_date" json:"service_date,omitempty"`
	Status            OfferStatus     `db:"status" json:"status"`
	CheckoutURL       *string         `db:"checkout_url" json:"checkout_url,omitempty"`
	CheckoutSessionID *string         `db:"checkout_session_id" json:"-"`
	Reason            *string         `db:"reason" json:"reason,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

type OfferStatus string

const (
	OfferStatusPending  OfferStatus = "pending"
	OfferStatusAccepted OfferStatus = "accepted"
	OfferStatusRejected OfferStatus = "rejected"
	OfferStatusPaid     OfferStatus = "paid"
	OfferStatusCanceled OfferStatus = "canceled"
	OfferStatusExpired  OfferStatus = "expired"
)

// AllOfferStatuses lists every offer status.
var AllOfferStatuses = []OfferStatus{
	OfferStatusPending,
	OfferStatusAccepted,
	OfferStatusRejected,
	OfferStatusPaid,
	OfferStatusCanceled,
	OfferStatusExpired,
}

// Agreement is the binding record created once an Offer is accepted.
type Agreement struct {
	ID             string          `db:"id" json:"id"`
	RequestID      string          `db:"request_id" json:"request_id"`
	OfferID        *string         `db:"offer_id" json:"offer_id,omitempty"`
	ProfessionalID string          `db:"professional_id" json:"professional_id"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	Status         AgreementStatus `db:"status" json:"status"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

type AgreementStatus string

const (
	AgreementStatusNegotiating AgreementStatus = "negotiating"
	AgreementStatusAccepted    AgreementStatus = "accepted"
	AgreementStatusPaid        AgreementStatus = "paid"
	AgreementStatusInProgress  AgreementStatus = "in_progress"
	AgreementStatusCompleted   AgreementStatus = "completed"
	AgreementStatusCancelled   AgreementStatus = "cancelled"
	AgreementStatusDisputed    AgreementStatus = "disputed"
)

// PrePayment reports whether the agreement has not been paid yet.
func (s AgreementStatus) PrePayment() bool {
	return s == AgreementStatusNegotiating || s == AgreementStatusAccepted
}

// Request is the long-lived unit of work. Its status mirrors the agreement lifecycle.
type Request struct {
	ID                     string              `db:"id" json:"id"`
	CreatedBy              string              `db:"created_by" json:"created_by"`
	ProfessionalID         *string             `db:"professional_id" json:"professional_id,omitempty"`
	AcceptedProfessionalID *string             `db:"accepted_professional_id" json:"accepted_professional_id,omitempty"`
	Title                  string              `db:"title" json:"title"`
	Status                 RequestStatus       `db:"status" json:"status"`
	ScheduledDate          *time.Time          `db:"scheduled_date" json:"scheduled_date,omitempty"`
	ScheduledTime          *string             `db:"scheduled_time" json:"scheduled_time,omitempty"`
	RequiredAt             *time.Time          `db:"required_at" json:"required_at,omitempty"`
	Budget                 decimal.NullDecimal `db:"budget" json:"budget"`
	CreatedAt              time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time           `db:"updated_at" json:"updated_at"`
}

// HasParticipant reports whether userID created the request or is assigned to it.
func (r *Request) HasParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	if r.CreatedBy == userID {
		return true
	}
	if r.ProfessionalID != nil && *r.ProfessionalID == userID {
		return true
	}
	return r.AcceptedProfessionalID != nil && *r.AcceptedProfessionalID == userID
}

type RequestStatus string

const (
	RequestStatusActive      RequestStatus = "active"
	RequestStatusNegotiating RequestStatus = "negotiating"
	RequestStatusAccepted    RequestStatus = "accepted"
	RequestStatusInProcess   RequestStatus = "in_process"
	RequestStatusScheduled   RequestStatus = "scheduled"
	RequestStatusCompleted   RequestStatus = "completed"
	RequestStatusCancelled   RequestStatus = "cancelled"
)

// RequestPaymentUpdate carries the fields reconciliation mirrors onto a Request.
type RequestPaymentUpdate struct {
	RequestID      string
	ProfessionalID string
	ScheduledDate  time.Time
	ScheduledTime  *string
}

// Receipt is created at most once per checkout session. Amounts are minor units.
type Receipt struct {
	ID                string    `db:"id" json:"id"`
	CheckoutSessionID string    `db:"checkout_session_id" json:"checkout_session_id"`
	PaymentIntentID   *string   `db:"payment_intent_id" json:"payment_intent_id,omitempty"`
	OfferID           *string   `db:"offer_id" json:"offer_id,omitempty"`
	RequestID         *string   `db:"request_id" json:"request_id,omitempty"`
	Folio             string    `db:"folio" json:"folio"`
	ServiceAmount     int64     `db:"service_amount" json:"service_amount"`
	CommissionAmount  int64     `db:"commission_amount" json:"commission_amount"`
	TaxAmount         int64     `db:"tax_amount" json:"tax_amount"`
	TotalAmount       int64     `db:"total_amount" json:"total_amount"`
	Currency          string    `db:"currency" json:"currency"`
	DocumentURL       *string   `db:"document_url" json:"document_url,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// CalendarEntry is the professional's calendar row; one per request.
type CalendarEntry struct {
	ProID         string     `db:"pro_id" json:"pro_id"`
	RequestID     string     `db:"request_id" json:"request_id"`
	Title         string     `db:"title" json:"title"`
	ScheduledDate *time.Time `db:"scheduled_date" json:"scheduled_date,omitempty"`
	ScheduledTime *string    `db:"scheduled_time" json:"scheduled_time,omitempty"`
	Status        string     `db:"status" json:"status"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

const (
	CalendarStatusScheduled = "scheduled"
	CalendarStatusCompleted = "completed"
	CalendarStatusCancelled = "cancelled"
)

// CalendarStatusFor maps a request lifecycle status onto its calendar entry.
func CalendarStatusFor(s RequestStatus) string {
	switch s {
	case RequestStatusCompleted:
		return CalendarStatusCompleted
	case RequestStatusCancelled:
		return CalendarStatusCancelled
	}
	return CalendarStatusScheduled
}

// Review is a rating left by a request participant once the work is done.
type Review struct {
	ID         string    `db:"id" json:"id"`
	RequestID  string    `db:"request_id" json:"request_id"`
	ReviewerID string    `db:"reviewer_id" json:"reviewer_id"`
	RevieweeID string    `db:"reviewee_id" json:"reviewee_id"`
	Rating     int       `db:"rating" json:"rating"`
	Comment    string    `db:"comment" json:"comment"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ProcessedEvent records provider webhook events already applied.
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
