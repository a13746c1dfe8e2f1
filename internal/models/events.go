package models

import "time"

// Event types
const (
	EventTypeOfferCreated           = "OFFER_CREATED"
	EventTypeOfferAccepted          = "OFFER_ACCEPTED"
	EventTypeOfferRejected          = "OFFER_REJECTED"
	EventTypeOfferCanceled          = "OFFER_CANCELED"
	EventTypeOfferExpired           = "OFFER_EXPIRED"
	EventTypePaymentReconciled      = "PAYMENT_RECONCILED"
	EventTypeAgreementAmountChanged = "AGREEMENT_AMOUNT_CHANGED"
	EventTypeAgreementStatusChanged = "AGREEMENT_STATUS_CHANGED"
	EventTypeRequestCompleted       = "REQUEST_COMPLETED"
	EventTypeReviewSubmitted        = "REVIEW_SUBMITTED"
	EventTypeChatMessage            = "CHAT_MESSAGE"
	EventTypeChatMessageUpdated     = "CHAT_MESSAGE_UPDATED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OfferEvent is published on every offer state change.
type OfferEvent struct {
	BaseEvent
	OfferID        string      `json:"offer_id"`
	ConversationID string      `json:"conversation_id"`
	ClientID       string      `json:"client_id"`
	ProfessionalID string      `json:"professional_id"`
	Status         OfferStatus `json:"status"`
	Reason         string      `json:"reason,omitempty"`
}

// PaymentReconciledEvent is published once per offer, when the paid message is first posted.
type PaymentReconciledEvent struct {
	BaseEvent
	OfferID           string `json:"offer_id"`
	RequestID         string `json:"request_id"`
	ConversationID    string `json:"conversation_id"`
	ProfessionalID    string `json:"professional_id"`
	CheckoutSessionID string `json:"checkout_session_id"`
	ReceiptID         string `json:"receipt_id"`
	Source            string `json:"source"`
}

// AgreementEvent covers amount edits and status transitions.
type AgreementEvent struct {
	BaseEvent
	AgreementID    string          `json:"agreement_id"`
	RequestID      string          `json:"request_id"`
	ProfessionalID string          `json:"professional_id"`
	ActorID        string          `json:"actor_id"`
	PreviousStatus AgreementStatus `json:"previous_status,omitempty"`
	Status         AgreementStatus `json:"status"`
	PreviousAmount string          `json:"previous_amount,omitempty"`
	Amount         string          `json:"amount,omitempty"`
}

// RequestCompletedEvent fires when a request reaches completed.
type RequestCompletedEvent struct {
	BaseEvent
	RequestID      string `json:"request_id"`
	ProfessionalID string `json:"professional_id"`
	ActorID        string `json:"actor_id"`
}

type ReviewSubmittedEvent struct {
	BaseEvent
	RequestID  string `json:"request_id"`
	ReviewerID string `json:"reviewer_id"`
	RevieweeID string `json:"reviewee_id"`
	Rating     int    `json:"rating"`
}

// ChatMessageEvent is what realtime subscribers receive for a new or
// rewritten message.
type ChatMessageEvent struct {
	BaseEvent
	ConversationID string   `json:"conversation_id"`
	Message        *Message `json:"message"`
}
