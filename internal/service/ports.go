package service

import (
	"context"
	"time"

	"offer-service/internal/models"
	"offer-service/internal/receipt"

	"github.com/shopspring/decimal"
)

// ConversationRepository is the durable message log.
type ConversationRepository interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	FindOrCreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error)
	InsertMessage(ctx context.Context, msg *models.Message) (bool, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	FindMessageByDedupeKey(ctx context.Context, conversationID, key string) (*models.Message, error)
	UpdateMessagePayload(ctx context.Context, messageID string, payload *models.Payload) error
	MarkMessagesRead(ctx context.Context, conversationID, viewerID string) (int64, error)
}

type OfferRepository interface {
	CreateOffer(ctx context.Context, offer *models.Offer) error
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	TransitionOffer(ctx context.Context, id string, from, to models.OfferStatus, reason *string) (bool, error)
	SetOfferCheckout(ctx context.Context, id, sessionID, checkoutURL string) error
}

type AgreementRepository interface {
	GetAgreement(ctx context.Context, id string) (*models.Agreement, error)
	GetAgreementByOffer(ctx context.Context, offerID string) (*models.Agreement, error)
	GetAgreementByRequest(ctx context.Context, requestID string) (*models.Agreement, error)
	CreateAgreement(ctx context.Context, a *models.Agreement) (bool, error)
	MarkAgreementPaid(ctx context.Context, a *models.Agreement) (bool, error)
	UpdateAgreementStatus(ctx context.Context, id string, from, to models.AgreementStatus) (bool, error)
	UpdateAgreementAmount(ctx context.Context, id string, amount decimal.Decimal) (bool, error)
	ListAgreementsByProfessional(ctx context.Context, professionalID string) ([]models.Agreement, error)
}

type RequestRepository interface {
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	GetRequestsByIDs(ctx context.Context, ids []string) ([]models.Request, error)
	ApplyPayment(ctx context.Context, upd models.RequestPaymentUpdate) error
	SetRequestStatus(ctx context.Context, id string, status models.RequestStatus) error
}

type ReceiptRepository interface {
	GetReceiptBySession(ctx context.Context, sessionID string) (*models.Receipt, error)
	InsertReceipt(ctx context.Context, r *models.Receipt) (*models.Receipt, bool, error)
	SetReceiptDocument(ctx context.Context, id, url string) error
}

type CalendarRepository interface {
	UpsertCalendarEntry(ctx context.Context, e *models.CalendarEntry) error
	ListCalendarEntries(ctx context.Context, proID string) ([]models.CalendarEntry, error)
	GetCalendarEntry(ctx context.Context, requestID string) (*models.CalendarEntry, error)
	SetCalendarStatus(ctx context.Context, requestID, status string) error
}

type ReviewRepository interface {
	HasReview(ctx context.Context, requestID, reviewerID string) (bool, error)
	InsertReview(ctx context.Context, r *models.Review) (bool, error)
}

// EventLog de-duplicates provider webhook deliveries.
type EventLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Repository is everything the services read and write. *store.Store implements it.
type Repository interface {
	ConversationRepository
	OfferRepository
	AgreementRepository
	RequestRepository
	ReceiptRepository
	CalendarRepository
	ReviewRepository
	EventLog
}

// EventPublisher emits domain events.
type EventPublisher interface {
	PublishOfferEvent(ctx context.Context, event *models.OfferEvent) error
	PublishPaymentReconciled(ctx context.Context, event *models.PaymentReconciledEvent) error
	PublishAgreementEvent(ctx context.Context, event *models.AgreementEvent) error
	PublishRequestCompleted(ctx context.Context, event *models.RequestCompletedEvent) error
	PublishReviewSubmitted(ctx context.Context, event *models.ReviewSubmittedEvent) error
}

// RealtimeBus pushes new chat messages to connected clients.
type RealtimeBus interface {
	Publish(ctx context.Context, conversationID string, msg *models.Message) error
	PublishUpdate(ctx context.Context, conversationID string, msg *models.Message) error
}

// ReadCache holds denormalized read views.
type ReadCache interface {
	GetJSON(ctx context.Context, key string, dst interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

// Uploader is object storage for rendered documents.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

type DocumentRenderer interface {
	Render(rc *models.Receipt, d receipt.Details) ([]byte, error)
}

type nopPublisher struct{}

func (nopPublisher) PublishOfferEvent(context.Context, *models.OfferEvent) error {
	return nil
}

func (nopPublisher) PublishPaymentReconciled(context.Context, *models.PaymentReconciledEvent) error {
	return nil
}

func (nopPublisher) PublishAgreementEvent(context.Context, *models.AgreementEvent) error {
	return nil
}

func (nopPublisher) PublishRequestCompleted(context.Context, *models.RequestCompletedEvent) error {
	return nil
}

func (nopPublisher) PublishReviewSubmitted(context.Context, *models.ReviewSubmittedEvent) error {
	return nil
}

type nopBus struct{}

func (nopBus) Publish(context.Context, string, *models.Message) error {
	return nil
}

func (nopBus) PublishUpdate(context.Context, string, *models.Message) error {
	return nil
}

type nopCache struct{}

func (nopCache) GetJSON(context.Context, string, interface{}) (bool, error) {
	return false, nil
}

func (nopCache) SetJSON(context.Context, string, interface{}, time.Duration) error {
	return nil
}

func (nopCache) Invalidate(context.Context, ...string) error {
	return nil
}
