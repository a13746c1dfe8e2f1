package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"offer-service/internal/apperr"
	"offer-service/internal/broker"
	"offer-service/internal/fold"
	"offer-service/internal/models"
	"offer-service/internal/payment"
	"offer-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OfferConfig holds the offer machine's business settings.
type OfferConfig struct {
	Currencies []string
	Fees       payment.FeeSchedule
	// SuccessURL and CancelURL are where the provider sends the payer back.
	SuccessURL string
	CancelURL  string
}

// OfferService is the offer state machine.
type OfferService struct {
	repo       Repository
	convs      *ConversationService
	gateway    payment.Gateway
	events     EventPublisher
	currencies map[string]bool
	cfg        OfferConfig
	logger     *zap.Logger
}

// NewOfferService creates a new offer service
func NewOfferService(repo Repository, convs *ConversationService, gateway payment.Gateway, events EventPublisher, cfg OfferConfig) *OfferService {
	if events == nil {
		events = nopPublisher{}
	}
	currencies := make(map[string]bool, len(cfg.Currencies))
	for _, c := range cfg.Currencies {
		currencies[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	return &OfferService{
		repo:       repo,
		convs:      convs,
		gateway:    gateway,
		events:     events,
		currencies: currencies,
		cfg:        cfg,
		logger:     util.GetLogger(),
	}
}

// CreateOfferRequest represents a request to create an offer
type CreateOfferRequest struct {
	ConversationID string          `json:"conversation_id" binding:"required"`
	ClientID       string          `json:"-"`
	Title          string          `json:"title" binding:"required"`
	Description    string          `json:"description"`
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	Currency       string          `json:"currency" binding:"required,currency"`
	ServiceDate    *time.Time      `json:"service_date,omitempty"`
}

// OfferView is an offer plus its state folded from the conversation log.
type OfferView struct {
	Offer  *models.Offer    `json:"offer"`
	Folded *fold.OfferState `json:"folded,omitempty"`
}

// CheckoutView is what the payer needs to start paying.
type CheckoutView struct {
	OfferID     string       `json:"offer_id"`
	SessionID   string       `json:"session_id"`
	CheckoutURL string       `json:"checkout_url"`
	Fees        payment.Fees `json:"fees"`
	Currency    string       `json:"currency"`
	Reused      bool         `json:"reused"`
}

// SupportsCurrency reports whether code is an accepted currency.
func (s *OfferService) SupportsCurrency(code string) bool {
	return s.currencies[strings.ToUpper(code)]
}

// CreateOffer stores a pending offer and posts it into the conversation.
func (s *OfferService) CreateOffer(ctx context.Context, req *CreateOfferRequest) (*models.Offer, error) {
	ctx, span := util.StartSpan(ctx, "OfferService.CreateOffer")
	defer span.End()

	title := strings.TrimSpace(req.Title)
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	switch {
	case title == "":
		return nil, apperr.Validation("title is required")
	case !req.Amount.IsPositive():
		return nil, apperr.Validation("amount must be greater than zero")
	case !s.currencies[currency]:
		return nil, apperr.Validation(fmt.Sprintf("unsupported currency %q", req.Currency))
	}

	conv, err := s.repo.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation")
	}
	if conv.CustomerID != req.ClientID {
		return nil, apperr.PermissionDenied("only the conversation's client can create offers")
	}

	offer := &models.Offer{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		ClientID:       conv.CustomerID,
		ProfessionalID: conv.ProfessionalID,
		Title:          title,
		Description:    strings.TrimSpace(req.Description),
		Amount:         req.Amount,
		Currency:       currency,
		ServiceDate:    req.ServiceDate,
		Status:         models.OfferStatusPending,
	}
	if err := s.repo.CreateOffer(ctx, offer); err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}

	util.OffersCreatedTotal.Inc()
	s.logger.Info("Offer created", zap.String("offer_id", offer.ID), zap.String("conversation_id", conv.ID))

	s.appendOfferMessage(ctx, offer, req.ClientID, models.MessageTypeOffer, &models.Payload{
		Kind:  models.PayloadKindOffer,
		Offer: termsOf(offer),
	}, offer.Title)
	s.publish(ctx, models.EventTypeOfferCreated, offer)

	return offer, nil
}

// AcceptOffer moves a pending offer to accepted. Payment is requested later by the payer.
func (s *OfferService) AcceptOffer(ctx context.Context, offerID, actorID string) (*models.Offer, error) {
	ctx, span := util.StartSpan(ctx, "OfferService.AcceptOffer")
	defer span.End()

	offer, err := s.transition(ctx, offerID, actorID, models.OfferStatusAccepted, nil)
	if err != nil {
		return nil, err
	}

	conv, err := s.repo.GetConversation(ctx, offer.ConversationID)
	if err != nil {
		s.logger.Error("Failed to load conversation for agreement", zap.String("offer_id", offer.ID), zap.Error(err))
	} else if conv != nil && conv.RequestID != nil {
		agreement := &models.Agreement{
			ID:             uuid.New().String(),
			RequestID:      *conv.RequestID,
			OfferID:        &offer.ID,
			ProfessionalID: offer.ProfessionalID,
			Amount:         offer.Amount,
			Status:         models.AgreementStatusAccepted,
		}
		if _, err := s.repo.CreateAgreement(ctx, agreement); err != nil {
			// Reconciliation creates the agreement if it is still missing at payment time.
			util.DegradedStepsTotal.WithLabelValues("agreement_create").Inc()
			s.logger.Error("Failed to create agreement", zap.String("offer_id", offer.ID), zap.Error(err))
		}
	}

	s.appendStatus(ctx, offer, actorID, "Offer accepted")
	s.publish(ctx, models.EventTypeOfferAccepted, offer)
	return offer, nil
}

// RejectOffer moves a pending offer to rejected. A reason is required.
func (s *OfferService) RejectOffer(ctx context.Context, offerID, actorID, reason string) (*models.Offer, error) {
	ctx, span := util.StartSpan(ctx, "OfferService.RejectOffer")
	defer span.End()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("a reason is required to reject an offer")
	}

	offer, err := s.transition(ctx, offerID, actorID, models.OfferStatusRejected, &reason)
	if err != nil {
		return nil, err
	}

	s.appendStatus(ctx, offer, actorID, "Offer rejected")
	s.publish(ctx, models.EventTypeOfferRejected, offer)
	return offer, nil
}

// CancelOffer withdraws an offer before payment. Canceling an accepted offer
// also cancels its agreement.
func (s *OfferService) CancelOffer(ctx context.Context, offerID, actorID string, reason *string) (*models.Offer, error) {
	ctx, span := util.StartSpan(ctx, "OfferService.CancelOffer")
	defer span.End()

	if reason != nil {
		trimmed := strings.TrimSpace(*reason)
		reason = &trimmed
		if trimmed == "" {
			reason = nil
		}
	}

	before, err := s.repo.GetOffer(ctx, offerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load offer: %w", err)
	}

	offer, err := s.transition(ctx, offerID, actorID, models.OfferStatusCanceled, reason)
	if err != nil {
		return nil, err
	}

	if before != nil && before.Status == models.OfferStatusAccepted {
		s.cancelAgreement(ctx, offer)
	}

	s.appendStatus(ctx, offer, actorID, "Offer canceled")
	s.publish(ctx, models.EventTypeOfferCanceled, offer)
	return offer, nil
}

// ExpireOffer is the time-based system transition for stale pending offers.
func (s *OfferService) ExpireOffer(ctx context.Context, offerID string) (*models.Offer, error) {
	ctx, span := util.StartSpan(ctx, "OfferService.ExpireOffer")
	defer span.End()

	offer, err := s.transitionAs(ctx, offerID, ActorSystem, models.OfferStatusExpired, nil)
	if err != nil {
		return nil, err
	}

	s.appendStatus(ctx, offer, offer.ClientID, "Offer expired")
	s.publish(ctx, models.EventTypeOfferExpired, offer)
	return offer, nil
}

// RequestCheckout lazily opens a payment session for an accepted offer. Only
// the client pays; an existing session is reused.
func (s *OfferService) RequestCheckout(ctx context.Context, offerID, actorID string) (*CheckoutView, error) {
	ctx, span := util.StartSpan(ctx, "OfferService.RequestCheckout")
	defer span.End()

	offer, err := s.repo.GetOffer(ctx, offerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load offer: %w", err)
	}
	if offer == nil {
		return nil, apperr.NotFound("offer")
	}
	if actorID != offer.ClientID {
		return nil, apperr.PermissionDenied("only the client can pay an offer")
	}
	if offer.Status != models.OfferStatusAccepted {
		return nil, apperr.InvalidTransition(string(offer.Status), "checkout")
	}

	fees := s.cfg.Fees.Compute(payment.ToMinorUnits(offer.Amount))

	if offer.CheckoutURL != nil && offer.CheckoutSessionID != nil {
		util.CheckoutSessionsTotal.WithLabelValues("reused").Inc()
		return &CheckoutView{
			OfferID:     offer.ID,
			SessionID:   *offer.CheckoutSessionID,
			CheckoutURL: *offer.CheckoutURL,
			Fees:        fees,
			Currency:    offer.Currency,
			Reused:      true,
		}, nil
	}

	conv, err := s.repo.GetConversation(ctx, offer.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	meta := map[string]string{
		payment.MetaConversationID: offer.ConversationID,
		payment.MetaProfessionalID: offer.ProfessionalID,
		payment.MetaClientID:       offer.ClientID,
	}
	if conv != nil && conv.RequestID != nil {
		meta[payment.MetaRequestID] = *conv.RequestID
	}
	if offer.ServiceDate != nil {
		meta[payment.MetaScheduledDate] = offer.ServiceDate.Format(dateLayout)
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, payment.CheckoutRequest{
		OfferID:     offer.ID,
		Title:       offer.Title,
		Currency:    offer.Currency,
		Fees:        fees,
		SuccessURL:  s.successURL(offer, meta[payment.MetaRequestID]),
		CancelURL:   s.cfg.CancelURL,
		CustomerRef: offer.ClientID,
		Metadata:    meta,
	})
	if err != nil {
		return nil, apperr.Degraded("payment_provider", err)
	}

	if err := s.repo.SetOfferCheckout(ctx, offer.ID, session.ID, session.URL); err != nil {
		return nil, fmt.Errorf("failed to store checkout session: %w", err)
	}
	util.CheckoutSessionsTotal.WithLabelValues("created").Inc()

	s.appendOfferMessage(ctx, offer, actorID, models.MessageTypeSystem, &models.Payload{
		Kind:   models.PayloadKindSystem,
		System: &models.SystemEvent{Event: models.SystemEventCheckoutReady, CheckoutSessionID: session.ID},
		Offer:  &models.OfferFields{OfferID: offer.ID, CheckoutURL: models.StringPtr(session.URL)},
	}, "Checkout ready")

	return &CheckoutView{
		OfferID:     offer.ID,
		SessionID:   session.ID,
		CheckoutURL: session.URL,
		Fees:        fees,
		Currency:    offer.Currency,
	}, nil
}

// GetOfferView returns the stored offer and its folded rendering. Participants only.
func (s *OfferService) GetOfferView(ctx context.Context, offerID, viewerID string) (*OfferView, error) {
	offer, err := s.repo.GetOffer(ctx, offerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load offer: %w", err)
	}
	if offer == nil {
		return nil, apperr.NotFound("offer")
	}
	if offerActor(offer, viewerID) == "" {
		return nil, apperr.PermissionDenied("not a participant of this offer")
	}

	view := &OfferView{Offer: offer}
	msgs, err := s.convs.messages(ctx, offer.ConversationID)
	if err != nil {
		s.logger.Warn("Failed to fold offer messages", zap.String("offer_id", offer.ID), zap.Error(err))
		return view, nil
	}
	if state, ok := fold.Offer(msgs, offer.ID); ok {
		view.Folded = &state
	}
	return view, nil
}

// transition resolves the caller's role and applies the move.
func (s *OfferService) transition(ctx context.Context, offerID, actorID string, to models.OfferStatus, reason *string) (*models.Offer, error) {
	offer, err := s.repo.GetOffer(ctx, offerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load offer: %w", err)
	}
	if offer == nil {
		return nil, apperr.NotFound("offer")
	}
	actor := offerActor(offer, actorID)
	if actor == "" {
		return nil, apperr.PermissionDenied("not a participant of this offer")
	}
	return s.apply(ctx, offer, actor, to, reason)
}

func (s *OfferService) transitionAs(ctx context.Context, offerID string, actor Actor, to models.OfferStatus, reason *string) (*models.Offer, error) {
	offer, err := s.repo.GetOffer(ctx, offerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load offer: %w", err)
	}
	if offer == nil {
		return nil, apperr.NotFound("offer")
	}
	return s.apply(ctx, offer, actor, to, reason)
}

// apply performs the conditional update. Losing a race to another writer is
// reported as an invalid transition from whatever state won.
func (s *OfferService) apply(ctx context.Context, offer *models.Offer, actor Actor, to models.OfferStatus, reason *string) (*models.Offer, error) {
	from := offer.Status
	if err := checkOfferTransition(from, to, actor); err != nil {
		return nil, err
	}

	ok, err := s.repo.TransitionOffer(ctx, offer.ID, from, to, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to update offer: %w", err)
	}
	if !ok {
		current, err := s.repo.GetOffer(ctx, offer.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload offer: %w", err)
		}
		if current == nil {
			return nil, apperr.NotFound("offer")
		}
		util.InvalidTransitionsTotal.WithLabelValues("offer").Inc()
		return nil, apperr.InvalidTransition(string(current.Status), string(to))
	}

	offer.Status = to
	if reason != nil {
		offer.Reason = reason
	}
	util.OfferTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	s.logger.Info("Offer transitioned",
		zap.String("offer_id", offer.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", string(actor)))
	return offer, nil
}

func (s *OfferService) cancelAgreement(ctx context.Context, offer *models.Offer) {
	agreement, err := s.repo.GetAgreementByOffer(ctx, offer.ID)
	if err != nil {
		s.logger.Error("Failed to load agreement", zap.String("offer_id", offer.ID), zap.Error(err))
		return
	}
	if agreement == nil || !agreement.Status.PrePayment() {
		return
	}
	if _, err := s.repo.UpdateAgreementStatus(ctx, agreement.ID, agreement.Status, models.AgreementStatusCancelled); err != nil {
		s.logger.Error("Failed to cancel agreement", zap.String("agreement_id", agreement.ID), zap.Error(err))
	}
}

// appendStatus posts the status patch. The offer row is already updated, so a
// failed append is logged and counted but does not fail the transition.
func (s *OfferService) appendStatus(ctx context.Context, offer *models.Offer, senderID, body string) {
	s.appendOfferMessage(ctx, offer, senderID, models.MessageTypeSystem, &models.Payload{
		Kind:   models.PayloadKindSystem,
		System: &models.SystemEvent{Event: models.SystemEventOfferStatus},
		Offer: &models.OfferFields{
			OfferID: offer.ID,
			Status:  models.OfferStatusPtr(offer.Status),
			Reason:  offer.Reason,
		},
	}, body)
}

func (s *OfferService) appendOfferMessage(ctx context.Context, offer *models.Offer, senderID string, typ models.MessageType, payload *models.Payload, body string) {
	_, _, err := s.convs.Append(ctx, AppendInput{
		ConversationID: offer.ConversationID,
		SenderID:       senderID,
		Type:           typ,
		Body:           body,
		Payload:        payload,
	})
	if err != nil {
		util.DegradedStepsTotal.WithLabelValues("offer_message").Inc()
		s.logger.Warn("Failed to append offer message", zap.String("offer_id", offer.ID), zap.Error(err))
	}
}

func (s *OfferService) publish(ctx context.Context, eventType string, offer *models.Offer) {
	event := &models.OfferEvent{
		BaseEvent:      broker.NewBaseEvent(eventType),
		OfferID:        offer.ID,
		ConversationID: offer.ConversationID,
		ClientID:       offer.ClientID,
		ProfessionalID: offer.ProfessionalID,
		Status:         offer.Status,
	}
	if offer.Reason != nil {
		event.Reason = *offer.Reason
	}
	if err := s.events.PublishOfferEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to publish offer event", zap.String("offer_id", offer.ID), zap.Error(err))
	}
}

func (s *OfferService) successURL(offer *models.Offer, requestID string) string {
	q := url.Values{}
	q.Set("cid", offer.ConversationID)
	q.Set("oid", offer.ID)
	if requestID != "" {
		q.Set("rid", requestID)
	}
	sep := "?"
	if strings.Contains(s.cfg.SuccessURL, "?") {
		sep = "&"
	}
	// The provider substitutes the literal placeholder, so it must stay unescaped.
	return s.cfg.SuccessURL + sep + "session_id={CHECKOUT_SESSION_ID}&" + q.Encode()
}

// termsOf is the full economic snapshot carried by an offer message.
func termsOf(o *models.Offer) *models.OfferFields {
	f := &models.OfferFields{
		OfferID:     o.ID,
		Title:       models.StringPtr(o.Title),
		Description: models.StringPtr(o.Description),
		Amount:      &o.Amount,
		Currency:    models.StringPtr(o.Currency),
		Status:      models.OfferStatusPtr(o.Status),
	}
	if o.ServiceDate != nil {
		f.ServiceDate = models.StringPtr(o.ServiceDate.Format(dateLayout))
	}
	return f
}

const dateLayout = "2006-01-02"
