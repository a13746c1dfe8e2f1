package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"offer-service/internal/apperr"
	"offer-service/internal/broker"
	"offer-service/internal/models"
	"offer-service/internal/payment"
	"offer-service/internal/receipt"
	"offer-service/internal/redisclient"
	"offer-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReconcileSource names the trigger that observed a payment.
type ReconcileSource string

const (
	SourceWebhook  ReconcileSource = "webhook"
	SourceRedirect ReconcileSource = "redirect"
)

type ReconcileOutcome string

const (
	OutcomeReconciled        ReconcileOutcome = "reconciled"
	OutcomeAlreadyReconciled ReconcileOutcome = "already_reconciled"
	OutcomeUnverified        ReconcileOutcome = "unverified"
	OutcomeIgnored           ReconcileOutcome = "ignored"
)

// Degraded step names reported in ReconcileResult.Degraded.
const (
	StepOfferState     = "offer_state_conflict"
	StepAgreementState = "agreement_state_conflict"
	StepRequestMissing = "request_missing"
	StepReceiptLookup  = "receipt_lookup"
	StepReceiptPersist = "receipt_persist"
	StepPaidMessage    = "payment_message"
	StepReceiptRender  = "receipt_render"
	StepReceiptUpload  = "receipt_upload"
	StepReceiptAttach  = "receipt_attach"
	StepCache          = "cache_invalidate"
	StepEventPublish   = "event_publish"
)

// ReconcileInput identifies a payment. The hints come from the redirect URL
// and are only used when the provider session does not carry the value.
type ReconcileInput struct {
	SessionID      string
	OfferID        string
	RequestID      string
	ConversationID string
	Source         ReconcileSource
}

// ReconcileResult reports what one reconciliation run did.
type ReconcileResult struct {
	Outcome            ReconcileOutcome `json:"outcome"`
	SessionID          string           `json:"session_id"`
	OfferID            string           `json:"offer_id,omitempty"`
	RequestID          string           `json:"request_id,omitempty"`
	ConversationID     string           `json:"conversation_id,omitempty"`
	AgreementID        string           `json:"agreement_id,omitempty"`
	ReceiptID          string           `json:"receipt_id,omitempty"`
	ReceiptPlaceholder bool             `json:"receipt_placeholder,omitempty"`
	MessageID          string           `json:"message_id,omitempty"`
	MessageCreated     bool             `json:"message_created"`
	Degraded           []string         `json:"degraded,omitempty"`
}

func (r *ReconcileResult) degrade(step string) {
	for _, s := range r.Degraded {
		if s == step {
			return
		}
	}
	r.Degraded = append(r.Degraded, step)
	util.DegradedStepsTotal.WithLabelValues(step).Inc()
}

// ReconcileConfig bounds the canonical receipt lookup.
type ReconcileConfig struct {
	ReceiptAttempts int
	// ReceiptBackoff is the linear step: attempt n waits n*ReceiptBackoff before retrying.
	ReceiptBackoff time.Duration
	UploadTimeout  time.Duration
}

// ReconcileService converges offer, agreement, request, calendar, receipt and
// chat state with a payment, whichever trigger reports it first. Every step is
// gated so that re-running it is harmless.
type ReconcileService struct {
	repo     Repository
	convs    *ConversationService
	gateway  payment.Gateway
	events   EventPublisher
	cache    ReadCache
	renderer DocumentRenderer
	uploader Uploader
	cfg      ReconcileConfig
	logger   *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewReconcileService creates a new reconciliation service. events, cache,
// renderer and uploader may be nil.
func NewReconcileService(
	repo Repository,
	convs *ConversationService,
	gateway payment.Gateway,
	events EventPublisher,
	cache ReadCache,
	renderer DocumentRenderer,
	uploader Uploader,
	cfg ReconcileConfig,
) *ReconcileService {
	if events == nil {
		events = nopPublisher{}
	}
	if cache == nil {
		cache = nopCache{}
	}
	if cfg.ReceiptAttempts < 1 {
		cfg.ReceiptAttempts = 1
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 10 * time.Second
	}
	return &ReconcileService{
		repo:     repo,
		convs:    convs,
		gateway:  gateway,
		events:   events,
		cache:    cache,
		renderer: renderer,
		uploader: uploader,
		cfg:      cfg,
		logger:   util.GetLogger(),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// paymentTarget is everything a session resolves to.
type paymentTarget struct {
	session        *payment.Session
	offer          *models.Offer
	conv           *models.Conversation
	request        *models.Request
	offerID        string
	requestID      string
	professionalID string
}

// Reconcile applies a paid checkout session. An unresolvable or unpaid session
// returns UNVERIFIED_PAYMENT without touching any state.
func (s *ReconcileService) Reconcile(ctx context.Context, in ReconcileInput) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "ReconcileService.Reconcile")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReconciliationLatency.WithLabelValues(string(in.Source)).Observe(time.Since(start).Seconds())
	}()

	if in.SessionID == "" {
		return nil, apperr.Validation("session_id is required")
	}

	session, err := s.gateway.RetrieveSession(ctx, in.SessionID)
	if err == nil && (session == nil || !session.Paid) {
		err = errors.New("session is not paid")
	}
	if err != nil {
		util.ReconciliationsTotal.WithLabelValues(string(in.Source), string(OutcomeUnverified)).Inc()
		s.logger.Warn("Payment session unverified",
			zap.String("session_id", in.SessionID),
			zap.String("source", string(in.Source)),
			zap.Error(err))
		return nil, apperr.UnverifiedPayment(in.SessionID, err)
	}

	t, err := s.resolve(ctx, session, in)
	if err != nil {
		return nil, err
	}

	res := &ReconcileResult{
		SessionID: session.ID,
		OfferID:   t.offerID,
		RequestID: t.requestID,
	}
	if t.conv != nil {
		res.ConversationID = t.conv.ID
	}

	offerMoved, err := s.markOfferPaid(ctx, t, res)
	if err != nil {
		return nil, err
	}

	agreementWon, err := s.applyFulfillment(ctx, t, res)
	if err != nil {
		return nil, err
	}

	rc := s.lookupReceipt(ctx, session.ID, res)
	if rc != nil {
		res.ReceiptID = rc.ID
	} else {
		res.ReceiptID = receipt.PlaceholderID(session.ID)
		res.ReceiptPlaceholder = true
	}

	var msg *models.Message
	if t.conv != nil {
		msg, res.MessageCreated, err = s.postPaidMessage(ctx, t, rc)
		if err != nil {
			res.degrade(StepPaidMessage)
			s.logger.Warn("Failed to post payment message", zap.String("session_id", session.ID), zap.Error(err))
		} else {
			res.MessageID = msg.ID
		}
	}

	if rc != nil {
		s.attachReceipt(ctx, t, rc, msg, res)
	}

	s.invalidate(ctx, t, res)

	if res.MessageCreated {
		s.publishReconciled(ctx, t, res, in.Source)
	}

	res.Outcome = OutcomeAlreadyReconciled
	if offerMoved || agreementWon || res.MessageCreated {
		res.Outcome = OutcomeReconciled
	}
	util.ReconciliationsTotal.WithLabelValues(string(in.Source), string(res.Outcome)).Inc()
	s.logger.Info("Payment reconciled",
		zap.String("session_id", session.ID),
		zap.String("offer_id", t.offerID),
		zap.String("request_id", t.requestID),
		zap.String("source", string(in.Source)),
		zap.String("outcome", string(res.Outcome)),
		zap.Strings("degraded", res.Degraded))

	return res, nil
}

// resolve maps the session onto offer, conversation and request. Session
// metadata wins over redirect hints, and the professional comes from metadata
// first, then the offer, then the conversation.
func (s *ReconcileService) resolve(ctx context.Context, session *payment.Session, in ReconcileInput) (*paymentTarget, error) {
	t := &paymentTarget{session: session}

	t.offerID = firstNonEmpty(session.Meta(payment.MetaOfferID), in.OfferID)
	if hint := in.OfferID; hint != "" && hint != t.offerID {
		s.logger.Warn("Offer hint disagrees with session metadata",
			zap.String("session_id", session.ID), zap.String("hint", hint), zap.String("offer_id", t.offerID))
	}
	if t.offerID != "" {
		offer, err := s.repo.GetOffer(ctx, t.offerID)
		if err != nil {
			return nil, fmt.Errorf("failed to load offer: %w", err)
		}
		t.offer = offer
	}

	convID := firstNonEmpty(session.Meta(payment.MetaConversationID), in.ConversationID)
	if t.offer != nil {
		convID = t.offer.ConversationID
	}
	if convID != "" {
		conv, err := s.repo.GetConversation(ctx, convID)
		if err != nil {
			return nil, fmt.Errorf("failed to load conversation: %w", err)
		}
		t.conv = conv
	}
	if t.offer == nil && t.conv == nil {
		return nil, apperr.NotFound("offer or conversation for session")
	}

	t.requestID = session.Meta(payment.MetaRequestID)
	if t.requestID == "" && t.conv != nil && t.conv.RequestID != nil {
		t.requestID = *t.conv.RequestID
	}
	if t.requestID == "" {
		t.requestID = in.RequestID
	}
	if t.requestID != "" {
		req, err := s.repo.GetRequest(ctx, t.requestID)
		if err != nil {
			return nil, fmt.Errorf("failed to load request: %w", err)
		}
		t.request = req
	}

	t.professionalID = session.Meta(payment.MetaProfessionalID)
	if t.professionalID == "" && t.offer != nil {
		t.professionalID = t.offer.ProfessionalID
	}
	if t.professionalID == "" && t.conv != nil {
		t.professionalID = t.conv.ProfessionalID
	}
	return t, nil
}

// markOfferPaid moves an accepted offer to paid. An offer in any other
// unpaid state is left alone and reported as degraded.
func (s *ReconcileService) markOfferPaid(ctx context.Context, t *paymentTarget, res *ReconcileResult) (bool, error) {
	if t.offer == nil {
		return false, nil
	}
	switch t.offer.Status {
	case models.OfferStatusPaid:
		return false, nil
	case models.OfferStatusAccepted:
	default:
		res.degrade(StepOfferState)
		s.logger.Warn("Paid session for offer in unexpected state",
			zap.String("offer_id", t.offer.ID), zap.String("status", string(t.offer.Status)))
		return false, nil
	}

	if err := checkOfferTransition(t.offer.Status, models.OfferStatusPaid, ActorPayment); err != nil {
		return false, err
	}
	ok, err := s.repo.TransitionOffer(ctx, t.offer.ID, models.OfferStatusAccepted, models.OfferStatusPaid, nil)
	if err != nil {
		return false, fmt.Errorf("failed to mark offer paid: %w", err)
	}
	if ok {
		t.offer.Status = models.OfferStatusPaid
		util.OfferTransitionsTotal.WithLabelValues(string(models.OfferStatusAccepted), string(models.OfferStatusPaid)).Inc()
	}
	return ok, nil
}

// applyFulfillment gates on the agreement, then mirrors the payment onto the
// request and upserts the calendar entry. It reports whether this run was the
// one that marked the agreement paid.
func (s *ReconcileService) applyFulfillment(ctx context.Context, t *paymentTarget, res *ReconcileResult) (bool, error) {
	if t.requestID == "" {
		return false, nil
	}
	if t.request == nil {
		res.degrade(StepRequestMissing)
		s.logger.Warn("Request for payment not found", zap.String("request_id", t.requestID))
		return false, nil
	}

	agreement, err := s.findAgreement(ctx, t)
	if err != nil {
		return false, err
	}

	if agreement != nil && agreement.Status == models.AgreementStatusCancelled {
		res.AgreementID = agreement.ID
		res.degrade(StepAgreementState)
		s.logger.Warn("Paid session for a cancelled agreement",
			zap.String("agreement_id", agreement.ID), zap.String("session_id", t.session.ID))
		return false, nil
	}

	won := false
	gated := agreement != nil && !agreement.Status.PrePayment()
	if !gated {
		if agreement == nil {
			// Derived id so that racing runs collide on the primary key.
			agreement = &models.Agreement{
				ID:             uuid.NewSHA1(uuid.NameSpaceOID, []byte("agreement:"+t.requestID+":"+t.session.ID)).String(),
				RequestID:      t.requestID,
				ProfessionalID: t.professionalID,
				Amount:         payment.FromMinorUnits(t.session.Fees().Service),
			}
			if t.offer != nil {
				agreement.OfferID = &t.offer.ID
				agreement.Amount = t.offer.Amount
			}
		}
		won, err = s.repo.MarkAgreementPaid(ctx, agreement)
		if err != nil {
			return false, fmt.Errorf("failed to mark agreement paid: %w", err)
		}
		if !won {
			s.logger.Info("Agreement already marked paid by another trigger", zap.String("request_id", t.requestID))
			if agreement, err = s.findAgreement(ctx, t); err != nil {
				return false, err
			}
		}
	}
	if agreement != nil {
		res.AgreementID = agreement.ID
	}

	date, clock := s.schedule(t)

	// A run that lost the gate still repairs a request left unmirrored by an
	// earlier run that failed half way.
	if won || requestNeedsMirror(t.request) {
		err := s.repo.ApplyPayment(ctx, models.RequestPaymentUpdate{
			RequestID:      t.requestID,
			ProfessionalID: t.professionalID,
			ScheduledDate:  date,
			ScheduledTime:  clock,
		})
		if err != nil {
			return won, fmt.Errorf("failed to update request: %w", err)
		}
	}

	title := t.request.Title
	if title == "" && t.offer != nil {
		title = t.offer.Title
	}
	err = s.repo.UpsertCalendarEntry(ctx, &models.CalendarEntry{
		ProID:         t.professionalID,
		RequestID:     t.requestID,
		Title:         title,
		ScheduledDate: &date,
		ScheduledTime: clock,
		Status:        models.CalendarStatusFor(t.request.Status),
	})
	if err != nil {
		return won, fmt.Errorf("failed to upsert calendar entry: %w", err)
	}
	return won, nil
}

func (s *ReconcileService) findAgreement(ctx context.Context, t *paymentTarget) (*models.Agreement, error) {
	var (
		a   *models.Agreement
		err error
	)
	if t.offerID != "" {
		a, err = s.repo.GetAgreementByOffer(ctx, t.offerID)
	} else {
		a, err = s.repo.GetAgreementByRequest(ctx, t.requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agreement: %w", err)
	}
	return a, nil
}

// schedule picks the service date: explicit metadata or the offer's date,
// then the request's scheduled date, then required_at, then today.
func (s *ReconcileService) schedule(t *paymentTarget) (time.Time, *string) {
	var clock *string
	if v := t.session.Meta(payment.MetaScheduledTime); v != "" {
		clock = &v
	} else if t.request != nil {
		clock = t.request.ScheduledTime
	}

	if v := t.session.Meta(payment.MetaScheduledDate); v != "" {
		if d, err := time.Parse(dateLayout, v); err == nil {
			return d, clock
		}
		s.logger.Warn("Ignoring malformed scheduled_date", zap.String("value", v))
	}
	if t.offer != nil && t.offer.ServiceDate != nil {
		return dateOnly(*t.offer.ServiceDate), clock
	}
	if t.request != nil && t.request.ScheduledDate != nil {
		return dateOnly(*t.request.ScheduledDate), clock
	}
	if t.request != nil && t.request.RequiredAt != nil {
		return dateOnly(*t.request.RequiredAt), clock
	}
	return dateOnly(s.now()), clock
}

// lookupReceipt polls for the canonical receipt the webhook persists, with a
// linearly growing pause between attempts. nil means use a placeholder.
func (s *ReconcileService) lookupReceipt(ctx context.Context, sessionID string, res *ReconcileResult) *models.Receipt {
	attempts := 0
	defer func() { util.ReceiptLookupAttempts.Observe(float64(attempts)) }()

	for attempts < s.cfg.ReceiptAttempts {
		attempts++
		rc, err := s.repo.GetReceiptBySession(ctx, sessionID)
		if err != nil {
			res.degrade(StepReceiptLookup)
			s.logger.Warn("Receipt lookup failed", zap.String("session_id", sessionID), zap.Error(err))
			return nil
		}
		if rc != nil {
			return rc
		}
		if attempts < s.cfg.ReceiptAttempts {
			if err := s.sleep(ctx, time.Duration(attempts)*s.cfg.ReceiptBackoff); err != nil {
				return nil
			}
		}
	}
	return nil
}

// postPaidMessage appends the payment message at most once per offer. When it
// already exists with a stale receipt reference, the payload is patched in place.
func (s *ReconcileService) postPaidMessage(ctx context.Context, t *paymentTarget, rc *models.Receipt) (*models.Message, bool, error) {
	key := paidDedupeKey(t)

	existing, err := s.repo.FindMessageByDedupeKey(ctx, t.conv.ID, key)
	if err != nil {
		return nil, false, err
	}

	if existing == nil {
		msg, created, err := s.convs.Append(ctx, AppendInput{
			ConversationID: t.conv.ID,
			SenderID:       t.conv.CustomerID,
			Type:           models.MessageTypeSystem,
			Body:           "Payment received",
			Payload:        paidPayload(t, rc),
			DedupeKey:      key,
		})
		if err != nil {
			return nil, false, err
		}
		if created {
			return msg, true, nil
		}
		existing = msg
	}

	if err := s.refreshReceiptRef(ctx, existing, rc); err != nil {
		return existing, false, err
	}
	return existing, false, nil
}

// refreshReceiptRef points msg at the canonical receipt if it still carries a
// placeholder or lacks the document URL.
func (s *ReconcileService) refreshReceiptRef(ctx context.Context, msg *models.Message, rc *models.Receipt) error {
	if msg == nil || rc == nil || msg.Payload == nil || msg.Payload.System == nil {
		return nil
	}
	sys := msg.Payload.System
	url := ""
	if rc.DocumentURL != nil {
		url = *rc.DocumentURL
	}
	if sys.ReceiptID == rc.ID && !sys.ReceiptPlaceholder && (url == "" || sys.ReceiptURL == url) {
		return nil
	}

	updated := msg.Payload.Clone()
	updated.System.ReceiptID = rc.ID
	updated.System.ReceiptPlaceholder = false
	if url != "" {
		updated.System.ReceiptURL = url
	}
	if err := s.convs.UpdatePayload(ctx, msg, updated); err != nil {
		return fmt.Errorf("failed to update payment message: %w", err)
	}
	s.logger.Info("Payment message receipt updated in place",
		zap.String("message_id", msg.ID), zap.String("receipt_id", rc.ID))
	return nil
}

// attachReceipt renders and uploads the receipt document once. Any failure
// leaves the payment reconciled and is only reported.
func (s *ReconcileService) attachReceipt(ctx context.Context, t *paymentTarget, rc *models.Receipt, msg *models.Message, res *ReconcileResult) {
	if rc.DocumentURL == nil && s.renderer != nil && s.uploader != nil {
		details := receipt.Details{ProfessionalID: t.professionalID, PaidAt: rc.CreatedAt}
		if t.offer != nil {
			details.Title = t.offer.Title
			details.ClientID = t.offer.ClientID
		}
		doc, err := s.renderer.Render(rc, details)
		if err != nil {
			res.degrade(StepReceiptRender)
			s.logger.Warn("Receipt render failed", zap.String("receipt_id", rc.ID), zap.Error(err))
			return
		}

		uploadCtx, cancel := context.WithTimeout(ctx, s.cfg.UploadTimeout)
		url, err := s.uploader.Upload(uploadCtx, receipt.ObjectPath(rc), doc, receipt.ContentType)
		cancel()
		if err != nil {
			res.degrade(StepReceiptUpload)
			s.logger.Warn("Receipt upload failed", zap.String("receipt_id", rc.ID), zap.Error(err))
			return
		}

		if err := s.repo.SetReceiptDocument(ctx, rc.ID, url); err != nil {
			res.degrade(StepReceiptAttach)
			s.logger.Warn("Failed to store receipt document", zap.String("receipt_id", rc.ID), zap.Error(err))
			return
		}
		rc.DocumentURL = &url
	}

	if err := s.refreshReceiptRef(ctx, msg, rc); err != nil {
		res.degrade(StepReceiptAttach)
		s.logger.Warn("Failed to attach receipt to message", zap.String("receipt_id", rc.ID), zap.Error(err))
	}
}

func (s *ReconcileService) invalidate(ctx context.Context, t *paymentTarget, res *ReconcileResult) {
	var keys []string
	if t.requestID != "" {
		keys = append(keys, redisclient.RequestKey(t.requestID))
	}
	if t.conv != nil {
		keys = append(keys, redisclient.ConversationKey(t.conv.ID))
	}
	if t.professionalID != "" {
		keys = append(keys, redisclient.CalendarKey(t.professionalID), redisclient.KPIKey(t.professionalID))
	}
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		res.degrade(StepCache)
		s.logger.Warn("Failed to invalidate read caches", zap.Strings("keys", keys), zap.Error(err))
	}
}

func (s *ReconcileService) publishReconciled(ctx context.Context, t *paymentTarget, res *ReconcileResult, source ReconcileSource) {
	event := &models.PaymentReconciledEvent{
		BaseEvent:         broker.NewBaseEvent(models.EventTypePaymentReconciled),
		OfferID:           t.offerID,
		RequestID:         t.requestID,
		ConversationID:    res.ConversationID,
		ProfessionalID:    t.professionalID,
		CheckoutSessionID: res.SessionID,
		ReceiptID:         res.ReceiptID,
		Source:            string(source),
	}
	if err := s.events.PublishPaymentReconciled(ctx, event); err != nil {
		res.degrade(StepEventPublish)
		s.logger.Warn("Failed to publish payment reconciled", zap.String("session_id", res.SessionID), zap.Error(err))
	}
}

func paidDedupeKey(t *paymentTarget) string {
	if t.offerID != "" {
		return "payment:" + t.offerID + ":paid"
	}
	return "payment:" + t.session.ID + ":paid"
}

func paidPayload(t *paymentTarget, rc *models.Receipt) *models.Payload {
	sys := &models.SystemEvent{
		Event:             models.SystemEventPaymentSucceeded,
		Paid:              true,
		CheckoutSessionID: t.session.ID,
		RequestID:         t.requestID,
	}
	if rc != nil {
		sys.ReceiptID = rc.ID
		if rc.DocumentURL != nil {
			sys.ReceiptURL = *rc.DocumentURL
		}
	} else {
		sys.ReceiptID = receipt.PlaceholderID(t.session.ID)
		sys.ReceiptPlaceholder = true
	}

	p := &models.Payload{Kind: models.PayloadKindSystem, System: sys}
	if t.offer != nil && t.offer.Status == models.OfferStatusPaid {
		p.Offer = &models.OfferFields{OfferID: t.offer.ID, Status: models.OfferStatusPtr(models.OfferStatusPaid)}
	}
	return p
}

// requestNeedsMirror reports whether the request still shows a pre-payment status.
func requestNeedsMirror(r *models.Request) bool {
	switch r.Status {
	case models.RequestStatusActive, models.RequestStatusNegotiating, models.RequestStatusAccepted:
		return true
	}
	return false
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
