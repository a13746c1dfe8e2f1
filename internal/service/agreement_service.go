package service

import (
	"context"
	"fmt"

	"offer-service/internal/apperr"
	"offer-service/internal/broker"
	"offer-service/internal/models"
	"offer-service/internal/redisclient"
	"offer-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AgreementService manages agreements after an offer is accepted. Paid is
// only ever set by payment reconciliation.
type AgreementService struct {
	repo   Repository
	convs  *ConversationService
	events EventPublisher
	cache  ReadCache
	logger *zap.Logger
}

func NewAgreementService(repo Repository, convs *ConversationService, events EventPublisher, cache ReadCache) *AgreementService {
	if events == nil {
		events = nopPublisher{}
	}
	if cache == nil {
		cache = nopCache{}
	}
	return &AgreementService{
		repo:   repo,
		convs:  convs,
		events: events,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// UpdateAmount changes the price of an agreement that has not been paid yet.
// The request owner or the assigned professional may do it.
func (s *AgreementService) UpdateAmount(ctx context.Context, agreementID, actorID string, amount decimal.Decimal) (*models.Agreement, error) {
	ctx, span := util.StartSpan(ctx, "AgreementService.UpdateAmount")
	defer span.End()

	if !amount.IsPositive() {
		return nil, apperr.Validation("amount must be greater than zero")
	}

	a, req, err := s.load(ctx, agreementID, actorID)
	if err != nil {
		return nil, err
	}
	if !a.Status.PrePayment() {
		util.InvalidTransitionsTotal.WithLabelValues("agreement").Inc()
		return nil, apperr.InvalidTransition(string(a.Status), "amount_update")
	}

	ok, err := s.repo.UpdateAgreementAmount(ctx, a.ID, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to update agreement amount: %w", err)
	}
	if !ok {
		return nil, s.lost(ctx, a.ID, "amount_update")
	}

	previous := a.Amount
	a.Amount = amount
	s.logger.Info("Agreement amount updated",
		zap.String("agreement_id", a.ID),
		zap.String("previous", previous.StringFixed(2)),
		zap.String("amount", amount.StringFixed(2)))

	event := s.event(models.EventTypeAgreementAmountChanged, a, actorID)
	event.PreviousAmount = previous.StringFixed(2)
	event.Amount = amount.StringFixed(2)
	s.publish(ctx, event)
	s.invalidate(ctx, a, req)
	return a, nil
}

// Transition moves an agreement along its lifecycle and mirrors the change
// onto the request.
func (s *AgreementService) Transition(ctx context.Context, agreementID, actorID string, next models.AgreementStatus) (*models.Agreement, error) {
	ctx, span := util.StartSpan(ctx, "AgreementService.Transition")
	defer span.End()

	a, req, err := s.load(ctx, agreementID, actorID)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, a, req, actorID, next)
}

// FinishWork completes the agreement of a request on behalf of the assigned
// professional, passing through in_progress when the work never started.
func (s *AgreementService) FinishWork(ctx context.Context, requestID, actorID string) (*models.Agreement, error) {
	ctx, span := util.StartSpan(ctx, "AgreementService.FinishWork")
	defer span.End()

	a, err := s.repo.GetAgreementByRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agreement: %w", err)
	}
	if a == nil {
		return nil, apperr.NotFound("agreement")
	}
	if a.ProfessionalID != actorID {
		return nil, apperr.PermissionDenied("only the assigned professional can finish the work")
	}
	req, err := s.repo.GetRequest(ctx, a.RequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load request: %w", err)
	}
	if req == nil {
		return nil, apperr.NotFound("request")
	}

	if a.Status == models.AgreementStatusPaid {
		if a, err = s.apply(ctx, a, req, actorID, models.AgreementStatusInProgress); err != nil {
			return nil, err
		}
	}
	return s.apply(ctx, a, req, actorID, models.AgreementStatusCompleted)
}

// Get returns an agreement to one of its parties.
func (s *AgreementService) Get(ctx context.Context, agreementID, viewerID string) (*models.Agreement, error) {
	a, _, err := s.load(ctx, agreementID, viewerID)
	return a, err
}

func (s *AgreementService) apply(ctx context.Context, a *models.Agreement, req *models.Request, actorID string, next models.AgreementStatus) (*models.Agreement, error) {
	from := a.Status
	if !CanTransitionAgreement(from, next) {
		util.InvalidTransitionsTotal.WithLabelValues("agreement").Inc()
		return nil, apperr.InvalidTransition(string(from), string(next))
	}

	ok, err := s.repo.UpdateAgreementStatus(ctx, a.ID, from, next)
	if err != nil {
		return nil, fmt.Errorf("failed to update agreement status: %w", err)
	}
	if !ok {
		return nil, s.lost(ctx, a.ID, string(next))
	}
	a.Status = next
	util.AgreementTransitionsTotal.WithLabelValues(string(from), string(next)).Inc()
	s.logger.Info("Agreement transitioned",
		zap.String("agreement_id", a.ID),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.String("actor_id", actorID))

	s.mirror(ctx, a, req, actorID)

	event := s.event(models.EventTypeAgreementStatusChanged, a, actorID)
	event.PreviousStatus = from
	s.publish(ctx, event)
	s.invalidate(ctx, a, req)
	return a, nil
}

// mirror copies the agreement lifecycle onto the request. The agreement is
// already updated, so failures here are logged only.
func (s *AgreementService) mirror(ctx context.Context, a *models.Agreement, req *models.Request, actorID string) {
	var status models.RequestStatus
	switch a.Status {
	case models.AgreementStatusInProgress:
		status = models.RequestStatusInProcess
	case models.AgreementStatusCompleted:
		status = models.RequestStatusCompleted
	case models.AgreementStatusCancelled:
		status = models.RequestStatusCancelled
	default:
		return
	}
	s.mirrorCalendar(ctx, req.ID, models.CalendarStatusFor(status))
	if req.Status == status {
		return
	}
	if err := s.repo.SetRequestStatus(ctx, req.ID, status); err != nil {
		util.DegradedStepsTotal.WithLabelValues("request_mirror").Inc()
		s.logger.Error("Failed to mirror agreement status onto request",
			zap.String("request_id", req.ID), zap.String("status", string(status)), zap.Error(err))
		return
	}
	req.Status = status

	if status != models.RequestStatusCompleted {
		return
	}
	err := s.events.PublishRequestCompleted(ctx, &models.RequestCompletedEvent{
		BaseEvent:      broker.NewBaseEvent(models.EventTypeRequestCompleted),
		RequestID:      req.ID,
		ProfessionalID: a.ProfessionalID,
		ActorID:        actorID,
	})
	if err != nil {
		s.logger.Warn("Failed to publish request completed", zap.String("request_id", req.ID), zap.Error(err))
	}
	s.postCompleted(ctx, req, actorID)
}

func (s *AgreementService) mirrorCalendar(ctx context.Context, requestID, status string) {
	if err := s.repo.SetCalendarStatus(ctx, requestID, status); err != nil {
		util.DegradedStepsTotal.WithLabelValues("calendar_mirror").Inc()
		s.logger.Error("Failed to mirror request status onto calendar",
			zap.String("request_id", requestID), zap.String("status", status), zap.Error(err))
	}
}

// postCompleted drops a work_completed notice in the request's conversations,
// which is what opens the review prompt on the clients.
func (s *AgreementService) postCompleted(ctx context.Context, req *models.Request, actorID string) {
	if s.convs == nil || (req.ProfessionalID == nil && req.AcceptedProfessionalID == nil) {
		return
	}
	pro := req.AcceptedProfessionalID
	if pro == nil {
		pro = req.ProfessionalID
	}
	conv, err := s.repo.FindOrCreateConversation(ctx, &models.Conversation{
		ID:             uuid.New().String(),
		CustomerID:     req.CreatedBy,
		ProfessionalID: *pro,
		RequestID:      &req.ID,
	})
	if err != nil {
		s.logger.Warn("Failed to resolve conversation for completion notice", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	_, _, err = s.convs.Append(ctx, AppendInput{
		ConversationID: conv.ID,
		SenderID:       actorID,
		Type:           models.MessageTypeSystem,
		Body:           "Work completed",
		Payload: &models.Payload{
			Kind:   models.PayloadKindSystem,
			System: &models.SystemEvent{Event: models.SystemEventWorkCompleted, RequestID: req.ID},
		},
		DedupeKey: "request:" + req.ID + ":completed",
	})
	if err != nil {
		s.logger.Warn("Failed to post completion notice", zap.String("request_id", req.ID), zap.Error(err))
	}
}

// load fetches the agreement and its request and checks that userID is a party.
func (s *AgreementService) load(ctx context.Context, agreementID, userID string) (*models.Agreement, *models.Request, error) {
	a, err := s.repo.GetAgreement(ctx, agreementID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load agreement: %w", err)
	}
	if a == nil {
		return nil, nil, apperr.NotFound("agreement")
	}
	req, err := s.repo.GetRequest(ctx, a.RequestID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load request: %w", err)
	}
	if req == nil {
		return nil, nil, apperr.NotFound("request")
	}
	if userID == "" || (userID != req.CreatedBy && userID != a.ProfessionalID) {
		return nil, nil, apperr.PermissionDenied("not a party to this agreement")
	}
	return a, req, nil
}

// lost reports a conditional update that matched no row.
func (s *AgreementService) lost(ctx context.Context, agreementID, requested string) error {
	current, err := s.repo.GetAgreement(ctx, agreementID)
	if err != nil {
		return fmt.Errorf("failed to reload agreement: %w", err)
	}
	if current == nil {
		return apperr.NotFound("agreement")
	}
	util.InvalidTransitionsTotal.WithLabelValues("agreement").Inc()
	return apperr.InvalidTransition(string(current.Status), requested)
}

func (s *AgreementService) event(eventType string, a *models.Agreement, actorID string) *models.AgreementEvent {
	return &models.AgreementEvent{
		BaseEvent:      broker.NewBaseEvent(eventType),
		AgreementID:    a.ID,
		RequestID:      a.RequestID,
		ProfessionalID: a.ProfessionalID,
		ActorID:        actorID,
		Status:         a.Status,
	}
}

func (s *AgreementService) publish(ctx context.Context, event *models.AgreementEvent) {
	if err := s.events.PublishAgreementEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to publish agreement event", zap.String("agreement_id", event.AgreementID), zap.Error(err))
	}
}

func (s *AgreementService) invalidate(ctx context.Context, a *models.Agreement, req *models.Request) {
	keys := []string{
		redisclient.RequestKey(req.ID),
		redisclient.KPIKey(a.ProfessionalID),
		redisclient.CalendarKey(a.ProfessionalID),
	}
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		s.logger.Warn("Failed to invalidate read caches", zap.Strings("keys", keys), zap.Error(err))
	}
}
