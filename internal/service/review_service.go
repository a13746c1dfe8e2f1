package service

import (
	"context"
	"fmt"
	"strings"

	"offer-service/internal/apperr"
	"offer-service/internal/broker"
	"offer-service/internal/models"
	"offer-service/internal/redisclient"
	"offer-service/internal/reviewprompt"
	"offer-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReviewService decides when to prompt for a review and records reviews.
type ReviewService struct {
	repo    Repository
	tracker *reviewprompt.Tracker
	events  EventPublisher
	cache   ReadCache
	logger  *zap.Logger
}

func NewReviewService(repo Repository, tracker *reviewprompt.Tracker, events EventPublisher, cache ReadCache) *ReviewService {
	if events == nil {
		events = nopPublisher{}
	}
	if cache == nil {
		cache = nopCache{}
	}
	return &ReviewService{
		repo:    repo,
		tracker: tracker,
		events:  events,
		cache:   cache,
		logger:  util.GetLogger(),
	}
}

// SubmitReviewInput is one review from a request participant.
type SubmitReviewInput struct {
	RequestID  string `json:"-"`
	ReviewerID string `json:"-"`
	Rating     int    `json:"rating" binding:"required,min=1,max=5"`
	Comment    string `json:"comment"`
}

// PromptDecision is the answer to "should this viewer see the review dialog now".
type PromptDecision struct {
	RequestID string `json:"request_id"`
	Show      bool   `json:"show"`
	Completed bool   `json:"completed"`
}

// reviewParties is who can review whom on a request.
type reviewParties struct {
	request   *models.Request
	agreement *models.Agreement
	owner     string
	pro       string
}

func (p *reviewParties) completed() bool {
	return p.request.Status == models.RequestStatusCompleted ||
		(p.agreement != nil && p.agreement.Status == models.AgreementStatusCompleted)
}

// counterpart returns who userID reviews, or "" when userID is not a party.
func (p *reviewParties) counterpart(userID string) string {
	switch {
	case userID == "":
		return ""
	case userID == p.owner:
		return p.pro
	case userID == p.pro:
		return p.owner
	}
	return ""
}

// ShouldPrompt is polled by clients with the request status. It opens the
// prompt at most once per (request, viewer).
func (s *ReviewService) ShouldPrompt(ctx context.Context, requestID, viewerID string) (*PromptDecision, error) {
	ctx, span := util.StartSpan(ctx, "ReviewService.ShouldPrompt")
	defer span.End()

	parties, err := s.parties(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if parties.counterpart(viewerID) == "" {
		return nil, apperr.PermissionDenied("not a participant of this request")
	}

	completed := parties.completed()
	show, err := s.tracker.Observe(ctx, requestID, viewerID, completed)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate review prompt: %w", err)
	}
	return &PromptDecision{RequestID: requestID, Show: show, Completed: completed}, nil
}

// Submit stores a review once the work is completed. After the review is
// stored, the request is advanced to completed if it was not already.
func (s *ReviewService) Submit(ctx context.Context, in SubmitReviewInput) (*models.Review, error) {
	ctx, span := util.StartSpan(ctx, "ReviewService.Submit")
	defer span.End()

	if in.Rating < 1 || in.Rating > 5 {
		return nil, apperr.Validation("rating must be between 1 and 5")
	}

	parties, err := s.parties(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	reviewee := parties.counterpart(in.ReviewerID)
	if reviewee == "" {
		return nil, apperr.PermissionDenied("not a participant of this request")
	}
	if !parties.completed() {
		return nil, apperr.Conflict("the work on this request is not completed yet")
	}

	review := &models.Review{
		ID:         uuid.New().String(),
		RequestID:  in.RequestID,
		ReviewerID: in.ReviewerID,
		RevieweeID: reviewee,
		Rating:     in.Rating,
		Comment:    strings.TrimSpace(in.Comment),
	}
	created, err := s.repo.InsertReview(ctx, review)
	if err != nil {
		return nil, fmt.Errorf("failed to store review: %w", err)
	}
	if !created {
		s.tracker.MarkSubmitted(in.RequestID, in.ReviewerID)
		return nil, apperr.Conflict("a review for this request was already submitted")
	}
	s.tracker.MarkSubmitted(in.RequestID, in.ReviewerID)
	util.ReviewsSubmittedTotal.Inc()
	s.logger.Info("Review submitted",
		zap.String("request_id", in.RequestID),
		zap.String("reviewer_id", in.ReviewerID),
		zap.Int("rating", in.Rating))

	if parties.request.Status != models.RequestStatusCompleted {
		if err := s.repo.SetRequestStatus(ctx, in.RequestID, models.RequestStatusCompleted); err != nil {
			s.logger.Warn("Failed to advance request to completed after review",
				zap.String("request_id", in.RequestID), zap.Error(err))
		}
	}

	err = s.events.PublishReviewSubmitted(ctx, &models.ReviewSubmittedEvent{
		BaseEvent:  broker.NewBaseEvent(models.EventTypeReviewSubmitted),
		RequestID:  review.RequestID,
		ReviewerID: review.ReviewerID,
		RevieweeID: review.RevieweeID,
		Rating:     review.Rating,
	})
	if err != nil {
		s.logger.Warn("Failed to publish review submitted", zap.String("request_id", in.RequestID), zap.Error(err))
	}

	keys := []string{redisclient.RequestKey(in.RequestID)}
	if parties.pro != "" {
		keys = append(keys, redisclient.KPIKey(parties.pro))
	}
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		s.logger.Warn("Failed to invalidate read caches", zap.Strings("keys", keys), zap.Error(err))
	}
	return review, nil
}

func (s *ReviewService) parties(ctx context.Context, requestID string) (*reviewParties, error) {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load request: %w", err)
	}
	if req == nil {
		return nil, apperr.NotFound("request")
	}
	a, err := s.repo.GetAgreementByRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agreement: %w", err)
	}

	p := &reviewParties{request: req, agreement: a, owner: req.CreatedBy}
	switch {
	case a != nil:
		p.pro = a.ProfessionalID
	case req.AcceptedProfessionalID != nil:
		p.pro = *req.AcceptedProfessionalID
	case req.ProfessionalID != nil:
		p.pro = *req.ProfessionalID
	}
	return p, nil
}

// reviewConfirmer answers the tracker's "already reviewed" question from the review table.
type reviewConfirmer struct {
	repo ReviewRepository
}

func NewReviewConfirmer(repo ReviewRepository) reviewprompt.Confirmer {
	return reviewConfirmer{repo: repo}
}

func (c reviewConfirmer) HasReviewed(ctx context.Context, requestID, viewerID string) (bool, error) {
	return c.repo.HasReview(ctx, requestID, viewerID)
}
