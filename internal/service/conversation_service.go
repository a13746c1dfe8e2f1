package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"offer-service/internal/apperr"
	"offer-service/internal/fold"
	"offer-service/internal/models"
	"offer-service/internal/redisclient"
	"offer-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConversationService owns the append-only message log.
type ConversationService struct {
	repo     Repository
	bus      RealtimeBus
	cache    ReadCache
	cacheTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewConversationService creates a new conversation service. bus and cache may be nil.
func NewConversationService(repo Repository, bus RealtimeBus, cache ReadCache, cacheTTL time.Duration) *ConversationService {
	if bus == nil {
		bus = nopBus{}
	}
	if cache == nil {
		cache = nopCache{}
	}
	return &ConversationService{
		repo:     repo,
		bus:      bus,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// AppendInput is one message to append.
type AppendInput struct {
	ConversationID string
	SenderID       string
	Type           models.MessageType
	Body           string
	Payload        *models.Payload
	// DedupeKey makes the append happen at most once per conversation.
	DedupeKey string
}

// Open finds or creates the conversation between a client and a professional.
func (s *ConversationService) Open(ctx context.Context, customerID, professionalID string, requestID *string) (*models.Conversation, error) {
	ctx, span := util.StartSpan(ctx, "ConversationService.Open")
	defer span.End()

	if customerID == "" || professionalID == "" {
		return nil, apperr.Validation("customer_id and professional_id are required")
	}
	if customerID == professionalID {
		return nil, apperr.Validation("a conversation needs two different participants")
	}
	if requestID != nil {
		req, err := s.repo.GetRequest(ctx, *requestID)
		if err != nil {
			return nil, fmt.Errorf("failed to load request: %w", err)
		}
		if req == nil {
			return nil, apperr.NotFound("request")
		}
	}

	conv, err := s.repo.FindOrCreateConversation(ctx, &models.Conversation{
		ID:             uuid.New().String(),
		CustomerID:     customerID,
		ProfessionalID: professionalID,
		RequestID:      requestID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation: %w", err)
	}
	return conv, nil
}

// Append writes a message and then bumps last_message_at, fans the message out
// and drops the cached log. It reports false when a message with the same
// dedupe key already existed; the returned message is then the stored one.
func (s *ConversationService) Append(ctx context.Context, in AppendInput) (*models.Message, bool, error) {
	ctx, span := util.StartSpan(ctx, "ConversationService.Append")
	defer span.End()

	if !in.Payload.MatchesMessageType(in.Type) {
		return nil, false, apperr.Validation(fmt.Sprintf("payload does not match message type %q", in.Type))
	}
	if in.Payload != nil {
		if err := in.Payload.Validate(); err != nil {
			return nil, false, apperr.Validation(err.Error())
		}
	}
	if in.Type == models.MessageTypeText && strings.TrimSpace(in.Body) == "" {
		return nil, false, apperr.Validation("message body is required")
	}

	conv, err := s.repo.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil {
		return nil, false, apperr.NotFound("conversation")
	}

	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		Body:           in.Body,
		Type:           in.Type,
		Payload:        in.Payload,
	}
	if in.DedupeKey != "" {
		msg.DedupeKey = &in.DedupeKey
	}

	created, err := s.repo.InsertMessage(ctx, msg)
	if err != nil {
		return nil, false, fmt.Errorf("failed to append message: %w", err)
	}
	if !created {
		s.logger.Info("Message already appended",
			zap.String("conversation_id", conv.ID), zap.String("dedupe_key", in.DedupeKey))
		return msg, false, nil
	}

	if err := s.repo.TouchConversation(ctx, conv.ID, msg.CreatedAt); err != nil {
		s.logger.Warn("Failed to bump last_message_at", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	if err := s.bus.Publish(ctx, conv.ID, msg); err != nil {
		s.logger.Warn("Failed to publish realtime message", zap.String("message_id", msg.ID), zap.Error(err))
	}
	if err := s.cache.Invalidate(ctx, redisclient.ConversationKey(conv.ID)); err != nil {
		s.logger.Warn("Failed to invalidate conversation cache", zap.String("conversation_id", conv.ID), zap.Error(err))
	}

	return msg, true, nil
}

// UpdatePayload rewrites msg's payload in place and pushes the new version to
// subscribers. The row is the source of truth; publish and cache failures are
// only logged.
func (s *ConversationService) UpdatePayload(ctx context.Context, msg *models.Message, payload *models.Payload) error {
	if err := s.repo.UpdateMessagePayload(ctx, msg.ID, payload); err != nil {
		return fmt.Errorf("failed to update message payload: %w", err)
	}
	msg.Payload = payload

	if err := s.bus.PublishUpdate(ctx, msg.ConversationID, msg); err != nil {
		s.logger.Warn("Failed to publish message update", zap.String("message_id", msg.ID), zap.Error(err))
	}
	if err := s.cache.Invalidate(ctx, redisclient.ConversationKey(msg.ConversationID)); err != nil {
		s.logger.Warn("Failed to invalidate conversation cache", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
	}
	return nil
}

// SendText appends a plain text message from a participant.
func (s *ConversationService) SendText(ctx context.Context, conversationID, senderID, body string) (*models.Message, error) {
	if _, err := s.participantConversation(ctx, conversationID, senderID); err != nil {
		return nil, err
	}
	msg, _, err := s.Append(ctx, AppendInput{
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           models.MessageTypeText,
		Body:           body,
	})
	return msg, err
}

// ListMessages returns the log in append order. Participants only.
func (s *ConversationService) ListMessages(ctx context.Context, conversationID, viewerID string) ([]models.Message, error) {
	ctx, span := util.StartSpan(ctx, "ConversationService.ListMessages")
	defer span.End()

	if _, err := s.participantConversation(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}
	return s.messages(ctx, conversationID)
}

// Fold returns the merged payload for key as seen by a participant.
func (s *ConversationService) Fold(ctx context.Context, conversationID, viewerID string, key fold.Key) (*models.Payload, error) {
	msgs, err := s.ListMessages(ctx, conversationID, viewerID)
	if err != nil {
		return nil, err
	}
	p, ok := fold.Latest(msgs, key)
	if !ok {
		return nil, apperr.NotFound(string(key.Kind))
	}
	return p, nil
}

// MarkRead records that viewerID has read every message in the conversation.
func (s *ConversationService) MarkRead(ctx context.Context, conversationID, viewerID string) (int64, error) {
	if _, err := s.participantConversation(ctx, conversationID, viewerID); err != nil {
		return 0, err
	}
	n, err := s.repo.MarkMessagesRead(ctx, conversationID, viewerID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	if n > 0 {
		_ = s.cache.Invalidate(ctx, redisclient.ConversationKey(conversationID))
	}
	return n, nil
}

// messages reads through the conversation cache.
func (s *ConversationService) messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	key := redisclient.ConversationKey(conversationID)

	var cached []models.Message
	if hit, err := s.cache.GetJSON(ctx, key, &cached); err != nil {
		s.logger.Warn("Conversation cache read failed", zap.String("conversation_id", conversationID), zap.Error(err))
	} else if hit {
		return cached, nil
	}

	msgs, err := s.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if err := s.cache.SetJSON(ctx, key, msgs, s.cacheTTL); err != nil {
		s.logger.Warn("Conversation cache write failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return msgs, nil
}

func (s *ConversationService) participantConversation(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation")
	}
	if !conv.HasParticipant(userID) {
		return nil, apperr.PermissionDenied("not a participant of this conversation")
	}
	return conv, nil
}
