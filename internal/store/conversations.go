package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"offer-service/internal/models"

	"github.com/lib/pq"
)

// GetConversation retrieves a conversation by ID. Returns nil when missing.
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.GetContext(ctx, &conv, "SELECT * FROM conversations WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return &conv, nil
}

// FindOrCreateConversation returns the conversation for the participants, creating it on first contact.
func (s *Store) FindOrCreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	find := func() (*models.Conversation, error) {
		var existing models.Conversation
		err := s.db.GetContext(ctx, &existing, `
			SELECT * FROM conversations
			WHERE customer_id = $1 AND professional_id = $2
			  AND request_id IS NOT DISTINCT FROM $3`,
			conv.CustomerID, conv.ProfessionalID, conv.RequestID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &existing, nil
	}

	existing, err := find()
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, customer_id, professional_id, request_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`,
		conv.ID, conv.CustomerID, conv.ProfessionalID, conv.RequestID); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	created, err := find()
	if err != nil {
		return nil, fmt.Errorf("reload conversation: %w", err)
	}
	return created, nil
}

// InsertMessage appends a message. With a dedupe key set, a second insert is a
// no-op and msg is overwritten with the row already stored.
func (s *Store) InsertMessage(ctx context.Context, msg *models.Message) (bool, error) {
	query := `
		INSERT INTO messages (id, conversation_id, sender_id, body, message_type, payload, dedupe_key, read_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (conversation_id, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
		RETURNING created_at`

	if msg.ReadBy == nil {
		msg.ReadBy = pq.StringArray{}
	}

	err := s.db.GetContext(ctx, &msg.CreatedAt, query,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Body, msg.Type, msg.Payload, msg.DedupeKey, msg.ReadBy)
	if errors.Is(err, sql.ErrNoRows) && msg.DedupeKey != nil {
		existing, ferr := s.FindMessageByDedupeKey(ctx, msg.ConversationID, *msg.DedupeKey)
		if ferr != nil {
			return false, ferr
		}
		if existing != nil {
			*msg = *existing
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return true, nil
}

// TouchConversation bumps last_message_at, never moving it backwards.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_at = GREATEST(COALESCE(last_message_at, $2), $2)
		WHERE id = $1`, id, at)
	return err
}

// ListMessages returns the conversation log in append order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.SelectContext(ctx, &msgs,
		"SELECT * FROM messages WHERE conversation_id = $1 ORDER BY created_at, id", conversationID)
	return msgs, err
}

// FindMessageByDedupeKey returns nil when no message carries the key.
func (s *Store) FindMessageByDedupeKey(ctx context.Context, conversationID, key string) (*models.Message, error) {
	var msg models.Message
	err := s.db.GetContext(ctx, &msg,
		"SELECT * FROM messages WHERE conversation_id = $1 AND dedupe_key = $2", conversationID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find message by dedupe key: %w", err)
	}
	return &msg, nil
}

// UpdateMessagePayload rewrites a message payload in place.
func (s *Store) UpdateMessagePayload(ctx context.Context, messageID string, payload *models.Payload) error {
	_, err := s.db.ExecContext(ctx, "UPDATE messages SET payload = $1 WHERE id = $2", payload, messageID)
	return err
}

// MarkMessagesRead adds viewerID to read_by on every message not yet read by them.
func (s *Store) MarkMessagesRead(ctx context.Context, conversationID, viewerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET read_by = array_append(read_by, $2)
		WHERE conversation_id = $1 AND NOT ($2 = ANY(read_by))`,
		conversationID, viewerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
