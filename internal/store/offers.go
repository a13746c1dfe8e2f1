package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"offer-service/internal/models"
)

// CreateOffer inserts a new offer
func (s *Store) CreateOffer(ctx context.Context, offer *models.Offer) error {
	query := `
		INSERT INTO offers (id, conversation_id, client_id, professional_id, title, description,
			amount, currency, service_date, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		offer.ID, offer.ConversationID, offer.ClientID, offer.ProfessionalID, offer.Title, offer.Description,
		offer.Amount, offer.Currency, offer.ServiceDate, offer.Status,
	).Scan(&offer.CreatedAt, &offer.UpdatedAt)
}

// GetOffer retrieves an offer by ID. Returns nil when missing.
func (s *Store) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	var offer models.Offer
	err := s.db.GetContext(ctx, &offer, "SELECT * FROM offers WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get offer %s: %w", id, err)
	}
	return &offer, nil
}

// TransitionOffer moves an offer from one status to another. It reports false
// when the offer was no longer in the expected status.
func (s *Store) TransitionOffer(ctx context.Context, id string, from, to models.OfferStatus, reason *string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offers
		SET status = $3, reason = COALESCE($4, reason), updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, from, to, reason)
	if err != nil {
		return false, fmt.Errorf("transition offer %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetOfferCheckout stores the checkout session of an accepted offer.
func (s *Store) SetOfferCheckout(ctx context.Context, id, sessionID, checkoutURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE offers
		SET checkout_session_id = $2, checkout_url = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'accepted'`,
		id, sessionID, checkoutURL)
	return err
}
