package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"offer-service/internal/models"
)

// GetReceiptBySession looks a receipt up by its idempotency key. Returns nil when missing.
func (s *Store) GetReceiptBySession(ctx context.Context, sessionID string) (*models.Receipt, error) {
	var r models.Receipt
	err := s.db.GetContext(ctx, &r, "SELECT * FROM receipts WHERE checkout_session_id = $1", sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt for session %s: %w", sessionID, err)
	}
	return &r, nil
}

// InsertReceipt stores the canonical receipt of a session and returns the row
// that won, which may be one inserted earlier by a concurrent caller.
func (s *Store) InsertReceipt(ctx context.Context, r *models.Receipt) (*models.Receipt, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (id, checkout_session_id, payment_intent_id, offer_id, request_id, folio,
			service_amount, commission_amount, tax_amount, total_amount, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (checkout_session_id) DO NOTHING`,
		r.ID, r.CheckoutSessionID, r.PaymentIntentID, r.OfferID, r.RequestID, r.Folio,
		r.ServiceAmount, r.CommissionAmount, r.TaxAmount, r.TotalAmount, r.Currency)
	if err != nil {
		return nil, false, fmt.Errorf("insert receipt: %w", err)
	}
	n, _ := res.RowsAffected()

	stored, err := s.GetReceiptBySession(ctx, r.CheckoutSessionID)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

// SetReceiptDocument records where the rendered receipt was uploaded.
func (s *Store) SetReceiptDocument(ctx context.Context, id, url string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE receipts SET document_url = $2 WHERE id = $1", id, url)
	return err
}
