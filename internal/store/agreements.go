package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"offer-service/internal/models"

	"github.com/shopspring/decimal"
)

// GetAgreement retrieves an agreement by ID. Returns nil when missing.
func (s *Store) GetAgreement(ctx context.Context, id string) (*models.Agreement, error) {
	return s.getAgreement(ctx, "SELECT * FROM agreements WHERE id = $1", id)
}

// GetAgreementByOffer returns the agreement created for an offer.
func (s *Store) GetAgreementByOffer(ctx context.Context, offerID string) (*models.Agreement, error) {
	return s.getAgreement(ctx, "SELECT * FROM agreements WHERE offer_id = $1", offerID)
}

// GetAgreementByRequest returns the most recent agreement of a request.
func (s *Store) GetAgreementByRequest(ctx context.Context, requestID string) (*models.Agreement, error) {
	return s.getAgreement(ctx,
		"SELECT * FROM agreements WHERE request_id = $1 ORDER BY created_at DESC LIMIT 1", requestID)
}

func (s *Store) getAgreement(ctx context.Context, query string, arg interface{}) (*models.Agreement, error) {
	var a models.Agreement
	err := s.db.GetContext(ctx, &a, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agreement: %w", err)
	}
	return &a, nil
}

// CreateAgreement inserts an agreement unless one already exists for the offer.
func (s *Store) CreateAgreement(ctx context.Context, a *models.Agreement) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agreements (id, request_id, offer_id, professional_id, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		a.ID, a.RequestID, a.OfferID, a.ProfessionalID, a.Amount, a.Status)
	if err != nil {
		return false, fmt.Errorf("create agreement: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkAgreementPaid is the first-writer-wins gate of reconciliation. It updates
// a pre-payment agreement to paid, or inserts a paid one when none exists, and
// reports whether this call performed the write.
func (s *Store) MarkAgreementPaid(ctx context.Context, a *models.Agreement) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agreements
		SET status = 'paid', updated_at = NOW()
		WHERE id = $1 AND status IN ('negotiating', 'accepted')`, a.ID)
	if err != nil {
		return false, fmt.Errorf("mark agreement paid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	a.Status = models.AgreementStatusPaid
	return s.CreateAgreement(ctx, a)
}

// UpdateAgreementStatus moves an agreement between statuses; false when it was not in from.
func (s *Store) UpdateAgreementStatus(ctx context.Context, id string, from, to models.AgreementStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agreements SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("update agreement status: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateAgreementAmount edits the amount while the agreement is still unpaid.
func (s *Store) UpdateAgreementAmount(ctx context.Context, id string, amount decimal.Decimal) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agreements SET amount = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('negotiating', 'accepted')`, id, amount)
	if err != nil {
		return false, fmt.Errorf("update agreement amount: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListAgreementsByProfessional retrieves every agreement assigned to a professional.
func (s *Store) ListAgreementsByProfessional(ctx context.Context, professionalID string) ([]models.Agreement, error) {
	var agreements []models.Agreement
	err := s.db.SelectContext(ctx, &agreements,
		"SELECT * FROM agreements WHERE professional_id = $1 ORDER BY created_at DESC", professionalID)
	return agreements, err
}
