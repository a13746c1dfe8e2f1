package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"offer-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetRequest retrieves a request by ID. Returns nil when missing.
func (s *Store) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	var req models.Request
	err := s.db.GetContext(ctx, &req, "SELECT * FROM requests WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	return &req, nil
}

// GetRequestsByIDs retrieves multiple requests by IDs
func (s *Store) GetRequestsByIDs(ctx context.Context, ids []string) ([]models.Request, error) {
	if len(ids) == 0 {
		return []models.Request{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM requests WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var requests []models.Request
	err = s.db.SelectContext(ctx, &requests, query, args...)
	return requests, err
}

// ApplyPayment mirrors a reconciled payment onto the request. Setting the same
// values twice is harmless.
func (s *Store) ApplyPayment(ctx context.Context, upd models.RequestPaymentUpdate) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE requests
		SET status = 'in_process',
		    professional_id = COALESCE(NULLIF($2, '')::uuid, professional_id),
		    accepted_professional_id = COALESCE(NULLIF($2, '')::uuid, accepted_professional_id),
		    scheduled_date = $3,
		    scheduled_time = COALESCE($4, scheduled_time),
		    updated_at = NOW()
		WHERE id = $1`,
		upd.RequestID, upd.ProfessionalID, upd.ScheduledDate, upd.ScheduledTime)
	if err != nil {
		return fmt.Errorf("apply payment to request %s: %w", upd.RequestID, err)
	}
	return nil
}

// SetRequestStatus overwrites the derived request status.
func (s *Store) SetRequestStatus(ctx context.Context, id string, status models.RequestStatus) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE requests SET status = $2, updated_at = NOW() WHERE id = $1", id, status)
	return err
}
