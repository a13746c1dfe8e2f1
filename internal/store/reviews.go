package store

import (
	"context"
	"fmt"

	"offer-service/internal/models"
)

// HasReview checks whether the reviewer already reviewed the request.
func (s *Store) HasReview(ctx context.Context, requestID, reviewerID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM reviews WHERE request_id = $1 AND reviewer_id = $2)", requestID, reviewerID)
	return exists, err
}

// InsertReview stores a review; false when the reviewer already left one.
func (s *Store) InsertReview(ctx context.Context, r *models.Review) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reviews (id, request_id, reviewer_id, reviewee_id, rating, comment)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id, reviewer_id) DO NOTHING`,
		r.ID, r.RequestID, r.ReviewerID, r.RevieweeID, r.Rating, r.Comment)
	if err != nil {
		return false, fmt.Errorf("insert review: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
