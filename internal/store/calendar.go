package store

import (
	"context"
	"fmt"

	"offer-service/internal/models"
)

// UpsertCalendarEntry writes the single calendar entry of a request. A
// finished entry (completed or cancelled) keeps its status.
func (s *Store) UpsertCalendarEntry(ctx context.Context, e *models.CalendarEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calendar_entries (pro_id, request_id, title, scheduled_date, scheduled_time, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id) DO UPDATE
		SET pro_id = EXCLUDED.pro_id,
		    title = EXCLUDED.title,
		    scheduled_date = EXCLUDED.scheduled_date,
		    scheduled_time = EXCLUDED.scheduled_time,
		    status = CASE WHEN calendar_entries.status = 'scheduled'
		                  THEN EXCLUDED.status ELSE calendar_entries.status END,
		    updated_at = NOW()`,
		e.ProID, e.RequestID, e.Title, e.ScheduledDate, e.ScheduledTime, e.Status)
	if err != nil {
		return fmt.Errorf("upsert calendar entry for request %s: %w", e.RequestID, err)
	}
	return nil
}

// ListCalendarEntries returns a professional's calendar, soonest first.
func (s *Store) ListCalendarEntries(ctx context.Context, proID string) ([]models.CalendarEntry, error) {
	var entries []models.CalendarEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM calendar_entries WHERE pro_id = $1 ORDER BY scheduled_date NULLS LAST, scheduled_time", proID)
	return entries, err
}

// GetCalendarEntry returns nil when the request has no entry.
func (s *Store) GetCalendarEntry(ctx context.Context, requestID string) (*models.CalendarEntry, error) {
	var entries []models.CalendarEntry
	if err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM calendar_entries WHERE request_id = $1", requestID); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// SetCalendarStatus moves a request's calendar entry to status. A request with
// no entry is left alone.
func (s *Store) SetCalendarStatus(ctx context.Context, requestID, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE calendar_entries SET status = $2, updated_at = NOW() WHERE request_id = $1 AND status <> $2",
		requestID, status)
	if err != nil {
		return fmt.Errorf("set calendar status for request %s: %w", requestID, err)
	}
	return nil
}
