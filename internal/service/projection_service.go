package service

import (
	"context"
	"fmt"
	"time"

	"offer-service/internal/apperr"
	"offer-service/internal/models"
	"offer-service/internal/redisclient"
	"offer-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// earningsMonths is how far back the earnings series reaches.
const earningsMonths = 12

// KPIs is the professional dashboard.
type KPIs struct {
	ProfessionalID string          `json:"professional_id"`
	InProgress     int             `json:"in_progress"`
	Completed      int             `json:"completed"`
	Potential      int             `json:"potential"`
	Cancelled      int             `json:"cancelled"`
	Earnings       []MonthEarning  `json:"earnings"`
	TotalEarnings  decimal.Decimal `json:"total_earnings"`
	ComputedAt     time.Time       `json:"computed_at"`
}

type MonthEarning struct {
	Month  string          `json:"month"`
	Amount decimal.Decimal `json:"amount"`
}

// RequestView is a request with the agreement and calendar entry hanging off it.
type RequestView struct {
	Request   *models.Request       `json:"request"`
	Agreement *models.Agreement     `json:"agreement,omitempty"`
	Calendar  *models.CalendarEntry `json:"calendar,omitempty"`
}

// ComputeKPIs derives the dashboard from agreement and request rows. An
// agreement whose request is not in requests is left out.
func ComputeKPIs(agreements []models.Agreement, requests map[string]*models.Request, now time.Time) KPIs {
	now = now.UTC()
	k := KPIs{TotalEarnings: decimal.Zero, ComputedAt: now}

	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(earningsMonths - 1), 0)
	k.Earnings = make([]MonthEarning, earningsMonths)
	index := make(map[string]int, earningsMonths)
	for i := range k.Earnings {
		month := first.AddDate(0, i, 0).Format("2006-01")
		k.Earnings[i] = MonthEarning{Month: month, Amount: decimal.Zero}
		index[month] = i
	}

	for _, a := range agreements {
		if requests[a.RequestID] == nil {
			continue
		}
		switch a.Status {
		case models.AgreementStatusPaid, models.AgreementStatusInProgress, models.AgreementStatusDisputed:
			k.InProgress++
		case models.AgreementStatusNegotiating, models.AgreementStatusAccepted:
			k.Potential++
		case models.AgreementStatusCancelled:
			k.Cancelled++
		case models.AgreementStatusCompleted:
			k.Completed++
			if i, ok := index[a.UpdatedAt.UTC().Format("2006-01")]; ok {
				k.Earnings[i].Amount = k.Earnings[i].Amount.Add(a.Amount)
				k.TotalEarnings = k.TotalEarnings.Add(a.Amount)
			}
		}
	}
	return k
}

// ProjectionService serves the read views derived from agreements and
// requests. Views are cached and dropped by whatever writes their inputs.
type ProjectionService struct {
	repo   Repository
	cache  ReadCache
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewProjectionService(repo Repository, cache ReadCache, ttl time.Duration) *ProjectionService {
	if cache == nil {
		cache = nopCache{}
	}
	return &ProjectionService{
		repo:   repo,
		cache:  cache,
		ttl:    ttl,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// KPIs returns the dashboard of a professional. Only the professional may read it.
func (s *ProjectionService) KPIs(ctx context.Context, professionalID, viewerID string) (*KPIs, error) {
	ctx, span := util.StartSpan(ctx, "ProjectionService.KPIs")
	defer span.End()

	if viewerID != professionalID {
		return nil, apperr.PermissionDenied("dashboard belongs to another professional")
	}

	key := redisclient.KPIKey(professionalID)
	var cached KPIs
	if s.readCache(ctx, key, &cached) {
		return &cached, nil
	}

	agreements, err := s.repo.ListAgreementsByProfessional(ctx, professionalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agreements: %w", err)
	}

	ids := make([]string, 0, len(agreements))
	seen := make(map[string]bool, len(agreements))
	for _, a := range agreements {
		if !seen[a.RequestID] {
			seen[a.RequestID] = true
			ids = append(ids, a.RequestID)
		}
	}
	requests := make(map[string]*models.Request, len(ids))
	if len(ids) > 0 {
		rows, err := s.repo.GetRequestsByIDs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to load requests: %w", err)
		}
		for i := range rows {
			requests[rows[i].ID] = &rows[i]
		}
	}

	k := ComputeKPIs(agreements, requests, s.now())
	k.ProfessionalID = professionalID
	if omitted := len(ids) - len(requests); omitted > 0 {
		s.logger.Warn("Agreements without a resolvable request left out of KPIs",
			zap.String("professional_id", professionalID), zap.Int("requests", omitted))
	}

	s.writeCache(ctx, key, k)
	return &k, nil
}

// Calendar lists the professional's calendar entries.
func (s *ProjectionService) Calendar(ctx context.Context, professionalID, viewerID string) ([]models.CalendarEntry, error) {
	ctx, span := util.StartSpan(ctx, "ProjectionService.Calendar")
	defer span.End()

	if viewerID != professionalID {
		return nil, apperr.PermissionDenied("calendar belongs to another professional")
	}

	key := redisclient.CalendarKey(professionalID)
	var cached []models.CalendarEntry
	if s.readCache(ctx, key, &cached) {
		return cached, nil
	}

	entries, err := s.repo.ListCalendarEntries(ctx, professionalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendar: %w", err)
	}
	if entries == nil {
		entries = []models.CalendarEntry{}
	}
	s.writeCache(ctx, key, entries)
	return entries, nil
}

// RequestDetail returns a request with its latest agreement and calendar entry.
func (s *ProjectionService) RequestDetail(ctx context.Context, requestID, viewerID string) (*RequestView, error) {
	ctx, span := util.StartSpan(ctx, "ProjectionService.RequestDetail")
	defer span.End()

	key := redisclient.RequestKey(requestID)
	var view RequestView
	if !s.readCache(ctx, key, &view) || view.Request == nil {
		loaded, err := s.loadRequestView(ctx, requestID)
		if err != nil {
			return nil, err
		}
		view = *loaded
		s.writeCache(ctx, key, view)
	}

	if !view.Request.HasParticipant(viewerID) &&
		(view.Agreement == nil || view.Agreement.ProfessionalID != viewerID) {
		return nil, apperr.PermissionDenied("not a participant of this request")
	}
	return &view, nil
}

func (s *ProjectionService) loadRequestView(ctx context.Context, requestID string) (*RequestView, error) {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load request: %w", err)
	}
	if req == nil {
		return nil, apperr.NotFound("request")
	}

	view := &RequestView{Request: req}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a, err := s.repo.GetAgreementByRequest(gctx, requestID)
		if err != nil {
			return fmt.Errorf("failed to load agreement: %w", err)
		}
		view.Agreement = a
		return nil
	})
	g.Go(func() error {
		e, err := s.repo.GetCalendarEntry(gctx, requestID)
		if err != nil {
			return fmt.Errorf("failed to load calendar entry: %w", err)
		}
		view.Calendar = e
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return view, nil
}

func (s *ProjectionService) readCache(ctx context.Context, key string, dst interface{}) bool {
	hit, err := s.cache.GetJSON(ctx, key, dst)
	if err != nil {
		s.logger.Warn("Read cache get failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return hit
}

func (s *ProjectionService) writeCache(ctx context.Context, key string, v interface{}) {
	if err := s.cache.SetJSON(ctx, key, v, s.ttl); err != nil {
		s.logger.Warn("Read cache set failed", zap.String("key", key), zap.Error(err))
	}
}
