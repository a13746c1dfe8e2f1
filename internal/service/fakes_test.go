package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"offer-service/internal/models"
	"offer-service/internal/payment"
	"offer-service/internal/receipt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// memRepo is an in-memory Repository with the same conditional-write
// semantics as the Postgres store.
type memRepo struct {
	mu            sync.Mutex
	clock         time.Time
	conversations map[string]*models.Conversation
	messages      []*models.Message
	offers        map[string]*models.Offer
	agreements    map[string]*models.Agreement
	requests      map[string]*models.Request
	receipts      map[string]*models.Receipt
	calendar      map[string]*models.CalendarEntry
	reviews       map[string]*models.Review
	events        map[string]string

	// failures by operation name, for fault injection
	fail map[string]error
}

func newMemRepo() *memRepo {
	return &memRepo{
		clock:         time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
		conversations: make(map[string]*models.Conversation),
		offers:        make(map[string]*models.Offer),
		agreements:    make(map[string]*models.Agreement),
		requests:      make(map[string]*models.Request),
		receipts:      make(map[string]*models.Receipt),
		calendar:      make(map[string]*models.CalendarEntry),
		reviews:       make(map[string]*models.Review),
		events:        make(map[string]string),
		fail:          make(map[string]error),
	}
}

func (r *memRepo) failOn(op string, err error) {
	r.mu.Lock()
	r.fail[op] = err
	r.mu.Unlock()
}

// tick advances the fake clock; callers hold mu.
func (r *memRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Millisecond)
	return r.clock
}

func (r *memRepo) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conversations[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (r *memRepo) FindOrCreateConversation(_ context.Context, conv *models.Conversation) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conversations {
		if c.CustomerID == conv.CustomerID && c.ProfessionalID == conv.ProfessionalID && sameStr(c.RequestID, conv.RequestID) {
			cp := *c
			return &cp, nil
		}
	}
	cp := *conv
	cp.CreatedAt = r.tick()
	r.conversations[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *memRepo) InsertMessage(_ context.Context, msg *models.Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail["InsertMessage"]; err != nil {
		return false, err
	}
	if msg.DedupeKey != nil {
		for _, m := range r.messages {
			if m.ConversationID == msg.ConversationID && m.DedupeKey != nil && *m.DedupeKey == *msg.DedupeKey {
				*msg = copyMessage(m)
				return false, nil
			}
		}
	}
	msg.CreatedAt = r.tick()
	stored := copyMessage(msg)
	r.messages = append(r.messages, &stored)
	return true, nil
}

func (r *memRepo) TouchConversation(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conversations[id]; ok {
		if c.LastMessageAt == nil || at.After(*c.LastMessageAt) {
			c.LastMessageAt = &at
		}
	}
	return nil
}

func (r *memRepo) ListMessages(_ context.Context, conversationID string) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Message
	for _, m := range r.messages {
		if m.ConversationID == conversationID {
			out = append(out, copyMessage(m))
		}
	}
	return out, nil
}

func (r *memRepo) FindMessageByDedupeKey(_ context.Context, conversationID, key string) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.ConversationID == conversationID && m.DedupeKey != nil && *m.DedupeKey == key {
			cp := copyMessage(m)
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memRepo) UpdateMessagePayload(_ context.Context, messageID string, payload *models.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.ID == messageID {
			m.Payload = payload.Clone()
			return nil
		}
	}
	return errors.New("message not found")
}

func (r *memRepo) MarkMessagesRead(_ context.Context, conversationID, viewerID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, m := range r.messages {
		if m.ConversationID != conversationID {
			continue
		}
		read := false
		for _, id := range m.ReadBy {
			if id == viewerID {
				read = true
			}
		}
		if !read {
			m.ReadBy = append(m.ReadBy, viewerID)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) CreateOffer(_ context.Context, offer *models.Offer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	offer.CreatedAt = r.tick()
	offer.UpdatedAt = offer.CreatedAt
	cp := *offer
	r.offers[offer.ID] = &cp
	return nil
}

func (r *memRepo) GetOffer(_ context.Context, id string) (*models.Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.offers[id]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, nil
}

func (r *memRepo) TransitionOffer(_ context.Context, id string, from, to models.OfferStatus, reason *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.offers[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	if reason != nil {
		o.Reason = reason
	}
	o.UpdatedAt = r.tick()
	return true, nil
}

func (r *memRepo) SetOfferCheckout(_ context.Context, id, sessionID, checkoutURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.offers[id]; ok && o.Status == models.OfferStatusAccepted {
		o.CheckoutSessionID = &sessionID
		o.CheckoutURL = &checkoutURL
	}
	return nil
}

func (r *memRepo) GetAgreement(_ context.Context, id string) (*models.Agreement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agreements[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (r *memRepo) GetAgreementByOffer(_ context.Context, offerID string) (*models.Agreement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agreements {
		if a.OfferID != nil && *a.OfferID == offerID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memRepo) GetAgreementByRequest(_ context.Context, requestID string) (*models.Agreement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.Agreement
	for _, a := range r.agreements {
		if a.RequestID == requestID && (latest == nil || a.CreatedAt.After(latest.CreatedAt)) {
			latest = a
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *memRepo) CreateAgreement(_ context.Context, a *models.Agreement) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createAgreementLocked(a)
}

func (r *memRepo) createAgreementLocked(a *models.Agreement) (bool, error) {
	if err := r.fail["CreateAgreement"]; err != nil {
		return false, err
	}
	if _, ok := r.agreements[a.ID]; ok {
		return false, nil
	}
	for _, existing := range r.agreements {
		if a.OfferID != nil && existing.OfferID != nil && *existing.OfferID == *a.OfferID {
			return false, nil
		}
	}
	cp := *a
	cp.CreatedAt = r.tick()
	cp.UpdatedAt = cp.CreatedAt
	r.agreements[a.ID] = &cp
	return true, nil
}

func (r *memRepo) MarkAgreementPaid(_ context.Context, a *models.Agreement) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.agreements[a.ID]; ok && existing.Status.PrePayment() {
		existing.Status = models.AgreementStatusPaid
		existing.UpdatedAt = r.tick()
		return true, nil
	}
	a.Status = models.AgreementStatusPaid
	return r.createAgreementLocked(a)
}

func (r *memRepo) UpdateAgreementStatus(_ context.Context, id string, from, to models.AgreementStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agreements[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	a.UpdatedAt = r.tick()
	return true, nil
}

func (r *memRepo) UpdateAgreementAmount(_ context.Context, id string, amount decimal.Decimal) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agreements[id]
	if !ok || !a.Status.PrePayment() {
		return false, nil
	}
	a.Amount = amount
	a.UpdatedAt = r.tick()
	return true, nil
}

func (r *memRepo) ListAgreementsByProfessional(_ context.Context, professionalID string) ([]models.Agreement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Agreement
	for _, a := range r.agreements {
		if a.ProfessionalID == professionalID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) GetRequest(_ context.Context, id string) (*models.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req, ok := r.requests[id]; ok {
		cp := *req
		return &cp, nil
	}
	return nil, nil
}

func (r *memRepo) GetRequestsByIDs(_ context.Context, ids []string) ([]models.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Request
	for _, id := range ids {
		if req, ok := r.requests[id]; ok {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (r *memRepo) ApplyPayment(_ context.Context, upd models.RequestPaymentUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail["ApplyPayment"]; err != nil {
		return err
	}
	req, ok := r.requests[upd.RequestID]
	if !ok {
		return nil
	}
	req.Status = models.RequestStatusInProcess
	if upd.ProfessionalID != "" {
		pro := upd.ProfessionalID
		req.ProfessionalID = &pro
		req.AcceptedProfessionalID = &pro
	}
	date := upd.ScheduledDate
	req.ScheduledDate = &date
	if upd.ScheduledTime != nil {
		req.ScheduledTime = upd.ScheduledTime
	}
	req.UpdatedAt = r.tick()
	return nil
}

func (r *memRepo) SetRequestStatus(_ context.Context, id string, status models.RequestStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req, ok := r.requests[id]; ok {
		req.Status = status
		req.UpdatedAt = r.tick()
	}
	return nil
}

func (r *memRepo) GetReceiptBySession(_ context.Context, sessionID string) (*models.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail["GetReceiptBySession"]; err != nil {
		return nil, err
	}
	for _, rc := range r.receipts {
		if rc.CheckoutSessionID == sessionID {
			cp := *rc
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memRepo) InsertReceipt(_ context.Context, rc *models.Receipt) (*models.Receipt, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail["InsertReceipt"]; err != nil {
		return nil, false, err
	}
	for _, existing := range r.receipts {
		if existing.CheckoutSessionID == rc.CheckoutSessionID {
			cp := *existing
			return &cp, false, nil
		}
	}
	stored := *rc
	stored.CreatedAt = r.tick()
	r.receipts[stored.ID] = &stored
	out := stored
	return &out, true, nil
}

func (r *memRepo) SetReceiptDocument(_ context.Context, id, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.receipts[id]; ok {
		rc.DocumentURL = &url
	}
	return nil
}

func (r *memRepo) UpsertCalendarEntry(_ context.Context, e *models.CalendarEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	cp.UpdatedAt = r.tick()
	if prev, ok := r.calendar[e.RequestID]; ok && prev.Status != models.CalendarStatusScheduled {
		cp.Status = prev.Status
	}
	r.calendar[e.RequestID] = &cp
	return nil
}

func (r *memRepo) SetCalendarStatus(_ context.Context, requestID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.calendar[requestID]; ok {
		e.Status = status
		e.UpdatedAt = r.tick()
	}
	return nil
}

func (r *memRepo) ListCalendarEntries(_ context.Context, proID string) ([]models.CalendarEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.CalendarEntry
	for _, e := range r.calendar {
		if e.ProID == proID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (r *memRepo) GetCalendarEntry(_ context.Context, requestID string) (*models.CalendarEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.calendar[requestID]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (r *memRepo) HasReview(_ context.Context, requestID, reviewerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.reviews[requestID+"/"+reviewerID]
	return ok, nil
}

func (r *memRepo) InsertReview(_ context.Context, rv *models.Review) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := rv.RequestID + "/" + rv.ReviewerID
	if _, ok := r.reviews[key]; ok {
		return false, nil
	}
	cp := *rv
	cp.CreatedAt = r.tick()
	r.reviews[key] = &cp
	return true, nil
}

func (r *memRepo) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.events[eventID]
	return ok, nil
}

func (r *memRepo) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[eventID] = eventType
	return nil
}

// paidMessages counts payment_succeeded messages in a conversation.
func (r *memRepo) paidMessages(conversationID string) []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Message
	for _, m := range r.messages {
		if m.ConversationID == conversationID && m.Payload != nil && m.Payload.System != nil &&
			m.Payload.System.Event == models.SystemEventPaymentSucceeded {
			out = append(out, copyMessage(m))
		}
	}
	return out
}

func (r *memRepo) counts() (receipts, calendar, agreements int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.receipts), len(r.calendar), len(r.agreements)
}

func copyMessage(m *models.Message) models.Message {
	cp := *m
	cp.Payload = m.Payload.Clone()
	cp.ReadBy = append([]string(nil), m.ReadBy...)
	return cp
}

func sameStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// recordingEvents keeps every published event type.
type recordingEvents struct {
	mu    sync.Mutex
	types []string
	fail  error
}

func (e *recordingEvents) record(t string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail != nil {
		return e.fail
	}
	e.types = append(e.types, t)
	return nil
}

func (e *recordingEvents) count(t string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, got := range e.types {
		if got == t {
			n++
		}
	}
	return n
}

func (e *recordingEvents) PublishOfferEvent(_ context.Context, ev *models.OfferEvent) error {
	return e.record(ev.EventType)
}

func (e *recordingEvents) PublishPaymentReconciled(_ context.Context, ev *models.PaymentReconciledEvent) error {
	return e.record(ev.EventType)
}

func (e *recordingEvents) PublishAgreementEvent(_ context.Context, ev *models.AgreementEvent) error {
	return e.record(ev.EventType)
}

func (e *recordingEvents) PublishRequestCompleted(_ context.Context, ev *models.RequestCompletedEvent) error {
	return e.record(ev.EventType)
}

func (e *recordingEvents) PublishReviewSubmitted(_ context.Context, ev *models.ReviewSubmittedEvent) error {
	return e.record(ev.EventType)
}

// memCache is a ReadCache that keeps values as-is and records invalidations.
type memCache struct {
	mu          sync.Mutex
	values      map[string]interface{}
	invalidated []string
	fail        error
}

func newMemCache() *memCache {
	return &memCache{values: make(map[string]interface{})}
}

func (c *memCache) GetJSON(_ context.Context, key string, dst interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	if !ok {
		return false, nil
	}
	switch d := dst.(type) {
	case *KPIs:
		*d = v.(KPIs)
	case *[]models.CalendarEntry:
		*d = v.([]models.CalendarEntry)
	case *RequestView:
		*d = v.(RequestView)
	case *[]models.Message:
		*d = v.([]models.Message)
	default:
		return false, nil
	}
	return true, nil
}

func (c *memCache) SetJSON(_ context.Context, key string, v interface{}, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = v
	return nil
}

func (c *memCache) Invalidate(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	for _, k := range keys {
		delete(c.values, k)
		c.invalidated = append(c.invalidated, k)
	}
	return nil
}

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.values[key]
	return ok
}

type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func (u *memUploader) Upload(_ context.Context, path string, data []byte, _ string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fail != nil {
		return "", u.fail
	}
	if u.objects == nil {
		u.objects = make(map[string][]byte)
	}
	u.objects[path] = data
	return "https://files.test/" + path, nil
}

type fakeRenderer struct {
	fail error
}

func (f fakeRenderer) Render(rc *models.Receipt, _ receipt.Details) ([]byte, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return []byte("%PDF-" + rc.Folio), nil
}

// world is a seeded marketplace: one request owned by the client, a
// conversation about it and the service graph on top.
type world struct {
	repo     *memRepo
	gateway  *payment.StubGateway
	events   *recordingEvents
	cache    *memCache
	uploader *memUploader
	bus      *recordingBus

	convs      *ConversationService
	offers     *OfferService
	reconciler *ReconcileService
	agreements *AgreementService
	projection *ProjectionService

	clientID  string
	proID     string
	requestID string
	conv      *models.Conversation
}

func newWorld() *world {
	w := &world{
		repo:      newMemRepo(),
		gateway:   payment.NewStubGateway(),
		events:    &recordingEvents{},
		cache:     newMemCache(),
		uploader:  &memUploader{},
		bus:       &recordingBus{},
		clientID:  uuid.New().String(),
		proID:     uuid.New().String(),
		requestID: uuid.New().String(),
	}
	w.repo.requests[w.requestID] = &models.Request{
		ID:        w.requestID,
		CreatedBy: w.clientID,
		Title:     "Kitchen sink repair",
		Status:    models.RequestStatusActive,
	}
	conv := &models.Conversation{
		ID:             uuid.New().String(),
		CustomerID:     w.clientID,
		ProfessionalID: w.proID,
		RequestID:      &w.requestID,
	}
	w.repo.conversations[conv.ID] = conv
	w.conv = conv

	w.convs = NewConversationService(w.repo, w.bus, w.cache, time.Minute)
	w.offers = NewOfferService(w.repo, w.convs, w.gateway, w.events, OfferConfig{
		Currencies: []string{"MXN", "USD"},
		Fees:       defaultFees,
		SuccessURL: "https://api.test/payments/success",
		CancelURL:  "https://app.test/cancel",
	})
	w.reconciler = NewReconcileService(w.repo, w.convs, w.gateway, w.events, w.cache,
		fakeRenderer{}, w.uploader, ReconcileConfig{ReceiptAttempts: 3, ReceiptBackoff: 250 * time.Millisecond})
	w.reconciler.sleep = func(context.Context, time.Duration) error { return nil }
	w.agreements = NewAgreementService(w.repo, w.convs, w.events, w.cache)
	w.projection = NewProjectionService(w.repo, w.cache, time.Minute)
	return w
}

var defaultFees = payment.FeeSchedule{
	CommissionRate: decimal.RequireFromString("0.10"),
	TaxRate:        decimal.RequireFromString("0.16"),
}

// pendingOffer creates an offer from the client in the seeded conversation.
func (w *world) pendingOffer(t *testing.T, amount string) *models.Offer {
	t.Helper()
	offer, err := w.offers.CreateOffer(context.Background(), &CreateOfferRequest{
		ConversationID: w.conv.ID,
		ClientID:       w.clientID,
		Title:          "Fix sink",
		Amount:         decimal.RequireFromString(amount),
		Currency:       "MXN",
	})
	require.NoError(t, err)
	return offer
}

func (w *world) acceptedOffer(t *testing.T, amount string) *models.Offer {
	t.Helper()
	offer := w.pendingOffer(t, amount)
	accepted, err := w.offers.AcceptOffer(context.Background(), offer.ID, w.proID)
	require.NoError(t, err)
	return accepted
}

// paidCheckout accepts an offer and opens a (stub-paid) checkout session for it.
func (w *world) paidCheckout(t *testing.T, amount string) (*models.Offer, *CheckoutView) {
	t.Helper()
	offer := w.acceptedOffer(t, amount)
	view, err := w.offers.RequestCheckout(context.Background(), offer.ID, w.clientID)
	require.NoError(t, err)
	return offer, view
}

func (w *world) webhook(eventID, sessionID string) []byte {
	return []byte(`{"id":"` + eventID + `","type":"` + payment.EventCheckoutCompleted + `","session_id":"` + sessionID + `"}`)
}

func (w *world) request() *models.Request {
	req, _ := w.repo.GetRequest(context.Background(), w.requestID)
	return req
}
