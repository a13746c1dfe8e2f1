package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StubGateway is an in-process provider for local development. Sessions are
// paid as soon as they are created unless marked otherwise.
type StubGateway struct {
	mu       sync.Mutex
	sessions map[string]*Session
	unpaid   bool
}

func NewStubGateway() *StubGateway {
	return &StubGateway{sessions: make(map[string]*Session)}
}

// LeaveUnpaid makes new sessions start unpaid.
func (g *StubGateway) LeaveUnpaid() {
	g.mu.Lock()
	g.unpaid = true
	g.mu.Unlock()
}

func (g *StubGateway) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (*Session, error) {
	id := "cs_stub_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	meta := make(map[string]string, len(req.Metadata)+6)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	for k, v := range req.Fees.Metadata() {
		meta[k] = v
	}
	meta[MetaOfferID] = req.OfferID
	meta[MetaCurrency] = strings.ToUpper(req.Currency)

	success := strings.ReplaceAll(req.SuccessURL, "{CHECKOUT_SESSION_ID}", url.QueryEscape(id))

	g.mu.Lock()
	defer g.mu.Unlock()
	s := &Session{
		ID:              id,
		URL:             success,
		PaymentIntentID: "pi_stub_" + id[len("cs_stub_"):],
		Paid:            !g.unpaid,
		AmountTotal:     req.Fees.Total,
		Currency:        strings.ToUpper(req.Currency),
		Metadata:        meta,
	}
	g.sessions[id] = s
	return copySession(s), nil
}

func (g *StubGateway) RetrieveSession(_ context.Context, sessionID string) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(s), nil
}

// Put registers or replaces a session.
func (g *StubGateway) Put(s *Session) {
	g.mu.Lock()
	g.sessions[s.ID] = copySession(s)
	g.mu.Unlock()
}

// MarkPaid flips a session to paid.
func (g *StubGateway) MarkPaid(sessionID string) {
	g.mu.Lock()
	if s, ok := g.sessions[sessionID]; ok {
		s.Paid = true
	}
	g.mu.Unlock()
}

type stubEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ParseWebhook accepts {"id","type","session_id"} and resolves the session locally.
func (g *StubGateway) ParseWebhook(payload []byte, _ string) (*WebhookEvent, error) {
	var ev stubEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.ID == "" {
		return nil, fmt.Errorf("%w: malformed stub event", ErrInvalidSignature)
	}
	out := &WebhookEvent{ID: ev.ID, Type: ev.Type}
	if ev.SessionID != "" {
		s, err := g.RetrieveSession(context.Background(), ev.SessionID)
		if err != nil {
			return nil, err
		}
		out.Session = s
	}
	return out, nil
}

func copySession(s *Session) *Session {
	c := *s
	c.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		c.Metadata[k] = v
	}
	return &c
}
