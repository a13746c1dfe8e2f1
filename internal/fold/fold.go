// Package fold derives current state from the append-only message log.
//
// Messages are immutable snapshots. For a key (offer, quote or receipt id) the
// state is the last-write-wins merge of every snapshot carrying that key, in
// created_at order: a later snapshot overrides only the fields it contains.
package fold

import (
	"sort"
	"time"

	"offer-service/internal/models"

	"github.com/shopspring/decimal"
)

// KeyKind names the payload key a fold is performed over.
type KeyKind string

const (
	KeyOffer   KeyKind = "offer_id"
	KeyQuote   KeyKind = "quote_id"
	KeyReceipt KeyKind = "receipt_id"
)

type Key struct {
	Kind KeyKind
	ID   string
}

// OfferState is the rendered offer after folding its messages.
type OfferState struct {
	OfferID     string             `json:"offer_id"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Amount      decimal.Decimal    `json:"amount"`
	Currency    string             `json:"currency"`
	ServiceDate string             `json:"service_date,omitempty"`
	Status      models.OfferStatus `json:"status"`
	CheckoutURL string             `json:"checkout_url,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
	Snapshots   int                `json:"snapshots"`
}

// Ordered returns the messages sorted by created_at, ties kept in input order.
func Ordered(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Offer folds every message carrying offerID into an OfferState.
func Offer(msgs []models.Message, offerID string) (OfferState, bool) {
	state := OfferState{OfferID: offerID}
	if offerID == "" {
		return state, false
	}
	for _, m := range Ordered(msgs) {
		if m.Payload.OfferID() != offerID {
			continue
		}
		applyOffer(&state, m.Payload.Offer)
		state.UpdatedAt = m.CreatedAt
		state.Snapshots++
	}
	return state, state.Snapshots > 0
}

func applyOffer(state *OfferState, f *models.OfferFields) {
	if f.Title != nil {
		state.Title = *f.Title
	}
	if f.Description != nil {
		state.Description = *f.Description
	}
	if f.Amount != nil {
		state.Amount = *f.Amount
	}
	if f.Currency != nil {
		state.Currency = *f.Currency
	}
	if f.ServiceDate != nil {
		state.ServiceDate = *f.ServiceDate
	}
	if f.Status != nil {
		state.Status = *f.Status
	}
	if f.CheckoutURL != nil {
		state.CheckoutURL = *f.CheckoutURL
	}
	if f.Reason != nil {
		state.Reason = *f.Reason
	}
}

// Latest returns the merged payload for key. Kind is taken from the newest
// snapshot; each section is merged field by field across all snapshots.
func Latest(msgs []models.Message, key Key) (*models.Payload, bool) {
	var out *models.Payload
	for _, m := range Ordered(msgs) {
		if !carries(m.Payload, key) {
			continue
		}
		if out == nil {
			out = &models.Payload{}
		}
		out.Kind = m.Payload.Kind
		out.Offer = mergeOffer(out.Offer, m.Payload.Offer)
		out.Quote = mergeQuote(out.Quote, m.Payload.Quote)
		out.System = mergeSystem(out.System, m.Payload.System)
	}
	return out, out != nil
}

func carries(p *models.Payload, key Key) bool {
	if p == nil || key.ID == "" {
		return false
	}
	switch key.Kind {
	case KeyOffer:
		return p.OfferID() == key.ID
	case KeyQuote:
		return p.QuoteID() == key.ID
	case KeyReceipt:
		return p.ReceiptID() == key.ID
	}
	return false
}

func mergeOffer(dst, src *models.OfferFields) *models.OfferFields {
	if src == nil {
		return dst
	}
	if dst == nil {
		dst = &models.OfferFields{}
	}
	dst.OfferID = src.OfferID
	if src.Title != nil {
		dst.Title = src.Title
	}
	if src.Description != nil {
		dst.Description = src.Description
	}
	if src.Amount != nil {
		dst.Amount = src.Amount
	}
	if src.Currency != nil {
		dst.Currency = src.Currency
	}
	if src.ServiceDate != nil {
		dst.ServiceDate = src.ServiceDate
	}
	if src.Status != nil {
		dst.Status = src.Status
	}
	if src.CheckoutURL != nil {
		dst.CheckoutURL = src.CheckoutURL
	}
	if src.Reason != nil {
		dst.Reason = src.Reason
	}
	return dst
}

func mergeQuote(dst, src *models.QuoteFields) *models.QuoteFields {
	if src == nil {
		return dst
	}
	if dst == nil {
		dst = &models.QuoteFields{}
	}
	dst.QuoteID = src.QuoteID
	if src.Amount != nil {
		dst.Amount = src.Amount
	}
	if src.Currency != nil {
		dst.Currency = src.Currency
	}
	if src.Notes != nil {
		dst.Notes = src.Notes
	}
	if src.Status != nil {
		dst.Status = src.Status
	}
	return dst
}

// mergeSystem keeps the latest event but never drops a receipt reference once seen.
func mergeSystem(dst, src *models.SystemEvent) *models.SystemEvent {
	if src == nil {
		return dst
	}
	if dst == nil {
		s := *src
		return &s
	}
	merged := *src
	if merged.ReceiptID == "" {
		merged.ReceiptID = dst.ReceiptID
		merged.ReceiptPlaceholder = dst.ReceiptPlaceholder
	}
	if merged.ReceiptURL == "" {
		merged.ReceiptURL = dst.ReceiptURL
	}
	if merged.CheckoutSessionID == "" {
		merged.CheckoutSessionID = dst.CheckoutSessionID
	}
	if merged.RequestID == "" {
		merged.RequestID = dst.RequestID
	}
	merged.Paid = merged.Paid || dst.Paid
	return &merged
}
