package service

import (
	"offer-service/internal/apperr"
	"offer-service/internal/models"
	"offer-service/internal/util"
)

// Actor is the role performing a transition.
type Actor string

const (
	ActorClient       Actor = "client"
	ActorProfessional Actor = "professional"
	ActorSystem       Actor = "system"
	// ActorPayment is payment reconciliation, the only path to paid.
	ActorPayment Actor = "payment"
)

var offerTransitions = map[models.OfferStatus]map[models.OfferStatus][]Actor{
	models.OfferStatusPending: {
		models.OfferStatusAccepted: {ActorProfessional},
		models.OfferStatusRejected: {ActorProfessional},
		models.OfferStatusCanceled: {ActorClient},
		models.OfferStatusExpired:  {ActorSystem},
	},
	models.OfferStatusAccepted: {
		models.OfferStatusPaid:     {ActorPayment},
		models.OfferStatusCanceled: {ActorClient, ActorProfessional},
	},
}

// CanTransitionOffer reports whether from -> to exists for any actor.
func CanTransitionOffer(from, to models.OfferStatus) bool {
	_, ok := offerTransitions[from][to]
	return ok
}

// checkOfferTransition validates the edge first and the actor second.
func checkOfferTransition(from, to models.OfferStatus, actor Actor) error {
	actors, ok := offerTransitions[from][to]
	if !ok {
		util.InvalidTransitionsTotal.WithLabelValues("offer").Inc()
		return apperr.InvalidTransition(string(from), string(to))
	}
	for _, a := range actors {
		if a == actor {
			return nil
		}
	}
	return apperr.PermissionDenied(string(actor) + " cannot move an offer to " + string(to))
}

// offerActor resolves the caller's role on the offer; "" when unrelated.
func offerActor(o *models.Offer, userID string) Actor {
	switch {
	case userID == "":
		return ""
	case userID == o.ClientID:
		return ActorClient
	case userID == o.ProfessionalID:
		return ActorProfessional
	}
	return ""
}

var agreementTransitions = map[models.AgreementStatus][]models.AgreementStatus{
	models.AgreementStatusNegotiating: {models.AgreementStatusAccepted, models.AgreementStatusCancelled},
	models.AgreementStatusAccepted:    {models.AgreementStatusNegotiating, models.AgreementStatusCancelled},
	models.AgreementStatusPaid:        {models.AgreementStatusInProgress, models.AgreementStatusDisputed},
	models.AgreementStatusInProgress:  {models.AgreementStatusCompleted, models.AgreementStatusDisputed},
	models.AgreementStatusDisputed: {
		models.AgreementStatusInProgress,
		models.AgreementStatusCompleted,
		models.AgreementStatusCancelled,
	},
}

// CanTransitionAgreement reports whether a user-driven move is allowed. Paid is
// never reachable this way.
func CanTransitionAgreement(from, to models.AgreementStatus) bool {
	for _, next := range agreementTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
