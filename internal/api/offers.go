package api

import (
	"net/http"

	"offer-service/internal/models"
	"offer-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type reasonRequest struct {
	Reason *string `json:"reason,omitempty"`
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type statusRequest struct {
	Status models.AgreementStatus `json:"status" binding:"required"`
}

// createOffer handles offer creation
func (h *Handler) createOffer(c *gin.Context) {
	var req service.CreateOfferRequest
	if !h.bindJSON(c, &req) {
		return
	}
	req.ClientID = currentUser(c)

	offer, err := h.svc.Offers.CreateOffer(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, offer)
}

func (h *Handler) getOffer(c *gin.Context) {
	view, err := h.svc.Offers.GetOfferView(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) acceptOffer(c *gin.Context) {
	offer, err := h.svc.Offers.AcceptOffer(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *Handler) rejectOffer(c *gin.Context) {
	var req reasonRequest
	if !h.bindJSON(c, &req) {
		return
	}
	reason := ""
	if req.Reason != nil {
		reason = *req.Reason
	}

	offer, err := h.svc.Offers.RejectOffer(c.Request.Context(), c.Param("id"), currentUser(c), reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

// cancelOffer accepts an empty body; the reason is optional.
func (h *Handler) cancelOffer(c *gin.Context) {
	var req reasonRequest
	if c.Request.ContentLength > 0 && !h.bindJSON(c, &req) {
		return
	}

	offer, err := h.svc.Offers.CancelOffer(c.Request.Context(), c.Param("id"), currentUser(c), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *Handler) checkoutOffer(c *gin.Context) {
	view, err := h.svc.Offers.RequestCheckout(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) expireOffer(c *gin.Context) {
	offer, err := h.svc.Offers.ExpireOffer(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *Handler) getAgreement(c *gin.Context) {
	a, err := h.svc.Agreements.Get(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) updateAgreementAmount(c *gin.Context) {
	var req amountRequest
	if !h.bindJSON(c, &req) {
		return
	}

	a, err := h.svc.Agreements.UpdateAmount(c.Request.Context(), c.Param("id"), currentUser(c), req.Amount)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) transitionAgreement(c *gin.Context) {
	var req statusRequest
	if !h.bindJSON(c, &req) {
		return
	}

	a, err := h.svc.Agreements.Transition(c.Request.Context(), c.Param("id"), currentUser(c), req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}
