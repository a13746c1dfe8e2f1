package api

import (
	"net/http"

	"offer-service/internal/apperr"
	"offer-service/internal/fold"

	"github.com/gin-gonic/gin"
)

type openConversationRequest struct {
	CustomerID     string  `json:"customer_id"`
	ProfessionalID string  `json:"professional_id" binding:"required"`
	RequestID      *string `json:"request_id,omitempty"`
}

type sendMessageRequest struct {
	Body string `json:"body" binding:"required"`
}

// openConversation finds or creates a conversation. The caller must be one of
// its participants; customer_id defaults to the caller.
func (h *Handler) openConversation(c *gin.Context) {
	var req openConversationRequest
	if !h.bindJSON(c, &req) {
		return
	}

	user := currentUser(c)
	if req.CustomerID == "" {
		req.CustomerID = user
	}
	if user != req.CustomerID && user != req.ProfessionalID {
		h.respondError(c, apperr.PermissionDenied("you can only open your own conversations"))
		return
	}

	conv, err := h.svc.Conversations.Open(c.Request.Context(), req.CustomerID, req.ProfessionalID, req.RequestID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) listMessages(c *gin.Context) {
	msgs, err := h.svc.Conversations.ListMessages(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if !h.bindJSON(c, &req) {
		return
	}

	msg, err := h.svc.Conversations.SendText(c.Request.Context(), c.Param("id"), currentUser(c), req.Body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) markRead(c *gin.Context) {
	n, err := h.svc.Conversations.MarkRead(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

// foldConversation returns the merged state for ?kind=offer_id|quote_id|receipt_id&key=<id>.
func (h *Handler) foldConversation(c *gin.Context) {
	kind := fold.KeyKind(c.Query("kind"))
	switch kind {
	case fold.KeyOffer, fold.KeyQuote, fold.KeyReceipt:
	default:
		h.respondError(c, apperr.Validation("kind must be one of offer_id, quote_id, receipt_id"))
		return
	}
	key := c.Query("key")
	if key == "" {
		h.respondError(c, apperr.Validation("key is required"))
		return
	}

	payload, err := h.svc.Conversations.Fold(c.Request.Context(), c.Param("id"), currentUser(c), fold.Key{Kind: kind, ID: key})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payload)
}
