package api

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"offer-service/internal/apperr"
	"offer-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

// paymentWebhook verifies and processes a provider event. Any non-2xx answer
// makes the provider redeliver it.
func (h *Handler) paymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		h.respondError(c, apperr.Validation("unreadable webhook body"))
		return
	}

	res, err := h.svc.Reconciler.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// paymentSuccess is the browser redirect after checkout. It reconciles on the
// spot, then sends the payer back to the conversation.
func (h *Handler) paymentSuccess(c *gin.Context) {
	in := service.ReconcileInput{
		SessionID:      c.Query("session_id"),
		OfferID:        c.Query("oid"),
		RequestID:      c.Query("rid"),
		ConversationID: c.Query("cid"),
		Source:         service.SourceRedirect,
	}

	status := "pending"
	convID := in.ConversationID

	res, err := h.svc.Reconciler.Reconcile(c.Request.Context(), in)
	switch {
	case err != nil:
		h.logger.Warn("Redirect reconciliation failed",
			zap.String("session_id", in.SessionID),
			zap.Error(err))
	case res.Outcome == service.OutcomeReconciled || res.Outcome == service.OutcomeAlreadyReconciled:
		status = "success"
	}
	if res != nil && res.ConversationID != "" {
		convID = res.ConversationID
	}

	c.Redirect(http.StatusSeeOther, h.returnURL(convID, status))
}

func (h *Handler) returnURL(conversationID, status string) string {
	base := strings.TrimRight(h.opts.AppBaseURL, "/")
	path := "/conversations"
	if conversationID != "" {
		path += "/" + url.PathEscape(conversationID)
	}
	return base + path + "?payment=" + status
}
