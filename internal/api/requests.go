package api

import (
	"net/http"

	"offer-service/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) requestDetail(c *gin.Context) {
	view, err := h.svc.Projection.RequestDetail(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// finishWork lets the assigned professional mark the request completed.
func (h *Handler) finishWork(c *gin.Context) {
	a, err := h.svc.Agreements.FinishWork(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) reviewPrompt(c *gin.Context) {
	decision, err := h.svc.Reviews.ShouldPrompt(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (h *Handler) submitReview(c *gin.Context) {
	var in service.SubmitReviewInput
	if !h.bindJSON(c, &in) {
		return
	}
	in.RequestID = c.Param("id")
	in.ReviewerID = currentUser(c)

	review, err := h.svc.Reviews.Submit(c.Request.Context(), in)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, review)
}

// kpis returns the caller's own dashboard figures.
func (h *Handler) kpis(c *gin.Context) {
	user := currentUser(c)
	k, err := h.svc.Projection.KPIs(c.Request.Context(), user, user)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, k)
}

func (h *Handler) calendar(c *gin.Context) {
	user := currentUser(c)
	entries, err := h.svc.Projection.Calendar(c.Request.Context(), user, user)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
