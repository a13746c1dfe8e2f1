package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"offer-service/internal/apperr"
	"offer-service/internal/auth"
	"offer-service/internal/redisclient"
	"offer-service/internal/service"
	"offer-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RateLimiter counts hits in a window shared by every instance.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (redisclient.RateLimitResult, error)
}

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the domain services the handlers call.
type Services struct {
	Conversations *service.ConversationService
	Offers        *service.OfferService
	Reconciler    *service.ReconcileService
	Agreements    *service.AgreementService
	Projection    *service.ProjectionService
	Reviews       *service.ReviewService
}

// Options configures the HTTP surface.
type Options struct {
	Auth       *auth.Resolver
	Limiter    RateLimiter
	RateLimit  int
	RateWindow time.Duration
	// AppBaseURL is where the payment redirect callback sends the browser.
	AppBaseURL string
	Checks     map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	svc    Services
	opts   Options
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(svc Services, opts Options) *Handler {
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	return &Handler{
		svc:    svc,
		opts:   opts,
		logger: util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	registerValidators(h.svc.Offers)

	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())
	router.Use(h.rateLimitMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/payments", h.paymentWebhook)
	router.GET("/payments/success", h.paymentSuccess)

	v1 := router.Group("/api/v1")
	v1.Use(h.opts.Auth.Middleware())
	{
		v1.POST("/conversations", h.openConversation)
		v1.GET("/conversations/:id/messages", h.listMessages)
		v1.POST("/conversations/:id/messages", h.sendMessage)
		v1.POST("/conversations/:id/read", h.markRead)
		v1.GET("/conversations/:id/fold", h.foldConversation)

		v1.POST("/offers", h.createOffer)
		v1.GET("/offers/:id", h.getOffer)
		v1.POST("/offers/:id/accept", h.acceptOffer)
		v1.POST("/offers/:id/reject", h.rejectOffer)
		v1.POST("/offers/:id/cancel", h.cancelOffer)
		v1.POST("/offers/:id/checkout", h.checkoutOffer)
		v1.POST("/offers/:id/expire", auth.RequireRole(auth.RoleSystem), h.expireOffer)

		v1.GET("/agreements/:id", h.getAgreement)
		v1.PATCH("/agreements/:id/amount", h.updateAgreementAmount)
		v1.POST("/agreements/:id/status", h.transitionAgreement)

		v1.GET("/requests/:id", h.requestDetail)
		v1.POST("/requests/:id/finish", h.finishWork)
		v1.GET("/requests/:id/review-prompt", h.reviewPrompt)
		v1.POST("/requests/:id/reviews", h.submitReview)

		v1.GET("/dashboard/kpis", h.kpis)
		v1.GET("/dashboard/calendar", h.calendar)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports not ready while any dependency fails its ping.
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, dep := range h.opts.Checks {
		if err := dep.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// respondError renders err as {"error":{"code","message","details"}}.
func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "INTERNAL", "message": "internal error"},
		})
		return
	}

	body := gin.H{"code": appErr.Code(), "message": appErr.Message}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}
	c.JSON(appErr.HTTPStatus(), gin.H{"error": body})
}

// bindJSON binds the body and answers 400 on failure.
func (h *Handler) bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		h.respondError(c, apperr.Validation(err.Error()))
		return false
	}
	return true
}

// currentUser returns the authenticated user id. The auth middleware has
// already rejected requests without one.
func currentUser(c *gin.Context) string {
	id, _ := auth.UserID(c)
	return id
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
