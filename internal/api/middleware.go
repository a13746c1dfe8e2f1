package api

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"offer-service/internal/service"
	"offer-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// rateLimitMiddleware applies the shared per-IP limit. A limiter outage lets
// the request through.
func (h *Handler) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.opts.Limiter == nil || h.opts.RateLimit <= 0 {
			c.Next()
			return
		}

		res, err := h.opts.Limiter.Allow(c.Request.Context(), c.ClientIP(), h.opts.RateLimit, h.opts.RateWindow)
		if err != nil {
			h.logger.Warn("Rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}

		remaining := int64(h.opts.RateLimit) - res.Count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(h.opts.RateLimit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if !res.Allowed {
			util.RateLimitedTotal.Inc()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"code": "RATE_LIMITED", "message": "too many requests"},
			})
			return
		}
		c.Next()
	}
}

// registerValidators adds the `currency` rule to gin's binding validator.
func registerValidators(offers *service.OfferService) {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok || offers == nil {
		return
	}
	_ = v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		return offers.SupportsCurrency(strings.TrimSpace(fl.Field().String()))
	})
}
