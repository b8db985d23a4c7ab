package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/careledger/careledger/pkg/staffctx"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const practitionerHeader = "X-Practitioner-Id"

// PractitionerContext copies the authenticated practitioner id from the
// gateway header into the request context. Authorization itself happens
// upstream; an absent header just leaves created records unattributed.
func (s *Server) PractitionerContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(practitionerHeader))
		if raw != "" {
			if id, err := snowflake.ParseString(raw); err == nil && id != 0 {
				ctx := staffctx.WithPractitioner(c.Request.Context(), id)
				c.Request = c.Request.WithContext(ctx)
			}
		}
		c.Next()
	}
}

// RateLimit guards a route with the shared redis token bucket. When redis is
// not configured the limiter is nil and the route runs unthrottled.
func (s *Server) RateLimit(route string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		key := "ratelimit:" + route + ":" + c.ClientIP()
		res, err := s.limiter.Allow(
			c.Request.Context(),
			key,
			s.cfg.WebhookRatePerSecond,
			s.cfg.WebhookRateBurst,
		)
		if err != nil {
			// Redis being down must not take the billing API down with it.
			s.log.Warn("rate limiter unavailable", zap.String("route", route), zap.Error(err))
			c.Next()
			return
		}

		if !res.Allowed {
			s.metrics.RecordRateLimitDenied(route)
			retryAfter := int(res.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
				Error: errorPayload{
					Type:    "rate_limited",
					Code:    "RATE_LIMITED",
					Message: "too many requests",
				},
			})
			return
		}

		c.Next()
	}
}
