package server

import (
	"github.com/counselkit/metering/internal/observability/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	rateLimitReasonUserRate     = "user-rate"
	rateLimitReasonEndpointRate = "endpoint-rate"
)

// DebitRateLimit bounds debit traffic before the ledger is touched. A debit
// turned away here consumes no credits and writes no idempotency record, so
// clients may retry the same key after backing off.
func (s *Server) DebitRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || !s.limiter.Enabled() {
			c.Next()
			return
		}

		userID, ok := s.callerUserID(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()

		allowed, err := s.limiter.AllowUser(ctx, userID)
		if err != nil {
			logger.FromContext(ctx).Warn("debit user rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !allowed {
			s.denyDebitRateLimit(c, rateLimitReasonUserRate)
			return
		}

		allowed, err = s.limiter.AllowEndpoint(ctx)
		if err != nil {
			logger.FromContext(ctx).Warn("debit endpoint rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !allowed {
			s.denyDebitRateLimit(c, rateLimitReasonEndpointRate)
			return
		}

		c.Next()
	}
}

func (s *Server) denyDebitRateLimit(c *gin.Context, reason string) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("debit rate limit exceeded",
		zap.String("reason", reason),
	)
	if s.obsMetrics != nil {
		s.obsMetrics.RecordRateLimitDenied(ctx, reason)
	}

	c.Header("Retry-After", "1")
	AbortWithError(c, ErrRateLimited)
}
