package http

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"sealog/internal/domain"

	"github.com/gin-gonic/gin"
)

const producerHeader = "X-Producer"

// rateLimit meters ingestion per tenant and producer. Tenants without a configured limit are
// not metered.
func (s *Server) rateLimit(c *gin.Context) {
	limit := s.deps.Limits[c.Param("tenant")]
	if s.deps.Limiter == nil || limit <= 0 {
		c.Next()
		return
	}
	key := domain.IngestRateKey(c.Param("tenant"), strings.TrimSpace(c.GetHeader(producerHeader)))
	decision, err := s.deps.Limiter.Allow(c.Request.Context(), key, limit, s.cfg.RateLimitWindow)
	if err != nil {
		if s.cfg.RateLimitFailClosed {
			writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable")
			c.Abort()
			return
		}
		s.deps.Logger.Warn("rate limiter unavailable", "tenant", c.Param("tenant"), "error", err)
		c.Next()
		return
	}
	s.writeRateLimitHeaders(c, decision)
	if !decision.Allowed {
		writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
		c.Abort()
		return
	}
	c.Next()
}

func (s *Server) writeRateLimitHeaders(c *gin.Context, decision domain.RateLimitDecision) {
	if decision.Limit > 0 {
		c.Header("RateLimit-Limit", strconv.Itoa(decision.Limit))
	}
	if decision.Remaining >= 0 {
		c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.ResetAt.IsZero() {
		c.Header("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if wait := decision.RetryAfter(s.deps.Clock()); wait > 0 {
			c.Header("Retry-After", strconv.FormatInt(int64(wait.Seconds()), 10))
		}
	}
}

// requireAdmin guards operator routes with the X-Admin-Key header. With no key configured the
// routes are open.
func (s *Server) requireAdmin(c *gin.Context) {
	if s.cfg.AdminAPIKey == "" {
		c.Next()
		return
	}
	key := strings.TrimSpace(c.GetHeader("X-Admin-Key"))
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminAPIKey)) != 1 {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin key")
		c.Abort()
		return
	}
	c.Next()
}
