package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/codeready-toolchain/chatcore/pkg/config"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}

// requestLogger logs every request except health probes.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/health" {
			return
		}
		log := loggerFor(c)
		args := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("Request failed", args...)
			return
		}
		log.Debug("Request handled", args...)
	}
}

// userLimiter throttles commands that start model requests, per user.
type userLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// newUserLimiter returns nil when rate limiting is disabled.
func newUserLimiter(cfg *config.RateLimitConfig) *userLimiter {
	if cfg == nil || cfg.RequestsPerMinute <= 0 {
		return nil
	}
	return &userLimiter{
		limit:    rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		burst:    max(cfg.Burst, 1),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *userLimiter) allow(user string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[user]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[user] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// rateLimited rejects the request with 429 once the user's budget is spent.
// A nil limiter lets everything through.
func rateLimited(l *userLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l != nil && !l.allow(currentUser(c)) {
			abort(c, newHTTPError(http.StatusTooManyRequests, "too many requests, slow down"))
			return
		}
		c.Next()
	}
}
