package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/chatcore/pkg/logger"
)

// userKey is the gin context key holding the requesting user.
const userKey = "chatcore.user"

// extractUser extracts the user from proxy headers.
// Priority: X-Forwarded-User (oauth2-proxy) > X-Forwarded-Email (oauth2-proxy) >
// X-Remote-User (kube-rbac-proxy) > fallback
func extractUser(c *gin.Context, fallback string) string {
	if user := c.GetHeader("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.GetHeader("X-Forwarded-Email"); email != "" {
		return email
	}
	if user := c.GetHeader("X-Remote-User"); user != "" {
		return user
	}
	return fallback
}

// identify stores the requesting user on the context. Requests without an
// identity are rejected unless a default user is configured.
func identify(defaultUser string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := extractUser(c, defaultUser)
		if user == "" {
			abort(c, newHTTPError(http.StatusUnauthorized, "missing user identity"))
			return
		}
		c.Set(userKey, user)
		ctx := logger.WithContext(c.Request.Context(), slog.Default().With("user_id", user))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// currentUser returns the user stored by identify.
func currentUser(c *gin.Context) string {
	return c.GetString(userKey)
}
