package middleware

import (
	stderrors "errors"
	"strings"

	"persona-chat/backend/pkg/errors"
	"persona-chat/backend/pkg/jwt"
	"persona-chat/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Gin context keys set by Auth
const (
	UserIDKey = "userId"
	ClaimsKey = "claims"
)

// Auth validates the bearer token and stores the caller's user id. WebSocket
// clients cannot set headers, so the token is also read from the
// access_token query parameter.
func Auth(tokens *jwt.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearer(c.GetHeader("Authorization"))
		if raw == "" {
			raw = c.Query("access_token")
		}
		if raw == "" {
			c.Error(errors.NewUnauthorizedError(errors.CodeUnauthorized, "Authentication required"))
			c.Abort()
			return
		}

		claims, err := tokens.ValidateToken(raw)
		if err != nil {
			msg := "Invalid token"
			if stderrors.Is(err, jwt.ErrExpiredToken) {
				msg = "Token has expired"
			}
			c.Error(errors.NewUnauthorizedError(errors.CodeUnauthorized, msg))
			c.Abort()
			return
		}

		c.Set(UserIDKey, claims.UserID())
		c.Set(ClaimsKey, claims)
		logger.Attach(c, logger.FromGin(c).WithUserID(claims.UserID()))
		c.Next()
	}
}

// UserID returns the authenticated caller, empty when Auth did not run.
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

func bearer(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
