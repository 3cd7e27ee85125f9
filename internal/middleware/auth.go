package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"vad-mining-backend/internal/services"
)

// RateLimiter is implemented by services.RedisStore.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, userID, action string, limit int, window time.Duration) (bool, error)
}

// WebSocketPath is the only route that accepts the token as a query parameter.
const WebSocketPath = "/api/mining/ws"

func IsWebSocketPath(path string) bool {
	return path == WebSocketPath
}

func AuthMiddleware(jwtService *services.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		var tokenString string

		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization format"})
				c.Abort()
				return
			}
			tokenString = parts[1]
		} else if IsWebSocketPath(c.Request.URL.Path) {
			// Browsers cannot set headers on websocket upgrades.
			tokenString = c.Query("token")
		}

		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		claims, err := jwtService.ValidateToken(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("session_id", claims.SessionID)
		c.Request = c.Request.WithContext(services.WithCaller(c.Request.Context(), claims.UserID))

		c.Next()
	}
}

func RateLimitMiddleware(limiter RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" || limiter == nil {
			c.Next()
			return
		}

		path := c.Request.URL.Path

		var (
			action string
			limit  int
		)
		window := time.Minute

		switch {
		case strings.HasSuffix(path, "/mining/claim"):
			action, limit = "claim", services.DefaultRateLimitClaims
		case strings.HasSuffix(path, "/mining/start"), strings.HasSuffix(path, "/mining/stop"):
			action, limit = "toggle", services.DefaultRateLimitToggles
		default:
			c.Next()
			return
		}

		allowed, err := limiter.CheckRateLimit(c.Request.Context(), userID, action, limit, window)
		if err != nil {
			// Fail open on limiter errors.
			logrus.WithError(err).WithField("user_id", userID).Warn("rate limit check failed")
			c.Next()
			return
		}
		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": window.Seconds(),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
