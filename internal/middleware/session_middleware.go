package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/resdiag/flowprobe/internal/services"
	"github.com/resdiag/flowprobe/pkg/jwt"
)

const sessionContextKey = "session"

// SessionAuth validates the bearer session token and resolves the live
// session, attaching it to the request context. Flow routes refuse requests
// without a valid session.
func SessionAuth(jwtService *jwt.Service, sessions *services.SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header must be a bearer token"})
			c.Abort()
			return
		}

		claims, err := jwtService.ValidateSessionToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired session token"})
			c.Abort()
			return
		}

		session, err := sessions.Get(claims.SessionID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired, create a new one"})
			c.Abort()
			return
		}

		c.Set(sessionContextKey, session)
		c.Next()
	}
}

// GetSession pulls the resolved session out of the request context
func GetSession(c *gin.Context) (*services.Session, bool) {
	value, exists := c.Get(sessionContextKey)
	if !exists {
		return nil, false
	}
	session, ok := value.(*services.Session)
	return session, ok
}
