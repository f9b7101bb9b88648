package middleware

import (
	"net/http"
	"strings"

	"authsession/internal/pkg/jwt"
	"authsession/internal/pkg/response"

	"github.com/gin-gonic/gin"
)

// AccessTokenValidator is satisfied by *jwt.Service.
type AccessTokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// JWTAuth authenticates requests with a bearer access token and puts
// user_id and role into the gin context.
func JWTAuth(tokens AccessTokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Abort(c, http.StatusUnauthorized, "AUTH_HEADER_MISSING", "Authorization header is required")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			response.Abort(c, http.StatusUnauthorized, "INVALID_AUTH_FORMAT", "Authorization header must be 'Bearer <token>'")
			return
		}

		claims, err := tokens.ValidateToken(strings.TrimSpace(parts[1]))
		if err != nil {
			response.Abort(c, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token")
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)
		c.Next()
	}
}
