package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/scoring-settlement-api/internal/models"
	appErrors "github.com/noah-isme/scoring-settlement-api/pkg/errors"
	"github.com/noah-isme/scoring-settlement-api/pkg/response"
)

// CurrentClaims returns the claims stored by JWT, or nil for anonymous requests.
func CurrentClaims(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil
	}
	claims, _ := value.(*models.JWTClaims)
	return claims
}

// RequireRoles lets through callers holding one of the platform roles.
// Project-level permissions are checked by the settlement service.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(c *gin.Context) {
		claims := CurrentClaims(c)
		if claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if _, ok := allowed[claims.Role]; !ok {
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "role "+string(claims.Role)+" cannot access settlements"))
			c.Abort()
			return
		}
		c.Next()
	}
}
