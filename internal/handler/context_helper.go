package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/scoring-settlement-api/internal/middleware"
	"github.com/noah-isme/scoring-settlement-api/internal/models"
)

// claimsFromContext returns the acting operator. Settlement services reject a nil actor.
func claimsFromContext(c *gin.Context) *models.JWTClaims {
	return middleware.CurrentClaims(c)
}
