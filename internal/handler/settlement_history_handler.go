package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/scoring-settlement-api/internal/dto"
	"github.com/noah-isme/scoring-settlement-api/internal/models"
	appErrors "github.com/noah-isme/scoring-settlement-api/pkg/errors"
	"github.com/noah-isme/scoring-settlement-api/pkg/response"
)

type settlementHistoryService interface {
	ListSettlementHistory(ctx context.Context, actor *models.JWTClaims, projectID string, filter models.SettlementHistoryFilter) (*dto.SettlementHistory, error)
	GetSettlementDetails(ctx context.Context, actor *models.JWTClaims, projectID, settlementID string) (*dto.SettlementDetails, error)
	ListSettlementTransactions(ctx context.Context, actor *models.JWTClaims, projectID, settlementID string) (*dto.SettlementTransactions, error)
}

// SettlementHistoryHandler exposes the audit trail of executed settlements.
type SettlementHistoryHandler struct {
	service settlementHistoryService
}

// NewSettlementHistoryHandler constructs the handler.
func NewSettlementHistoryHandler(service settlementHistoryService) *SettlementHistoryHandler {
	return &SettlementHistoryHandler{service: service}
}

// List godoc
// @Summary List project settlements
// @Tags Settlement
// @Produce json
// @Param projectId path string true "Project ID"
// @Param stageId query string false "Stage ID"
// @Param settlementType query string false "Settlement type"
// @Param status query string false "pending, active or reversed"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /projects/{projectId}/settlements [get]
func (h *SettlementHistoryHandler) List(c *gin.Context) {
	var filter models.SettlementHistoryFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid settlement filter"))
		return
	}
	history, err := h.service.ListSettlementHistory(c.Request.Context(), claimsFromContext(c), c.Param("projectId"), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, history)
}

// Details godoc
// @Summary Settlement details
// @Tags Settlement
// @Produce json
// @Param projectId path string true "Project ID"
// @Param settlementId path string true "Settlement ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /projects/{projectId}/settlements/{settlementId} [get]
func (h *SettlementHistoryHandler) Details(c *gin.Context) {
	details, err := h.service.GetSettlementDetails(c.Request.Context(), claimsFromContext(c), c.Param("projectId"), c.Param("settlementId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, details)
}

// Transactions godoc
// @Summary Settlement transactions
// @Tags Settlement
// @Produce json
// @Param projectId path string true "Project ID"
// @Param settlementId path string true "Settlement ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /projects/{projectId}/settlements/{settlementId}/transactions [get]
func (h *SettlementHistoryHandler) Transactions(c *gin.Context) {
	txns, err := h.service.ListSettlementTransactions(c.Request.Context(), claimsFromContext(c), c.Param("projectId"), c.Param("settlementId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, txns)
}
