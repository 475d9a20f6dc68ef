package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/scoring-settlement-api/internal/dto"
	"github.com/noah-isme/scoring-settlement-api/internal/models"
	appErrors "github.com/noah-isme/scoring-settlement-api/pkg/errors"
	"github.com/noah-isme/scoring-settlement-api/pkg/response"
)

type settlementService interface {
	ValidateStage(ctx context.Context, actor *models.JWTClaims, stageID string) (*dto.ValidationReport, error)
	PreviewScores(ctx context.Context, actor *models.JWTClaims, stageID string) (*dto.SettlementPreview, error)
	SettleStage(ctx context.Context, actor *models.JWTClaims, stageID string, force bool) (*dto.SettlementOutcome, error)
	GetSettledResults(ctx context.Context, actor *models.JWTClaims, stageID string) (*dto.SettledResults, error)
}

// SettlementHandler exposes stage settlement endpoints.
type SettlementHandler struct {
	service settlementService
}

// NewSettlementHandler constructs the handler.
func NewSettlementHandler(service settlementService) *SettlementHandler {
	return &SettlementHandler{service: service}
}

// Preview godoc
// @Summary Preview stage scores
// @Description Computes final rankings and point allocations without writing anything.
// @Tags Settlement
// @Produce json
// @Param id path string true "Stage ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /stages/{id}/settlement/preview [get]
func (h *SettlementHandler) Preview(c *gin.Context) {
	preview, err := h.service.PreviewScores(c.Request.Context(), claimsFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, preview)
}

// Validate godoc
// @Summary Run pre-settlement checks
// @Tags Settlement
// @Produce json
// @Param id path string true "Stage ID"
// @Success 200 {object} response.Envelope
// @Router /stages/{id}/settlement/validation [get]
func (h *SettlementHandler) Validate(c *gin.Context) {
	report, err := h.service.ValidateStage(c.Request.Context(), claimsFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report)
}

// Settle godoc
// @Summary Settle a stage
// @Description Distributes the stage reward pools. Pass force=true to settle despite failed checks.
// @Tags Settlement
// @Accept json
// @Produce json
// @Param id path string true "Stage ID"
// @Param payload body dto.SettleStageRequest false "Settlement options"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /stages/{id}/settlement [post]
func (h *SettlementHandler) Settle(c *gin.Context) {
	req, ok := bindSettleRequest(c)
	if !ok {
		return
	}
	outcome, err := h.service.SettleStage(c.Request.Context(), claimsFromContext(c), c.Param("id"), req.Force)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, outcome)
}

// Results godoc
// @Summary Get settled results
// @Tags Settlement
// @Produce json
// @Param id path string true "Stage ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /stages/{id}/settlement [get]
func (h *SettlementHandler) Results(c *gin.Context) {
	results, err := h.service.GetSettledResults(c.Request.Context(), claimsFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, results)
}

// bindSettleRequest accepts an empty body as the default options.
func bindSettleRequest(c *gin.Context) (dto.SettleStageRequest, bool) {
	var req dto.SettleStageRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid settlement payload"))
		return req, false
	}
	return req, true
}
