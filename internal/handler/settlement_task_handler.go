package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/scoring-settlement-api/internal/models"
	"github.com/noah-isme/scoring-settlement-api/pkg/response"
)

type settlementTaskService interface {
	EnqueueSettlement(ctx context.Context, actor *models.JWTClaims, stageID string, force bool) (*models.SettlementTask, error)
	GetTask(ctx context.Context, actor *models.JWTClaims, taskID string) (*models.SettlementTask, error)
}

// SettlementTaskHandler exposes asynchronous settlement endpoints.
type SettlementTaskHandler struct {
	service settlementTaskService
}

// NewSettlementTaskHandler constructs the handler.
func NewSettlementTaskHandler(service settlementTaskService) *SettlementTaskHandler {
	return &SettlementTaskHandler{service: service}
}

// Enqueue godoc
// @Summary Queue a stage settlement
// @Tags Settlement
// @Accept json
// @Produce json
// @Param id path string true "Stage ID"
// @Param payload body dto.SettleStageRequest false "Settlement options"
// @Success 202 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /stages/{id}/settlement/tasks [post]
func (h *SettlementTaskHandler) Enqueue(c *gin.Context) {
	req, ok := bindSettleRequest(c)
	if !ok {
		return
	}
	task, err := h.service.EnqueueSettlement(c.Request.Context(), claimsFromContext(c), c.Param("id"), req.Force)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, task)
}

// Status godoc
// @Summary Settlement task status
// @Tags Settlement
// @Produce json
// @Param taskId path string true "Task ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /settlement-tasks/{taskId} [get]
func (h *SettlementTaskHandler) Status(c *gin.Context) {
	task, err := h.service.GetTask(c.Request.Context(), claimsFromContext(c), c.Param("taskId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, task)
}
