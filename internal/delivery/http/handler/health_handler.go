package handler

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"dropgate/internal/domain/entity"
	"dropgate/internal/usecase"
)

type HealthHandler struct {
	connections *usecase.ConnectionService
	logger      *zap.Logger
}

func NewHealthHandler(connections *usecase.ConnectionService, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		connections: connections,
		logger:      logger,
	}
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// Health godoc
// @Summary Health check
// @Description Check if the service is healthy
// @Tags health
// @Accept json
// @Produce json
// @Success 200 {object} entity.APIResponse
// @Router /health [get]
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(entity.NewSuccessResponse(HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   "1.0.0",
	}, "Service is healthy"))
}

// ConnectionStatus godoc
// @Summary Cloud connection health
// @Description Consolidated health status of the user's cloud storage connection
// @Tags health
// @Accept json
// @Produce json
// @Param user_id path int true "User ID"
// @Success 200 {object} entity.APIResponse
// @Failure 400 {object} entity.APIResponse
// @Failure 500 {object} entity.APIResponse
// @Router /api/v1/connections/{user_id}/health [get]
func (h *HealthHandler) ConnectionStatus(c *fiber.Ctx) error {
	ctx := c.UserContext()

	userID, err := strconv.ParseInt(c.Params("user_id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(
			entity.NewErrorResponse("BAD_REQUEST", "Invalid user id"),
		)
	}

	status, err := h.connections.Status(ctx, userID)
	if err != nil {
		h.logger.Error("Failed to validate connection health",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(
			entity.NewErrorResponse("INTERNAL_ERROR", err.Error()),
		)
	}

	return c.JSON(entity.NewSuccessResponse(status, "Connection status"))
}
