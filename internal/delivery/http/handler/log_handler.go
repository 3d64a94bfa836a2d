package handler

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"dropgate/internal/domain/entity"
	"dropgate/internal/infrastructure/repository"
)

type LogHandler struct {
	apiLogs repository.APILogRepository
	logger  *zap.Logger
}

func NewLogHandler(apiLogs repository.APILogRepository, logger *zap.Logger) *LogHandler {
	return &LogHandler{
		apiLogs: apiLogs,
		logger:  logger,
	}
}

// GetLogs godoc
// @Summary Recent vendor API calls
// @Description Most recent vendor API request/response logs
// @Tags logs
// @Accept json
// @Produce json
// @Param limit query int false "Maximum rows to return" default(100)
// @Success 200 {object} entity.APIResponse
// @Failure 500 {object} entity.APIResponse
// @Router /api/v1/logs [get]
func (h *LogHandler) GetLogs(c *fiber.Ctx) error {
	ctx := c.UserContext()

	limit, _ := strconv.Atoi(c.Query("limit", "100"))

	logs, err := h.apiLogs.Recent(ctx, limit)
	if err != nil {
		h.logger.Error("Failed to load API logs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(
			entity.NewErrorResponse("INTERNAL_ERROR", err.Error()),
		)
	}

	return c.JSON(entity.NewSuccessResponse(logs, "Recent API logs"))
}
