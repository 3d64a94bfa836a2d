package handler

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"dropgate/internal/domain/entity"
	"dropgate/internal/usecase"
)

type WebhookHandler struct {
	pipeline *usecase.UploadPipeline
	logger   *zap.Logger
}

func NewWebhookHandler(pipeline *usecase.UploadPipeline, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		pipeline: pipeline,
		logger:   logger,
	}
}

type recoveryEvent struct {
	UserID   int64  `json:"user_id"`
	Provider string `json:"provider"`
}

// RecoveryEvent godoc
// @Summary Connection recovery callback
// @Description External signal that a user's connection recovered; retries their stalled uploads
// @Tags webhook
// @Accept json
// @Produce json
// @Success 200 {object} entity.APIResponse
// @Failure 400 {object} entity.APIResponse
// @Failure 500 {object} entity.APIResponse
// @Router /webhook/recovery [post]
func (h *WebhookHandler) RecoveryEvent(c *fiber.Ctx) error {
	ctx := c.UserContext()

	var event recoveryEvent
	if err := c.BodyParser(&event); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(
			entity.NewErrorResponse("BAD_REQUEST", "Invalid payload"),
		)
	}
	if event.UserID == 0 || event.Provider == "" {
		return c.Status(fiber.StatusBadRequest).JSON(
			entity.NewErrorResponse("BAD_REQUEST", "user_id and provider are required"),
		)
	}

	h.logger.Info("Recovery event received",
		zap.Int64("user_id", event.UserID),
		zap.String("provider", event.Provider),
	)

	if err := h.pipeline.DispatchPendingUploadRetries(ctx, event.UserID, event.Provider); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(
			entity.NewErrorResponse("INTERNAL_ERROR", err.Error()),
		)
	}

	return c.JSON(entity.NewSuccessResponse(nil, "Pending uploads dispatched"))
}
