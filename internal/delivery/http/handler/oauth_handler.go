package handler

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"dropgate/internal/domain/entity"
	"dropgate/internal/domain/storage"
	"dropgate/internal/usecase"
)

type OAuthHandler struct {
	connections *usecase.ConnectionService
	logger      *zap.Logger
}

func NewOAuthHandler(connections *usecase.ConnectionService, logger *zap.Logger) *OAuthHandler {
	return &OAuthHandler{
		connections: connections,
		logger:      logger,
	}
}

// Authorize godoc
// @Summary Start the cloud storage connection flow
// @Description Redirect the browser to the provider's consent page
// @Tags oauth
// @Param user_id query int true "User ID"
// @Success 302 "Redirect to provider consent page"
// @Failure 400 {object} entity.APIResponse
// @Router /api/v1/oauth/authorize [get]
func (h *OAuthHandler) Authorize(c *fiber.Ctx) error {
	userID := c.Query("user_id")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(
			entity.NewErrorResponse("BAD_REQUEST", "user_id is required"),
		)
	}

	url, err := h.connections.AuthURL(userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotSupported) {
			return c.Status(fiber.StatusBadRequest).JSON(
				entity.NewErrorResponse("NOT_SUPPORTED", "Active provider does not use OAuth"),
			)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(
			entity.NewErrorResponse("INTERNAL_ERROR", err.Error()),
		)
	}

	return c.Redirect(url, fiber.StatusFound)
}

// OAuthCallback godoc
// @Summary OAuth callback
// @Description Complete the provider handshake and store the credentials
// @Tags oauth
// @Accept json
// @Produce json
// @Param code query string true "Authorization code"
// @Param state query string true "User ID carried through the handshake"
// @Success 200 {object} entity.APIResponse
// @Failure 400 {object} entity.APIResponse
// @Failure 500 {object} entity.APIResponse
// @Router /redirect/oauth [get]
func (h *OAuthHandler) OAuthCallback(c *fiber.Ctx) error {
	ctx := c.UserContext()

	code := c.Query("code")
	if code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(
			entity.NewErrorResponse("BAD_REQUEST", "Authorization code is required"),
		)
	}

	userID, err := strconv.ParseInt(c.Query("state"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(
			entity.NewErrorResponse("BAD_REQUEST", "Invalid state"),
		)
	}

	if err := h.connections.Connect(ctx, userID, code); err != nil {
		h.logger.Error("Failed to complete OAuth handshake",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(
			entity.NewErrorResponse("INTERNAL_ERROR", err.Error()),
		)
	}

	return c.JSON(entity.NewSuccessResponse(nil, "Cloud storage connected"))
}

// Disconnect godoc
// @Summary Disconnect cloud storage
// @Description Remove the stored credentials and health state for the user
// @Tags oauth
// @Accept json
// @Produce json
// @Param user_id path int true "User ID"
// @Success 200 {object} entity.APIResponse
// @Failure 400 {object} entity.APIResponse
// @Failure 500 {object} entity.APIResponse
// @Router /api/v1/connections/{user_id} [delete]
func (h *OAuthHandler) Disconnect(c *fiber.Ctx) error {
	ctx := c.UserContext()

	userID, err := strconv.ParseInt(c.Params("user_id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(
			entity.NewErrorResponse("BAD_REQUEST", "Invalid user id"),
		)
	}

	if err := h.connections.Disconnect(ctx, userID); err != nil {
		h.logger.Error("Failed to disconnect cloud storage",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(
			entity.NewErrorResponse("INTERNAL_ERROR", err.Error()),
		)
	}

	return c.JSON(entity.NewSuccessResponse(nil, "Cloud storage disconnected"))
}
