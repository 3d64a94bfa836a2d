package handler

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"dropgate/internal/domain/entity"
	"dropgate/internal/usecase"
)

type UploadHandler struct {
	pipeline *usecase.UploadPipeline
	logger   *zap.Logger
}

func NewUploadHandler(pipeline *usecase.UploadPipeline, logger *zap.Logger) *UploadHandler {
	return &UploadHandler{
		pipeline: pipeline,
		logger:   logger,
	}
}

// Receive godoc
// @Summary Receive a file
// @Description Accept a multipart file, spool it locally and schedule the cloud forward
// @Tags uploads
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "File to upload"
// @Param company_user_id formData int false "Company account that receives the file"
// @Param uploader_user_id formData int false "Uploading user"
// @Param description formData string false "Description"
// @Success 201 {object} entity.APIResponse
// @Failure 400 {object} entity.APIResponse
// @Failure 500 {object} entity.APIResponse
// @Router /api/v1/uploads [post]
func (h *UploadHandler) Receive(c *fiber.Ctx) error {
	ctx := c.UserContext()

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(
			entity.NewErrorResponse("BAD_REQUEST", "file is required"),
		)
	}

	f, err := fileHeader.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(
			entity.NewErrorResponse("BAD_REQUEST", "failed to read uploaded file"),
		)
	}
	defer f.Close()

	in := &usecase.ReceiveInput{
		Filename:    fileHeader.Filename,
		MimeType:    fileHeader.Header.Get("Content-Type"),
		Description: c.FormValue("description"),
		Body:        f,
	}
	if id, ok := formInt64(c, "company_user_id"); ok {
		in.CompanyUserID = &id
	}
	if id, ok := formInt64(c, "uploader_user_id"); ok {
		in.UploaderUserID = &id
	}

	rec, err := h.pipeline.Receive(ctx, in)
	if err != nil {
		h.logger.Error("Failed to receive upload",
			zap.String("filename", fileHeader.Filename),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(
			entity.NewErrorResponse("INTERNAL_ERROR", err.Error()),
		)
	}

	return c.Status(fiber.StatusCreated).JSON(
		entity.NewSuccessResponse(rec, "File received"),
	)
}

// Status godoc
// @Summary Upload status
// @Description Current forwarding state of one received file
// @Tags uploads
// @Accept json
// @Produce json
// @Param id path int true "Upload ID"
// @Success 200 {object} entity.APIResponse
// @Failure 400 {object} entity.APIResponse
// @Failure 404 {object} entity.APIResponse
// @Router /api/v1/uploads/{id} [get]
func (h *UploadHandler) Status(c *fiber.Ctx) error {
	ctx := c.UserContext()

	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(
			entity.NewErrorResponse("BAD_REQUEST", "Invalid upload id"),
		)
	}

	rec, err := h.pipeline.Lookup(ctx, id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(
			entity.NewErrorResponse("INTERNAL_ERROR", err.Error()),
		)
	}
	if rec == nil {
		return c.Status(fiber.StatusNotFound).JSON(
			entity.NewErrorResponse("NOT_FOUND", "Upload not found"),
		)
	}

	return c.JSON(entity.NewSuccessResponse(rec, "Upload status"))
}

func formInt64(c *fiber.Ctx, key string) (int64, bool) {
	v := c.FormValue(key)
	if v == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
