package handler

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/rehearsekit/backend/internal/middleware"
	"github.com/rehearsekit/backend/internal/model"
	"github.com/rehearsekit/backend/internal/service"
	ws "github.com/rehearsekit/backend/internal/websocket"
	"github.com/rehearsekit/backend/pkg/response"
)

type JobHandler struct {
	service   *service.JobService
	validator *validator.Validate
	hub       *ws.Hub
	maxUpload int64
}

func NewJobHandler(svc *service.JobService, v *validator.Validate, hub *ws.Hub, maxUploadMB int) *JobHandler {
	return &JobHandler{
		service:   svc,
		validator: v,
		hub:       hub,
		maxUpload: int64(maxUploadMB) * 1024 * 1024,
	}
}

// Create handles POST /api/jobs
func (h *JobHandler) Create(c *fiber.Ctx) error {
	var req model.JobCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	in := service.CreateJobInput{
		ProjectName: req.ProjectName,
		InputURL:    req.InputURL,
		ManualBPM:   req.ManualBPM,
		TrimStart:   req.TrimStart,
		TrimEnd:     req.TrimEnd,
		Owner:       owner(c),
	}
	if req.QualityMode != "" {
		q, err := model.ParseQualityMode(req.QualityMode)
		if err != nil {
			return response.ValidationError(c, err.Error(), nil)
		}
		in.QualityMode = q
	}

	if file, err := c.FormFile("file"); err == nil {
		if file.Size > h.maxUpload {
			return response.ValidationError(c, fmt.Sprintf("File size exceeds %dMB limit", h.maxUpload/1024/1024), map[string]interface{}{
				"maxSize":  h.maxUpload,
				"fileSize": file.Size,
			})
		}
		if !service.AllowedUpload(file.Filename) {
			return response.ValidationError(c, "Invalid file type. Supported: FLAC, MP3, WAV", map[string]interface{}{
				"filename": file.Filename,
			})
		}
		f, err := file.Open()
		if err != nil {
			return response.ServiceError(c, "Failed to open file")
		}
		defer f.Close()
		in.File = f
		in.FileName = file.Filename
	}

	job, err := h.service.Create(c.UserContext(), in)
	if err != nil {
		return serviceError(c, err)
	}
	return response.Accepted(c, job)
}

// List handles GET /api/jobs
func (h *JobHandler) List(c *fiber.Ctx) error {
	result, err := h.service.List(c.UserContext(), middleware.GetOwnerID(c), c.QueryInt("page", 1), c.QueryInt("page_size", 20))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Get handles GET /api/jobs/:id
func (h *JobHandler) Get(c *fiber.Ctx) error {
	id, ok := jobID(c)
	if !ok {
		return response.ValidationError(c, "Invalid job ID", nil)
	}
	job, err := h.service.Get(c.UserContext(), id)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, job)
}

// Cancel handles POST /api/jobs/:id/cancel
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	id, ok := jobID(c)
	if !ok {
		return response.ValidationError(c, "Invalid job ID", nil)
	}
	result, err := h.service.Cancel(c.UserContext(), id)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Delete handles DELETE /api/jobs/:id
func (h *JobHandler) Delete(c *fiber.Ctx) error {
	id, ok := jobID(c)
	if !ok {
		return response.ValidationError(c, "Invalid job ID", nil)
	}
	result, err := h.service.Delete(c.UserContext(), id)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Reprocess handles POST /api/jobs/:id/reprocess
func (h *JobHandler) Reprocess(c *fiber.Ctx) error {
	id, ok := jobID(c)
	if !ok {
		return response.ValidationError(c, "Invalid job ID", nil)
	}
	job, err := h.service.Reprocess(c.UserContext(), id, owner(c))
	if err != nil {
		return serviceError(c, err)
	}
	return response.Accepted(c, job)
}

// Download handles GET /api/jobs/:id/download. It redirects unless the
// caller asks for JSON with ?json=true.
func (h *JobHandler) Download(c *fiber.Ctx) error {
	id, ok := jobID(c)
	if !ok {
		return response.ValidationError(c, "Invalid job ID", nil)
	}
	result, err := h.service.Download(c.UserContext(), id)
	if err != nil {
		return serviceError(c, err)
	}
	if c.QueryBool("json") {
		return response.OK(c, result)
	}
	return c.Redirect(result.URL, fiber.StatusTemporaryRedirect)
}

// Source handles GET /api/jobs/:id/source the same way Download does.
func (h *JobHandler) Source(c *fiber.Ctx) error {
	id, ok := jobID(c)
	if !ok {
		return response.ValidationError(c, "Invalid job ID", nil)
	}
	result, err := h.service.Source(c.UserContext(), id)
	if errors.Is(err, service.ErrSourceMissing) {
		return response.NotFound(c, "Source file not found")
	}
	if err != nil {
		return serviceError(c, err)
	}
	if c.QueryBool("json") {
		return response.OK(c, result)
	}
	return c.Redirect(result.URL, fiber.StatusTemporaryRedirect)
}

// Progress handles GET /ws/jobs/:id. Unknown jobs are refused before the
// upgrade.
func (h *JobHandler) Progress() fiber.Handler {
	upgrade := websocket.New(func(c *websocket.Conn) {
		job, _ := c.Locals("job").(*model.Job)
		h.hub.HandleConnection(c, job)
	})
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		id, ok := jobID(c)
		if !ok {
			return response.ValidationError(c, "Invalid job ID", nil)
		}
		job, err := h.service.Get(c.UserContext(), id)
		if err != nil {
			return serviceError(c, err)
		}
		c.Locals("job", job)
		return upgrade(c)
	}
}

func jobID(c *fiber.Ctx) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Params("id"))
	return id, err == nil
}

func owner(c *fiber.Ctx) *service.Owner {
	id := middleware.GetOwnerID(c)
	if id == nil {
		return nil
	}
	return &service.Owner{ID: *id, Email: middleware.GetUserEmail(c), Name: middleware.GetUserName(c)}
}

func serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, service.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, service.ErrJobTerminal):
		return response.BadRequest(c, response.CodeJobFinished, "Job already finished")
	case errors.Is(err, service.ErrJobActive):
		return response.BadRequest(c, response.CodeJobActive, "Job is still running, cancel it first")
	case errors.Is(err, service.ErrJobNotFinished):
		return response.BadRequest(c, response.CodeJobNotReady, "Job not completed yet")
	case errors.Is(err, service.ErrSourceMissing):
		return response.BadRequest(c, response.CodeSourceMissing, "Source file is no longer available")
	}
	return response.ServiceError(c, err.Error())
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
