package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/funnelsmith/api/internal/model"
	"github.com/funnelsmith/api/internal/service"
	"github.com/funnelsmith/api/pkg/response"
)

type PipelineHandler struct {
	service   *service.PipelineService
	validator *validator.Validate
}

func NewPipelineHandler(svc *service.PipelineService, v *validator.Validate) *PipelineHandler {
	return &PipelineHandler{
		service:   svc,
		validator: v,
	}
}

// Submit handles POST /api/pipeline
func (h *PipelineHandler) Submit(c *fiber.Ctx) error {
	var req model.ContentRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Submit(c.Context(), &req)
	if err != nil {
		return queueError(c, err)
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/pipeline/:jobId
func (h *PipelineHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.Status(c.Context(), jobID)
	if err != nil {
		return queueError(c, err)
	}

	return response.OK(c, result)
}
