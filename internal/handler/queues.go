package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/funnelsmith/api/internal/model"
	"github.com/funnelsmith/api/internal/service"
	"github.com/funnelsmith/api/pkg/response"
)

type QueueHandler struct {
	service *service.PipelineService
}

func NewQueueHandler(svc *service.PipelineService) *QueueHandler {
	return &QueueHandler{service: svc}
}

// GetJob handles GET /api/queues/:queue/jobs/:jobId
func (h *QueueHandler) GetJob(c *fiber.Ctx) error {
	job, err := h.service.GetJob(c.Context(), c.Params("queue"), c.Params("jobId"))
	if err != nil {
		return queueError(c, err)
	}
	return response.OK(c, job)
}

// ListJobs handles GET /api/queues/:queue/jobs?state=
func (h *QueueHandler) ListJobs(c *fiber.Ctx) error {
	state := model.JobState(c.Query("state", string(model.JobStateWaiting)))
	if !state.Valid() {
		return response.ValidationError(c, "Unknown job state", fiber.Map{"state": string(state)})
	}

	jobs, err := h.service.ListJobs(c.Context(), c.Params("queue"), state)
	if err != nil {
		return queueError(c, err)
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	return response.OK(c, fiber.Map{
		"queue": c.Params("queue"),
		"state": state,
		"jobs":  jobs,
	})
}

// RemoveJob handles DELETE /api/queues/:queue/jobs/:jobId
func (h *QueueHandler) RemoveJob(c *fiber.Ctx) error {
	if err := h.service.RemoveJob(c.Context(), c.Params("queue"), c.Params("jobId")); err != nil {
		return queueError(c, err)
	}
	return response.NoContent(c)
}
