package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/funnelsmith/api/internal/queue"
	"github.com/funnelsmith/api/pkg/response"
)

// formatValidationErrors formats validator errors for response
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

// queueError maps queue errors onto the response envelope
func queueError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, queue.ErrUnknownQueue):
		return response.NotFound(c, err.Error())
	case errors.Is(err, queue.ErrUnsupportedState):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, queue.ErrJobNotRemovable):
		return response.Conflict(c, "Job already claimed or finished")
	case errors.Is(err, queue.ErrStoreUnavailable):
		return response.Unavailable(c, "Queue store unavailable")
	}
	return response.ServiceError(c, err.Error())
}
