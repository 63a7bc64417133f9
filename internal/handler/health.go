package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/funnelsmith/api/internal/health"
	"github.com/funnelsmith/api/internal/metrics"
)

type HealthHandler struct {
	reporter  *health.Reporter
	collector *metrics.Collector
}

func NewHealthHandler(reporter *health.Reporter, collector *metrics.Collector) *HealthHandler {
	return &HealthHandler{
		reporter:  reporter,
		collector: collector,
	}
}

// Health handles GET /health. An unhealthy report is served with 503.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	report := h.reporter.Report(c.Context())
	status := fiber.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(report)
}

// Metrics handles GET /metrics
func (h *HealthHandler) Metrics(c *fiber.Ctx) error {
	return c.JSON(h.collector.Snapshot())
}

// Prometheus returns the handler for GET /metrics/prometheus
func (h *HealthHandler) Prometheus() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(h.collector.Registry(), promhttp.HandlerOpts{}))
}
