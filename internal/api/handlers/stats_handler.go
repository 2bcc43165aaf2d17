package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/geoquery/backend/internal/stats"
	"github.com/geoquery/backend/pkg/logger"
)

// StatsRunner executes zonal statistics jobs. Implemented by the stats
// service.
type StatsRunner interface {
	ZonalSummary(ctx context.Context, req stats.SummaryRequest) (*stats.Response, error)
	PixelCountAbove(ctx context.Context, req stats.PixelCountRequest) (*stats.Response, error)
}

type StatsHandler struct {
	runner StatsRunner
}

func NewStatsHandler(runner StatsRunner) *StatsHandler {
	return &StatsHandler{runner: runner}
}

// HandleSummary runs a zonal summary job. Per-feature failures land inside
// the response; only invalid input is rejected outright.
func (h *StatsHandler) HandleSummary(c *fiber.Ctx) error {
	var req stats.SummaryRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid request body",
		})
	}

	resp, err := h.runner.ZonalSummary(c.Context(), req)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
	return c.JSON(resp)
}

func (h *StatsHandler) HandlePixelCount(c *fiber.Ctx) error {
	var req stats.PixelCountRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid request body",
		})
	}

	resp, err := h.runner.PixelCountAbove(c.Context(), req)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
	return c.JSON(resp)
}
