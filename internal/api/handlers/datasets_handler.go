package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/geoquery/backend/internal/datasets"
	"github.com/geoquery/backend/pkg/logger"
)

// DatasetSearcher finds raster datasets by description. Implemented by the
// datasets service.
type DatasetSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]datasets.DatasetRecord, error)
}

type DatasetsHandler struct {
	searcher DatasetSearcher
}

func NewDatasetsHandler(searcher DatasetSearcher) *DatasetsHandler {
	return &DatasetsHandler{searcher: searcher}
}

func (h *DatasetsHandler) HandleSearch(c *fiber.Ctx) error {
	query := c.Query("q")
	if query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "q is required",
		})
	}
	limit := c.QueryInt("limit", 0)

	records, err := h.searcher.Search(c.Context(), query, limit)
	if err != nil {
		logger.Error("Dataset search failed", zap.Error(err))
		return c.JSON(fiber.Map{
			"success": false,
			"error":   "Dataset search failed",
		})
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"datasets": records,
	})
}
