package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/geoquery/backend/pkg/logger"
)

// PageIngestor chunks and indexes one documentation page into the concept
// index. Implemented by the concepts ingestor.
type PageIngestor interface {
	IngestPage(ctx context.Context, source, url, html string) (int, error)
}

type ConceptsHandler struct {
	ingestor PageIngestor
}

func NewConceptsHandler(ingestor PageIngestor) *ConceptsHandler {
	return &ConceptsHandler{ingestor: ingestor}
}

// HandleIngest indexes a documentation page so later concept groundings can
// match against it.
func (h *ConceptsHandler) HandleIngest(c *fiber.Ctx) error {
	var req struct {
		Source      string `json:"source"`
		URL         string `json:"url"`
		HTMLContent string `json:"html_content"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid request body",
		})
	}
	if req.URL == "" || req.HTMLContent == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "url and html_content are required",
		})
	}
	if req.Source == "" {
		req.Source = "manual"
	}

	count, err := h.ingestor.IngestPage(c.Context(), req.Source, req.URL, req.HTMLContent)
	if err != nil {
		logger.Error("Failed to ingest page", zap.Error(err))
		return c.JSON(fiber.Map{
			"success": false,
			"error":   "Failed to ingest page",
		})
	}

	return c.JSON(fiber.Map{
		"success":        true,
		"url":            req.URL,
		"chunks_indexed": count,
	})
}
