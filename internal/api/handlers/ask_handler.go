package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/geoquery/backend/internal/orchestrator"
	"github.com/geoquery/backend/internal/storage/models"
	"github.com/geoquery/backend/pkg/logger"
)

// Asker runs one request through the pipeline. Implemented by the
// orchestrator.
type Asker interface {
	ProcessRequest(ctx context.Context, sessionID, request string, progress *orchestrator.Progress) (*orchestrator.Answer, error)
}

// RequestLog reads and annotates request history. Implemented by the sqlite
// client.
type RequestLog interface {
	GetHistory(sessionID string, limit int) ([]models.RequestRecord, error)
	StoreFeedback(feedback *models.Feedback) error
}

type AskHandler struct {
	asker Asker
	log   RequestLog
}

func NewAskHandler(asker Asker, log RequestLog) *AskHandler {
	return &AskHandler{
		asker: asker,
		log:   log,
	}
}

// HandleAsk answers one natural-language request. Processing failures come
// back as a success=false payload, not as an HTTP error: a request the
// sources cannot answer is a normal outcome.
func (h *AskHandler) HandleAsk(c *fiber.Ctx) error {
	var req struct {
		SessionID string `json:"session_id"`
		Request   string `json:"request"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid request body",
		})
	}
	if strings.TrimSpace(req.Request) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Request is required",
		})
	}

	ans, err := h.asker.ProcessRequest(c.Context(), req.SessionID, req.Request, nil)
	if err != nil {
		logger.Error("Failed to process request", zap.Error(err))
		return c.JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.JSON(AnswerPayload(ans))
}

// AnswerPayload renders an answer for the wire.
func AnswerPayload(ans *orchestrator.Answer) fiber.Map {
	payload := fiber.Map{
		"success":    true,
		"request_id": ans.RequestID,
		"kind":       ans.Kind,
		"steps":      ans.Steps,
		"cached":     ans.Cached,
		"latency_ms": ans.Elapsed.Milliseconds(),
	}

	switch ans.Kind {
	case orchestrator.AnswerTable:
		rows := make([][]string, 0, ans.Result.Table.NumRows())
		for i := 0; i < ans.Result.Table.NumRows(); i++ {
			rows = append(rows, ans.Result.Table.Row(i))
		}
		payload["title"] = ans.Result.Request
		payload["columns"] = ans.Result.Table.ColumnNames()
		payload["rows"] = rows
	default:
		payload["text"] = ans.Text
	}
	return payload
}

func (h *AskHandler) HandleHistory(c *fiber.Ctx) error {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "session_id is required",
		})
	}

	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	records, err := h.log.GetHistory(sessionID, limit)
	if err != nil {
		logger.Error("Failed to load history", zap.Error(err))
		return c.JSON(fiber.Map{
			"success": false,
			"error":   "Failed to load history",
		})
	}

	history := make([]fiber.Map, 0, len(records))
	for _, r := range records {
		history = append(history, fiber.Map{
			"request_id":   r.ID,
			"request":      r.RequestText,
			"kind":         r.Kind,
			"status":       r.Status,
			"error":        r.Error,
			"result_title": r.ResultTitle,
			"row_count":    r.RowCount,
			"latency_ms":   r.LatencyMS,
			"created_at":   r.CreatedAt.Unix(),
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"history": history,
	})
}

func (h *AskHandler) HandleFeedback(c *fiber.Ctx) error {
	var req struct {
		RequestID     string `json:"request_id"`
		Helpful       bool   `json:"helpful"`
		IssueCategory string `json:"issue_category"`
		Comment       string `json:"comment"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid request body",
		})
	}
	if req.RequestID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "request_id is required",
		})
	}

	err := h.log.StoreFeedback(&models.Feedback{
		RequestID:     req.RequestID,
		Helpful:       req.Helpful,
		IssueCategory: req.IssueCategory,
		Comment:       req.Comment,
	})
	if err != nil {
		logger.Error("Failed to store feedback", zap.Error(err))
		return c.JSON(fiber.Map{
			"success": false,
			"error":   "Failed to store feedback",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
	})
}
