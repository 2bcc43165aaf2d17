package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/geoquery/backend/internal/orchestrator"
	"github.com/geoquery/backend/pkg/logger"
)

// WebSocketHandler answers requests over a socket, streaming pipeline
// progress while the plan runs.
type WebSocketHandler struct {
	asker Asker
}

func NewWebSocketHandler(asker Asker) *WebSocketHandler {
	return &WebSocketHandler{asker: asker}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
			Request   string `json:"request"`
		}

		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}
		if msg.Type != "ask" {
			continue
		}
		if strings.TrimSpace(msg.Request) == "" {
			h.send(c, fiber.Map{"type": "error", "error": "Request is required"})
			continue
		}

		logger.Info("Processing WebSocket request", zap.String("request", msg.Request))
		h.streamAnswer(c, msg.SessionID, msg.Request)
	}
}

// streamAnswer runs one request, relaying every progress event to the
// client before the final result. Events and the answer share the socket
// goroutine, so writes never interleave.
func (h *WebSocketHandler) streamAnswer(c *websocket.Conn, sessionID, request string) {
	progress := &orchestrator.Progress{
		StateChanged: func(state, detail string) {
			h.send(c, fiber.Map{
				"type":   "status",
				"state":  state,
				"detail": detail,
			})
		},
		StepStarted: func(index, total int, step orchestrator.PlanStep) {
			h.send(c, fiber.Map{
				"type":        "step",
				"phase":       "started",
				"index":       index,
				"total":       total,
				"data_source": step.DataSource,
				"request":     step.Request,
			})
		},
		StepFinished: func(index, total int, step orchestrator.PlanStep, reused bool) {
			h.send(c, fiber.Map{
				"type":        "step",
				"phase":       "finished",
				"index":       index,
				"total":       total,
				"data_source": step.DataSource,
				"request":     step.Request,
				"reused":      reused,
			})
		},
	}

	ans, err := h.asker.ProcessRequest(context.Background(), sessionID, request, progress)
	if err != nil {
		h.send(c, fiber.Map{"type": "error", "error": err.Error()})
		return
	}

	payload := AnswerPayload(ans)
	payload["type"] = "result"
	h.send(c, payload)
}

func (h *WebSocketHandler) send(c *websocket.Conn, msg fiber.Map) {
	if err := c.WriteJSON(msg); err != nil {
		logger.Warn("Failed to write WebSocket message", zap.Error(err))
	}
}
