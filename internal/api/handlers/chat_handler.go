package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/rag-explorer/backend/internal/storage/models"
	"github.com/rag-explorer/backend/pkg/logger"
)

type ChatHandler struct {
	explorer Explorer
}

func NewChatHandler(explorer Explorer) *ChatHandler {
	return &ChatHandler{
		explorer: explorer,
	}
}

type chatRequest struct {
	History []models.Message `json:"history" validate:"dive"`
	Message string           `json:"message" validate:"required"`
}

func (h *ChatHandler) Chat(c *fiber.Ctx) error {
	var req chatRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err, "")
	}

	resp, err := h.explorer.Chat(c.UserContext(), req.History, req.Message)
	if err != nil {
		logger.Error("Failed to answer chat message", zap.Error(err))
		return respondError(c, err, "Failed to answer message")
	}

	return c.JSON(resp)
}

func (h *ChatHandler) History(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must be between 1 and 500",
		})
	}

	records, err := h.explorer.ChatHistory(c.UserContext(), limit)
	if err != nil {
		logger.Error("Failed to list chat history", zap.Error(err))
		return respondError(c, err, "Failed to list chat history")
	}
	return c.JSON(fiber.Map{
		"history": records,
		"count":   len(records),
	})
}
