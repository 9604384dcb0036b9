package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/rag-explorer/backend/pkg/logger"
)

type RetrievalHandler struct {
	explorer     Explorer
	defaultLimit int
}

func NewRetrievalHandler(explorer Explorer, defaultLimit int) *RetrievalHandler {
	return &RetrievalHandler{
		explorer:     explorer,
		defaultLimit: defaultLimit,
	}
}

type retrieveRequest struct {
	Query string `json:"query" validate:"required"`
	Limit int    `json:"limit" validate:"gte=0,lte=100"`
}

func (h *RetrievalHandler) Retrieve(c *fiber.Ctx) error {
	var req retrieveRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err, "")
	}
	if req.Limit == 0 {
		req.Limit = h.defaultLimit
	}

	results, err := h.explorer.Retrieve(c.UserContext(), req.Query, req.Limit)
	if err != nil {
		logger.Error("Failed to retrieve", zap.Error(err))
		return respondError(c, err, "Retrieval failed")
	}

	return c.JSON(fiber.Map{
		"query":   req.Query,
		"results": results,
	})
}
