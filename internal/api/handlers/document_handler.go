package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/rag-explorer/backend/pkg/logger"
)

type DocumentHandler struct {
	explorer Explorer
}

func NewDocumentHandler(explorer Explorer) *DocumentHandler {
	return &DocumentHandler{
		explorer: explorer,
	}
}

type uploadRequest struct {
	SourceName string `json:"source_name" validate:"required,max=512"`
	Content    string `json:"content" validate:"required"`
}

func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var req uploadRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err, "")
	}

	record, err := h.explorer.Ingest(c.UserContext(), req.Content, req.SourceName)
	if err != nil {
		logger.Error("Failed to process document", zap.String("source", req.SourceName), zap.Error(err))
		body := fiber.Map{"error": "Failed to process document"}
		if record != nil {
			// Some stores may hold the document; say which.
			body["document_id"] = record.DocumentID
			body["outcomes"] = record.Outcomes
		}
		return c.Status(statusFor(err)).JSON(body)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"document_id": record.DocumentID,
		"title":       record.Title,
		"chunk_count": record.ChunkCount,
		"outcomes":    record.Outcomes,
	})
}

func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.explorer.DeleteDocument(c.UserContext(), id); err != nil {
		logger.Error("Failed to delete document", zap.String("document_id", id), zap.Error(err))
		return respondError(c, err, "Failed to delete document")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *DocumentHandler) GetIngestion(c *fiber.Ctx) error {
	id := c.Params("id")
	record, err := h.explorer.Ingestion(c.UserContext(), id)
	if err != nil {
		return respondError(c, err, "Failed to load ingestion")
	}
	return c.JSON(record)
}

func (h *DocumentHandler) ListInconsistent(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must be between 1 and 500",
		})
	}

	records, err := h.explorer.InconsistentIngestions(c.UserContext(), limit)
	if err != nil {
		logger.Error("Failed to list ingestions", zap.Error(err))
		return respondError(c, err, "Failed to list ingestions")
	}
	return c.JSON(fiber.Map{
		"ingestions": records,
	})
}
