package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/rag-explorer/backend/internal/storage/models"
	"github.com/rag-explorer/backend/pkg/logger"
)

type GraphHandler struct {
	explorer     Explorer
	defaultLimit int
}

func NewGraphHandler(explorer Explorer, defaultLimit int) *GraphHandler {
	return &GraphHandler{
		explorer:     explorer,
		defaultLimit: defaultLimit,
	}
}

type extractRequest struct {
	Query string `json:"query" validate:"required"`
	Limit int    `json:"limit" validate:"gte=0,lte=50"`
}

type applyRequest struct {
	ExtractionID  string                `json:"extraction_id" validate:"required"`
	Entities      []models.Entity       `json:"entities" validate:"dive"`
	Relationships []models.Relationship `json:"relationships" validate:"dive"`
}

func (h *GraphHandler) Extract(c *fiber.Ctx) error {
	var req extractRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err, "")
	}
	if req.Limit == 0 {
		req.Limit = h.defaultLimit
	}

	result, err := h.explorer.ExtractGraph(c.UserContext(), req.Query, req.Limit)
	if err != nil {
		return respondError(c, err, "Extraction failed")
	}
	return c.JSON(result)
}

func (h *GraphHandler) GetPending(c *fiber.Ctx) error {
	result, ok := h.explorer.PendingExtraction(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Extraction not found or expired",
		})
	}
	return c.JSON(result)
}

// Apply answers 200 when everything was written and 207 when some
// relationships were skipped as dangling or failed to write.
func (h *GraphHandler) Apply(c *fiber.Ctx) error {
	var req applyRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err, "")
	}

	report, err := h.explorer.ApplyGraphDelta(c.UserContext(), req.ExtractionID, req.Entities, req.Relationships)
	if err != nil && !report.Partial(err) {
		logger.Error("Failed to apply graph delta", zap.String("extraction_id", req.ExtractionID), zap.Error(err))
		body := fiber.Map{"error": "Failed to apply graph delta"}
		if report != nil {
			body["created_entities"] = report.CreatedEntities
		}
		if statusFor(err) == fiber.StatusBadRequest {
			body["error"] = err.Error()
		}
		return c.Status(statusFor(err)).JSON(body)
	}

	dangling := make([]string, len(report.Dangling))
	for i, d := range report.Dangling {
		dangling[i] = d.Error()
	}

	failed := make([]string, len(report.Failed))
	for i, f := range report.Failed {
		failed[i] = f.Error()
	}

	status := fiber.StatusOK
	if len(dangling)+len(failed) > 0 {
		status = fiber.StatusMultiStatus
	}
	return c.Status(status).JSON(fiber.Map{
		"extraction_id":         report.ExtractionID,
		"created_entities":      report.CreatedEntities,
		"created_relationships": report.CreatedRelationships,
		"dangling":              dangling,
		"failed":                failed,
	})
}
