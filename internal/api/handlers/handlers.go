// Package handlers exposes the explorer over HTTP and websocket.
package handlers

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/rag-explorer/backend/internal/storage/models"
)

// Explorer is the core surface the handlers call; *explorer.Explorer
// implements it.
type Explorer interface {
	Ingest(ctx context.Context, rawText, sourceName string) (*models.IngestionRecord, error)
	DeleteDocument(ctx context.Context, documentID string) error
	Ingestion(ctx context.Context, documentID string) (*models.IngestionRecord, error)
	InconsistentIngestions(ctx context.Context, limit int) ([]models.IngestionRecord, error)
	Retrieve(ctx context.Context, query string, limit int) ([]models.SearchResult, error)
	ExtractGraph(ctx context.Context, query string, limit int) (models.ExtractionResult, error)
	PendingExtraction(extractionID string) (models.ExtractionResult, bool)
	ApplyGraphDelta(ctx context.Context, extractionID string, entities []models.Entity, relationships []models.Relationship) (*models.ApplyReport, error)
	Chat(ctx context.Context, history []models.Message, message string) (*models.ChatResponse, error)
	ChatHistory(ctx context.Context, limit int) ([]models.ChatRecord, error)
}

var validate = validator.New()

// bind parses and validates a JSON body into req.
func bind(c *fiber.Ctx, req any) error {
	if err := c.BodyParser(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, models.ErrInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, models.ErrTimeout):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, models.ErrRetrievalFailure), errors.Is(err, models.ErrStoreUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, models.ErrEmbeddingFailure), errors.Is(err, models.ErrCompletionFailure):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func respondError(c *fiber.Ctx, err error, message string) error {
	status := statusFor(err)
	if status == fiber.StatusBadRequest || status == fiber.StatusNotFound {
		message = err.Error()
	}
	return c.Status(status).JSON(fiber.Map{
		"error": message,
	})
}
