// Package validation rejects malformed requests before they reach a handler.
package validation

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type Config struct {
	MaxQueryLength      int
	AllowedContentTypes []string
	// QueryFields are the JSON body fields bounded by MaxQueryLength.
	QueryFields []string
	Logger      *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 5000
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if len(cfg.QueryFields) == 0 {
		cfg.QueryFields = []string{"query", "message"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if !allowed(contentType, cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		body := c.Body()
		if len(body) == 0 {
			return c.Next()
		}
		if !json.Valid(body) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			// Arrays and scalars are left to the handler to reject.
			return c.Next()
		}

		for _, name := range cfg.QueryFields {
			raw, ok := fields[name]
			if !ok {
				continue
			}
			var value string
			if err := json.Unmarshal(raw, &value); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": name + " must be a string",
				})
			}
			if utf8.RuneCountInString(value) > cfg.MaxQueryLength {
				cfg.Logger.Warn("Oversized query rejected",
					zap.String("ip", c.IP()),
					zap.String("field", name),
					zap.Int("length", utf8.RuneCountInString(value)),
				)
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": name + " exceeds maximum length",
				})
			}
			if strings.ContainsRune(value, 0) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": name + " contains invalid characters",
				})
			}
		}

		return c.Next()
	}
}

func allowed(contentType string, types []string) bool {
	for _, t := range types {
		if strings.HasPrefix(strings.ToLower(contentType), t) {
			return true
		}
	}
	return false
}
