package handlers

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/rag-explorer/backend/internal/storage/models"
	"github.com/rag-explorer/backend/pkg/logger"
)

// WebSocketHandler runs a chat session per connection. The history lives
// with the connection and is dropped when it closes.
type WebSocketHandler struct {
	explorer Explorer
}

func NewWebSocketHandler(explorer Explorer) *WebSocketHandler {
	return &WebSocketHandler{
		explorer: explorer,
	}
}

type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// wsConn is the part of *websocket.Conn the session uses.
type wsConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	h.serve(c)
}

// serve reads on its own goroutine so a client that goes away cancels the
// turn in flight.
func (h *WebSocketHandler) serve(c wsConn) {
	logger.Info("WebSocket connection established")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	var history []models.Message
	for msg := range readMessages(ctx, c, cancel) {
		switch msg.Type {
		case "reset":
			history = nil
			h.send(c, "reset", "")
		case "chat":
			updated, err := h.streamReply(ctx, c, history, msg.Content)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("Failed to stream reply", zap.Error(err))
				h.sendError(c, "Failed to answer message")
				continue
			}
			history = updated
		}
	}
}

// readMessages cancels ctx and closes the channel when a read fails.
func readMessages(ctx context.Context, c wsConn, cancel context.CancelFunc) <-chan wsMessage {
	messages := make(chan wsMessage)
	go func() {
		defer close(messages)
		defer cancel()
		for {
			var msg wsMessage
			if err := c.ReadJSON(&msg); err != nil {
				logger.Debug("WebSocket read ended", zap.Error(err))
				return
			}
			select {
			case messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return messages
}

func (h *WebSocketHandler) streamReply(ctx context.Context, c wsConn, history []models.Message, message string) ([]models.Message, error) {
	h.send(c, "status", "Thinking...")

	resp, err := h.explorer.Chat(ctx, history, message)
	if err != nil {
		return nil, err
	}

	words := splitIntoWords(resp.Reply)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 && word != "\n" {
			chunk += " "
		}
		if err := h.send(c, "chunk", chunk); err != nil {
			return nil, err
		}
	}

	err = c.WriteJSON(map[string]any{
		"type":          "complete",
		"context_count": resp.ContextCount,
		"history_len":   len(resp.UpdatedHistory),
	})
	return resp.UpdatedHistory, err
}

func (h *WebSocketHandler) send(c wsConn, msgType, content string) error {
	return c.WriteJSON(map[string]any{
		"type":    msgType,
		"content": content,
	})
}

func (h *WebSocketHandler) sendError(c wsConn, errorMsg string) {
	c.WriteJSON(map[string]any{
		"type":  "error",
		"error": errorMsg,
	})
}

func splitIntoWords(text string) []string {
	words := []string{}
	currentWord := ""

	for _, char := range text {
		if char == ' ' || char == '\n' {
			if currentWord != "" {
				words = append(words, currentWord)
				currentWord = ""
			}
			if char == '\n' {
				words = append(words, "\n")
			}
		} else {
			currentWord += string(char)
		}
	}

	if currentWord != "" {
		words = append(words, currentWord)
	}

	return words
}
