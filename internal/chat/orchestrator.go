// Package chat answers a conversation turn grounded in retrieved chunks.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rag-explorer/backend/internal/llm"
	"github.com/rag-explorer/backend/internal/metrics"
	"github.com/rag-explorer/backend/internal/storage/models"
	"github.com/rag-explorer/backend/pkg/logger"
)

const defaultTopK = 3

const groundingPrompt = `Answer the user's question using only the context below.
Do not mention the context, documents or sources you were given.
If the context does not contain the answer, say that you don't know.

Context:
%s`

type Retriever interface {
	Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error)
}

// Ledger records chat turns. It is optional.
type Ledger interface {
	InsertChatRecord(ctx context.Context, record *models.ChatRecord) error
}

type Orchestrator struct {
	retriever Retriever
	completer llm.Completer
	ledger    Ledger
	topK      int
}

func NewOrchestrator(retriever Retriever, completer llm.Completer, ledger Ledger, topK int) *Orchestrator {
	if topK <= 0 {
		topK = defaultTopK
	}
	return &Orchestrator{
		retriever: retriever,
		completer: completer,
		ledger:    ledger,
		topK:      topK,
	}
}

// Respond appends userMessage to history, grounds the turn in retrieved
// context and returns the reply with the history extended by both turns. The
// grounding system message is sent to the model but not kept in the history.
// Completion failures are returned as is; retrying is up to the caller.
func (o *Orchestrator) Respond(ctx context.Context, history []models.Message, userMessage string) (*models.ChatResponse, error) {
	startTime := time.Now()

	if strings.TrimSpace(userMessage) == "" {
		return nil, fmt.Errorf("%w: empty message", models.ErrInvalidInput)
	}

	updated := make([]models.Message, 0, len(history)+2)
	updated = append(updated, history...)
	updated = append(updated, models.Message{Role: models.RoleUser, Content: userMessage})

	query := lastUserMessage(updated)
	contextChunks, err := o.retriever.Search(ctx, query, o.topK)
	if err != nil {
		metrics.ChatTurns.WithLabelValues("retrieval_failed").Inc()
		return nil, fmt.Errorf("failed to retrieve context: %w", err)
	}

	prompt := updated
	if len(contextChunks) > 0 {
		prompt = make([]models.Message, 0, len(updated)+1)
		prompt = append(prompt, models.Message{Role: models.RoleSystem, Content: formatContext(contextChunks)})
		prompt = append(prompt, updated...)
	}

	reply, err := o.completer.Complete(ctx, prompt)
	if err != nil {
		metrics.ChatTurns.WithLabelValues("completion_failed").Inc()
		return nil, fmt.Errorf("failed to generate reply: %w", err)
	}

	updated = append(updated, models.Message{Role: models.RoleAssistant, Content: reply})
	metrics.ChatTurns.WithLabelValues("ok").Inc()

	latency := int(time.Since(startTime).Milliseconds())
	o.record(ctx, query, reply, len(contextChunks), latency)

	logger.Info("Chat turn answered",
		zap.Int("context_chunks", len(contextChunks)),
		zap.Int("history_len", len(updated)),
		zap.Int("latency_ms", latency),
	)

	return &models.ChatResponse{
		Reply:          reply,
		UpdatedHistory: updated,
		ContextCount:   len(contextChunks),
	}, nil
}

func (o *Orchestrator) record(ctx context.Context, query, reply string, contextCount, latency int) {
	if o.ledger == nil {
		return
	}
	err := o.ledger.InsertChatRecord(ctx, &models.ChatRecord{
		ID:           uuid.NewString(),
		Query:        query,
		ReplyChars:   len([]rune(reply)),
		ContextCount: contextCount,
		LatencyMS:    latency,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		logger.Warn("Failed to record chat turn", zap.Error(err))
	}
}

func lastUserMessage(messages []models.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func formatContext(chunks []models.SearchResult) string {
	var builder strings.Builder
	for i, c := range chunks {
		if i > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(c.Text)
	}
	return fmt.Sprintf(groundingPrompt, builder.String())
}
