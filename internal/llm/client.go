package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/rag-explorer/backend/internal/metrics"
	"github.com/rag-explorer/backend/internal/storage/models"
	"github.com/rag-explorer/backend/pkg/circuitbreaker"
	"github.com/rag-explorer/backend/pkg/logger"
	"github.com/rag-explorer/backend/pkg/retry"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Completer answers a chat transcript with the model's reply text.
type Completer interface {
	Complete(ctx context.Context, messages []models.Message) (string, error)
}

type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Dimension      int
	Temperature    float32
	MaxTokens      int
	Timeout        time.Duration
	EmbedTimeout   time.Duration
	Retry          *retry.Config
}

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	dimension      int
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	embedTimeout   time.Duration
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

func NewClient(opts Options) *Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    metrics.ObserveBreaker,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}
	if opts.Retry != nil {
		retryConfig = *opts.Retry
	}

	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.EmbedTimeout == 0 {
		opts.EmbedTimeout = 15 * time.Second
	}

	logger.Info("LLM client initialized",
		zap.String("model", opts.Model),
		zap.String("embedding_model", opts.EmbeddingModel),
		zap.Int("dimension", opts.Dimension),
	)

	return &Client{
		client:         openai.NewClientWithConfig(cfg),
		model:          opts.Model,
		embeddingModel: opts.EmbeddingModel,
		dimension:      opts.Dimension,
		temperature:    opts.Temperature,
		maxTokens:      opts.MaxTokens,
		timeout:        opts.Timeout,
		embedTimeout:   opts.EmbedTimeout,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

func (c *Client) EmbeddingModel() string {
	return c.embeddingModel
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.embedTimeout)
	defer cancel()

	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.embeddingModel),
	}
	// Only the v3 embedding models accept a reduced output dimension.
	if strings.HasPrefix(c.embeddingModel, "text-embedding-3") && c.dimension > 0 {
		req.Dimensions = c.dimension
	}

	embedding, err := circuitbreaker.ExecuteWithResult(ctx, c.cb, func() ([]float32, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() ([]float32, error) {
			resp, err := c.client.CreateEmbeddings(ctx, req)
			if err != nil {
				return nil, classifyAPIError(fmt.Errorf("failed to generate embedding: %w", err))
			}
			if len(resp.Data) == 0 {
				return nil, retry.Permanent(errors.New("embedding response carried no data"))
			}

			metrics.LLMTokensUsed.WithLabelValues(c.embeddingModel, "embedding").Add(float64(resp.Usage.TotalTokens))

			vec := resp.Data[0].Embedding
			if c.dimension > 0 && len(vec) != c.dimension {
				return nil, retry.Permanent(fmt.Errorf("embedding dimension mismatch: got %d, expected %d", len(vec), c.dimension))
			}
			return vec, nil
		})
	})
	if err != nil {
		return nil, models.Classify(err, models.ErrEmbeddingFailure)
	}

	return embedding, nil
}

func (c *Client) Complete(ctx context.Context, messages []models.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	chatMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{
			Role:    toOpenAIRole(m.Role),
			Content: m.Content,
		})
	}

	content, err := circuitbreaker.ExecuteWithResult(ctx, c.cb, func() (string, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (string, error) {
			resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:       c.model,
				Messages:    chatMessages,
				Temperature: c.temperature,
				MaxTokens:   c.maxTokens,
			})
			if err != nil {
				return "", classifyAPIError(fmt.Errorf("failed to create completion: %w", err))
			}
			if len(resp.Choices) == 0 {
				return "", retry.Permanent(errors.New("completion response carried no choices"))
			}

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)
			metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
			metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))

			return resp.Choices[0].Message.Content, nil
		})
	})
	if err != nil {
		return "", models.Classify(err, models.ErrCompletionFailure)
	}

	return content, nil
}

func toOpenAIRole(role models.Role) string {
	switch role {
	case models.RoleSystem:
		return openai.ChatMessageRoleSystem
	case models.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

// Client errors other than rate limiting will not improve on retry.
func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode >= 400 && reqErr.HTTPStatusCode < 500 && reqErr.HTTPStatusCode != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
	}
	return err
}
