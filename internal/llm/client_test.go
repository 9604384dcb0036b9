package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-explorer/backend/internal/storage/models"
	"github.com/rag-explorer/backend/pkg/retry"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, dimension int) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(Options{
		APIKey:         "test",
		BaseURL:        srv.URL + "/v1",
		Model:          "gpt-test",
		EmbeddingModel: "text-embedding-3-small",
		Dimension:      dimension,
		Timeout:        5 * time.Second,
		EmbedTimeout:   5 * time.Second,
		Retry:          &retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
}

func embeddingHandler(vec []float32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   []map[string]any{{"object": "embedding", "index": 0, "embedding": vec}},
			"model":  "text-embedding-3-small",
			"usage":  map[string]int{"prompt_tokens": 2, "total_tokens": 2},
		})
	}
}

func TestEmbed(t *testing.T) {
	c := newTestClient(t, embeddingHandler([]float32{0.1, 0.2, 0.3}), 3)

	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestEmbed_DimensionMismatchIsEmbeddingFailure(t *testing.T) {
	c := newTestClient(t, embeddingHandler([]float32{0.1, 0.2}), 3)

	_, err := c.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, models.ErrEmbeddingFailure)
}

func TestEmbed_BadRequestIsNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad input","type":"invalid_request_error"}}`))
	}, 3)

	_, err := c.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, models.ErrEmbeddingFailure)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestComplete(t *testing.T) {
	var got struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "gpt-test",
			"choices": []map[string]any{{"index": 0, "message": map[string]string{"role": "assistant", "content": "hi there"}, "finish_reason": "stop"}},
			"usage":   map[string]int{"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7},
		})
	}, 3)

	reply, err := c.Complete(context.Background(), []models.Message{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", reply)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
}

func TestComplete_ServerErrorIsCompletionFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, 3)

	_, err := c.Complete(context.Background(), []models.Message{{Role: models.RoleUser, Content: "x"}})
	assert.ErrorIs(t, err, models.ErrCompletionFailure)
}
