package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-explorer/backend/internal/llm/llmtest"
	"github.com/rag-explorer/backend/internal/storage"
	"github.com/rag-explorer/backend/internal/storage/models"
)

func TestSimilaritySearch_RoundTrip(t *testing.T) {
	s := New("memory", llmtest.NewVocabEmbedder(32), 32)
	ctx := context.Background()

	const text = "graph databases store nodes"
	n, err := s.StoreChunks(ctx, "doc-1", []models.ChunkInput{{Text: text}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	results, err := s.SimilaritySearch(ctx, text, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, text, results[0].Text)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
}

func TestSimilaritySearch_FewerThanLimit(t *testing.T) {
	s := New("memory", llmtest.NewVocabEmbedder(32), 32)
	ctx := context.Background()

	_, err := s.StoreChunks(ctx, "doc-1", []models.ChunkInput{{Text: "a b"}, {Text: "c d"}})
	require.NoError(t, err)

	results, err := s.SimilaritySearch(ctx, "a", 10)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, "a b", results[0].Text)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestSimilaritySearch_TiesKeepInsertionOrder(t *testing.T) {
	s := New("memory", llmtest.NewVocabEmbedder(32), 32)
	ctx := context.Background()

	_, err := s.StoreChunks(ctx, "doc-1", []models.ChunkInput{{Text: "first"}, {Text: "second"}, {Text: "third"}})
	require.NoError(t, err)

	results, err := s.SimilaritySearch(ctx, "unrelated", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{results[0].Text, results[1].Text, results[2].Text})
}

func TestStoreChunks_ReportsFailedIndices(t *testing.T) {
	emb := llmtest.NewVocabEmbedder(32)
	emb.FailOn = "poison"
	s := New("memory", emb, 32)

	n, err := s.StoreChunks(context.Background(), "doc-1", []models.ChunkInput{
		{Text: "ok zero"}, {Text: "poison one"}, {Text: "ok two"},
	})
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{1}, storage.FailedIndices(err))
	assert.ErrorIs(t, err, models.ErrEmbeddingFailure)

	chunks := s.Chunks("doc-1")
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 2, chunks[1].Index)
}

func TestStoreChunks_DimensionMismatch(t *testing.T) {
	s := New("memory", llmtest.NewVocabEmbedder(8), 16)

	n, err := s.StoreChunks(context.Background(), "doc-1", []models.ChunkInput{{Text: "x"}})
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, models.ErrEmbeddingFailure)
}

func TestStoreDocument_IdempotentUpsert(t *testing.T) {
	s := New("memory", llmtest.NewVocabEmbedder(8), 8)
	ctx := context.Background()

	require.NoError(t, s.StoreDocument(ctx, models.Document{ID: "d", Title: "one"}))
	first, _ := s.Document("d")
	key := "blob"
	require.NoError(t, s.StoreDocument(ctx, models.Document{ID: "d", Title: "one", BlobKey: &key}))

	doc, ok := s.Document("d")
	require.True(t, ok)
	assert.Equal(t, first.CreatedAt, doc.CreatedAt)
	assert.Equal(t, "blob", *doc.BlobKey)

	require.NoError(t, s.StoreDocument(ctx, models.Document{ID: "d", Title: "two"}))
	doc, _ = s.Document("d")
	assert.Equal(t, "two", doc.Title)
	require.NotNil(t, doc.BlobKey)
	assert.Equal(t, "blob", *doc.BlobKey)
}

func TestDeleteDocument_CascadesToChunks(t *testing.T) {
	s := New("memory", llmtest.NewVocabEmbedder(8), 8)
	ctx := context.Background()

	require.NoError(t, s.StoreDocument(ctx, models.Document{ID: "d"}))
	_, err := s.StoreChunks(ctx, "d", []models.ChunkInput{{Text: "x"}})
	require.NoError(t, err)

	require.NoError(t, s.DeleteDocument(ctx, "d"))
	assert.Empty(t, s.Chunks("d"))
	_, ok := s.Document("d")
	assert.False(t, ok)
}

func TestGraphOperations(t *testing.T) {
	s := New("memory", llmtest.NewVocabEmbedder(8), 8)
	ctx := context.Background()

	require.NoError(t, s.CreateEntity(ctx, models.Entity{ID: "1", Name: "Alice", Label: "Person"}))
	require.NoError(t, s.CreateEntity(ctx, models.Entity{ID: "2", Name: "Acme", Label: "Company"}))

	e, err := s.FindEntityByName(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "1", e.ID)

	_, err = s.FindEntityByName(ctx, "Bob")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = s.CreateRelationship(ctx, "1", "2", "WORKS_AT")
	require.NoError(t, err)
	_, err = s.CreateRelationship(ctx, "1", "missing", "WORKS_AT")
	assert.ErrorIs(t, err, models.ErrNotFound)

	schema, err := storage.ReadSchema(ctx, s)
	require.NoError(t, err)
	assert.True(t, schema.HasLabel("Person"))
	assert.True(t, schema.HasLabel("Entity"))
	assert.True(t, schema.HasRelationshipType("WORKS_AT"))
	assert.Contains(t, schema.PropertyKeys, "name")
}

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, Similarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.5, Similarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 0.0, Similarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
}
