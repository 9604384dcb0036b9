package pgvector

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-explorer/backend/internal/llm/llmtest"
	"github.com/rag-explorer/backend/internal/storage"
	"github.com/rag-explorer/backend/internal/storage/models"
	"github.com/rag-explorer/backend/pkg/retry"
)

func newTestStore(t *testing.T, opts Options) (*Store, pgxmock.PgxPoolIface, *llmtest.VocabEmbedder) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	if opts.Dimension == 0 {
		opts.Dimension = 8
	}
	opts.Concurrency = 1
	emb := llmtest.NewVocabEmbedder(opts.Dimension)

	s, err := NewStoreWithPool(mock, emb, opts)
	require.NoError(t, err)
	s.retryConfig = retry.Config{MaxAttempts: 1}
	return s, mock, emb
}

func TestStoreDocument_Upsert(t *testing.T) {
	s, mock, _ := newTestStore(t, Options{})

	key := "blob"
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rag_documents (id, title, source, blob_key)")).
		WithArgs("d1", "Title", "a.md", &key).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.StoreDocument(context.Background(), models.Document{ID: "d1", Title: "Title", SourceLabel: "a.md", BlobKey: &key})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreChunks_InsertsRowsInIndexOrder(t *testing.T) {
	s, mock, _ := newTestStore(t, Options{})

	for i, text := range []string{"alpha", "beta"} {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rag_chunks")).
			WithArgs(pgxmock.AnyArg(), "d1", i, text, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	n, err := s.StoreChunks(context.Background(), "d1", []models.ChunkInput{{Text: "alpha"}, {Text: "beta"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreChunks_ContinuesPastFailedChunk(t *testing.T) {
	s, mock, _ := newTestStore(t, Options{})

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rag_chunks")).
		WithArgs(pgxmock.AnyArg(), "d1", 0, "alpha", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rag_chunks")).
		WithArgs(pgxmock.AnyArg(), "d1", 1, "beta", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	n, err := s.StoreChunks(context.Background(), "d1", []models.ChunkInput{{Text: "alpha"}, {Text: "beta"}})
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{0}, storage.FailedIndices(err))
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreChunks_EmbeddingFailureSkipsInsert(t *testing.T) {
	s, mock, emb := newTestStore(t, Options{})
	emb.FailOn = "bad"

	n, err := s.StoreChunks(context.Background(), "d1", []models.ChunkInput{{Text: "bad"}})
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, models.ErrEmbeddingFailure)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSimilaritySearch(t *testing.T) {
	s, mock, _ := newTestStore(t, Options{})

	rows := pgxmock.NewRows([]string{"text", "score", "metadata"}).
		AddRow("hello world", 0.93, []byte(`{"sectionTitle":"Intro"}`)).
		AddRow("other", 0.5, []byte(nil))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT text, 1 - (embedding <=> $1) / 2 AS score, metadata")).
		WithArgs(pgxmock.AnyArg(), 2).
		WillReturnRows(rows)

	results, err := s.SimilaritySearch(context.Background(), "hello", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "hello world", results[0].Text)
	assert.InDelta(t, 0.93, results[0].Score, 1e-9)
	assert.Equal(t, "Intro", results[0].Metadata["sectionTitle"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSimilaritySearch_StoreUnavailable(t *testing.T) {
	s, mock, _ := newTestStore(t, Options{})

	mock.ExpectQuery(regexp.QuoteMeta("SELECT text")).
		WithArgs(pgxmock.AnyArg(), 3).
		WillReturnError(errors.New("dial tcp: connection refused"))

	_, err := s.SimilaritySearch(context.Background(), "hello", 3)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}

func TestInitSchema_HNSW(t *testing.T) {
	s, mock, _ := newTestStore(t, Options{M: 16, EfConstruction: 64, Dimension: 8})

	mock.ExpectExec(regexp.QuoteMeta("embedding vector(8) NOT NULL")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta("USING hnsw (embedding vector_cosine_ops) WITH (m = 16, ef_construction = 64)")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitSchema_IVFFlat(t *testing.T) {
	s, mock, _ := newTestStore(t, Options{IndexType: IndexIVFFlat, Lists: 50, TablePrefix: "kb"})

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS kb_chunks")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta("USING ivfflat (embedding vector_cosine_ops) WITH (lists = 50)")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteDocument(t *testing.T) {
	s, mock, _ := newTestStore(t, Options{})

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM rag_documents WHERE id = $1")).
		WithArgs("d1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, s.DeleteDocument(context.Background(), "d1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewStoreWithPool_Validation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewStoreWithPool(mock, llmtest.NewVocabEmbedder(8), Options{TablePrefix: "Bad-Name"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = NewStoreWithPool(mock, llmtest.NewVocabEmbedder(8), Options{IndexType: "flat"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestTuningStatement(t *testing.T) {
	assert.Equal(t, "SET hnsw.ef_search = 40", tuningStatement(Options{IndexType: IndexHNSW, EfSearch: 40}))
	assert.Equal(t, "SET ivfflat.probes = 10", tuningStatement(Options{IndexType: IndexIVFFlat, Probes: 10}))
}
