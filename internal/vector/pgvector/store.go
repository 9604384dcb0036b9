package pgvector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"

	"github.com/rag-explorer/backend/internal/llm"
	"github.com/rag-explorer/backend/internal/metrics"
	"github.com/rag-explorer/backend/internal/storage"
	"github.com/rag-explorer/backend/internal/storage/models"
	"github.com/rag-explorer/backend/pkg/circuitbreaker"
	"github.com/rag-explorer/backend/pkg/logger"
	"github.com/rag-explorer/backend/pkg/retry"
)

const (
	storeName    = "pgvector"
	IndexHNSW    = "hnsw"
	IndexIVFFlat = "ivfflat"
)

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// DBPool is the subset of pgxpool.Pool the store needs.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

type Options struct {
	DSN            string
	TablePrefix    string
	IndexType      string
	Lists          int
	M              int
	EfConstruction int
	EfSearch       int
	Probes         int
	Dimension      int
	MaxConns       int32
	Concurrency    int
}

// Store is the relational DocumentStore: one row per document, one row per
// chunk with a vector column searched by cosine distance.
type Store struct {
	pool        DBPool
	embedder    llm.Embedder
	documents   string
	chunks      string
	opts        Options
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

var _ storage.DocumentStore = (*Store)(nil)

func NewStore(ctx context.Context, opts Options, embedder llm.Embedder) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}

	// Search tuning is per session, so every pooled connection gets it.
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
			return fmt.Errorf("failed to enable vector extension: %w", err)
		}
		if err := pgxvec.RegisterTypes(ctx, conn); err != nil {
			return fmt.Errorf("failed to register vector types: %w", err)
		}
		if _, err := conn.Exec(ctx, tuningStatement(opts)); err != nil {
			return fmt.Errorf("failed to apply search tuning: %w", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s, err := NewStoreWithPool(pool, embedder, opts)
	if err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Postgres vector store initialized",
		zap.String("table_prefix", opts.TablePrefix),
		zap.String("index_type", opts.IndexType),
		zap.Int("dimension", opts.Dimension),
	)
	return s, nil
}

// NewStoreWithPool wraps an existing pool; tests pass a pgxmock pool.
func NewStoreWithPool(pool DBPool, embedder llm.Embedder, opts Options) (*Store, error) {
	if opts.TablePrefix == "" {
		opts.TablePrefix = "rag"
	}
	if !identifierPattern.MatchString(opts.TablePrefix) {
		return nil, fmt.Errorf("%w: invalid table prefix %q", models.ErrInvalidInput, opts.TablePrefix)
	}
	if opts.IndexType == "" {
		opts.IndexType = IndexHNSW
	}
	if opts.IndexType != IndexHNSW && opts.IndexType != IndexIVFFlat {
		return nil, fmt.Errorf("%w: unknown index type %q", models.ErrInvalidInput, opts.IndexType)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}

	cb := circuitbreaker.NewCircuitBreaker(storeName, circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    metrics.ObserveBreaker,
		Logger:           logger.GetLogger(),
	})

	return &Store{
		pool:      pool,
		embedder:  embedder,
		documents: opts.TablePrefix + "_documents",
		chunks:    opts.TablePrefix + "_chunks",
		opts:      opts,
		cb:        cb,
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       3 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}, nil
}

func (s *Store) Name() string {
	return storeName
}

func (s *Store) Close() {
	s.pool.Close()
}

func tuningStatement(opts Options) string {
	if opts.IndexType == IndexIVFFlat {
		return fmt.Sprintf("SET ivfflat.probes = %d", max(opts.Probes, 1))
	}
	return fmt.Sprintf("SET hnsw.ef_search = %d", max(opts.EfSearch, 1))
}

func (s *Store) indexStatement() string {
	if s.opts.IndexType == IndexIVFFlat {
		return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s
			USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)`,
			s.chunks, s.chunks, max(s.opts.Lists, 1))
	}
	return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s
		USING hnsw (embedding vector_cosine_ops) WITH (m = %d, ef_construction = %d)`,
		s.chunks, s.chunks, max(s.opts.M, 2), max(s.opts.EfConstruction, 4))
}

// InitSchema creates the tables and the approximate vector index.
func (s *Store) InitSchema(ctx context.Context) error {
	tables := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			source TEXT NOT NULL,
			blob_key TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			document_id TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding vector(%[3]d) NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (document_id, chunk_index)
		);
		CREATE INDEX IF NOT EXISTS %[2]s_document_idx ON %[2]s (document_id);
	`, s.documents, s.chunks, s.opts.Dimension)

	if err := s.exec(ctx, tables); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	if err := s.exec(ctx, s.indexStatement()); err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}

	logger.Info("Postgres vector schema ensured", zap.String("chunks_table", s.chunks))
	return nil
}

func (s *Store) StoreDocument(ctx context.Context, doc models.Document) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, title, source, blob_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title,
		    source = EXCLUDED.source,
		    blob_key = COALESCE(EXCLUDED.blob_key, %s.blob_key)
	`, s.documents, s.documents)

	if err := s.exec(ctx, query, doc.ID, doc.Title, doc.SourceLabel, doc.BlobKey); err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}

	logger.Debug("Document stored in postgres", zap.String("document_id", doc.ID))
	return nil
}

func (s *Store) StoreChunks(ctx context.Context, documentID string, chunks []models.ChunkInput) (int, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, document_id, chunk_index, text, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.chunks)

	stored, err := storage.WriteChunks(ctx, storeName, chunks, s.opts.Concurrency, func(ctx context.Context, index int, chunk models.ChunkInput) error {
		embedding, err := s.embed(ctx, chunk.Text)
		if err != nil {
			return err
		}

		metadata, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk metadata: %w", err)
		}

		return s.exec(ctx, query, uuid.NewString(), documentID, index, chunk.Text, pgv.NewVector(embedding), metadata)
	})

	metrics.ChunksStored.WithLabelValues(storeName, "ok").Add(float64(stored))
	if err != nil {
		metrics.ChunksStored.WithLabelValues(storeName, "failed").Add(float64(len(storage.FailedIndices(err))))
		logger.Warn("Some chunks were not stored in postgres",
			zap.String("document_id", documentID),
			zap.Ints("failed_indices", storage.FailedIndices(err)),
		)
		return stored, err
	}

	logger.Debug("Chunks stored in postgres", zap.String("document_id", documentID), zap.Int("count", stored))
	return stored, nil
}

// SimilaritySearch maps cosine distance d onto (1+cos)/2 = 1 - d/2 so scores
// line up with the graph store's.
func (s *Store) SimilaritySearch(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", models.ErrInvalidInput)
	}

	embedding, err := s.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf(`
		SELECT text, 1 - (embedding <=> $1) / 2 AS score, metadata
		FROM %s
		ORDER BY embedding <=> $1, seq
		LIMIT $2
	`, s.chunks)

	results, err := circuitbreaker.ExecuteWithResult(ctx, s.cb, func() ([]models.SearchResult, error) {
		return retry.DoWithResult(ctx, s.retryConfig, func() ([]models.SearchResult, error) {
			rows, err := s.pool.Query(ctx, sql, pgv.NewVector(embedding), limit)
			if err != nil {
				return nil, permanentIfServer(err)
			}
			defer rows.Close()

			var out []models.SearchResult
			for rows.Next() {
				var (
					r        models.SearchResult
					metadata []byte
				)
				if err := rows.Scan(&r.Text, &r.Score, &metadata); err != nil {
					return nil, retry.Permanent(fmt.Errorf("failed to scan search row: %w", err))
				}
				if len(metadata) > 0 {
					if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
						logger.Warn("Failed to decode chunk metadata", zap.Error(err))
					}
				}
				out = append(out, r)
			}
			return out, permanentIfServer(rows.Err())
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run vector search: %w", models.Classify(err, models.ErrStoreUnavailable))
	}

	return results, nil
}

func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.documents)
	if err := s.exec(ctx, query, documentID); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) error {
	err := s.cb.Execute(ctx, func() error {
		return retry.Do(ctx, s.retryConfig, func() error {
			_, err := s.pool.Exec(ctx, sql, args...)
			return permanentIfServer(err)
		})
	})
	return models.Classify(err, models.ErrStoreUnavailable)
}

func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, models.Classify(err, models.ErrEmbeddingFailure)
	}
	if s.opts.Dimension > 0 && len(embedding) != s.opts.Dimension {
		return nil, fmt.Errorf("%w: embedding dimension %d, expected %d", models.ErrEmbeddingFailure, len(embedding), s.opts.Dimension)
	}
	return embedding, nil
}

// Errors reported by the server (constraint violations, bad SQL) will not
// succeed on retry; connection-level errors might.
func permanentIfServer(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retry.Permanent(err)
	}
	return err
}
