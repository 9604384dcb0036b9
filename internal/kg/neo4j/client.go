package neo4j

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/rag-explorer/backend/internal/llm"
	"github.com/rag-explorer/backend/internal/metrics"
	"github.com/rag-explorer/backend/internal/storage"
	"github.com/rag-explorer/backend/internal/storage/models"
	"github.com/rag-explorer/backend/pkg/circuitbreaker"
	"github.com/rag-explorer/backend/pkg/logger"
	"github.com/rag-explorer/backend/pkg/retry"
)

const storeName = "neo4j"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// cypherRunner executes one statement and returns all of its records.
type cypherRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error)
}

type sessionRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

func (r *sessionRunner) Run(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: r.database})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return result.Collect(ctx)
}

type Options struct {
	URI         string
	Username    string
	Password    string
	Database    string
	IndexName   string
	Dimension   int
	Concurrency int
}

// Client is the graph-backed DocumentStore. Documents and chunks are nodes
// joined by CONTAINS; chunk embeddings live in a cosine vector index.
type Client struct {
	runner      cypherRunner
	closeFn     func(ctx context.Context) error
	embedder    llm.Embedder
	indexName   string
	dimension   int
	concurrency int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

var _ storage.GraphStore = (*Client)(nil)

func NewClient(ctx context.Context, opts Options, embedder llm.Embedder) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		opts.URI,
		neo4j.BasicAuth(opts.Username, opts.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	c, err := newClient(&sessionRunner{driver: driver, database: opts.Database}, embedder, opts)
	if err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	c.closeFn = driver.Close

	logger.Info("Neo4j client initialized", zap.String("uri", opts.URI), zap.String("index", c.indexName))

	return c, nil
}

func newClient(runner cypherRunner, embedder llm.Embedder, opts Options) (*Client, error) {
	if opts.IndexName == "" {
		opts.IndexName = "chunk_embedding"
	}
	if !identifierPattern.MatchString(opts.IndexName) {
		return nil, fmt.Errorf("%w: invalid vector index name %q", models.ErrInvalidInput, opts.IndexName)
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

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	return &Client{
		runner:      runner,
		embedder:    embedder,
		indexName:   opts.IndexName,
		dimension:   opts.Dimension,
		concurrency: opts.Concurrency,
		timeout:     10 * time.Second,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Name() string {
	return storeName
}

func (c *Client) Close(ctx context.Context) error {
	if c.closeFn == nil {
		return nil
	}
	return c.closeFn(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	records, err := circuitbreaker.ExecuteWithResult(ctx, c.cb, func() ([]*neo4j.Record, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() ([]*neo4j.Record, error) {
			records, err := c.runner.Run(ctx, cypher, params)
			if err != nil && !neo4j.IsRetryable(err) {
				return nil, retry.Permanent(err)
			}
			return records, err
		})
	})
	if err != nil {
		return nil, models.Classify(err, models.ErrStoreUnavailable)
	}
	return records, nil
}

// EnsureSchema creates id constraints and the chunk vector index.
func (c *Client) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE CONSTRAINT document_id IF NOT EXISTS FOR (d:Document) REQUIRE d.id IS UNIQUE`,
		`CREATE CONSTRAINT chunk_id IF NOT EXISTS FOR (c:DocumentChunk) REQUIRE c.id IS UNIQUE`,
		`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`,
		`CREATE INDEX entity_name IF NOT EXISTS FOR (e:Entity) ON (e.name)`,
		fmt.Sprintf(`CREATE VECTOR INDEX %s IF NOT EXISTS
			FOR (c:DocumentChunk) ON (c.embedding)
			OPTIONS {indexConfig: {`+"`vector.dimensions`"+`: %d, `+"`vector.similarity_function`"+`: 'cosine'}}`,
			c.indexName, c.dimension),
	}

	for _, stmt := range statements {
		if _, err := c.executeWithRetry(ctx, stmt, nil); err != nil {
			return fmt.Errorf("failed to ensure graph schema: %w", err)
		}
	}

	logger.Info("Neo4j schema ensured", zap.String("index", c.indexName), zap.Int("dimension", c.dimension))
	return nil
}

func (c *Client) StoreDocument(ctx context.Context, doc models.Document) error {
	query := `
		MERGE (d:Document {id: $id})
		ON CREATE SET d.createdAt = timestamp()
		SET d.title = $title,
		    d.source = $source,
		    d.blobKey = coalesce($blob_key, d.blobKey)
	`

	var blobKey any
	if doc.BlobKey != nil {
		blobKey = *doc.BlobKey
	}

	_, err := c.executeWithRetry(ctx, query, map[string]any{
		"id":       doc.ID,
		"title":    doc.Title,
		"source":   doc.SourceLabel,
		"blob_key": blobKey,
	})
	if err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}

	logger.Debug("Document stored in graph", zap.String("document_id", doc.ID))
	return nil
}

func (c *Client) StoreChunks(ctx context.Context, documentID string, chunks []models.ChunkInput) (int, error) {
	query := `
		MERGE (d:Document {id: $document_id})
		CREATE (c:DocumentChunk {
			id: $id,
			documentId: $document_id,
			index: $index,
			text: $text,
			embedding: $embedding,
			sectionTitle: $section_title,
			metadataJson: $metadata,
			createdAt: timestamp()
		})
		CREATE (d)-[:CONTAINS]->(c)
	`

	stored, err := storage.WriteChunks(ctx, storeName, chunks, c.concurrency, func(ctx context.Context, index int, chunk models.ChunkInput) error {
		embedding, err := c.embed(ctx, chunk.Text)
		if err != nil {
			return err
		}

		metadata, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk metadata: %w", err)
		}
		sectionTitle, _ := chunk.Metadata["sectionTitle"].(string)

		_, err = c.executeWithRetry(ctx, query, map[string]any{
			"document_id":   documentID,
			"id":            uuid.NewString(),
			"index":         index,
			"text":          chunk.Text,
			"embedding":     embedding,
			"section_title": sectionTitle,
			"metadata":      string(metadata),
		})
		return err
	})

	metrics.ChunksStored.WithLabelValues(storeName, "ok").Add(float64(stored))
	if err != nil {
		metrics.ChunksStored.WithLabelValues(storeName, "failed").Add(float64(len(storage.FailedIndices(err))))
		logger.Warn("Some chunks were not stored in graph",
			zap.String("document_id", documentID),
			zap.Ints("failed_indices", storage.FailedIndices(err)),
		)
		return stored, err
	}

	logger.Debug("Chunks stored in graph", zap.String("document_id", documentID), zap.Int("count", stored))
	return stored, nil
}

func (c *Client) SimilaritySearch(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", models.ErrInvalidInput)
	}

	embedding, err := c.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	// queryNodes with cosine already reports (1+cos)/2.
	cypher := `
		CALL db.index.vector.queryNodes($index_name, $k, $embedding) YIELD node, score
		RETURN node.text AS text, score, node.metadataJson AS metadata
		ORDER BY score DESC, node.createdAt ASC, node.index ASC
		LIMIT $k
	`

	records, err := c.executeWithRetry(ctx, cypher, map[string]any{
		"index_name": c.indexName,
		"k":          limit,
		"embedding":  embedding,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run vector search: %w", err)
	}

	results := make([]models.SearchResult, 0, len(records))
	for _, record := range records {
		text, _ := getString(record, "text")
		score, _ := getFloat(record, "score")
		result := models.SearchResult{Text: text, Score: score}

		if raw, ok := getString(record, "metadata"); ok && raw != "" {
			if err := json.Unmarshal([]byte(raw), &result.Metadata); err != nil {
				logger.Warn("Failed to decode chunk metadata", zap.Error(err))
			}
		}
		results = append(results, result)
	}

	return results, nil
}

func (c *Client) DeleteDocument(ctx context.Context, documentID string) error {
	query := `
		MATCH (d:Document {id: $id})
		OPTIONAL MATCH (d)-[:CONTAINS]->(c:DocumentChunk)
		DETACH DELETE c, d
	`

	if _, err := c.executeWithRetry(ctx, query, map[string]any{"id": documentID}); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

func (c *Client) ListLabels(ctx context.Context) ([]string, error) {
	return c.listStrings(ctx, `CALL db.labels() YIELD label RETURN label AS value ORDER BY value`)
}

func (c *Client) ListRelationshipTypes(ctx context.Context) ([]string, error) {
	return c.listStrings(ctx, `CALL db.relationshipTypes() YIELD relationshipType RETURN relationshipType AS value ORDER BY value`)
}

func (c *Client) ListPropertyKeys(ctx context.Context) ([]string, error) {
	return c.listStrings(ctx, `CALL db.propertyKeys() YIELD propertyKey RETURN propertyKey AS value ORDER BY value`)
}

func (c *Client) listStrings(ctx context.Context, cypher string) ([]string, error) {
	records, err := c.executeWithRetry(ctx, cypher, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}

	values := make([]string, 0, len(records))
	for _, record := range records {
		if v, ok := getString(record, "value"); ok {
			values = append(values, v)
		}
	}
	return values, nil
}

func (c *Client) FindEntityByName(ctx context.Context, name string) (*models.Entity, error) {
	query := `
		MATCH (e:Entity {name: $name})
		RETURN e.id AS id, e.name AS name, e.label AS label
		LIMIT 1
	`

	records, err := c.executeWithRetry(ctx, query, map[string]any{"name": name})
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("entity %q: %w", name, models.ErrNotFound)
	}

	id, _ := getString(records[0], "id")
	found, _ := getString(records[0], "name")
	label, _ := getString(records[0], "label")

	return &models.Entity{ID: id, Name: found, Label: label}, nil
}

// CreateEntity writes an :Entity node that also carries its label as a
// second node label, so it shows up in schema introspection.
func (c *Client) CreateEntity(ctx context.Context, entity models.Entity) error {
	if entity.ID == "" || entity.Name == "" {
		return fmt.Errorf("%w: entity needs id and name", models.ErrInvalidInput)
	}

	labels := ":Entity"
	if entity.Label != "" && entity.Label != "Entity" {
		labels += ":" + quoteIdentifier(entity.Label)
	}

	query := fmt.Sprintf(`
		CREATE (e%s {id: $id, name: $name, label: $label, createdAt: timestamp()})
	`, labels)

	_, err := c.executeWithRetry(ctx, query, map[string]any{
		"id":    entity.ID,
		"name":  entity.Name,
		"label": entity.Label,
	})
	if err != nil {
		return fmt.Errorf("failed to create entity: %w", err)
	}

	logger.Debug("Entity created in KG", zap.String("entity_id", entity.ID), zap.String("name", entity.Name))
	return nil
}

func (c *Client) CreateRelationship(ctx context.Context, sourceID, targetID, relType string) (string, error) {
	if relType == "" {
		return "", fmt.Errorf("%w: relationship type is required", models.ErrInvalidInput)
	}

	query := fmt.Sprintf(`
		MATCH (s:Entity {id: $source_id})
		MATCH (t:Entity {id: $target_id})
		CREATE (s)-[r:%s {id: $id, createdAt: timestamp()}]->(t)
		RETURN r.id AS id
	`, quoteIdentifier(relType))

	id := uuid.NewString()
	records, err := c.executeWithRetry(ctx, query, map[string]any{
		"source_id": sourceID,
		"target_id": targetID,
		"id":        id,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create relationship: %w", err)
	}
	if len(records) == 0 {
		return "", fmt.Errorf("relationship %s-[%s]->%s: %w", sourceID, relType, targetID, models.ErrNotFound)
	}

	logger.Debug("Relationship created in KG",
		zap.String("source", sourceID),
		zap.String("type", relType),
		zap.String("target", targetID),
	)
	return id, nil
}

func (c *Client) embed(ctx context.Context, text string) ([]float32, error) {
	embedding, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, models.Classify(err, models.ErrEmbeddingFailure)
	}
	if c.dimension > 0 && len(embedding) != c.dimension {
		return nil, fmt.Errorf("%w: embedding dimension %d, expected %d", models.ErrEmbeddingFailure, len(embedding), c.dimension)
	}
	return embedding, nil
}

// quoteIdentifier backtick-quotes a label or relationship type for Cypher.
func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func getString(record *neo4j.Record, key string) (string, bool) {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func getFloat(record *neo4j.Record, key string) (float64, bool) {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
