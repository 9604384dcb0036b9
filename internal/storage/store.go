// Package storage defines the contracts shared by the graph-backed and
// relational-backed document stores.
package storage

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rag-explorer/backend/internal/storage/models"
)

// DocumentStore is implemented by every backend the retrieval merger and
// ingestion path fan out to.
type DocumentStore interface {
	Name() string
	StoreDocument(ctx context.Context, doc models.Document) error
	// StoreChunks embeds and persists each chunk independently. It returns
	// the number of chunks written; a partial write returns a
	// *models.ChunkWriteError naming the failed indices.
	StoreChunks(ctx context.Context, documentID string, chunks []models.ChunkInput) (int, error)
	SimilaritySearch(ctx context.Context, query string, limit int) ([]models.SearchResult, error)
	DeleteDocument(ctx context.Context, documentID string) error
}

type SchemaReader interface {
	ListLabels(ctx context.Context) ([]string, error)
	ListRelationshipTypes(ctx context.Context) ([]string, error)
	ListPropertyKeys(ctx context.Context) ([]string, error)
}

// EntityFinder returns models.ErrNotFound when no node carries the name.
type EntityFinder interface {
	FindEntityByName(ctx context.Context, name string) (*models.Entity, error)
}

type GraphWriter interface {
	CreateEntity(ctx context.Context, entity models.Entity) error
	CreateRelationship(ctx context.Context, sourceID, targetID, relType string) (string, error)
}

// GraphStore is the graph-specific surface on top of DocumentStore.
type GraphStore interface {
	DocumentStore
	SchemaReader
	EntityFinder
	GraphWriter
}

// ReadSchema takes a fresh snapshot through the three introspection calls.
func ReadSchema(ctx context.Context, r SchemaReader) (models.SchemaSnapshot, error) {
	labels, err := r.ListLabels(ctx)
	if err != nil {
		return models.SchemaSnapshot{}, err
	}
	relTypes, err := r.ListRelationshipTypes(ctx)
	if err != nil {
		return models.SchemaSnapshot{}, err
	}
	keys, err := r.ListPropertyKeys(ctx)
	if err != nil {
		return models.SchemaSnapshot{}, err
	}
	return models.SchemaSnapshot{Labels: labels, RelationshipTypes: relTypes, PropertyKeys: keys}, nil
}

// WriteChunks runs write for every chunk with at most concurrency in flight.
// A failing chunk never stops the others; failures are collected by index.
func WriteChunks(ctx context.Context, store string, chunks []models.ChunkInput, concurrency int,
	write func(ctx context.Context, index int, chunk models.ChunkInput) error) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		mu       sync.Mutex
		stored   int
		failures = make(map[int]error)
	)

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			var err error
			if chunk.Text == "" {
				err = models.ErrInvalidInput
			} else {
				err = write(ctx, i, chunk)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[i] = err
			} else {
				stored++
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		return stored, models.NewChunkWriteError(store, stored, failures)
	}
	return stored, nil
}

// FailedIndices extracts the failed chunk indices from a StoreChunks error.
func FailedIndices(err error) []int {
	var cwe *models.ChunkWriteError
	if errors.As(err, &cwe) {
		return cwe.Failed
	}
	return nil
}
