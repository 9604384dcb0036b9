// Package memory is an in-process document and graph store. It backs tests
// and the memory:// development mode and scores exactly like the real
// adapters: (1+cos)/2, ties broken by insertion order.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rag-explorer/backend/internal/llm"
	"github.com/rag-explorer/backend/internal/storage"
	"github.com/rag-explorer/backend/internal/storage/models"
)

type relationship struct {
	id       string
	sourceID string
	targetID string
	relType  string
}

type Store struct {
	name        string
	embedder    llm.Embedder
	dimension   int
	concurrency int

	mu            sync.RWMutex
	seq           int64
	documents     map[string]models.Document
	chunks        []models.Chunk
	chunkSeq      map[string]int64
	entities      []models.Entity
	relationships []relationship
}

var _ storage.GraphStore = (*Store)(nil)

func New(name string, embedder llm.Embedder, dimension int) *Store {
	return &Store{
		name:        name,
		embedder:    embedder,
		dimension:   dimension,
		concurrency: 4,
		documents:   make(map[string]models.Document),
		chunkSeq:    make(map[string]int64),
	}
}

func (s *Store) Name() string {
	return s.name
}

func (s *Store) StoreDocument(ctx context.Context, doc models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.documents[doc.ID]; ok {
		doc.CreatedAt = existing.CreatedAt
		if doc.BlobKey == nil {
			doc.BlobKey = existing.BlobKey
		}
	} else if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	s.documents[doc.ID] = doc
	return nil
}

func (s *Store) StoreChunks(ctx context.Context, documentID string, chunks []models.ChunkInput) (int, error) {
	s.mu.Lock()
	s.seq++
	batch := s.seq
	s.mu.Unlock()

	return storage.WriteChunks(ctx, s.name, chunks, s.concurrency, func(ctx context.Context, index int, chunk models.ChunkInput) error {
		embedding, err := s.embedder.Embed(ctx, chunk.Text)
		if err != nil {
			return models.Classify(err, models.ErrEmbeddingFailure)
		}
		if s.dimension > 0 && len(embedding) != s.dimension {
			return fmt.Errorf("%w: embedding dimension %d, expected %d", models.ErrEmbeddingFailure, len(embedding), s.dimension)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		id := uuid.NewString()
		// Sequence follows index so concurrent writers keep insertion order.
		s.chunkSeq[id] = batch*1_000_000 + int64(index)
		s.chunks = append(s.chunks, models.Chunk{
			ID:         id,
			DocumentID: documentID,
			Index:      index,
			Text:       chunk.Text,
			Embedding:  embedding,
			Metadata:   chunk.Metadata,
			CreatedAt:  time.Now(),
		})
		return nil
	})
}

func (s *Store) SimilaritySearch(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", models.ErrInvalidInput)
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, models.Classify(err, models.ErrEmbeddingFailure)
	}

	s.mu.RLock()
	type scored struct {
		chunk models.Chunk
		score float64
		seq   int64
	}
	candidates := make([]scored, 0, len(s.chunks))
	for _, ch := range s.chunks {
		candidates = append(candidates, scored{chunk: ch, score: Similarity(queryVec, ch.Embedding), seq: s.chunkSeq[ch.ID]})
	}
	s.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].seq < candidates[j].seq
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	results := make([]models.SearchResult, len(candidates))
	for i, c := range candidates {
		results[i] = models.SearchResult{Text: c.chunk.Text, Score: c.score, Metadata: c.chunk.Metadata}
	}
	return results, nil
}

func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.documents, documentID)
	kept := s.chunks[:0]
	for _, ch := range s.chunks {
		if ch.DocumentID == documentID {
			delete(s.chunkSeq, ch.ID)
			continue
		}
		kept = append(kept, ch)
	}
	s.chunks = kept
	return nil
}

// Document returns a stored document, for inspection.
func (s *Store) Document(id string) (models.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	return doc, ok
}

// Chunks returns the stored chunks of a document ordered by index.
func (s *Store) Chunks(documentID string) []models.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Chunk
	for _, ch := range s.chunks {
		if ch.DocumentID == documentID {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (s *Store) ListLabels(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := map[string]struct{}{}
	if len(s.documents) > 0 {
		set["Document"] = struct{}{}
	}
	if len(s.chunks) > 0 {
		set["DocumentChunk"] = struct{}{}
	}
	for _, e := range s.entities {
		set["Entity"] = struct{}{}
		set[e.Label] = struct{}{}
	}
	return sortedKeys(set), nil
}

func (s *Store) ListRelationshipTypes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := map[string]struct{}{}
	if len(s.chunks) > 0 {
		set["CONTAINS"] = struct{}{}
	}
	for _, r := range s.relationships {
		set[r.relType] = struct{}{}
	}
	return sortedKeys(set), nil
}

func (s *Store) ListPropertyKeys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := map[string]struct{}{}
	if len(s.documents) > 0 {
		for _, k := range []string{"id", "title", "source", "blobKey", "createdAt"} {
			set[k] = struct{}{}
		}
	}
	if len(s.chunks) > 0 {
		for _, k := range []string{"id", "documentId", "index", "text", "embedding"} {
			set[k] = struct{}{}
		}
	}
	if len(s.entities) > 0 {
		for _, k := range []string{"id", "name", "label"} {
			set[k] = struct{}{}
		}
	}
	return sortedKeys(set), nil
}

func (s *Store) FindEntityByName(ctx context.Context, name string) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entities {
		if e.Name == name {
			found := e
			found.IsNew = false
			return &found, nil
		}
	}
	return nil, fmt.Errorf("entity %q: %w", name, models.ErrNotFound)
}

func (s *Store) CreateEntity(ctx context.Context, entity models.Entity) error {
	if entity.ID == "" || entity.Name == "" {
		return fmt.Errorf("%w: entity needs id and name", models.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities = append(s.entities, entity)
	return nil
}

func (s *Store) CreateRelationship(ctx context.Context, sourceID, targetID, relType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasEntity(sourceID) || !s.hasEntity(targetID) {
		return "", fmt.Errorf("relationship %s-[%s]->%s: %w", sourceID, relType, targetID, models.ErrNotFound)
	}
	id := uuid.NewString()
	s.relationships = append(s.relationships, relationship{id: id, sourceID: sourceID, targetID: targetID, relType: relType})
	return id, nil
}

// EntityCount and RelationshipCount expose graph size for inspection.
func (s *Store) EntityCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

func (s *Store) RelationshipCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.relationships)
}

func (s *Store) hasEntity(id string) bool {
	for _, e := range s.entities {
		if e.ID == id {
			return true
		}
	}
	return false
}

// Similarity is cosine similarity mapped onto [0,1].
func Similarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0.5
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	cos = math.Max(-1, math.Min(1, cos))
	return (1 + cos) / 2
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
