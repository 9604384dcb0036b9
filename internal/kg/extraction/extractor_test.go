package extraction

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-explorer/backend/internal/llm/llmtest"
	"github.com/rag-explorer/backend/internal/metrics"
	"github.com/rag-explorer/backend/internal/storage/memory"
	"github.com/rag-explorer/backend/internal/storage/models"
)

type staticRetriever struct {
	results []models.SearchResult
	err     error
}

func (r staticRetriever) Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	return r.results, r.err
}

// flakyGraph fails schema reads and fails lookups for one name.
type flakyGraph struct {
	*memory.Store
	failName string
}

func (g flakyGraph) ListLabels(ctx context.Context) ([]string, error) {
	return nil, models.ErrStoreUnavailable
}

func (g flakyGraph) FindEntityByName(ctx context.Context, name string) (*models.Entity, error) {
	if name == g.failName {
		return nil, models.ErrStoreUnavailable
	}
	return g.Store.FindEntityByName(ctx, name)
}

func newGraph(t *testing.T) *memory.Store {
	t.Helper()
	g := memory.New("graph", llmtest.NewVocabEmbedder(8), 8)
	require.NoError(t, g.CreateEntity(context.Background(), models.Entity{ID: "alice-id", Name: "Alice", Label: "Person"}))
	return g
}

func TestReconcileEntities(t *testing.T) {
	x := NewExtractor(staticRetriever{}, newGraph(t), &llmtest.Completer{}, nil, Options{})

	in := State{Entities: []models.Entity{
		{Name: "Alice", Label: "Person", IsNew: true},
		{Name: "Bob", Label: "Person", IsNew: true},
	}}
	out := x.ReconcileEntities(context.Background(), in)

	assert.False(t, out.Entities[0].IsNew)
	assert.Equal(t, "alice-id", out.Entities[0].ID)
	assert.True(t, out.Entities[1].IsNew)
	assert.Empty(t, out.Entities[1].ID)

	// the input state is untouched
	assert.True(t, in.Entities[0].IsNew)
}

func TestReconcileEntities_LookupFailureFailsOpen(t *testing.T) {
	graph := flakyGraph{Store: newGraph(t), failName: "Alice"}
	x := NewExtractor(staticRetriever{}, graph, &llmtest.Completer{}, nil, Options{})

	out := x.ReconcileEntities(context.Background(), State{Entities: []models.Entity{
		{Name: "Alice", Label: "Person", IsNew: true},
		{Name: "Bob", Label: "Person", IsNew: true},
	}})
	assert.True(t, out.Entities[0].IsNew)
	assert.True(t, out.Entities[1].IsNew)
}

func TestLoadSchema_FallsBackToDefault(t *testing.T) {
	graph := flakyGraph{Store: newGraph(t)}
	x := NewExtractor(staticRetriever{}, graph, &llmtest.Completer{}, nil, Options{})

	out := x.LoadSchema(context.Background(), State{})
	assert.Equal(t, DefaultSchema(), out.Schema)
}

func TestLoadSchema_ReadsGraph(t *testing.T) {
	x := NewExtractor(staticRetriever{}, newGraph(t), &llmtest.Completer{}, nil, Options{})

	out := x.LoadSchema(context.Background(), State{})
	assert.True(t, out.Schema.HasLabel("Person"))
	assert.True(t, out.Schema.HasLabel("Entity"))
}

func TestDiffSchema(t *testing.T) {
	s := State{
		Schema: models.SchemaSnapshot{Labels: []string{"Person"}, RelationshipTypes: []string{"KNOWS"}},
		Entities: []models.Entity{
			{Name: "Alice", Label: "Person"},
			{Name: "Acme", Label: "Company"},
			{Name: "Globex", Label: "Company"},
			{Name: "Paris", Label: "City"},
		},
		Relationships: []models.Relationship{
			{Source: models.EntityRef{Name: "Alice"}, Target: models.EntityRef{Name: "Acme"}, Type: "WORKS_AT"},
			{Source: models.EntityRef{Name: "Alice"}, Target: models.EntityRef{Name: "Bob"}, Type: "KNOWS"},
		},
	}

	want := []models.SchemaElement{
		{Kind: models.SchemaElementEntityLabel, Value: "City"},
		{Kind: models.SchemaElementEntityLabel, Value: "Company"},
		{Kind: models.SchemaElementRelationshipType, Value: "WORKS_AT"},
	}
	first := DiffSchema(s)
	assert.Equal(t, want, first.NewSchemaElements)

	second := DiffSchema(first)
	assert.ElementsMatch(t, first.NewSchemaElements, second.NewSchemaElements)
}

func TestExtractEntities_EmptyChunksSkipsCompletion(t *testing.T) {
	completer := &llmtest.Completer{Reply: `{"entities":[{"name":"X","label":"Y"}]}`}
	x := NewExtractor(staticRetriever{}, newGraph(t), completer, nil, Options{})

	out := x.ExtractEntities(context.Background(), State{})
	assert.Empty(t, out.Entities)
	assert.Empty(t, completer.Calls())
}

func TestExtractEntities_PromptAndBudget(t *testing.T) {
	completer := &llmtest.Completer{Reply: "no json here"}
	x := NewExtractor(staticRetriever{}, newGraph(t), completer, nil, Options{ContextBudget: 10})

	out := x.ExtractEntities(context.Background(), State{
		Chunks: []string{"first chunk", "second chunk"},
		Schema: models.SchemaSnapshot{Labels: []string{"Person"}, RelationshipTypes: []string{"KNOWS"}},
	})
	assert.Empty(t, out.Entities)

	calls := completer.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0][0].Content, "Known entity labels: Person")
	assert.Contains(t, calls[0][0].Content, "Known relationship types: KNOWS")
	assert.Contains(t, calls[0][1].Content, "first chun")
	assert.NotContains(t, calls[0][1].Content, "second")
}

func TestExtractEntities_CompletionFailureDegrades(t *testing.T) {
	completer := &llmtest.Completer{Err: models.ErrCompletionFailure}
	x := NewExtractor(staticRetriever{}, newGraph(t), completer, nil, Options{})

	out := x.ExtractEntities(context.Background(), State{Chunks: []string{"text"}})
	assert.Empty(t, out.Entities)
	assert.Empty(t, out.Relationships)
}

func TestExtract_EndToEnd(t *testing.T) {
	completer := &llmtest.Completer{Reply: "```json\n" + `{
		"entities":[{"name":"Alice","label":"Person"},{"name":"Bob","label":"Person"},{"name":"Acme","label":"Company"}],
		"relationships":[{"source":"Alice","target":"Acme","type":"WORKS_AT"}]
	}` + "\n```"}
	registry := NewRegistry(time.Minute)
	retriever := staticRetriever{results: []models.SearchResult{{Text: "Alice and Bob work at Acme."}}}
	x := NewExtractor(retriever, newGraph(t), completer, registry, Options{})

	result := x.Extract(context.Background(), "who works at acme", 5)

	require.NotEmpty(t, result.ExtractionID)
	require.Len(t, result.Entities, 3)
	assert.False(t, result.Entities[0].IsNew)
	assert.True(t, result.Entities[1].IsNew)
	assert.Len(t, result.Relationships, 1)
	assert.Contains(t, result.NewSchemaElements, models.SchemaElement{Kind: models.SchemaElementEntityLabel, Value: "Company"})
	assert.Contains(t, result.NewSchemaElements, models.SchemaElement{Kind: models.SchemaElementRelationshipType, Value: "WORKS_AT"})
	assert.NotContains(t, result.NewSchemaElements, models.SchemaElement{Kind: models.SchemaElementEntityLabel, Value: "Person"})

	staged, ok := registry.Get(result.ExtractionID)
	require.True(t, ok)
	assert.Equal(t, result, staged)
}

func TestExtract_RetrievalFailureYieldsEmptyResult(t *testing.T) {
	completer := &llmtest.Completer{Reply: `{"entities":[{"name":"X","label":"Y"}]}`}
	x := NewExtractor(staticRetriever{err: errors.New("both stores down")}, newGraph(t), completer, nil, Options{})

	result := x.Extract(context.Background(), "q", 3)
	assert.NotEmpty(t, result.ExtractionID)
	assert.Empty(t, result.Entities)
	assert.Empty(t, result.Relationships)
	assert.Empty(t, result.NewSchemaElements)
	assert.Empty(t, completer.Calls())
}

func TestContextWindow_KeepsEarliestChunks(t *testing.T) {
	x := NewExtractor(staticRetriever{}, newGraph(t), &llmtest.Completer{}, nil, Options{ContextBudget: 12})
	got := x.contextWindow([]string{"aaaa", "bbbb", "cccc"})
	assert.Equal(t, "aaaa\n\nbbbb", got)
	assert.LessOrEqual(t, len([]rune(got)), 12)
	assert.False(t, strings.Contains(got, "c"))
}

func TestRegistry_TakeRemoves(t *testing.T) {
	r := NewRegistry(time.Minute)
	r.Put(models.ExtractionResult{ExtractionID: "x1"})
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PendingExtractions))

	got, ok := r.Take("x1")
	require.True(t, ok)
	assert.Equal(t, "x1", got.ExtractionID)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.PendingExtractions))
	_, ok = r.Take("x1")
	assert.False(t, ok)
}
