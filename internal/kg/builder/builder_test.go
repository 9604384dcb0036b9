package builder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-explorer/backend/internal/llm/llmtest"
	"github.com/rag-explorer/backend/internal/storage/memory"
	"github.com/rag-explorer/backend/internal/storage/models"
)

func rel(source, target, relType string) models.Relationship {
	return models.Relationship{
		Source: models.EntityRef{Name: source},
		Target: models.EntityRef{Name: target},
		Type:   relType,
	}
}

func newGraph(t *testing.T) *memory.Store {
	t.Helper()
	return memory.New("graph", llmtest.NewVocabEmbedder(4), 4)
}

func TestApply_CreatesEntitiesAndRelationships(t *testing.T) {
	graph := newGraph(t)
	b := NewBuilder(graph)

	report, err := b.Apply(context.Background(), "x1",
		[]models.Entity{
			{Name: "Alice", Label: "Person", IsNew: true},
			{Name: "Acme", Label: "Company", IsNew: true},
		},
		[]models.Relationship{rel("Alice", "Acme", "WORKS_AT")},
	)
	require.NoError(t, err)
	require.Len(t, report.CreatedEntities, 2)
	for _, e := range report.CreatedEntities {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.IsNew)
	}
	require.Len(t, report.CreatedRelationships, 1)
	assert.Equal(t, report.CreatedEntities[0].ID, report.CreatedRelationships[0].Source.ID)
	assert.Equal(t, report.CreatedEntities[1].ID, report.CreatedRelationships[0].Target.ID)
	assert.NotEmpty(t, report.CreatedRelationships[0].ID)

	assert.Equal(t, 2, graph.EntityCount())
	assert.Equal(t, 1, graph.RelationshipCount())
}

func TestApply_DanglingReferenceIsSkipped(t *testing.T) {
	graph := newGraph(t)
	b := NewBuilder(graph)

	report, err := b.Apply(context.Background(), "x1",
		[]models.Entity{
			{Name: "Alice", Label: "Person"},
			{Name: "Acme", Label: "Company"},
		},
		[]models.Relationship{
			rel("Alice", "Ghost", "KNOWS"),
			rel("Alice", "Acme", "WORKS_AT"),
		},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDanglingReference)

	require.Len(t, report.Dangling, 1)
	assert.Equal(t, "Ghost", report.Dangling[0].Missing)
	assert.Equal(t, "KNOWS", report.Dangling[0].Relationship.Type)

	assert.Len(t, report.CreatedEntities, 2)
	assert.Len(t, report.CreatedRelationships, 1)
	assert.Equal(t, 2, graph.EntityCount())
	assert.Equal(t, 1, graph.RelationshipCount())
}

func TestApply_ResolvesPreExistingEntities(t *testing.T) {
	graph := newGraph(t)
	require.NoError(t, graph.CreateEntity(context.Background(), models.Entity{ID: "acme-id", Name: "Acme", Label: "Company"}))
	b := NewBuilder(graph)

	report, err := b.Apply(context.Background(), "x1",
		[]models.Entity{{Name: "Alice", Label: "Person"}},
		[]models.Relationship{rel("Alice", "Acme", "WORKS_AT")},
	)
	require.NoError(t, err)
	require.Len(t, report.CreatedRelationships, 1)
	assert.Equal(t, "acme-id", report.CreatedRelationships[0].Target.ID)
}

func TestApply_ReconciledEntityIsNotRecreated(t *testing.T) {
	graph := newGraph(t)
	require.NoError(t, graph.CreateEntity(context.Background(), models.Entity{ID: "alice-id", Name: "Alice", Label: "Person"}))
	b := NewBuilder(graph)

	report, err := b.Apply(context.Background(), "x1",
		[]models.Entity{{ID: "alice-id", Name: "Alice", Label: "Person"}, {Name: "Bob", Label: "Person"}},
		[]models.Relationship{rel("Alice", "Bob", "KNOWS")},
	)
	require.NoError(t, err)
	assert.Len(t, report.CreatedEntities, 1)
	assert.Equal(t, 2, graph.EntityCount())
	assert.Equal(t, "alice-id", report.CreatedRelationships[0].Source.ID)
}

func TestApply_ReapplyDuplicates(t *testing.T) {
	graph := newGraph(t)
	b := NewBuilder(graph)
	entities := []models.Entity{{Name: "Alice", Label: "Person"}}

	_, err := b.Apply(context.Background(), "x1", entities, nil)
	require.NoError(t, err)
	_, err = b.Apply(context.Background(), "x1", entities, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, graph.EntityCount())
}

type failingWriter struct {
	*memory.Store
}

func (f failingWriter) CreateEntity(ctx context.Context, entity models.Entity) error {
	if entity.Name == "Bad" {
		return models.ErrStoreUnavailable
	}
	return f.Store.CreateEntity(ctx, entity)
}

func TestApply_EntityFailureAborts(t *testing.T) {
	graph := newGraph(t)
	b := NewBuilder(failingWriter{Store: graph})

	report, err := b.Apply(context.Background(), "x1",
		[]models.Entity{{Name: "Alice", Label: "Person"}, {Name: "Bad", Label: "Person"}, {Name: "Carol", Label: "Person"}},
		[]models.Relationship{rel("Alice", "Carol", "KNOWS")},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, models.ErrDanglingReference)
	assert.Len(t, report.CreatedEntities, 1)
	assert.False(t, report.Partial(err))
	assert.Equal(t, 0, graph.RelationshipCount())
}

type brokenEdgeWriter struct {
	*memory.Store
	failType string
}

func (f brokenEdgeWriter) CreateRelationship(ctx context.Context, sourceID, targetID, relType string) (string, error) {
	if relType == f.failType {
		return "", models.ErrStoreUnavailable
	}
	return f.Store.CreateRelationship(ctx, sourceID, targetID, relType)
}

func TestApply_RelationshipFailureDoesNotStopOthers(t *testing.T) {
	graph := newGraph(t)
	b := NewBuilder(brokenEdgeWriter{Store: graph, failType: "BROKEN"})

	report, err := b.Apply(context.Background(), "x1",
		[]models.Entity{{Name: "Alice", Label: "Person"}, {Name: "Bob", Label: "Person"}},
		[]models.Relationship{
			rel("Alice", "Bob", "BROKEN"),
			rel("Alice", "Bob", "KNOWS"),
		},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, models.ErrDanglingReference)
	assert.True(t, report.Partial(err))

	require.Len(t, report.Failed, 1)
	assert.Equal(t, "BROKEN", report.Failed[0].Relationship.Type)
	require.Len(t, report.CreatedRelationships, 1)
	assert.Equal(t, "KNOWS", report.CreatedRelationships[0].Type)
	assert.Equal(t, 1, graph.RelationshipCount())
}

func TestApply_RejectsInvalidDelta(t *testing.T) {
	b := NewBuilder(newGraph(t))

	_, err := b.Apply(context.Background(), "x1", []models.Entity{{Name: "", Label: "Person"}}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = b.Apply(context.Background(), "x1", nil, []models.Relationship{rel("", "B", "KNOWS")})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
