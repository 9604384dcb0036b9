package extraction

import (
	"slices"

	"github.com/rag-explorer/backend/internal/storage/models"
)

// State is threaded through the pipeline by value. Stages return a new State
// and never write through the slices they were given.
type State struct {
	Chunks            []string
	Schema            models.SchemaSnapshot
	Entities          []models.Entity
	Relationships     []models.Relationship
	NewSchemaElements []models.SchemaElement
}

func (s State) withSchema(schema models.SchemaSnapshot) State {
	s.Schema = schema
	return s
}

func (s State) withExtraction(entities []models.Entity, relationships []models.Relationship) State {
	s.Entities = entities
	s.Relationships = relationships
	return s
}

func (s State) withEntities(entities []models.Entity) State {
	s.Entities = entities
	return s
}

func (s State) withNewSchemaElements(elements []models.SchemaElement) State {
	s.NewSchemaElements = elements
	return s
}

// DefaultSchema stands in when the graph cannot be introspected.
func DefaultSchema() models.SchemaSnapshot {
	return models.SchemaSnapshot{
		Labels:            []string{"Document", "DocumentChunk", "Entity"},
		RelationshipTypes: []string{"CONTAINS", "MENTIONS", "RELATED_TO"},
	}
}

func cloneEntities(entities []models.Entity) []models.Entity {
	return slices.Clone(entities)
}
