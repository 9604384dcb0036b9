// Package builder writes reviewed extraction results into the graph.
package builder

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rag-explorer/backend/internal/metrics"
	"github.com/rag-explorer/backend/internal/storage"
	"github.com/rag-explorer/backend/internal/storage/models"
	"github.com/rag-explorer/backend/pkg/logger"
)

// Graph is what the builder needs from the graph store.
type Graph interface {
	storage.EntityFinder
	storage.GraphWriter
}

type Builder struct {
	graph    Graph
	validate *validator.Validate
}

func NewBuilder(graph Graph) *Builder {
	return &Builder{
		graph:    graph,
		validate: validator.New(),
	}
}

// Apply creates every entity without an id, then every relationship whose
// endpoints resolve. An entity write failure aborts the call. Relationships
// fail one at a time: unresolvable ones are reported as dangling (matching
// models.ErrDanglingReference) and rejected writes as
// *models.RelationshipWriteError. The report is complete in both cases.
//
// Nothing is deduplicated against earlier applications: applying the same
// delta twice creates the entities and edges twice.
func (b *Builder) Apply(ctx context.Context, extractionID string, entities []models.Entity, relationships []models.Relationship) (*models.ApplyReport, error) {
	if err := b.validateDelta(entities, relationships); err != nil {
		return nil, err
	}

	logger.Info("Applying graph delta",
		zap.String("extraction_id", extractionID),
		zap.Int("entities", len(entities)),
		zap.Int("relationships", len(relationships)),
	)

	report := &models.ApplyReport{
		ExtractionID:         extractionID,
		CreatedEntities:      []models.Entity{},
		CreatedRelationships: []models.Relationship{},
	}
	nameToID := make(map[string]string, len(entities))

	for _, entity := range entities {
		if entity.ID != "" {
			nameToID[entity.Name] = entity.ID
			continue
		}

		entity.ID = uuid.NewString()
		if err := b.graph.CreateEntity(ctx, entity); err != nil {
			logger.Error("Failed to create entity, aborting apply",
				zap.String("extraction_id", extractionID),
				zap.String("name", entity.Name),
				zap.Error(err),
			)
			return report, fmt.Errorf("failed to create entity %q: %w", entity.Name, err)
		}
		metrics.GraphWrites.WithLabelValues("entity").Inc()

		entity.IsNew = false
		nameToID[entity.Name] = entity.ID
		report.CreatedEntities = append(report.CreatedEntities, entity)
	}

	for _, rel := range relationships {
		sourceID, missing := b.resolve(ctx, rel.Source, nameToID)
		targetID := ""
		if missing == "" {
			targetID, missing = b.resolve(ctx, rel.Target, nameToID)
		}
		if missing != "" {
			b.dangling(report, rel, missing)
			continue
		}

		id, err := b.graph.CreateRelationship(ctx, sourceID, targetID, rel.Type)
		if errors.Is(err, models.ErrNotFound) {
			// An explicit id that no longer exists in the graph.
			b.dangling(report, rel, rel.Source.String()+" or "+rel.Target.String())
			continue
		}
		if err != nil {
			metrics.GraphWrites.WithLabelValues("failed").Inc()
			logger.Warn("Failed to create relationship",
				zap.String("extraction_id", extractionID),
				zap.String("type", rel.Type),
				zap.Error(err),
			)
			report.Failed = append(report.Failed, &models.RelationshipWriteError{Relationship: rel, Err: err})
			continue
		}
		metrics.GraphWrites.WithLabelValues("relationship").Inc()

		report.CreatedRelationships = append(report.CreatedRelationships, models.Relationship{
			ID:     id,
			Source: models.EntityRef{ID: sourceID, Name: rel.Source.Name},
			Target: models.EntityRef{ID: targetID, Name: rel.Target.Name},
			Type:   rel.Type,
		})
	}

	logger.Info("Graph delta applied",
		zap.String("extraction_id", extractionID),
		zap.Int("created_entities", len(report.CreatedEntities)),
		zap.Int("created_relationships", len(report.CreatedRelationships)),
		zap.Int("dangling", len(report.Dangling)),
		zap.Int("failed", len(report.Failed)),
	)

	return report, report.Err()
}

// resolve returns the entity id for ref, or the unresolved name. Names not
// in the delta are looked up in the graph.
func (b *Builder) resolve(ctx context.Context, ref models.EntityRef, nameToID map[string]string) (string, string) {
	if ref.ID != "" {
		return ref.ID, ""
	}
	if id, ok := nameToID[ref.Name]; ok {
		return id, ""
	}

	existing, err := b.graph.FindEntityByName(ctx, ref.Name)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			logger.Warn("Entity lookup failed", zap.String("name", ref.Name), zap.Error(err))
		}
		return "", ref.Name
	}
	nameToID[ref.Name] = existing.ID
	return existing.ID, ""
}

func (b *Builder) dangling(report *models.ApplyReport, rel models.Relationship, missing string) {
	metrics.GraphWrites.WithLabelValues("dangling").Inc()
	logger.Warn("Skipping relationship with dangling reference",
		zap.String("extraction_id", report.ExtractionID),
		zap.String("type", rel.Type),
		zap.String("missing", missing),
	)
	report.Dangling = append(report.Dangling, &models.DanglingReferenceError{Relationship: rel, Missing: missing})
}

func (b *Builder) validateDelta(entities []models.Entity, relationships []models.Relationship) error {
	for i := range entities {
		if err := b.validate.Struct(entities[i]); err != nil {
			return fmt.Errorf("%w: entity %d: %v", models.ErrInvalidInput, i, err)
		}
	}
	for i, rel := range relationships {
		if err := b.validate.Struct(rel); err != nil {
			return fmt.Errorf("%w: relationship %d: %v", models.ErrInvalidInput, i, err)
		}
		if rel.Source.String() == "" || rel.Target.String() == "" {
			return fmt.Errorf("%w: relationship %d needs a source and a target", models.ErrInvalidInput, i)
		}
	}
	return nil
}
