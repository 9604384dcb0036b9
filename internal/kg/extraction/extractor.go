// Package extraction proposes knowledge graph deltas from retrieved text. The
// pipeline is linear (load schema, extract, reconcile, diff schema, stage)
// and every stage degrades to an emptier state instead of failing.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rag-explorer/backend/internal/llm"
	"github.com/rag-explorer/backend/internal/metrics"
	"github.com/rag-explorer/backend/internal/storage"
	"github.com/rag-explorer/backend/internal/storage/models"
	"github.com/rag-explorer/backend/pkg/logger"
	"github.com/rag-explorer/backend/pkg/utils"
)

const defaultContextBudget = 8000

// Retriever supplies the chunks an extraction runs over.
type Retriever interface {
	Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error)
}

// GraphReader is the read side of the graph store the pipeline needs.
type GraphReader interface {
	storage.SchemaReader
	storage.EntityFinder
}

type Options struct {
	ContextBudget int
	Concurrency   int
}

type Extractor struct {
	retriever   Retriever
	graph       GraphReader
	completer   llm.Completer
	registry    *Registry
	budget      int
	concurrency int
}

func NewExtractor(retriever Retriever, graph GraphReader, completer llm.Completer, registry *Registry, opts Options) *Extractor {
	if opts.ContextBudget <= 0 {
		opts.ContextBudget = defaultContextBudget
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	return &Extractor{
		retriever:   retriever,
		graph:       graph,
		completer:   completer,
		registry:    registry,
		budget:      opts.ContextBudget,
		concurrency: opts.Concurrency,
	}
}

// Extract retrieves context for query and runs the pipeline over it. It never
// fails: a retrieval failure yields an empty proposal.
func (x *Extractor) Extract(ctx context.Context, query string, limit int) models.ExtractionResult {
	var chunks []string
	results, err := x.retriever.Search(ctx, query, limit)
	if err != nil {
		logger.Warn("Retrieval for extraction failed, extracting from nothing",
			zap.String("query", query),
			zap.Error(err),
		)
	}
	for _, r := range results {
		chunks = append(chunks, r.Text)
	}

	return x.Run(ctx, chunks)
}

// Run executes the five stages over chunks.
func (x *Extractor) Run(ctx context.Context, chunks []string) models.ExtractionResult {
	state := State{Chunks: chunks}
	state = x.LoadSchema(ctx, state)
	state = x.ExtractEntities(ctx, state)
	state = x.ReconcileEntities(ctx, state)
	state = DiffSchema(state)
	return x.Stage(state)
}

// LoadSchema takes a fresh snapshot on every run.
func (x *Extractor) LoadSchema(ctx context.Context, s State) State {
	schema, err := storage.ReadSchema(ctx, x.graph)
	if err != nil {
		logger.Warn("Schema introspection failed, using default schema", zap.Error(err))
		return s.withSchema(DefaultSchema())
	}
	return s.withSchema(schema)
}

func (x *Extractor) ExtractEntities(ctx context.Context, s State) State {
	if len(s.Chunks) == 0 {
		metrics.ExtractionRuns.WithLabelValues("empty").Inc()
		return s.withExtraction(nil, nil)
	}

	messages := []models.Message{
		{Role: models.RoleSystem, Content: systemPrompt(s.Schema)},
		{Role: models.RoleUser, Content: "Text:\n" + x.contextWindow(s.Chunks) + "\n\nReturn JSON only."},
	}

	reply, err := x.completer.Complete(ctx, messages)
	if err != nil {
		metrics.ExtractionRuns.WithLabelValues("completion_failed").Inc()
		logger.Warn("Extraction completion failed", zap.Error(err))
		return s.withExtraction(nil, nil)
	}

	parsed := parseStructuredExtraction(reply)
	if !parsed.OK() {
		metrics.ExtractionRuns.WithLabelValues("parse_failed").Inc()
		logger.Warn("Extraction reply was not structured",
			zap.Error(parsed.Err),
			zap.String("reply", utils.Truncate(reply, 200)),
		)
		return s.withExtraction(nil, nil)
	}

	metrics.ExtractionRuns.WithLabelValues(parsed.Strategy.String()).Inc()
	metrics.ExtractedEntities.Observe(float64(len(parsed.Entities)))
	logger.Info("Entities extracted",
		zap.String("strategy", parsed.Strategy.String()),
		zap.Int("entities", len(parsed.Entities)),
		zap.Int("relationships", len(parsed.Relationships)),
	)
	return s.withExtraction(parsed.Entities, parsed.Relationships)
}

// contextWindow concatenates chunks in order until the budget (in runes) is
// spent; earlier chunks win.
func (x *Extractor) contextWindow(chunks []string) string {
	var b strings.Builder
	remaining := x.budget
	for _, c := range chunks {
		sep := 0
		if b.Len() > 0 {
			sep = 2
		}
		if remaining-sep <= 0 {
			break
		}
		if sep > 0 {
			b.WriteString("\n\n")
			remaining -= sep
		}
		part := utils.Truncate(c, remaining)
		b.WriteString(part)
		remaining -= len([]rune(part))
	}
	return b.String()
}

func systemPrompt(schema models.SchemaSnapshot) string {
	return fmt.Sprintf(`You are a knowledge graph expert. Extract entities and the relationships between them from the text.

Known entity labels: %s
Known relationship types: %s

Prefer the known labels and types. Propose a new label or type only when none fits.
Use the exact entity name as written in the text.

Format as JSON:
{"entities": [{"name": "entity_name", "label": "Label"}],
 "relationships": [{"source": "entity_name", "target": "entity_name", "type": "RELATIONSHIP_TYPE"}]}`,
		strings.Join(schema.Labels, ", "), strings.Join(schema.RelationshipTypes, ", "))
}

// ReconcileEntities looks every entity up by exact name. Found entities take
// the graph's id and are no longer new; a failed lookup leaves the entity as
// it was.
func (x *Extractor) ReconcileEntities(ctx context.Context, s State) State {
	entities := cloneEntities(s.Entities)

	var g errgroup.Group
	g.SetLimit(x.concurrency)
	for i := range entities {
		i := i
		g.Go(func() error {
			existing, err := x.graph.FindEntityByName(ctx, entities[i].Name)
			switch {
			case errors.Is(err, models.ErrNotFound):
				entities[i].IsNew = true
			case err != nil:
				logger.Warn("Entity lookup failed",
					zap.String("name", entities[i].Name),
					zap.Error(err),
				)
			default:
				entities[i].IsNew = false
				entities[i].ID = existing.ID
			}
			return nil
		})
	}
	_ = g.Wait()

	return s.withEntities(entities)
}

// DiffSchema is deterministic: labels first, then relationship types, each
// sorted.
func DiffSchema(s State) State {
	labels := make(map[string]struct{})
	for _, e := range s.Entities {
		if !s.Schema.HasLabel(e.Label) {
			labels[e.Label] = struct{}{}
		}
	}
	relTypes := make(map[string]struct{})
	for _, r := range s.Relationships {
		if !s.Schema.HasRelationshipType(r.Type) {
			relTypes[r.Type] = struct{}{}
		}
	}

	var elements []models.SchemaElement
	for _, v := range sortedSet(labels) {
		elements = append(elements, models.SchemaElement{Kind: models.SchemaElementEntityLabel, Value: v})
	}
	for _, v := range sortedSet(relTypes) {
		elements = append(elements, models.SchemaElement{Kind: models.SchemaElementRelationshipType, Value: v})
	}
	return s.withNewSchemaElements(elements)
}

// Stage packages the state for review. Nothing is written to the graph.
func (x *Extractor) Stage(s State) models.ExtractionResult {
	result := models.ExtractionResult{
		ExtractionID:      uuid.NewString(),
		Entities:          nonNil(s.Entities),
		Relationships:     nonNil(s.Relationships),
		NewSchemaElements: nonNil(s.NewSchemaElements),
	}
	if x.registry != nil {
		x.registry.Put(result)
	}

	logger.Info("Extraction staged for review",
		zap.String("extraction_id", result.ExtractionID),
		zap.Int("entities", len(result.Entities)),
		zap.Int("relationships", len(result.Relationships)),
		zap.Int("new_schema_elements", len(result.NewSchemaElements)),
	)
	return result
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
