// Package explorer is the core surface offered to the HTTP layer: ingest,
// retrieve, extract a graph delta, apply it, and chat.
package explorer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rag-explorer/backend/internal/chat"
	"github.com/rag-explorer/backend/internal/chunker"
	"github.com/rag-explorer/backend/internal/ingestion"
	"github.com/rag-explorer/backend/internal/kg/builder"
	"github.com/rag-explorer/backend/internal/kg/extraction"
	"github.com/rag-explorer/backend/internal/llm"
	"github.com/rag-explorer/backend/internal/retrieval"
	"github.com/rag-explorer/backend/internal/storage"
	"github.com/rag-explorer/backend/internal/storage/models"
	"github.com/rag-explorer/backend/pkg/logger"
)

// Ledger is the bookkeeping store; *sqlite.Client implements it.
type Ledger interface {
	ingestion.Ledger
	chat.Ledger
	GetIngestion(ctx context.Context, documentID string) (*models.IngestionRecord, error)
	ListInconsistentIngestions(ctx context.Context, limit int) ([]models.IngestionRecord, error)
	ListChatRecords(ctx context.Context, limit int) ([]models.ChatRecord, error)
}

type Deps struct {
	Chunker    *chunker.Chunker
	Graph      storage.GraphStore
	Relational storage.DocumentStore
	Completer  llm.Completer
	Ledger     Ledger
}

type Options struct {
	ChatTopK         int
	RetrievalTimeout time.Duration
	ContextBudget    int
	PendingTTL       time.Duration
	Concurrency      int
}

type Explorer struct {
	processor *ingestion.Processor
	merger    *retrieval.Merger
	extractor *extraction.Extractor
	builder   *builder.Builder
	chat      *chat.Orchestrator
	registry  *extraction.Registry
	ledger    Ledger
}

// New wires the components. The graph store is searched first, so it wins
// when both stores return the same text.
func New(deps Deps, opts Options) *Explorer {
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = time.Hour
	}

	stores := []storage.DocumentStore{deps.Graph, deps.Relational}
	merger := retrieval.NewMerger(opts.RetrievalTimeout, stores...)
	registry := extraction.NewRegistry(opts.PendingTTL)

	var (
		ingestLedger ingestion.Ledger
		chatLedger   chat.Ledger
	)
	if deps.Ledger != nil {
		ingestLedger, chatLedger = deps.Ledger, deps.Ledger
	}

	return &Explorer{
		processor: ingestion.NewProcessor(deps.Chunker, ingestLedger, stores...),
		merger:    merger,
		extractor: extraction.NewExtractor(merger, deps.Graph, deps.Completer, registry, extraction.Options{
			ContextBudget: opts.ContextBudget,
			Concurrency:   opts.Concurrency,
		}),
		builder:  builder.NewBuilder(deps.Graph),
		chat:     chat.NewOrchestrator(merger, deps.Completer, chatLedger, opts.ChatTopK),
		registry: registry,
		ledger:   deps.Ledger,
	}
}

// Ingest returns the ledger record even when a store failed, so callers can
// see which store holds the document.
func (e *Explorer) Ingest(ctx context.Context, rawText, sourceName string) (*models.IngestionRecord, error) {
	return e.processor.ProcessDocument(ctx, rawText, sourceName)
}

func (e *Explorer) Retrieve(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", models.ErrInvalidInput)
	}
	return e.merger.Search(ctx, query, limit)
}

// ExtractGraph only fails on invalid arguments; every downstream failure
// degrades to a smaller proposal.
func (e *Explorer) ExtractGraph(ctx context.Context, query string, limit int) (models.ExtractionResult, error) {
	if strings.TrimSpace(query) == "" {
		return models.ExtractionResult{}, fmt.Errorf("%w: empty query", models.ErrInvalidInput)
	}
	if limit <= 0 {
		return models.ExtractionResult{}, fmt.Errorf("%w: limit must be positive", models.ErrInvalidInput)
	}
	return e.extractor.Extract(ctx, query, limit), nil
}

// ApplyGraphDelta writes the reviewed delta. The staged extraction is
// released if it is still pending; an unknown or expired id is applied all
// the same.
func (e *Explorer) ApplyGraphDelta(ctx context.Context, extractionID string, entities []models.Entity, relationships []models.Relationship) (*models.ApplyReport, error) {
	if _, ok := e.registry.Take(extractionID); !ok {
		logger.Warn("Applying extraction that is not pending", zap.String("extraction_id", extractionID))
	}
	return e.builder.Apply(ctx, extractionID, entities, relationships)
}

// PendingExtraction returns a staged extraction that has not been applied.
func (e *Explorer) PendingExtraction(extractionID string) (models.ExtractionResult, bool) {
	return e.registry.Get(extractionID)
}

func (e *Explorer) Chat(ctx context.Context, history []models.Message, message string) (*models.ChatResponse, error) {
	return e.chat.Respond(ctx, history, message)
}

func (e *Explorer) DeleteDocument(ctx context.Context, documentID string) error {
	return e.processor.DeleteDocument(ctx, documentID)
}

func (e *Explorer) InconsistentIngestions(ctx context.Context, limit int) ([]models.IngestionRecord, error) {
	if e.ledger == nil {
		return []models.IngestionRecord{}, nil
	}
	return e.ledger.ListInconsistentIngestions(ctx, limit)
}

// Ingestion returns the ledger record of a document, or models.ErrNotFound.
func (e *Explorer) Ingestion(ctx context.Context, documentID string) (*models.IngestionRecord, error) {
	if e.ledger == nil {
		return nil, models.ErrNotFound
	}
	return e.ledger.GetIngestion(ctx, documentID)
}

// ChatHistory lists recorded chat turns, newest first.
func (e *Explorer) ChatHistory(ctx context.Context, limit int) ([]models.ChatRecord, error) {
	if e.ledger == nil {
		return []models.ChatRecord{}, nil
	}
	return e.ledger.ListChatRecords(ctx, limit)
}
