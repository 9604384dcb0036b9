// Package ingestion chunks raw documents and writes them to every document
// store.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"html"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rag-explorer/backend/internal/chunker"
	"github.com/rag-explorer/backend/internal/metrics"
	"github.com/rag-explorer/backend/internal/storage"
	"github.com/rag-explorer/backend/internal/storage/models"
	"github.com/rag-explorer/backend/pkg/logger"
	"github.com/rag-explorer/backend/pkg/utils"
)

// Ledger records per-store outcomes. It is optional.
type Ledger interface {
	InsertIngestion(ctx context.Context, record *models.IngestionRecord) error
	DeleteIngestion(ctx context.Context, documentID string) error
}

type Processor struct {
	chunker *chunker.Chunker
	stores  []storage.DocumentStore
	ledger  Ledger
}

func NewProcessor(c *chunker.Chunker, ledger Ledger, stores ...storage.DocumentStore) *Processor {
	return &Processor{
		chunker: c,
		stores:  stores,
		ledger:  ledger,
	}
}

// ProcessDocument chunks rawText and writes the document and its chunks to
// every store concurrently. There is no transaction across stores: when one
// store fails the others keep what they wrote, the ledger records the split
// and the joined store errors are returned with the record.
func (p *Processor) ProcessDocument(ctx context.Context, rawText, sourceName string) (*models.IngestionRecord, error) {
	logger.Info("Processing document", zap.String("source", sourceName))

	text, title := rawText, ""
	if isHTML(sourceName) {
		text, title = cleanHTML(rawText)
	}
	if strings.TrimSpace(text) == "" {
		metrics.DocumentsIngested.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: no content in %s", models.ErrInvalidInput, sourceName)
	}
	if title == "" {
		title = chunker.Title(text, sourceName)
	}

	chunks, err := p.chunker.ChunkWithTitle(text, sourceName, title)
	if err != nil {
		metrics.DocumentsIngested.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("failed to chunk document: %w", err)
	}

	doc := models.Document{
		ID:          uuid.NewString(),
		Title:       title,
		SourceLabel: sourceName,
		CreatedAt:   time.Now(),
	}

	outcomes := make([]models.StoreOutcome, len(p.stores))
	errs := make([]error, len(p.stores))

	var g errgroup.Group
	for i, store := range p.stores {
		i, store := i, store
		g.Go(func() error {
			errs[i] = p.writeStore(ctx, store, doc, chunks)
			outcomes[i] = models.StoreOutcome{Store: store.Name(), Status: models.OutcomeOK}
			if errs[i] != nil {
				outcomes[i].Status = models.OutcomeFailed
				outcomes[i].Error = errs[i].Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	record := &models.IngestionRecord{
		DocumentID: doc.ID,
		SourceName: sourceName,
		Title:      title,
		ChunkCount: len(chunks),
		Outcomes:   outcomes,
		CreatedAt:  doc.CreatedAt,
	}
	if p.ledger != nil {
		if err := p.ledger.InsertIngestion(ctx, record); err != nil {
			logger.Warn("Failed to record ingestion", zap.String("document_id", doc.ID), zap.Error(err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		status := "failed"
		if !allFailed(errs) {
			status = "partial"
		}
		metrics.DocumentsIngested.WithLabelValues(status).Inc()
		logger.Error("Document ingestion failed",
			zap.String("document_id", doc.ID),
			zap.String("status", status),
			zap.Error(err),
		)
		return record, fmt.Errorf("failed to ingest %s: %w", sourceName, err)
	}

	metrics.DocumentsIngested.WithLabelValues("ok").Inc()
	logger.Info("Document processed successfully",
		zap.String("document_id", doc.ID),
		zap.String("title", title),
		zap.Int("chunks", len(chunks)),
	)
	return record, nil
}

func (p *Processor) writeStore(ctx context.Context, store storage.DocumentStore, doc models.Document, chunks []models.ChunkInput) error {
	if err := store.StoreDocument(ctx, doc); err != nil {
		return fmt.Errorf("%s: %w", store.Name(), err)
	}
	if _, err := store.StoreChunks(ctx, doc.ID, chunks); err != nil {
		return fmt.Errorf("%s: %w", store.Name(), err)
	}
	return nil
}

// DeleteDocument removes a document and its chunks from every store and
// drops its ledger entry.
func (p *Processor) DeleteDocument(ctx context.Context, documentID string) error {
	var errs []error
	for _, store := range p.stores {
		if err := store.DeleteDocument(ctx, documentID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
		}
	}
	if p.ledger != nil {
		if err := p.ledger.DeleteIngestion(ctx, documentID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", documentID, err)
	}

	logger.Info("Document deleted", zap.String("document_id", documentID))
	return nil
}

func allFailed(errs []error) bool {
	for _, err := range errs {
		if err == nil {
			return false
		}
	}
	return true
}

func isHTML(sourceName string) bool {
	switch strings.ToLower(filepath.Ext(sourceName)) {
	case ".html", ".htm":
		return true
	}
	return false
}

var (
	blankRuns = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)
	spaceRuns = regexp.MustCompile(`[ \t\r\f\v]+`)
)

// cleanHTML returns the visible body text with h1-h3 rewritten as markdown
// headings, so the chunker sees the same section structure, and the page
// title.
func cleanHTML(raw string) (string, string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", ""
	}

	title := utils.NormalizeSpace(doc.Find("title").First().Text())

	doc.Find("script, style, nav, footer, header, aside, noscript").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	body := doc.Find("body")
	for level, tag := range []string{"h1", "h2", "h3"} {
		prefix := strings.Repeat("#", level+1)
		body.Find(tag).Each(func(i int, s *goquery.Selection) {
			heading := utils.NormalizeSpace(s.Text())
			s.ReplaceWithHtml("\n\n" + prefix + " " + html.EscapeString(heading) + "\n\n")
		})
	}
	body.Find("p, div, li, br, tr, pre, blockquote, h4, h5, h6").Each(func(i int, s *goquery.Selection) {
		s.AfterHtml("\n")
	})

	lines := strings.Split(body.Text(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRuns.ReplaceAllString(line, " "))
	}
	text := blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")

	return strings.TrimSpace(text), title
}
