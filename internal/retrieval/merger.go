// Package retrieval fans a query out to every document store and merges the
// ranked answers.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rag-explorer/backend/internal/metrics"
	"github.com/rag-explorer/backend/internal/storage"
	"github.com/rag-explorer/backend/internal/storage/models"
	"github.com/rag-explorer/backend/pkg/logger"
)

const (
	outcomeFull     = "full"
	outcomeDegraded = "degraded"
	outcomeFailed   = "failed"
)

// Merger queries its stores concurrently. Store order is priority order when
// two stores return the same text.
type Merger struct {
	stores  []storage.DocumentStore
	timeout time.Duration
}

func NewMerger(timeout time.Duration, stores ...storage.DocumentStore) *Merger {
	return &Merger{stores: stores, timeout: timeout}
}

// Search returns at most limit results. One failing store degrades the answer
// to the surviving stores; only when every store fails does it return a
// *models.RetrievalError.
func (m *Merger) Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", models.ErrInvalidInput)
	}
	if len(m.stores) == 0 {
		return nil, fmt.Errorf("%w: no stores configured", models.ErrInvalidInput)
	}

	lists := make([][]models.SearchResult, len(m.stores))
	errs := make([]error, len(m.stores))

	var g errgroup.Group
	for i, store := range m.stores {
		i, store := i, store
		g.Go(func() error {
			lists[i], errs[i] = m.searchStore(ctx, store, query, limit)
			return nil
		})
	}
	_ = g.Wait()

	causes := make(map[string]error)
	for i, err := range errs {
		if err == nil {
			continue
		}
		causes[m.stores[i].Name()] = err
		logger.Warn("Store search failed",
			zap.String("store", m.stores[i].Name()),
			zap.Error(err),
		)
	}

	if len(causes) == len(m.stores) {
		metrics.RetrievalTotal.WithLabelValues(outcomeFailed).Inc()
		return nil, &models.RetrievalError{Causes: causes}
	}
	if len(causes) > 0 {
		metrics.RetrievalTotal.WithLabelValues(outcomeDegraded).Inc()
	} else {
		metrics.RetrievalTotal.WithLabelValues(outcomeFull).Inc()
	}

	merged := Merge(lists, limit)
	metrics.RetrievalResultsCount.Observe(float64(len(merged)))

	logger.Debug("Retrieval merged",
		zap.Int("stores", len(m.stores)),
		zap.Int("failed_stores", len(causes)),
		zap.Int("results", len(merged)),
	)
	return merged, nil
}

func (m *Merger) searchStore(ctx context.Context, store storage.DocumentStore, query string, limit int) ([]models.SearchResult, error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	start := time.Now()
	results, err := store.SimilaritySearch(ctx, query, limit)
	status := "ok"
	if err != nil {
		status = "error"
		err = models.Classify(err, nil)
	}
	metrics.RetrievalDuration.WithLabelValues(store.Name(), status).Observe(time.Since(start).Seconds())
	return results, err
}

// Merge deduplicates by exact text, keeping the first occurrence in list
// order, then sorts by score descending and truncates to limit. Equal scores
// keep their list order.
func Merge(lists [][]models.SearchResult, limit int) []models.SearchResult {
	seen := make(map[string]struct{})
	merged := make([]models.SearchResult, 0)
	for _, list := range lists {
		for _, r := range list {
			if _, ok := seen[r.Text]; ok {
				continue
			}
			seen[r.Text] = struct{}{}
			merged = append(merged, r)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})

	if limit >= 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
