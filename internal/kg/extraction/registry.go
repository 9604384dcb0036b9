package extraction

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/rag-explorer/backend/internal/metrics"
	"github.com/rag-explorer/backend/internal/storage/models"
)

// Registry holds staged extractions awaiting review until they are applied
// or expire. The pending count is exported as a gauge.
type Registry struct {
	cache *gocache.Cache
}

func NewRegistry(ttl time.Duration) *Registry {
	r := &Registry{cache: gocache.New(ttl, 2*ttl)}
	r.cache.OnEvicted(func(string, interface{}) { r.observe() })
	return r
}

func (r *Registry) Put(result models.ExtractionResult) {
	r.cache.SetDefault(result.ExtractionID, result)
	r.observe()
}

func (r *Registry) Get(extractionID string) (models.ExtractionResult, bool) {
	v, ok := r.cache.Get(extractionID)
	if !ok {
		return models.ExtractionResult{}, false
	}
	return v.(models.ExtractionResult), true
}

// Take removes and returns a staged extraction.
func (r *Registry) Take(extractionID string) (models.ExtractionResult, bool) {
	result, ok := r.Get(extractionID)
	if ok {
		r.cache.Delete(extractionID)
	}
	return result, ok
}

func (r *Registry) Len() int {
	return r.cache.ItemCount()
}

func (r *Registry) observe() {
	metrics.PendingExtractions.Set(float64(r.Len()))
}
