package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rag-explorer/backend/pkg/circuitbreaker"
)

var (
	RetrievalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rag_explorer_retrieval_duration_seconds",
			Help:    "Store similarity search duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"store", "status"},
	)

	RetrievalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_explorer_retrieval_total",
			Help: "Merged retrievals by outcome (full, degraded, failed)",
		},
		[]string{"outcome"},
	)

	RetrievalResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rag_explorer_retrieval_results_count",
			Help:    "Number of merged results per retrieval",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 20, 50},
		},
	)

	DocumentsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_explorer_documents_ingested_total",
			Help: "Documents ingested by outcome",
		},
		[]string{"status"},
	)

	ChunksStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_explorer_chunks_stored_total",
			Help: "Chunks written per store by outcome",
		},
		[]string{"store", "status"},
	)

	ExtractionRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_explorer_extraction_runs_total",
			Help: "Knowledge graph extraction runs by parse outcome",
		},
		[]string{"outcome"},
	)

	ExtractedEntities = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rag_explorer_extracted_entities_count",
			Help:    "Entities proposed per extraction run",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	GraphWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_explorer_graph_writes_total",
			Help: "Graph delta writes by kind (entity, relationship, dangling, failed)",
		},
		[]string{"kind"},
	)

	PendingExtractions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rag_explorer_pending_extractions",
			Help: "Staged extractions awaiting review",
		},
	)

	ChatTurns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_explorer_chat_turns_total",
			Help: "Chat turns by status",
		},
		[]string{"status"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_explorer_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_explorer_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_explorer_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rag_explorer_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RetrievalDuration,
			RetrievalTotal,
			RetrievalResultsCount,
			DocumentsIngested,
			ChunksStored,
			ExtractionRuns,
			ExtractedEntities,
			GraphWrites,
			PendingExtractions,
			ChatTurns,
			LLMTokensUsed,
			CacheHits,
			CacheMisses,
			CircuitBreakerState,
		)
	})
}

// ObserveBreaker is a circuitbreaker.Config.OnStateChange hook.
func ObserveBreaker(name string, _ circuitbreaker.State, to circuitbreaker.State) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(to))
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
