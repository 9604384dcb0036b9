package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/rag-explorer/backend/internal/api/handlers"
	"github.com/rag-explorer/backend/internal/cache/redis"
	"github.com/rag-explorer/backend/internal/chunker"
	"github.com/rag-explorer/backend/internal/explorer"
	"github.com/rag-explorer/backend/internal/kg/neo4j"
	"github.com/rag-explorer/backend/internal/llm"
	"github.com/rag-explorer/backend/internal/metrics"
	"github.com/rag-explorer/backend/internal/middleware/ratelimit"
	"github.com/rag-explorer/backend/internal/middleware/security"
	"github.com/rag-explorer/backend/internal/middleware/validation"
	"github.com/rag-explorer/backend/internal/storage"
	"github.com/rag-explorer/backend/internal/storage/memory"
	"github.com/rag-explorer/backend/internal/storage/sqlite"
	"github.com/rag-explorer/backend/internal/vector/pgvector"
	"github.com/rag-explorer/backend/pkg/config"
	appLogger "github.com/rag-explorer/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.InitWithRotation(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath, appLogger.Rotation{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   true,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting RAG Explorer API Server")
	metrics.Init()

	ctx := context.Background()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	llmClient := llm.NewClient(llm.Options{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Dimension:      cfg.Embedding.Dimension,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		Timeout:        time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		EmbedTimeout:   time.Duration(cfg.LLM.EmbedTimeoutSec) * time.Second,
	})

	var embedder llm.Embedder = llmClient
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, embeddings will not be cached", zap.Error(err))
		} else {
			defer redisClient.Close()
			if cfg.Redis.FlushOnStart {
				if _, err := redisClient.InvalidateEmbeddings(ctx); err != nil {
					appLogger.Warn("Failed to flush embedding cache", zap.Error(err))
				}
			}
			ttl := time.Duration(cfg.Redis.TTLHours) * time.Hour
			embedder = llm.NewCachedEmbedder(llmClient, redisClient, llmClient.EmbeddingModel(), ttl)
		}
	}

	graphStore, closeGraph := openGraphStore(ctx, cfg, embedder)
	defer closeGraph()

	relationalStore, closeRelational := openRelationalStore(ctx, cfg, embedder)
	defer closeRelational()

	chunk, err := chunker.New(cfg.Chunking)
	if err != nil {
		appLogger.Fatal("Failed to create chunker", zap.Error(err))
	}

	exp := explorer.New(explorer.Deps{
		Chunker:    chunk,
		Graph:      graphStore,
		Relational: relationalStore,
		Completer:  llmClient,
		Ledger:     sqliteClient,
	}, explorer.Options{
		ChatTopK:         cfg.Retrieval.ChatTopK,
		RetrievalTimeout: time.Duration(cfg.Retrieval.TimeoutSec) * time.Second,
		ContextBudget:    cfg.Extraction.ContextBudget,
		PendingTTL:       time.Duration(cfg.Extraction.PendingTTLMin) * time.Minute,
		Concurrency:      cfg.Chunking.Concurrency,
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	rateLimiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.RateLimitPerMin,
		Logger:               appLogger.GetLogger(),
	})
	defer rateLimiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins(cfg.Server.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.IsDevelopment,
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	documentHandler := handlers.NewDocumentHandler(exp)
	retrievalHandler := handlers.NewRetrievalHandler(exp, cfg.Retrieval.TopK)
	graphHandler := handlers.NewGraphHandler(exp, cfg.Retrieval.TopK)
	chatHandler := handlers.NewChatHandler(exp)
	wsHandler := handlers.NewWebSocketHandler(exp)

	api := app.Group("/api/v1")
	api.Use(rateLimiter.Middleware())
	api.Use(validation.Middleware(validation.Config{
		MaxQueryLength: 5000,
		Logger:         appLogger.GetLogger(),
	}))

	api.Post("/documents", documentHandler.UploadDocument)
	api.Delete("/documents/:id", documentHandler.DeleteDocument)
	api.Get("/documents/:id/ingestion", documentHandler.GetIngestion)
	api.Get("/ingestions/inconsistent", documentHandler.ListInconsistent)

	api.Post("/retrieve", retrievalHandler.Retrieve)

	api.Post("/graph/extract", graphHandler.Extract)
	api.Get("/graph/extractions/:id", graphHandler.GetPending)
	api.Post("/graph/apply", graphHandler.Apply)

	api.Post("/chat", chatHandler.Chat)
	api.Get("/chat/history", chatHandler.History)

	api.Use("/chat/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/chat/ws", websocket.New(wsHandler.HandleConnection))

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"stores": []string{graphStore.Name(), relationalStore.Name()},
			"time":   time.Now().Unix(),
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(time.Duration(cfg.Server.ShutdownTimeout) * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

// openGraphStore connects to Neo4j, or to an in-process graph when the URI is
// config.MemoryURI.
func openGraphStore(ctx context.Context, cfg *config.Config, embedder llm.Embedder) (storage.GraphStore, func()) {
	if cfg.Neo4j.URI == config.MemoryURI {
		appLogger.Warn("Using in-memory graph store")
		return memory.New("graph", embedder, cfg.Embedding.Dimension), func() {}
	}

	client, err := neo4j.NewClient(ctx, neo4j.Options{
		URI:         cfg.Neo4j.URI,
		Username:    cfg.Neo4j.Username,
		Password:    cfg.Neo4j.Password,
		Database:    cfg.Neo4j.Database,
		IndexName:   cfg.Neo4j.IndexName,
		Dimension:   cfg.Embedding.Dimension,
		Concurrency: cfg.Chunking.Concurrency,
	}, embedder)
	if err != nil {
		appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
	}
	if err := client.EnsureSchema(ctx); err != nil {
		appLogger.Fatal("Failed to ensure graph schema", zap.Error(err))
	}
	return client, func() { _ = client.Close(context.Background()) }
}

// openRelationalStore connects to Postgres, or to an in-process store when the
// DSN is config.MemoryURI.
func openRelationalStore(ctx context.Context, cfg *config.Config, embedder llm.Embedder) (storage.DocumentStore, func()) {
	if cfg.Postgres.DSN == config.MemoryURI {
		appLogger.Warn("Using in-memory relational store")
		return memory.New("relational", embedder, cfg.Embedding.Dimension), func() {}
	}

	store, err := pgvector.NewStore(ctx, pgvector.Options{
		DSN:            cfg.Postgres.DSN,
		TablePrefix:    cfg.Postgres.TablePrefix,
		IndexType:      cfg.Postgres.IndexType,
		Lists:          cfg.Postgres.Lists,
		M:              cfg.Postgres.M,
		EfConstruction: cfg.Postgres.EfConstruction,
		EfSearch:       cfg.Postgres.EfSearch,
		Probes:         cfg.Postgres.Probes,
		Dimension:      cfg.Embedding.Dimension,
		MaxConns:       cfg.Postgres.MaxConns,
		Concurrency:    cfg.Chunking.Concurrency,
	}, embedder)
	if err != nil {
		appLogger.Fatal("Failed to create Postgres vector store", zap.Error(err))
	}
	if err := store.InitSchema(ctx); err != nil {
		appLogger.Fatal("Failed to initialize vector schema", zap.Error(err))
	}
	return store, store.Close
}

func allowOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	out := origins[0]
	for _, o := range origins[1:] {
		out += ", " + o
	}
	return out
}
