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
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/rhizome/backend/internal/api/handlers"
	"github.com/rhizome/backend/internal/cache/redis"
	"github.com/rhizome/backend/internal/detection"
	"github.com/rhizome/backend/internal/detection/engines/bridge"
	"github.com/rhizome/backend/internal/detection/engines/contradiction"
	"github.com/rhizome/backend/internal/detection/engines/similarity"
	"github.com/rhizome/backend/internal/graph/neo4j"
	"github.com/rhizome/backend/internal/jobs"
	"github.com/rhizome/backend/internal/llm"
	"github.com/rhizome/backend/internal/metrics"
	"github.com/rhizome/backend/internal/middleware/ratelimit"
	"github.com/rhizome/backend/internal/storage/sqlite"
	"github.com/rhizome/backend/internal/vector/milvus"
	"github.com/rhizome/backend/pkg/config"
	appLogger "github.com/rhizome/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Rhizome detection API server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	neo4jClient, err := neo4j.NewClient(
		cfg.Neo4j.URI,
		cfg.Neo4j.Username,
		cfg.Neo4j.Password,
		cfg.Neo4j.Database,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
	}
	defer neo4jClient.Close(context.Background())

	milvusClient, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.APIKey,
		cfg.Milvus.CollectionName,
		cfg.Milvus.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	err = milvusClient.EnsureCollection(context.Background())
	if err != nil {
		appLogger.Fatal("Failed to ensure embedding collection", zap.Error(err))
	}

	var cache jobs.Cache
	redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		appLogger.Warn("Redis unavailable, running without stats cache", zap.Error(err))
	} else {
		defer redisClient.Close()
		cache = redisClient
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
		cfg.LLM.TimeoutSec,
	)

	registry := detection.NewRegistry()
	mustRegister(registry, similarity.New(milvusClient, cfg.Detection.Similarity))
	mustRegister(registry, contradiction.New(llmClient, milvusClient, cfg.Detection.Contradiction))
	mustRegister(registry, bridge.New(milvusClient, sqliteClient, llmClient, cfg.Detection.ThematicBridge))

	weights := make(map[detection.EngineKind]int, len(cfg.Detection.EngineWeights))
	for name, weight := range cfg.Detection.EngineWeights {
		weights[detection.EngineKind(name)] = weight
	}

	orchestrator := detection.NewOrchestrator(
		neo4jClient,
		time.Duration(cfg.Detection.EngineTimeoutSec)*time.Second,
		weights,
	)

	resolver := detection.NewResolver(sqliteClient)

	manager := jobs.NewManager(
		sqliteClient,
		sqliteClient,
		sqliteClient,
		resolver,
		orchestrator,
		registry,
		cache,
		jobs.Config{
			Workers:    cfg.Detection.Workers,
			JobTimeout: time.Duration(cfg.Detection.JobTimeoutSec) * time.Second,
			StatsTTL:   time.Duration(cfg.Redis.StatsTTL) * time.Second,
		},
	)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	limiter := ratelimit.New(ratelimit.Config{MaxRequestsPerMinute: 120})
	defer limiter.Stop()

	detectionHandler := handlers.NewDetectionHandler(manager, registry)
	wsHandler := handlers.NewWebSocketHandler(manager)

	api := app.Group("/api/v1")

	api.Post("/detection/jobs", limiter.Middleware(10), detectionHandler.SubmitJob)
	api.Get("/detection/jobs/:id", limiter.Middleware(1), detectionHandler.GetJob)
	api.Get("/detection/engines", limiter.Middleware(1), detectionHandler.ListEngines)
	api.Get("/documents/:id/detection-stats", limiter.Middleware(1), detectionHandler.GetDetectionStats)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/detection/:id", websocket.New(wsHandler.HandleConnection))

	app.Get("/metrics", metrics.MetricsHandler())

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
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
	app.Shutdown()
	// Queued jobs finish before the process exits; chunks stay unmarked for
	// anything that never ran, so a resubmit picks them up.
	manager.Close()
	appLogger.Info("Server stopped")
}

func mustRegister(registry *detection.Registry, engine detection.Engine) {
	if err := registry.Register(engine); err != nil {
		appLogger.Fatal("Failed to register engine", zap.Error(err))
	}
}
