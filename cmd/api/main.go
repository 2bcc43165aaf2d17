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
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/geoquery/backend/internal/api/handlers"
	"github.com/geoquery/backend/internal/cache/redis"
	"github.com/geoquery/backend/internal/concepts"
	"github.com/geoquery/backend/internal/datasets"
	"github.com/geoquery/backend/internal/evaluation"
	"github.com/geoquery/backend/internal/metrics"
	"github.com/geoquery/backend/internal/middleware/ratelimit"
	"github.com/geoquery/backend/internal/middleware/security"
	"github.com/geoquery/backend/internal/middleware/validation"
	"github.com/geoquery/backend/internal/oracle"
	"github.com/geoquery/backend/internal/orchestrator"
	"github.com/geoquery/backend/internal/sources"
	"github.com/geoquery/backend/internal/sources/energy"
	"github.com/geoquery/backend/internal/sources/kgraph"
	"github.com/geoquery/backend/internal/sources/regdocs"
	"github.com/geoquery/backend/internal/sources/statvar"
	"github.com/geoquery/backend/internal/stats"
	"github.com/geoquery/backend/internal/storage/sqlite"
	"github.com/geoquery/backend/pkg/config"
	appLogger "github.com/geoquery/backend/pkg/logger"
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

	appLogger.Info("Starting GeoQuery API Server")

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

	oracleClient, err := oracle.New(oracle.Config{
		Provider:        cfg.Oracle.Provider,
		Model:           cfg.Oracle.Model,
		APIKey:          cfg.Oracle.APIKey,
		AnthropicAPIKey: cfg.Oracle.AnthropicAPIKey,
		Temperature:     cfg.Oracle.Temperature,
		MaxTokens:       cfg.Oracle.MaxTokens,
		TimeoutSec:      cfg.Oracle.TimeoutSec,
		EmbeddingModel:  cfg.Oracle.EmbeddingModel,
		EmbeddingDim:    cfg.Oracle.EmbeddingDim,
	})
	if err != nil {
		appLogger.Fatal("Failed to create oracle client", zap.Error(err))
	}

	graphRunner, err := kgraph.NewRunner(
		cfg.Graph.URI,
		cfg.Graph.Username,
		cfg.Graph.Password,
		cfg.Graph.Database,
	)
	if err != nil {
		appLogger.Fatal("Failed to create graph runner", zap.Error(err))
	}
	defer graphRunner.Close(context.Background())

	conceptIndex, err := concepts.NewClient(
		cfg.Concepts.Endpoint,
		cfg.Concepts.APIKey,
		cfg.Concepts.CollectionName,
		cfg.Concepts.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create concept index client", zap.Error(err))
	}
	defer conceptIndex.Close()

	err = conceptIndex.CreateCollection(context.Background())
	if err != nil {
		appLogger.Fatal("Failed to create concept collection", zap.Error(err))
	}

	ingestor := concepts.NewIngestor(conceptIndex, oracleClient)
	if cfg.Concepts.SeedPath != "" {
		seeded, err := ingestor.SeedFromFile(context.Background(), cfg.Concepts.SeedPath)
		if err != nil {
			appLogger.Warn("Failed to seed concepts", zap.Error(err))
		} else {
			appLogger.Info("Seeded concepts", zap.Int("count", seeded))
		}
	}

	var answerCache orchestrator.AnswerCache
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		answerCache = redisClient
	}

	sourceTimeout := time.Duration(cfg.Sources.RequestTimeoutSec) * time.Second

	registry := sources.NewRegistry()
	registry.Register(kgraph.NewAdapter(graphRunner, oracleClient, conceptIndex))
	registry.Register(statvar.NewAdapter(statvar.NewClient(cfg.Sources.StatVarEndpoint, sourceTimeout), oracleClient))
	registry.Register(energy.NewAdapter(energy.NewClient(cfg.Sources.EnergyEndpoint, sourceTimeout), oracleClient))
	registry.Register(regdocs.NewAdapter(
		regdocs.NewClient(cfg.Sources.RegDocsEndpoint, cfg.Sources.RegDocsKYEndpoint, sourceTimeout),
		oracleClient,
		cfg.Sources.EnrichRegDocsPages,
	))

	var evaluator *evaluation.Evaluator
	var evalNotifier orchestrator.Evaluator
	if cfg.Evaluation.Enabled {
		evaluator = evaluation.NewEvaluator(oracleClient, sqliteClient, 0)
		evalNotifier = evaluator
	}

	orch := orchestrator.New(orchestrator.Options{
		Oracle:      oracleClient,
		Registry:    registry,
		Sessions:    orchestrator.NewSessionManager(oracleClient, clockwork.NewRealClock()),
		Cache:       answerCache,
		Recorder:    sqliteClient,
		Evaluator:   evalNotifier,
		StoreMaxAge: time.Duration(cfg.Store.MaxAgeSec) * time.Second,
		CacheTTL:    time.Duration(cfg.Redis.TTLSec) * time.Second,
	})

	statsService := stats.NewService(
		stats.NewClient(cfg.Sources.StatsEndpoint, cfg.Sources.StatsAPIKey),
		stats.Defaults{
			Retries:        cfg.Stats.DefaultRetries,
			TimeoutSeconds: cfg.Stats.DefaultTimeout,
			Workers:        cfg.Stats.DefaultWorkers,
		},
	)
	datasetsService := datasets.NewService(datasets.NewClient(cfg.Sources.DatasetsEndpoint, sourceTimeout))

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.RateLimit,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Session-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: cfg.Server.Development,
	}))
	app.Use(limiter.Middleware())
	app.Use(validation.Middleware(validation.Config{
		MaxPageSize: cfg.Server.BodyLimit,
		Logger:      appLogger.GetLogger(),
	}))

	askHandler := handlers.NewAskHandler(orch, sqliteClient)
	statsHandler := handlers.NewStatsHandler(statsService)
	datasetsHandler := handlers.NewDatasetsHandler(datasetsService)
	conceptsHandler := handlers.NewConceptsHandler(ingestor)
	wsHandler := handlers.NewWebSocketHandler(orch)

	api := app.Group("/api/v1")

	api.Post("/ask", askHandler.HandleAsk)
	api.Get("/history", askHandler.HandleHistory)
	api.Post("/feedback", askHandler.HandleFeedback)

	api.Post("/stats/summary", statsHandler.HandleSummary)
	api.Post("/stats/pixel-count", statsHandler.HandlePixelCount)

	api.Get("/datasets/search", datasetsHandler.HandleSearch)

	api.Post("/concepts/ingest", conceptsHandler.HandleIngest)

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

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(wsHandler.HandleConnection))

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
	if evaluator != nil {
		evaluator.Wait()
	}
	appLogger.Info("Server stopped")
}
