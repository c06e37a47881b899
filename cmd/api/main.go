package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/sirupsen/logrus"

	"blueprintr/extraction-service/internal/broker"
	"blueprintr/extraction-service/internal/config"
	"blueprintr/extraction-service/internal/handlers"
	"blueprintr/extraction-service/internal/jobstore"
	"blueprintr/extraction-service/internal/jobstore/memory"
	"blueprintr/extraction-service/internal/jobstore/postgres"
	"blueprintr/extraction-service/internal/jobstore/postgrest"
	"blueprintr/extraction-service/internal/middleware"
	"blueprintr/extraction-service/internal/storage"
	"blueprintr/extraction-service/internal/taskbody"
)

func main() {
	cfg := config.Load()
	log := config.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize job store")
	}

	b, err := buildBroker(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize task broker")
	}
	defer b.Close()

	// The kinds the worker fleet registers; creation rejects anything else.
	kinds := taskbody.NewRegistry(map[string]taskbody.TaskBody{
		"pdf":      taskbody.NewPDF(),
		"dxf":      taskbody.NewDXF(),
		"analysis": taskbody.NewAnalysis(cfg.AnalysisServiceURL),
	}).Kinds()

	h := handlers.NewApplicationHandler(store, b, log, kinds)
	if cfg.SupabaseURL != "" && cfg.SupabaseServiceKey != "" {
		objectStore, err := storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.StorageBucket)
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize Supabase storage")
		}
		h.Storage = objectStore
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"status":  "error",
				"message": err.Error(),
			})
		},
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))
	app.Use(middleware.RequestLogger(log))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":  "ok",
			"message": "Extraction API is healthy",
		})
	})

	apiV1 := app.Group("/api/v1")
	apiV1.Post("/jobs", h.CreateJob)
	apiV1.Get("/jobs", h.ListJobs)
	apiV1.Get("/jobs/:jobId", h.GetJob)
	apiV1.Delete("/jobs/:jobId", h.CancelJob)
	apiV1.Post("/jobs/:jobId/retry", h.RetryJob)
	apiV1.Post("/drawings/upload", h.UploadDrawing)
	apiV1.Post("/drawings/upload/signed", h.CreateSignedUpload)

	go func() {
		<-ctx.Done()
		log.Info("Shutting down Extraction API...")
		if err := app.Shutdown(); err != nil {
			log.WithError(err).Error("Shutdown error")
		}
	}()

	log.WithField("port", cfg.Port).Info("Starting Extraction API")
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.WithError(err).Fatal("Server exited")
	}
	log.Info("Extraction API shut down gracefully")
}

func buildStore(ctx context.Context, cfg config.Config, log *logrus.Logger) (jobstore.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		store, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case "postgrest":
		return postgrest.New(cfg.SupabaseURL, cfg.SupabaseServiceKey)
	default:
		log.Warn("Using in-memory job store, jobs will not survive a restart")
		return memory.New(), nil
	}
}

func buildBroker(ctx context.Context, cfg config.Config) (broker.Broker, error) {
	if cfg.BrokerBackend == "redis" {
		return broker.NewRedis(ctx, cfg.RedisAddr)
	}
	return broker.NewMemory(256), nil
}
