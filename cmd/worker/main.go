package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"blueprintr/extraction-service/internal/broker"
	"blueprintr/extraction-service/internal/config"
	"blueprintr/extraction-service/internal/jobstore"
	"blueprintr/extraction-service/internal/jobstore/memory"
	"blueprintr/extraction-service/internal/jobstore/postgres"
	"blueprintr/extraction-service/internal/jobstore/postgrest"
	"blueprintr/extraction-service/internal/retry"
	"blueprintr/extraction-service/internal/taskbody"
	"blueprintr/extraction-service/internal/worker"
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

	registry := taskbody.NewRegistry(map[string]taskbody.TaskBody{
		"pdf":      taskbody.NewPDF(),
		"dxf":      taskbody.NewDXF(),
		"analysis": taskbody.NewAnalysis(cfg.AnalysisServiceURL),
	})

	runner := worker.NewRunner(store, b, registry, retry.DefaultPolicy(), worker.RunnerConfig{
		TaskTimeout:          cfg.TaskTimeout,
		BulkFailureThreshold: cfg.BulkFailureThreshold,
		BulkItemRetries:      cfg.BulkItemRetries,
	}, log)

	pool := worker.NewPool(runner, b, cfg.WorkerConcurrency, log)
	dispatcher := worker.NewDispatcher(store, b, cfg.DispatchInterval, log)
	sweeper := worker.NewSweeper(store, b, cfg.SweepInterval, cfg.HeartbeatTimeout, log)

	log.WithFields(logrus.Fields{
		"concurrency": cfg.WorkerConcurrency,
		"task_kinds":  registry.Kinds(),
	}).Info("Starting extraction worker")

	pool.Start(ctx)
	dispatcher.Start(ctx)
	sweeper.Start(ctx)

	<-ctx.Done()
	log.Info("Shutting down extraction worker...")

	// Stop intake first so in-flight jobs can finish their store writes,
	// then the background loops, then the broker.
	pool.Stop()
	dispatcher.Stop()
	sweeper.Stop()
	if err := b.Close(); err != nil {
		log.WithError(err).Error("Broker close error")
	}
	log.Info("Extraction worker shut down gracefully")
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
